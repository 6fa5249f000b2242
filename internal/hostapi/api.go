// Package hostapi exposes the narrow JSON boundary the untrusted host
// calls: script execution, precompilation and the secret surface. External
// collaborators (chain clients, domain services) consume this boundary and
// never reach the enclave internals behind it.
package hostapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/R3E-Network/enclave-runtime/internal/metrics"
	"github.com/R3E-Network/enclave-runtime/tee/attestation"
	"github.com/R3E-Network/enclave-runtime/tee/compute"
	"github.com/R3E-Network/enclave-runtime/tee/enclave"
	"github.com/R3E-Network/enclave-runtime/tee/secrets"
	"github.com/R3E-Network/enclave-runtime/tee/types"
)

// Config holds host API configuration.
type Config struct {
	Manager  *compute.Manager
	Secrets  *secrets.Manager
	Runtime  enclave.Runtime
	Attestor *attestation.Attestor
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// API is the host-facing HTTP surface.
type API struct {
	manager  *compute.Manager
	secrets  *secrets.Manager
	runtime  enclave.Runtime
	attestor *attestation.Attestor
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	router   *mux.Router
}

// New creates the host API and wires its routes.
func New(cfg Config) *API {
	a := &API{
		manager:  cfg.Manager,
		secrets:  cfg.Secrets,
		runtime:  cfg.Runtime,
		attestor: cfg.Attestor,
		logger:   cfg.Logger.With().Str("component", "hostapi").Logger(),
		metrics:  cfg.Metrics,
		gatherer: cfg.Gatherer,
		router:   mux.NewRouter(),
	}
	a.registerRoutes()
	return a
}

// Router returns the configured router.
func (a *API) Router() *mux.Router {
	return a.router
}

func (a *API) registerRoutes() {
	a.router.HandleFunc("/execute", a.handleExecute).Methods(http.MethodPost)
	a.router.HandleFunc("/functions/{function_id}/execute", a.handleExecutePrecompiled).Methods(http.MethodPost)
	a.router.HandleFunc("/precompile", a.handlePrecompile).Methods(http.MethodPost)

	a.router.HandleFunc("/users/{user_id}/secrets", a.handleListSecrets).Methods(http.MethodGet)
	a.router.HandleFunc("/users/{user_id}/secrets/{name}", a.handleStoreSecret).Methods(http.MethodPut)
	a.router.HandleFunc("/users/{user_id}/secrets/{name}", a.handleGetSecret).Methods(http.MethodGet)
	a.router.HandleFunc("/users/{user_id}/secrets/{name}", a.handleDeleteSecret).Methods(http.MethodDelete)

	if a.attestor != nil {
		a.router.HandleFunc("/attestation", a.handleAttestationReport).Methods(http.MethodGet)
		a.router.HandleFunc("/attestation/quote", a.handleAttestationQuote).Methods(http.MethodPost)
		a.router.HandleFunc("/attestation/verify", a.handleAttestationVerify).Methods(http.MethodPost)
	}

	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	if a.gatherer != nil {
		a.router.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
}

// =============================================================================
// Execution
// =============================================================================

type executeRequest struct {
	Code       string          `json:"code,omitempty"`
	FunctionID string          `json:"function_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	Secrets    json.RawMessage `json:"secrets,omitempty"`
	UserID     string          `json:"user_id"`
	GasLimit   uint64          `json:"gas_limit,omitempty"`
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeEnvelope(w, http.StatusBadRequest, requestErrorEnvelope("", "", "malformed request body"))
		return
	}
	a.execute(w, r, req)
}

func (a *API) handleExecutePrecompiled(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeEnvelope(w, http.StatusBadRequest, requestErrorEnvelope("", "", "malformed request body"))
		return
	}
	req.Code = ""
	req.FunctionID = mux.Vars(r)["function_id"]
	a.execute(w, r, req)
}

// execute runs the shared ad hoc / precompiled path. When the request
// carries no secrets, the user's stored secrets are injected in bulk.
func (a *API) execute(w http.ResponseWriter, r *http.Request, req executeRequest) {
	secretsJSON := jsonArgument(req.Secrets)
	if secretsJSON == "" && a.secrets != nil && req.UserID != "" {
		injected, err := a.secrets.GetAllAsJSON(req.UserID)
		if err != nil {
			a.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("secret injection failed")
		} else {
			secretsJSON = injected
			a.metrics.SecretOp("inject")
		}
	}

	ec := &types.ExecutionContext{
		FunctionID:  req.FunctionID,
		UserID:      req.UserID,
		Code:        req.Code,
		InputJSON:   jsonArgument(req.Input),
		SecretsJSON: secretsJSON,
		GasLimit:    req.GasLimit,
	}

	if err := a.manager.Execute(r.Context(), ec); err != nil {
		status := http.StatusInternalServerError
		errType := "Error"
		if errors.Is(err, types.ErrNotPrecompiled) {
			status = http.StatusNotFound
			errType = "NotPrecompiled"
		} else if errors.Is(err, types.ErrInvalidArgument) {
			status = http.StatusBadRequest
			errType = "InvalidArgument"
		}
		env := requestErrorEnvelope(req.FunctionID, req.UserID, err.Error())
		env.Error.Type = errType
		a.writeEnvelope(w, status, env)
		return
	}

	a.writeEnvelope(w, http.StatusOK, ec.Result)
}

type precompileRequest struct {
	Code       string `json:"code"`
	FunctionID string `json:"function_id"`
}

type precompileResponse struct {
	Success  bool   `json:"success"`
	CodeHash string `json:"code_hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (a *API) handlePrecompile(w http.ResponseWriter, r *http.Request) {
	var req precompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, precompileResponse{Error: "malformed request body"})
		return
	}

	if err := a.manager.Precompile(req.Code, req.FunctionID); err != nil {
		a.writeJSON(w, http.StatusBadRequest, precompileResponse{Error: err.Error()})
		return
	}

	hash, err := a.manager.CalculateCodeHash(req.Code)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, precompileResponse{Error: err.Error()})
		return
	}

	a.writeJSON(w, http.StatusOK, precompileResponse{Success: true, CodeHash: hash})
}

// =============================================================================
// Secret Surface
// =============================================================================

type storeSecretRequest struct {
	Value string `json:"value"`
}

func (a *API) handleStoreSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req storeSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed request body"})
		return
	}

	if err := a.secrets.Store(vars["user_id"], vars["name"], req.Value); err != nil {
		a.logger.Warn().Err(err).Str("user_id", vars["user_id"]).Msg("store secret failed")
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		a.writeJSON(w, status, map[string]any{"success": false})
		return
	}

	a.metrics.SecretOp("store")
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	value, err := a.secrets.Get(vars["user_id"], vars["name"])
	if err != nil && !errors.Is(err, types.ErrSecretNotFound) {
		a.logger.Warn().Err(err).Str("user_id", vars["user_id"]).Msg("get secret failed")
		a.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "secret retrieval failed"})
		return
	}

	// A missing user and a missing secret both surface as the empty-string
	// sentinel; the external surface does not distinguish them.
	a.metrics.SecretOp("get")
	a.writeJSON(w, http.StatusOK, map[string]any{"name": vars["name"], "value": value})
}

func (a *API) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deleted := a.secrets.Delete(vars["user_id"], vars["name"])
	a.metrics.SecretOp("delete")
	a.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (a *API) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	names := a.secrets.List(vars["user_id"])
	if names == nil {
		names = []string{}
	}
	a.metrics.SecretOp("list")
	a.writeJSON(w, http.StatusOK, map[string]any{"user_id": vars["user_id"], "secrets": names})
}

// =============================================================================
// Attestation
// =============================================================================

func (a *API) handleAttestationReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.attestor.Report(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

type quoteRequest struct {
	// Nonce is base64; empty means the enclave picks one.
	Nonce string `json:"nonce,omitempty"`
}

func (a *API) handleAttestationQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		a.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	var nonce []byte
	if req.Nonce != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Nonce)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "nonce is not valid base64"})
			return
		}
		nonce = decoded
	}

	quote, err := a.attestor.GenerateQuote(r.Context(), nonce)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleAttestationVerify(w http.ResponseWriter, r *http.Request) {
	var quote attestation.Quote
	if err := json.NewDecoder(r.Body).Decode(&quote); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	verification, err := a.attestor.VerifyQuote(r.Context(), &quote)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, verification)
}

// =============================================================================
// Health & Helpers
// =============================================================================

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.runtime != nil {
		if err := a.runtime.Health(r.Context()); err != nil {
			a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) writeEnvelope(w http.ResponseWriter, status int, env *types.Envelope) {
	a.writeJSON(w, status, env)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("encode response")
	}
}

// requestErrorEnvelope wraps a boundary-level failure in the standard
// envelope shape so callers always receive one of the two shapes.
func requestErrorEnvelope(functionID, userID, message string) *types.Envelope {
	return &types.Envelope{
		Error:      &types.ScriptError{Message: message, Type: "Error"},
		FunctionID: functionID,
		UserID:     userID,
		Status:     types.StatusError,
	}
}

// jsonArgument accepts either a JSON document or a JSON string containing a
// document (the wire format sends input/secrets as JSON strings) and
// returns the document text.
func jsonArgument(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
