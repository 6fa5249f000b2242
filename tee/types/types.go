// Package types defines the shared types and sentinel errors of the
// confidential-execution runtime. This is the foundation layer - all
// cross-package types live here to avoid circular dependencies.
//
// Architecture:
//
//	The runtime is the trust root for script execution. All sensitive
//	operations (secrets, sealing, execution state) happen inside the
//	enclave. Data NEVER leaves the enclave in plaintext.
package types

import "errors"

// =============================================================================
// Core Errors
// =============================================================================

var (
	ErrEnclaveNotReady  = errors.New("enclave not ready")
	ErrKeyNotFound      = errors.New("key not found")
	ErrSecretNotFound   = errors.New("secret not found")
	ErrNotPrecompiled   = errors.New("function not precompiled")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrGasLimitExceeded = errors.New("gas limit exceeded")
	ErrChecksumMismatch = errors.New("storage checksum mismatch")
	ErrEngineNotReady   = errors.New("engine not ready")
	ErrScriptTooLarge   = errors.New("script exceeds maximum size")
	ErrStorageNotReady  = errors.New("storage not initialized")
)

// =============================================================================
// Execution Envelope
// =============================================================================

// Status values carried by every execution envelope.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ScriptError is the structured error shape returned for any script or
// validation fault. Raw enclave internals never appear here.
type ScriptError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	File    string `json:"file,omitempty"`
}

func (e *ScriptError) Error() string {
	if e.Type != "" {
		return e.Type + ": " + e.Message
	}
	return e.Message
}

// Envelope is the structured JSON wrapper returned by every execution call.
// Exactly one of Result or Error is populated, discriminated by Status.
type Envelope struct {
	Result          any          `json:"result,omitempty"`
	Error           *ScriptError `json:"error,omitempty"`
	FunctionID      string       `json:"function_id"`
	UserID          string       `json:"user_id"`
	GasUsed         uint64       `json:"gas_used"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
	Status          string       `json:"status"`
}

// Succeeded reports whether the envelope carries a successful result.
func (e *Envelope) Succeeded() bool {
	return e != nil && e.Status == StatusSuccess
}

// =============================================================================
// Execution Context
// =============================================================================

// ExecutionContext carries the state of a single execution call. It is
// created per call (or reconstructed from a precompiled entry), mutated only
// during that call and discarded after - it has no persisted identity beyond
// the precompile cache.
type ExecutionContext struct {
	FunctionID  string
	UserID      string
	Code        string
	InputJSON   string
	SecretsJSON string
	GasLimit    uint64

	// Written back by the execution manager.
	GasUsed uint64
	Result  *Envelope
	Success bool
	Error   string
}
