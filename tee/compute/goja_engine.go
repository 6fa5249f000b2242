package compute

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/enclave-runtime/tee/gas"
	"github.com/R3E-Network/enclave-runtime/tee/types"
)

const (
	maxLogEntries   = 100
	maxLogEntrySize = 4096
)

// precompiledEntry caches a registered function: the source for hash checks
// and the compiled program for execution.
type precompiledEntry struct {
	source       string
	program      *goja.Program
	registeredAt time.Time
}

// GojaEngine executes scripts on the goja JavaScript runtime. A fresh VM is
// built per call so no state leaks between executions; the engine itself is
// not reentrant and serializes calls on one mutex.
type GojaEngine struct {
	mu    sync.Mutex
	cfg   Config
	state State

	localGas uint64 // ledger used when no gas collaborator is wired

	cache map[string]*precompiledEntry
	stats CacheStats
}

// NewGojaEngine creates the production engine.
func NewGojaEngine(cfg Config) *GojaEngine {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MaxScriptSize <= 0 {
		cfg.MaxScriptSize = defaultMaxScriptSize
	}

	return &GojaEngine{
		cfg:   cfg,
		state: StateUninitialized,
		cache: make(map[string]*precompiledEntry),
	}
}

// Initialize moves the engine to Ready.
func (e *GojaEngine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateUninitialized {
		return nil
	}

	e.state = StateInitializing
	e.state = StateReady
	e.cfg.Logger.Debug().Msg("goja engine initialized")
	return nil
}

// State returns the engine lifecycle state.
func (e *GojaEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Execute validates the call and runs code, always funneling into one of
// the two envelope shapes.
func (e *GojaEngine) Execute(code, inputJSON, secretsJSON, functionID, userID string) (*types.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateUninitialized {
		return nil, types.ErrEngineNotReady
	}
	e.resetLedgerLocked()

	start := time.Now()
	if serr := e.validateCall(code, inputJSON, secretsJSON); serr != nil {
		return e.errorEnvelope(serr, functionID, userID, 0, start), nil
	}

	program, err := goja.Compile(scriptName(functionID), code, false)
	if err != nil {
		serr := &types.ScriptError{
			Message: sanitizeCompileError(err),
			Type:    "SyntaxError",
			File:    scriptName(functionID),
		}
		return e.errorEnvelope(serr, functionID, userID, 0, start), nil
	}

	return e.runLocked(program, inputJSON, secretsJSON, functionID, userID, start), nil
}

// Precompile compiles code and registers it under functionID.
func (e *GojaEngine) Precompile(code, functionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateUninitialized {
		return types.ErrEngineNotReady
	}
	if strings.TrimSpace(code) == "" || strings.TrimSpace(functionID) == "" {
		return fmt.Errorf("%w: code and function id must be non-empty", types.ErrInvalidArgument)
	}
	if len(code) > e.cfg.MaxScriptSize {
		return fmt.Errorf("%w: %d bytes", types.ErrScriptTooLarge, len(code))
	}

	program, err := goja.Compile(scriptName(functionID), code, false)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrInvalidArgument, sanitizeCompileError(err))
	}

	e.cache[functionID] = &precompiledEntry{
		source:       code,
		program:      program,
		registeredAt: time.Now(),
	}
	e.stats.Registrations++
	e.cfg.Logger.Debug().Str("function_id", functionID).Msg("function precompiled")
	return nil
}

// IsPrecompiled reports whether functionID is cached.
func (e *GojaEngine) IsPrecompiled(functionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cache[functionID]
	return ok
}

// ExecutePrecompiled runs a cached function. A missing id is a hard error.
func (e *GojaEngine) ExecutePrecompiled(functionID, inputJSON, secretsJSON, userID string) (*types.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateUninitialized {
		return nil, types.ErrEngineNotReady
	}

	entry, ok := e.cache[functionID]
	if !ok {
		e.stats.Misses++
		e.cfg.Metrics.CacheMiss()
		return nil, fmt.Errorf("%w: %s", types.ErrNotPrecompiled, functionID)
	}
	e.stats.Hits++
	e.cfg.Metrics.CacheHit()
	e.resetLedgerLocked()

	start := time.Now()
	if serr := e.validateCall(entry.source, inputJSON, secretsJSON); serr != nil {
		return e.errorEnvelope(serr, functionID, userID, 0, start), nil
	}

	return e.runLocked(entry.program, inputJSON, secretsJSON, functionID, userID, start), nil
}

// ClearPrecompiledCache drops every cached entry. Counters survive so the
// hit/miss history remains observable.
func (e *GojaEngine) ClearPrecompiledCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*precompiledEntry)
}

// CacheStats returns a snapshot of the precompile cache counters.
func (e *GojaEngine) CacheStats() CacheStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.Entries = len(e.cache)
	return stats
}

// CalculateCodeHash returns the hex SHA-256 of code.
func (e *GojaEngine) CalculateCodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// VerifyCodeHash reports whether hash matches code, in constant time.
func (e *GojaEngine) VerifyCodeHash(code, hash string) bool {
	expected := e.CalculateCodeHash(code)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(hash))) == 1
}

// GasUsed returns the gas consumed by the last call.
func (e *GojaEngine) GasUsed() uint64 {
	if e.cfg.Gas != nil {
		return e.cfg.Gas.GasUsed()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localGas
}

// ResetGasUsed clears the per-call ledger.
func (e *GojaEngine) ResetGasUsed() {
	if e.cfg.Gas != nil {
		e.cfg.Gas.Reset()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localGas = 0
}

// =============================================================================
// Execution Core
// =============================================================================

// runLocked charges gas, builds a fresh VM and executes the program. Caller
// holds the engine mutex.
func (e *GojaEngine) runLocked(program *goja.Program, inputJSON, secretsJSON, functionID, userID string, start time.Time) *types.Envelope {
	e.state = StateExecuting

	gasUsed, gasErr := e.chargeExecution()
	if gasErr != nil {
		serr := &types.ScriptError{
			Message: "gas limit exceeded",
			Type:    "GasLimitExceeded",
		}
		env := e.errorEnvelope(serr, functionID, userID, gasUsed, start)
		e.state = StateFailed
		return env
	}

	vm := goja.New()
	setupErr := e.setupEnvironment(vm, inputJSON, secretsJSON)
	if setupErr != nil {
		env := e.errorEnvelope(convertScriptError(setupErr), functionID, userID, gasUsed, start)
		e.state = StateFailed
		return env
	}

	watchdog := time.AfterFunc(e.cfg.ExecTimeout, func() {
		vm.Interrupt("execution timeout")
	})
	defer watchdog.Stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		env := e.errorEnvelope(convertScriptError(err), functionID, userID, gasUsed, start)
		e.state = StateFailed
		return env
	}

	var result any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		result = value.Export()
	}

	e.state = StateSucceeded
	return e.successEnvelope(result, functionID, userID, gasUsed, start)
}

// resetLedgerLocked clears the per-call ledger at call start, so a call that
// fails before the charge reports zero gas from both the envelope and
// GasUsed. Caller holds the engine mutex.
func (e *GojaEngine) resetLedgerLocked() {
	if e.cfg.Gas != nil {
		e.cfg.Gas.Reset()
		return
	}
	e.localGas = 0
}

// chargeExecution applies the flat per-call charge and returns the ledger
// reading. gas_used is populated on every path, including failures.
func (e *GojaEngine) chargeExecution() (uint64, error) {
	if e.cfg.Gas != nil {
		err := e.cfg.Gas.Use(gas.CostExecution)
		return e.cfg.Gas.GasUsed(), err
	}
	e.localGas = gas.CostExecution
	return e.localGas, nil
}

// validateCall fails fast on empty code or malformed JSON before anything
// sensitive runs.
func (e *GojaEngine) validateCall(code, inputJSON, secretsJSON string) *types.ScriptError {
	if strings.TrimSpace(code) == "" {
		return &types.ScriptError{Message: "code must not be empty", Type: "InvalidArgument"}
	}
	if len(code) > e.cfg.MaxScriptSize {
		return &types.ScriptError{
			Message: fmt.Sprintf("script exceeds maximum size of %d bytes", e.cfg.MaxScriptSize),
			Type:    "InvalidArgument",
		}
	}
	if inputJSON != "" && !gjson.Valid(inputJSON) {
		return &types.ScriptError{Message: "input is not valid JSON", Type: "InvalidArgument"}
	}
	if secretsJSON != "" && !gjson.Valid(secretsJSON) {
		return &types.ScriptError{Message: "secrets is not valid JSON", Type: "InvalidArgument"}
	}
	return nil
}

// setupEnvironment exposes exactly the supplied input/secrets and the
// secure primitives to the script - nothing else crosses into the VM.
func (e *GojaEngine) setupEnvironment(vm *goja.Runtime, inputJSON, secretsJSON string) error {
	input, err := parseJSONObject(inputJSON)
	if err != nil {
		return err
	}
	secrets, err := parseJSONObject(secretsJSON)
	if err != nil {
		return err
	}

	if err := vm.Set("input", input); err != nil {
		return fmt.Errorf("set input: %w", err)
	}
	if err := vm.Set("secrets", secrets); err != nil {
		return fmt.Errorf("set secrets: %w", err)
	}

	// Console output never leaves the enclave; it is capped and routed to
	// the debug log only.
	logged := 0
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		if logged >= maxLogEntries {
			return goja.Undefined()
		}
		logged++
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		entry := fmt.Sprint(args...)
		if len(entry) > maxLogEntrySize {
			entry = entry[:maxLogEntrySize]
		}
		e.cfg.Logger.Debug().Str("source", "script").Msg(entry)
		return goja.Undefined()
	})
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("set console: %w", err)
	}

	cryptoObj := vm.NewObject()
	cryptoObj.Set("sha256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		sum := sha256.Sum256([]byte(call.Arguments[0].String()))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})
	cryptoObj.Set("randomBytes", func(call goja.FunctionCall) goja.Value {
		n := 32
		if len(call.Arguments) > 0 {
			n = int(call.Arguments[0].ToInteger())
		}
		if n <= 0 || n > 1024 {
			n = 32
		}
		buf, err := e.secureRandom(n)
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(hex.EncodeToString(buf))
	})
	cryptoObj.Set("uuid", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(uuid.New().String())
	})
	if err := vm.Set("crypto", cryptoObj); err != nil {
		return fmt.Errorf("set crypto: %w", err)
	}

	return nil
}

// secureRandom draws randomness from the enclave runtime when wired.
func (e *GojaEngine) secureRandom(n int) ([]byte, error) {
	if e.cfg.Runtime != nil {
		return e.cfg.Runtime.GenerateRandom(n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// =============================================================================
// Envelope Construction
// =============================================================================

func (e *GojaEngine) successEnvelope(result any, functionID, userID string, gasUsed uint64, start time.Time) *types.Envelope {
	env := &types.Envelope{
		Result:          result,
		FunctionID:      functionID,
		UserID:          userID,
		GasUsed:         gasUsed,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Status:          types.StatusSuccess,
	}
	e.cfg.Metrics.ObserveExecution(types.StatusSuccess, gasUsed)
	return env
}

func (e *GojaEngine) errorEnvelope(serr *types.ScriptError, functionID, userID string, gasUsed uint64, start time.Time) *types.Envelope {
	env := &types.Envelope{
		Error:           serr,
		FunctionID:      functionID,
		UserID:          userID,
		GasUsed:         gasUsed,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Status:          types.StatusError,
	}
	e.cfg.Metrics.ObserveExecution(types.StatusError, gasUsed)
	return env
}

// =============================================================================
// Helpers
// =============================================================================

// parseJSONObject decodes a JSON document, treating empty input as {}.
func parseJSONObject(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	return v, nil
}

// convertScriptError maps a goja failure into the structured error shape
// without leaking enclave internals.
func convertScriptError(err error) *types.ScriptError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &types.ScriptError{
			Message: "execution timeout",
			Type:    "TimeoutError",
		}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		serr := &types.ScriptError{
			Message: exc.Value().String(),
			Stack:   exc.String(),
			Type:    "Error",
		}
		if obj, ok := exc.Value().(*goja.Object); ok {
			if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
				serr.Type = v.String()
			}
			if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
				serr.Message = v.String()
			}
			if v := obj.Get("stack"); v != nil && !goja.IsUndefined(v) {
				serr.Stack = v.String()
			}
		}
		return serr
	}

	return &types.ScriptError{Message: err.Error(), Type: "Error"}
}

func scriptName(functionID string) string {
	if functionID == "" {
		return "script.js"
	}
	return functionID + ".js"
}

// sanitizeCompileError keeps only the first line of a compile error; goja
// appends the full offending source after it.
func sanitizeCompileError(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}
