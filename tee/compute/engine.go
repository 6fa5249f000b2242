// Package compute provides sandboxed script execution inside the enclave:
// the engine contract, the goja-backed production engine with gas metering
// and a precompile cache, the engine factory, and the execution manager
// facade that hosts call into.
package compute

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/R3E-Network/enclave-runtime/internal/metrics"
	"github.com/R3E-Network/enclave-runtime/tee/enclave"
	"github.com/R3E-Network/enclave-runtime/tee/gas"
	"github.com/R3E-Network/enclave-runtime/tee/types"
)

// State represents the engine lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
)

// Engine is the script execution contract. Every execution path returns a
// well-formed envelope; a non-nil error is reserved for contract misuse
// (engine not initialized, unknown precompiled function), never for script
// faults.
type Engine interface {
	// Initialize prepares the engine for execution.
	Initialize() error

	// Execute validates and runs code against the supplied input and
	// secrets, returning the structured envelope.
	Execute(code, inputJSON, secretsJSON, functionID, userID string) (*types.Envelope, error)

	// Precompile validates and caches code under functionID.
	Precompile(code, functionID string) error

	// IsPrecompiled reports whether functionID is in the cache.
	IsPrecompiled(functionID string) bool

	// ExecutePrecompiled runs a cached function. A missing functionID is a
	// hard types.ErrNotPrecompiled, never a silent empty execution.
	ExecutePrecompiled(functionID, inputJSON, secretsJSON, userID string) (*types.Envelope, error)

	// ClearPrecompiledCache drops every cached entry.
	ClearPrecompiledCache()

	// CalculateCodeHash returns the stable hash of code.
	CalculateCodeHash(code string) string

	// VerifyCodeHash reports whether hash matches code.
	VerifyCodeHash(code, hash string) bool

	// Gas ledger access for the current/last call.
	GasUsed() uint64
	ResetGasUsed()

	// State returns the engine lifecycle state.
	State() State
}

// Config holds engine configuration shared by all implementations.
type Config struct {
	// Runtime backs the script-visible secure primitives. Optional; when
	// nil the crypto host object falls back to process randomness.
	Runtime enclave.Runtime

	// Gas is the gas-accounting collaborator. When nil, gas is tracked in
	// a local per-engine ledger.
	Gas *gas.Accounting

	// ExecTimeout bounds a single execution; zero selects the default.
	ExecTimeout time.Duration

	// MaxScriptSize caps accepted code size in bytes; zero selects the
	// default.
	MaxScriptSize int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

const (
	defaultExecTimeout   = 30 * time.Second
	defaultMaxScriptSize = 100 * 1024
)

// CacheStats reports precompile cache counters.
type CacheStats struct {
	Entries       int    `json:"entries"`
	Registrations uint64 `json:"registrations"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
}
