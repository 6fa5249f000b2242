// Package gas provides per-call gas accounting for confidential execution.
// Cost is modeled as a flat per-execution charge plus size-scaled charges for
// storage traffic; there is no per-opcode metering.
package gas

import (
	"sync"

	"github.com/R3E-Network/enclave-runtime/tee/types"
)

// Operation cost constants.
const (
	CostExecution    uint64 = 1000 // flat charge per script execution
	CostPrecompile   uint64 = 100
	CostStoragePerKB uint64 = 10
	CostHash         uint64 = 5
)

// Accounting tracks gas for a single engine instance. The counter is reset
// at call start and readable after the call completes.
type Accounting struct {
	mu       sync.Mutex
	gasUsed  uint64
	gasLimit uint64
}

// New creates a gas accounting ledger. A zero limit means unlimited.
func New(limit uint64) *Accounting {
	return &Accounting{gasLimit: limit}
}

// Reset clears the per-call counter.
func (a *Accounting) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gasUsed = 0
}

// Use charges the given amount against the ledger. It returns
// types.ErrGasLimitExceeded once the limit is crossed; the charge is still
// recorded so GasUsed reflects the attempted spend.
func (a *Accounting) Use(amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gasUsed += amount
	if a.gasLimit > 0 && a.gasUsed > a.gasLimit {
		return types.ErrGasLimitExceeded
	}
	return nil
}

// GasUsed returns the gas consumed since the last Reset.
func (a *Accounting) GasUsed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gasUsed
}

// SetLimit updates the gas limit. A zero limit means unlimited.
func (a *Accounting) SetLimit(limit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gasLimit = limit
}

// Limit returns the configured gas limit.
func (a *Accounting) Limit() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gasLimit
}

// LimitExceeded reports whether the current spend is over the limit.
func (a *Accounting) LimitExceeded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gasLimit > 0 && a.gasUsed > a.gasLimit
}

// CostOf returns the charge for an operation type. Size-scaled operations
// charge per started KiB.
func CostOf(operation string, size uint64) uint64 {
	switch operation {
	case "execution":
		return CostExecution
	case "precompile":
		return CostPrecompile
	case "hash":
		return CostHash
	case "storage_read", "storage_write":
		kb := (size + 1023) / 1024
		if kb == 0 {
			kb = 1
		}
		return kb * CostStoragePerKB
	default:
		return 1
	}
}
