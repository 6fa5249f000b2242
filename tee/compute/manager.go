package compute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/R3E-Network/enclave-runtime/tee/types"
)

// ManagerConfig holds execution manager configuration.
type ManagerConfig struct {
	// EngineType selects the engine built on first use.
	EngineType EngineType

	// Engine overrides the factory when a pre-built engine is supplied.
	Engine Engine

	// EngineConfig configures the factory-built engine.
	EngineConfig Config

	Logger zerolog.Logger
}

// Manager is the thread-safe single point of access owning one engine
// instance. One mutex wraps all engine access: only one script executes at
// a time per manager, since the engine is not assumed reentrant. Hosts
// wanting concurrency run multiple independent managers.
type Manager struct {
	mu     sync.Mutex
	cfg    ManagerConfig
	engine Engine
	logger zerolog.Logger
}

// NewManager creates an execution manager. The engine is initialized
// lazily on first use, so construction never fails.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.EngineType == "" {
		cfg.EngineType = DefaultEngineType()
	}

	return &Manager{
		cfg:    cfg,
		engine: cfg.Engine,
		logger: cfg.Logger.With().Str("component", "execution-manager").Logger(),
	}
}

// ensureEngineLocked builds and initializes the engine on first use.
// Caller holds the manager mutex.
func (m *Manager) ensureEngineLocked() error {
	if m.engine == nil {
		m.engine = NewEngine(m.cfg.EngineType, m.cfg.EngineConfig)
	}
	if m.engine.State() == StateUninitialized {
		if err := m.engine.Initialize(); err != nil {
			return fmt.Errorf("initialize engine: %w", err)
		}
	}
	return nil
}

// Execute runs the call described by ec and writes Result, GasUsed, Success
// and Error back into it. An empty Code selects the precompiled path via
// FunctionID.
func (m *Manager) Execute(ctx context.Context, ec *types.ExecutionContext) error {
	if ec == nil {
		return fmt.Errorf("%w: nil execution context", types.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		ec.Success = false
		ec.Error = err.Error()
		return err
	}
	if err := m.ensureEngineLocked(); err != nil {
		ec.Success = false
		ec.Error = err.Error()
		return err
	}

	if m.cfg.EngineConfig.Gas != nil {
		m.cfg.EngineConfig.Gas.SetLimit(ec.GasLimit)
	}

	execID := uuid.New().String()
	logger := m.logger.With().
		Str("execution_id", execID).
		Str("function_id", ec.FunctionID).
		Str("user_id", ec.UserID).
		Logger()

	var (
		env *types.Envelope
		err error
	)
	if ec.Code == "" {
		env, err = m.engine.ExecutePrecompiled(ec.FunctionID, ec.InputJSON, ec.SecretsJSON, ec.UserID)
	} else {
		env, err = m.engine.Execute(ec.Code, ec.InputJSON, ec.SecretsJSON, ec.FunctionID, ec.UserID)
	}
	if err != nil {
		ec.Success = false
		ec.Error = err.Error()
		logger.Warn().Err(err).Msg("execution rejected")
		return err
	}

	ec.Result = env
	ec.GasUsed = env.GasUsed
	ec.Success = env.Succeeded()
	if env.Error != nil {
		ec.Error = env.Error.Error()
	}

	logger.Debug().
		Str("status", env.Status).
		Uint64("gas_used", env.GasUsed).
		Int64("execution_time_ms", env.ExecutionTimeMS).
		Msg("execution finished")
	return nil
}

// Precompile validates and caches code under functionID.
func (m *Manager) Precompile(code, functionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureEngineLocked(); err != nil {
		return err
	}
	return m.engine.Precompile(code, functionID)
}

// IsPrecompiled reports whether functionID is cached.
func (m *Manager) IsPrecompiled(functionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureEngineLocked(); err != nil {
		return false
	}
	return m.engine.IsPrecompiled(functionID)
}

// ClearPrecompiledCache drops all cached functions.
func (m *Manager) ClearPrecompiledCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureEngineLocked(); err != nil {
		return
	}
	m.engine.ClearPrecompiledCache()
}

// CalculateCodeHash delegates after the same lazy-init check as Execute.
func (m *Manager) CalculateCodeHash(code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureEngineLocked(); err != nil {
		return "", err
	}
	return m.engine.CalculateCodeHash(code), nil
}

// VerifyCodeHash delegates after the same lazy-init check as Execute.
func (m *Manager) VerifyCodeHash(code, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureEngineLocked(); err != nil {
		return false, err
	}
	return m.engine.VerifyCodeHash(code, hash), nil
}

// EngineState exposes the owned engine's lifecycle state.
func (m *Manager) EngineState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return StateUninitialized
	}
	return m.engine.State()
}
