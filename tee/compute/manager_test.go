package compute

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/enclave-runtime/tee/gas"
	"github.com/R3E-Network/enclave-runtime/tee/types"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()

	cfg.Logger = zerolog.Nop()
	cfg.EngineConfig.Logger = zerolog.Nop()
	return NewManager(cfg)
}

func TestManagerLazyInitialization(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	assert.Equal(t, StateUninitialized, m.EngineState())

	ec := &types.ExecutionContext{FunctionID: "fn", UserID: "alice", Code: "1 + 1"}
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.NotEqual(t, StateUninitialized, m.EngineState())
}

func TestManagerExecuteWritesBack(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	ec := &types.ExecutionContext{
		FunctionID: "doubler",
		UserID:     "alice",
		Code:       "input.value * 2",
		InputJSON:  `{"value": 21}`,
	}
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.True(t, ec.Success)
	assert.Empty(t, ec.Error)
	require.NotNil(t, ec.Result)
	assert.EqualValues(t, 42, ec.Result.Result)
	assert.Equal(t, gas.CostExecution, ec.GasUsed)
}

func TestManagerExecuteScriptFault(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	ec := &types.ExecutionContext{
		FunctionID: "fn",
		UserID:     "alice",
		Code:       `throw new Error("boom")`,
	}
	// A script fault is not a manager error; it lives in the envelope.
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.False(t, ec.Success)
	assert.Contains(t, ec.Error, "boom")
	require.NotNil(t, ec.Result)
	assert.Equal(t, types.StatusError, ec.Result.Status)
}

func TestManagerEmptyCodeSelectsPrecompiledPath(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	ec := &types.ExecutionContext{FunctionID: "missing", UserID: "alice"}
	err := m.Execute(context.Background(), ec)
	assert.ErrorIs(t, err, types.ErrNotPrecompiled)
	assert.False(t, ec.Success)

	require.NoError(t, m.Precompile("input.a + input.b", "adder"))
	assert.True(t, m.IsPrecompiled("adder"))

	ec = &types.ExecutionContext{
		FunctionID: "adder",
		UserID:     "alice",
		InputJSON:  `{"a": 40, "b": 2}`,
	}
	require.NoError(t, m.Execute(context.Background(), ec))
	assert.True(t, ec.Success)
	assert.EqualValues(t, 42, ec.Result.Result)
}

func TestManagerAppliesGasLimit(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		EngineConfig: Config{Gas: gas.New(0)},
	})

	ec := &types.ExecutionContext{
		FunctionID: "fn",
		UserID:     "alice",
		Code:       "1",
		GasLimit:   gas.CostExecution - 1,
	}
	require.NoError(t, m.Execute(context.Background(), ec))

	assert.False(t, ec.Success)
	require.NotNil(t, ec.Result)
	require.NotNil(t, ec.Result.Error)
	assert.Equal(t, "GasLimitExceeded", ec.Result.Error.Type)
}

func TestManagerNilContext(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	err := m.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestManagerCanceledContext(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ec := &types.ExecutionContext{FunctionID: "fn", UserID: "alice", Code: "1"}
	err := m.Execute(ctx, ec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ec.Success)
}

func TestManagerClearPrecompiledCache(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	require.NoError(t, m.Precompile("1", "fn"))
	require.True(t, m.IsPrecompiled("fn"))

	m.ClearPrecompiledCache()
	assert.False(t, m.IsPrecompiled("fn"))
}

func TestManagerCodeHash(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	hash, err := m.CalculateCodeHash("input.value")
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	ok, err := m.VerifyCodeHash("input.value", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.VerifyCodeHash("other", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerUsesSuppliedEngine(t *testing.T) {
	engine := NewGojaEngine(Config{Logger: zerolog.Nop()})
	m := newTestManager(t, ManagerConfig{Engine: engine})

	ec := &types.ExecutionContext{FunctionID: "fn", UserID: "alice", Code: "2 + 2"}
	require.NoError(t, m.Execute(context.Background(), ec))
	assert.EqualValues(t, 4, ec.Result.Result)

	// The manager initialized the engine it was handed.
	assert.Equal(t, StateSucceeded, engine.State())
}
