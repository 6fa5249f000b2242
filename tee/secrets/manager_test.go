package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/enclave-runtime/tee/enclave"
	"github.com/R3E-Network/enclave-runtime/tee/storage"
	"github.com/R3E-Network/enclave-runtime/tee/types"
)

type testEnv struct {
	runtime enclave.Runtime
	sealed  *storage.SealedStore
}

func newTestEnv(t *testing.T, dir string) testEnv {
	t.Helper()

	rt, err := enclave.New(enclave.Config{
		Mode:           enclave.ModeSimulation,
		EnclaveID:      "secrets-test",
		SealingKeyPath: filepath.Join(dir, "sealing.key"),
	})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	store, err := storage.New(storage.Config{BasePath: filepath.Join(dir, "data"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.Initialize())

	sealed, err := storage.NewSealed(storage.SealedConfig{Store: store, Runtime: rt})
	require.NoError(t, err)

	return testEnv{runtime: rt, sealed: sealed}
}

func newTestManager(t *testing.T, env testEnv) *Manager {
	t.Helper()

	m, err := New(Config{Runtime: env.runtime, Store: env.sealed, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, m.Initialize())
	return m
}

func TestNewRequiresRuntime(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStoreGetRoundTrip(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	require.NoError(t, m.Store("alice", "api_key", "s3cr3t"))

	got, err := m.Get("alice", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)
}

func TestStoreOverwrites(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	require.NoError(t, m.Store("alice", "token", "old"))
	require.NoError(t, m.Store("alice", "token", "new"))

	got, err := m.Get("alice", "token")
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}

func TestStoreValidatesArguments(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	assert.ErrorIs(t, m.Store("", "name", "v"), types.ErrInvalidArgument)
	assert.ErrorIs(t, m.Store("user", "", "v"), types.ErrInvalidArgument)
	assert.ErrorIs(t, m.Store("  ", "  ", "v"), types.ErrInvalidArgument)
}

func TestGetMissingSecret(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	_, err := m.Get("ghost", "nothing")
	assert.ErrorIs(t, err, types.ErrSecretNotFound)

	require.NoError(t, m.Store("alice", "known", "v"))
	_, err = m.Get("alice", "unknown")
	assert.ErrorIs(t, err, types.ErrSecretNotFound)
}

func TestUserIsolation(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	require.NoError(t, m.Store("alice", "shared_name", "alice-value"))
	require.NoError(t, m.Store("bob", "shared_name", "bob-value"))

	aliceVal, err := m.Get("alice", "shared_name")
	require.NoError(t, err)
	bobVal, err := m.Get("bob", "shared_name")
	require.NoError(t, err)

	assert.Equal(t, "alice-value", aliceVal)
	assert.Equal(t, "bob-value", bobVal)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	require.NoError(t, m.Store("alice", "a", "1"))
	require.NoError(t, m.Store("alice", "b", "2"))

	assert.True(t, m.Delete("alice", "a"))
	assert.False(t, m.Delete("alice", "a"))
	assert.False(t, m.Delete("nobody", "x"))

	assert.Equal(t, []string{"b"}, m.List("alice"))

	// Removing the last secret prunes the user entry entirely.
	assert.True(t, m.Delete("alice", "b"))
	assert.Empty(t, m.List("alice"))
}

func TestListSorted(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	require.NoError(t, m.Store("alice", "zeta", "1"))
	require.NoError(t, m.Store("alice", "alpha", "2"))
	require.NoError(t, m.Store("alice", "mid", "3"))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.List("alice"))
	assert.Empty(t, m.List("unknown"))
}

func TestGetAllAsJSON(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	raw, err := m.GetAllAsJSON("unknown")
	require.NoError(t, err)
	assert.JSONEq(t, "{}", raw)

	require.NoError(t, m.Store("alice", "api_key", "k-123"))
	require.NoError(t, m.Store("alice", "endpoint", "https://example.test"))

	raw, err = m.GetAllAsJSON("alice")
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, map[string]string{
		"api_key":  "k-123",
		"endpoint": "https://example.test",
	}, decoded)
}

func TestSecretsSurviveRestart(t *testing.T) {
	env := newTestEnv(t, t.TempDir())

	first := newTestManager(t, env)
	require.NoError(t, first.Store("alice", "api_key", "persisted"))
	require.NoError(t, first.Store("bob", "token", "also-persisted"))

	// A fresh manager over the same store reloads the persisted record.
	second := newTestManager(t, env)

	got, err := second.Get("alice", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)

	got, err = second.Get("bob", "token")
	require.NoError(t, err)
	assert.Equal(t, "also-persisted", got)
}

func TestSecretsSurviveStoreReopen(t *testing.T) {
	dir := t.TempDir()

	first := newTestManager(t, newTestEnv(t, dir))
	require.NoError(t, first.Store("alice", "api_key", "persisted"))

	// A fully fresh stack over the same directory: runtime reloading the
	// sealing key, store rebuilding its index from disk, manager loading
	// the persisted record. Nothing in memory is shared with the first.
	second := newTestManager(t, newTestEnv(t, dir))

	got, err := second.Get("alice", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)
}

func TestLazyInitialization(t *testing.T) {
	env := newTestEnv(t, t.TempDir())

	m, err := New(Config{Runtime: env.runtime, Store: env.sealed, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.False(t, m.IsInitialized())

	// First public operation initializes on demand.
	require.NoError(t, m.Store("alice", "k", "v"))
	assert.True(t, m.IsInitialized())
}

func TestMemoryOnlyManager(t *testing.T) {
	env := newTestEnv(t, t.TempDir())

	m, err := New(Config{Runtime: env.runtime, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, m.Store("alice", "k", "v"))
	got, err := m.Get("alice", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConcurrentStores(t *testing.T) {
	m := newTestManager(t, newTestEnv(t, t.TempDir()))

	const users = 8
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			assert.NoError(t, m.Store(user, "key", fmt.Sprintf("value-%d", i)))
		}(i)
	}
	wg.Wait()

	// No lost updates: every user's secret is present afterwards.
	for i := 0; i < users; i++ {
		got, err := m.Get(fmt.Sprintf("user-%d", i), "key")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), got)
	}
}
