// Package secrets provides per-user named secret storage inside the
// enclave. Every value is sealed individually before it touches the
// in-memory map; the whole cross-user map is persisted as a single record,
// trading write amplification for crash consistency of one blob.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/R3E-Network/enclave-runtime/tee/enclave"
	"github.com/R3E-Network/enclave-runtime/tee/storage"
	"github.com/R3E-Network/enclave-runtime/tee/types"
)

// secretsRecordKey is the single logical record holding all users' sealed
// secrets, serialized as {user_id: {secret_name: sealed_base64}}.
const secretsRecordKey = "secrets/user_secrets"

// Config holds secret manager configuration.
type Config struct {
	Runtime enclave.Runtime
	// Store persists the sealed secret map. When nil the manager is
	// memory-only and secrets do not survive a restart.
	Store  *storage.SealedStore
	Logger zerolog.Logger
}

// Manager owns the per-user secret map. One mutex serializes all
// operations - correctness over throughput; hosts wanting parallelism run
// independent instances over separate stores.
type Manager struct {
	mu          sync.Mutex
	runtime     enclave.Runtime
	store       *storage.SealedStore
	logger      zerolog.Logger
	secrets     map[string]map[string][]byte // user -> name -> sealed value
	initialized bool
}

// New creates a secret manager. The enclave runtime is required; without it
// no value could ever be sealed.
func New(cfg Config) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}

	return &Manager{
		runtime: cfg.Runtime,
		store:   cfg.Store,
		logger:  cfg.Logger.With().Str("component", "secrets").Logger(),
		secrets: make(map[string]map[string][]byte),
	}, nil
}

// Initialize prepares the sealing runtime and loads the persisted secret
// map. Any public operation finding the manager uninitialized calls this
// first; a sealing-key failure is unrecoverable and propagates hard.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked()
}

func (m *Manager) initLocked() error {
	if m.initialized {
		return nil
	}

	if err := m.runtime.Initialize(context.Background()); err != nil {
		return fmt.Errorf("%w: %v", types.ErrEnclaveNotReady, err)
	}

	if err := m.loadLocked(); err != nil {
		return fmt.Errorf("load persisted secrets: %w", err)
	}

	m.initialized = true
	return nil
}

// IsInitialized reports whether the manager has completed initialization.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Store seals value and records it under (userID, name), then persists the
// entire cross-user map as one record.
func (m *Manager) Store(userID, name, value string) error {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if userID == "" || name == "" {
		return fmt.Errorf("%w: user id and secret name must be non-empty", types.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(); err != nil {
		return err
	}

	sealed, err := m.runtime.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	user, ok := m.secrets[userID]
	if !ok {
		user = make(map[string][]byte)
		m.secrets[userID] = user
	}
	if old, ok := user[name]; ok {
		enclave.ZeroBytes(old)
	}
	user[name] = sealed

	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("persist secrets: %w", err)
	}

	m.logger.Debug().Str("user_id", userID).Str("name", name).Msg("secret stored")
	return nil
}

// Get returns the plaintext value for (userID, name). A missing user and a
// missing secret both yield types.ErrSecretNotFound; the host boundary maps
// either to the empty-string sentinel.
func (m *Manager) Get(userID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(); err != nil {
		return "", err
	}

	sealed, ok := m.secrets[userID][name]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", types.ErrSecretNotFound, userID, name)
	}

	plaintext, err := m.runtime.Unseal(sealed)
	if err != nil {
		return "", fmt.Errorf("unseal secret: %w", err)
	}

	value := string(plaintext)
	enclave.ZeroBytes(plaintext)
	return value, nil
}

// Delete zeroizes the sealed value, prunes an emptied user entry and
// re-persists. Deleting a missing secret returns false.
func (m *Manager) Delete(userID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("delete: init failed")
		return false
	}

	user, ok := m.secrets[userID]
	if !ok {
		return false
	}
	sealed, ok := user[name]
	if !ok {
		return false
	}

	enclave.ZeroBytes(sealed)
	delete(user, name)
	if len(user) == 0 {
		delete(m.secrets, userID)
	}

	if err := m.persistLocked(); err != nil {
		m.logger.Error().Err(err).Str("user_id", userID).Msg("persist after delete")
		return false
	}
	return true
}

// List returns the secret names stored for a user, sorted. Unknown users
// get an empty list.
func (m *Manager) List(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(); err != nil {
		m.logger.Warn().Err(err).Msg("list: init failed")
		return nil
	}

	user := m.secrets[userID]
	names := make([]string, 0, len(user))
	for name := range user {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAllAsJSON unseals every secret of a user into one JSON object for bulk
// injection into an execution call. Unknown users yield "{}".
func (m *Manager) GetAllAsJSON(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(); err != nil {
		return "", err
	}

	out := make(map[string]string, len(m.secrets[userID]))
	for name, sealed := range m.secrets[userID] {
		plaintext, err := m.runtime.Unseal(sealed)
		if err != nil {
			return "", fmt.Errorf("unseal secret %s: %w", name, err)
		}
		out[name] = string(plaintext)
		enclave.ZeroBytes(plaintext)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal secrets: %w", err)
	}
	return string(raw), nil
}

// persistLocked writes the whole sealed map as one record. Caller holds the
// lock, so the read-modify-write cycle cannot interleave with other calls.
func (m *Manager) persistLocked() error {
	if m.store == nil {
		return nil
	}

	encoded := make(map[string]map[string]string, len(m.secrets))
	for userID, user := range m.secrets {
		entry := make(map[string]string, len(user))
		for name, sealed := range user {
			entry[name] = enclave.EncodeBase64(sealed)
		}
		encoded[userID] = entry
	}

	raw, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshal secret map: %w", err)
	}

	return m.store.Put(secretsRecordKey, raw)
}

// loadLocked restores the sealed map from the persisted record, if any.
func (m *Manager) loadLocked() error {
	if m.store == nil {
		return nil
	}

	raw, err := m.store.Get(secretsRecordKey)
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil
		}
		return err
	}

	var encoded map[string]map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return fmt.Errorf("unmarshal secret map: %w", err)
	}

	m.secrets = make(map[string]map[string][]byte, len(encoded))
	for userID, user := range encoded {
		entry := make(map[string][]byte, len(user))
		for name, b64 := range user {
			sealed, err := enclave.DecodeBase64(b64)
			if err != nil {
				return fmt.Errorf("decode secret %s/%s: %w", userID, name, err)
			}
			entry[name] = sealed
		}
		m.secrets[userID] = entry
	}
	return nil
}
