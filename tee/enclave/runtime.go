// Package enclave provides the sealing primitives of the runtime: seal and
// unseal bound to the enclave's own identity, secure random generation and
// the base64 codec used for sealed values at rest.
package enclave

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/enclave-runtime/tee/types"
)

// Mode specifies the enclave operation mode.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeHardware   Mode = "hardware"
)

// Config holds enclave runtime configuration.
type Config struct {
	Mode           Mode
	EnclaveID      string
	SealingKeyPath string
	DebugMode      bool
}

// Runtime provides the enclave sealing primitives. Sealed data is bound to
// the enclave identity: a runtime constructed with a different identity
// cannot unseal it.
type Runtime interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) error

	// Identity
	EnclaveID() string
	Mode() Mode

	// Cryptographic operations
	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
	GenerateRandom(size int) ([]byte, error)

	// Measurements
	GetMeasurement() ([]byte, error)
	GetSignerMeasurement() ([]byte, error)
}

// runtimeImpl implements Runtime.
type runtimeImpl struct {
	mu         sync.RWMutex
	config     Config
	sealingKey []byte
	ready      bool
}

// New creates a new enclave runtime.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSimulation
	}

	return &runtimeImpl{config: cfg}, nil
}

// Initialize derives the sealing key and marks the runtime ready.
func (r *runtimeImpl) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	if err := r.initSealingKey(); err != nil {
		return fmt.Errorf("init sealing key: %w", err)
	}

	r.ready = true
	return nil
}

// initSealingKey loads or generates the base key material and binds it to the
// enclave identity with HKDF. The identity binding is what makes sealed data
// foreign to every other enclave instance.
func (r *runtimeImpl) initSealingKey() error {
	base, err := r.baseKeyMaterial()
	if err != nil {
		return err
	}
	defer ZeroBytes(base)

	kdf := hkdf.New(sha256.New, base, []byte("enclave-sealing-v1"), []byte(r.config.EnclaveID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("derive sealing key: %w", err)
	}

	r.sealingKey = key
	return nil
}

// baseKeyMaterial returns the raw key material before identity binding.
func (r *runtimeImpl) baseKeyMaterial() ([]byte, error) {
	if r.config.Mode == ModeHardware {
		// In hardware mode the material comes from the CPU sealing key.
		return r.deriveHardwareKey(), nil
	}

	// Simulation mode: load from file or generate.
	if r.config.SealingKeyPath != "" {
		key, err := os.ReadFile(r.config.SealingKeyPath)
		if err == nil && len(key) == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate sealing key: %w", err)
	}

	if r.config.SealingKeyPath != "" {
		if err := os.WriteFile(r.config.SealingKeyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("save sealing key: %w", err)
		}
	}

	return key, nil
}

// deriveHardwareKey derives base key material from the platform (placeholder
// for the SGX EGETKEY path when built for hardware).
func (r *runtimeImpl) deriveHardwareKey() []byte {
	h := sha256.New()
	h.Write([]byte("SGX_SEALING_KEY"))
	h.Write([]byte(r.config.EnclaveID))
	return h.Sum(nil)
}

// Shutdown zeros the sealing key and marks the runtime not ready.
func (r *runtimeImpl) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealingKey != nil {
		ZeroBytes(r.sealingKey)
		r.sealingKey = nil
	}

	r.ready = false
	return nil
}

// Health checks if the runtime is ready for sealing operations.
func (r *runtimeImpl) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return types.ErrEnclaveNotReady
	}
	return nil
}

// EnclaveID returns the enclave identifier.
func (r *runtimeImpl) EnclaveID() string {
	return r.config.EnclaveID
}

// Mode returns the enclave mode.
func (r *runtimeImpl) Mode() Mode {
	return r.config.Mode
}

// Seal encrypts data with AES-256-GCM under the identity-bound sealing key.
func (r *runtimeImpl) Seal(plaintext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	gcm, err := r.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts data sealed by this enclave identity. Malformed or
// foreign-sealed input fails the GCM authentication check and returns an
// error - it is never reported as empty plaintext.
func (r *runtimeImpl) Unseal(ciphertext []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}

	gcm, err := r.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("unseal: ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	if plaintext == nil {
		// Authenticated empty plaintext; distinct from any failure path.
		plaintext = []byte{}
	}

	return plaintext, nil
}

func (r *runtimeImpl) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.sealingKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// GenerateRandom generates cryptographically secure random bytes.
func (r *runtimeImpl) GenerateRandom(size int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return nil, types.ErrEnclaveNotReady
	}
	if size <= 0 {
		return nil, fmt.Errorf("random size must be positive")
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate random: %w", err)
	}
	return buf, nil
}

// GetMeasurement returns the enclave measurement (MRENCLAVE).
func (r *runtimeImpl) GetMeasurement() ([]byte, error) {
	h := sha256.New()
	h.Write([]byte("MRENCLAVE"))
	h.Write([]byte(r.config.EnclaveID))
	return h.Sum(nil), nil
}

// GetSignerMeasurement returns the signer measurement (MRSIGNER).
func (r *runtimeImpl) GetSignerMeasurement() ([]byte, error) {
	h := sha256.New()
	h.Write([]byte("MRSIGNER"))
	h.Write([]byte("R3E-Network"))
	return h.Sum(nil), nil
}

// =============================================================================
// Codec & Utility Functions
// =============================================================================

// EncodeBase64 encodes sealed bytes for persistence or transport.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 text back into sealed bytes.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}

// ZeroBytes securely zeros a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureBuffer is a buffer that zeros itself when done.
type SecureBuffer struct {
	data []byte
}

// NewSecureBuffer creates a new secure buffer.
func NewSecureBuffer(size int) *SecureBuffer {
	return &SecureBuffer{data: make([]byte, size)}
}

// Data returns the buffer data.
func (b *SecureBuffer) Data() []byte {
	return b.data
}

// Zero zeros the buffer.
func (b *SecureBuffer) Zero() {
	ZeroBytes(b.data)
}
