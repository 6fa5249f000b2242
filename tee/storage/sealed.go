package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/R3E-Network/enclave-runtime/tee/enclave"
)

const (
	compressionAlgorithm = "gzip"
	encryptionAlgorithm  = "aes-256-gcm"

	// Records below this size skip the compression attempt.
	defaultCompressThreshold = 256
)

// SealedStore layers the enclave codec over the raw store: records are
// compressed when it helps, then sealed, and the applied transforms are
// recorded in metadata. Decode order is strictly unseal-then-decompress.
// The mutex keeps a record's bytes and its transform metadata paired: the
// underlying store locks each call separately, so without it concurrent
// Puts to one key could cross one writer's bytes with the other's metadata.
type SealedStore struct {
	mu                sync.Mutex
	store             *Store
	runtime           enclave.Runtime
	compressThreshold int
}

// SealedConfig holds sealed store configuration.
type SealedConfig struct {
	Store   *Store
	Runtime enclave.Runtime
	// CompressThreshold is the minimum plaintext size that triggers a
	// compression attempt. Zero selects the default.
	CompressThreshold int
}

// NewSealed creates a sealed store over an initialized raw store.
func NewSealed(cfg SealedConfig) (*SealedStore, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	threshold := cfg.CompressThreshold
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}

	return &SealedStore{
		store:             cfg.Store,
		runtime:           cfg.Runtime,
		compressThreshold: threshold,
	}, nil
}

// Put compresses (when beneficial) and seals plaintext, then writes the
// record and its transform metadata as one atomic pair.
func (s *SealedStore) Put(key string, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := plaintext
	compressed := false

	if len(plaintext) >= s.compressThreshold {
		if packed, err := compress(plaintext); err == nil && len(packed) < len(plaintext) {
			payload = packed
			compressed = true
		}
	}

	sealed, err := s.runtime.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal record: %w", err)
	}

	if err := s.store.Write(key, sealed); err != nil {
		return err
	}

	md := Metadata{
		Compressed: compressed,
		Encrypted:  true,
	}
	if compressed {
		md.CompressionAlgorithm = compressionAlgorithm
	}
	md.EncryptionAlgorithm = encryptionAlgorithm

	return s.store.UpdateMetadata(key, md)
}

// Get reads a record and reverses the transforms its metadata records.
func (s *SealedStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Read(key)
	if err != nil {
		return nil, err
	}

	md, err := s.store.GetMetadata(key)
	if err != nil {
		return nil, err
	}

	if md.Encrypted {
		data, err = s.runtime.Unseal(data)
		if err != nil {
			return nil, fmt.Errorf("unseal record %s: %w", key, err)
		}
	}

	if md.Compressed {
		data, err = decompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompress record %s: %w", key, err)
		}
	}

	return data, nil
}

// Delete removes a record; false when the key does not exist.
func (s *SealedStore) Delete(key string) bool {
	return s.store.Delete(key)
}

// Exists reports whether a record exists.
func (s *SealedStore) Exists(key string) bool {
	return s.store.Exists(key)
}

// ListKeys returns all record keys.
func (s *SealedStore) ListKeys() []string {
	return s.store.ListKeys()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
