// Package storage provides the persistent storage layer of the runtime:
// key/value records with per-record metadata, surviving enclave restarts.
// Record bytes are uninterpreted here; the transforms applied to them
// (compression, sealing) are recorded in metadata so a reader can
// reconstruct the original deterministically. See SealedStore for the
// compress-then-seal codec used by the rest of the runtime.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/R3E-Network/enclave-runtime/tee/types"
)

const (
	recordExt = ".rec"
	metaExt   = ".meta"
)

// Metadata describes a stored record and the transforms applied to it.
// Size, timestamps, access count and checksum are managed by the store;
// the transform fields are set by whoever encoded the record.
type Metadata struct {
	Size                 int64     `json:"size"`
	CreatedAt            time.Time `json:"created_at"`
	ModifiedAt           time.Time `json:"last_modified_at"`
	AccessedAt           time.Time `json:"last_access_at"`
	AccessCount          uint64    `json:"access_count"`
	Compressed           bool      `json:"is_compressed"`
	Encrypted            bool      `json:"is_encrypted"`
	CompressionAlgorithm string    `json:"compression_algorithm,omitempty"`
	EncryptionAlgorithm  string    `json:"encryption_algorithm,omitempty"`
	Checksum             string    `json:"checksum,omitempty"`
}

// Usage summarizes store contents.
type Usage struct {
	TotalKeys  int   `json:"total_keys"`
	TotalBytes int64 `json:"total_bytes"`
}

// Config holds storage configuration.
type Config struct {
	BasePath string
	Logger   zerolog.Logger
}

// Store is a file-backed key/value store with per-record metadata.
// Keys are opaque strings; slashes map to subdirectories.
type Store struct {
	mu          sync.RWMutex
	basePath    string
	logger      zerolog.Logger
	meta        map[string]*Metadata
	initialized bool
}

// New creates a storage layer rooted at cfg.BasePath.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("base_path is required")
	}

	return &Store{
		basePath: cfg.BasePath,
		logger:   cfg.Logger.With().Str("component", "storage").Logger(),
		meta:     make(map[string]*Metadata),
	}, nil
}

// Initialize creates the base directory and loads the metadata index from
// disk so records written before a restart remain visible.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if err := os.MkdirAll(s.basePath, 0700); err != nil {
		return fmt.Errorf("create base path: %w", err)
	}

	if err := s.loadIndex(); err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	s.initialized = true
	s.logger.Debug().Int("records", len(s.meta)).Msg("storage initialized")
	return nil
}

// loadIndex walks the base path rebuilding the in-memory metadata index.
func (s *Store) loadIndex() error {
	return filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, recordExt) {
			return err
		}

		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, recordExt))

		md := &Metadata{}
		if raw, err := os.ReadFile(path + metaExt); err == nil {
			if err := json.Unmarshal(raw, md); err != nil {
				s.logger.Warn().Str("key", key).Err(err).Msg("corrupt metadata sidecar, rebuilding")
				md = &Metadata{}
			}
		}
		if md.CreatedAt.IsZero() {
			if info, err := d.Info(); err == nil {
				md.Size = info.Size()
				md.CreatedAt = info.ModTime()
				md.ModifiedAt = info.ModTime()
			}
		}

		s.meta[key] = md
		return nil
	})
}

// Write stores raw bytes under key. Managed metadata fields are refreshed;
// transform fields survive only through a following UpdateMetadata call.
func (s *Store) Write(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.ErrStorageNotReady
	}
	path, err := s.keyToPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	now := time.Now().UTC()
	sum := sha256.Sum256(data)
	md, ok := s.meta[key]
	if !ok {
		md = &Metadata{CreatedAt: now}
		s.meta[key] = md
	}
	md.Size = int64(len(data))
	md.ModifiedAt = now
	md.Checksum = hex.EncodeToString(sum[:])
	md.Compressed = false
	md.Encrypted = false
	md.CompressionAlgorithm = ""
	md.EncryptionAlgorithm = ""

	return s.writeMetaLocked(key, md)
}

// Read returns the raw stored bytes for key, verifying the record checksum.
func (s *Store) Read(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, types.ErrStorageNotReady
	}
	path, err := s.keyToPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("read: %w", err)
	}

	md, ok := s.meta[key]
	if ok && md.Checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != md.Checksum {
			return nil, fmt.Errorf("%w: %s", types.ErrChecksumMismatch, key)
		}
	}

	if ok {
		md.AccessedAt = time.Now().UTC()
		md.AccessCount++
		// Access bookkeeping is best-effort; the record itself was read fine.
		if err := s.writeMetaLocked(key, md); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("update access metadata")
		}
	}

	return data, nil
}

// Delete removes a record. Deleting a nonexistent key returns false, not an
// error.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false
	}
	path, err := s.keyToPath(key)
	if err != nil {
		return false
	}
	if _, ok := s.meta[key]; !ok {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return false
		}
	}

	os.Remove(path + metaExt)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Str("key", key).Err(err).Msg("delete record")
		return false
	}

	delete(s.meta, key)
	return true
}

// Exists reports whether a record exists for key.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return false
	}
	if _, ok := s.meta[key]; ok {
		return true
	}
	path, err := s.keyToPath(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ListKeys returns all record keys in sorted order.
func (s *Store) ListKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.meta))
	for k := range s.meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetMetadata returns a copy of the metadata for key.
func (s *Store) GetMetadata(key string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.meta[key]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", types.ErrKeyNotFound, key)
	}
	return *md, nil
}

// UpdateMetadata records the transforms applied to a stored record. Managed
// fields (size, timestamps, checksum, access count) are not overwritten.
func (s *Store) UpdateMetadata(key string, update Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.meta[key]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrKeyNotFound, key)
	}

	md.Compressed = update.Compressed
	md.Encrypted = update.Encrypted
	md.CompressionAlgorithm = update.CompressionAlgorithm
	md.EncryptionAlgorithm = update.EncryptionAlgorithm

	return s.writeMetaLocked(key, md)
}

// GetUsage returns aggregate store statistics.
func (s *Store) GetUsage() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := Usage{TotalKeys: len(s.meta)}
	for _, md := range s.meta {
		u.TotalBytes += md.Size
	}
	return u
}

// writeMetaLocked persists the metadata sidecar for key. Caller holds the lock.
func (s *Store) writeMetaLocked(key string, md *Metadata) error {
	path, err := s.keyToPath(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+metaExt, raw, 0600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// keyToPath converts a key to a record file path, preventing path traversal.
func (s *Store) keyToPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", types.ErrInvalidArgument)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key escapes storage root: %s", types.ErrInvalidArgument, key)
	}
	return filepath.Join(s.basePath, clean) + recordExt, nil
}
