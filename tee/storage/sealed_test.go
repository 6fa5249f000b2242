package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/enclave-runtime/tee/enclave"
)

func newTestSealedStore(t *testing.T, dir string) *SealedStore {
	t.Helper()

	rt, err := enclave.New(enclave.Config{
		Mode:           enclave.ModeSimulation,
		EnclaveID:      "sealed-store-test",
		SealingKeyPath: filepath.Join(dir, "sealing.key"),
	})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	store, err := New(Config{BasePath: filepath.Join(dir, "data"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, store.Initialize())

	sealed, err := NewSealed(SealedConfig{Store: store, Runtime: rt})
	require.NoError(t, err)
	return sealed
}

func TestSealedRoundTrip(t *testing.T) {
	s := newTestSealedStore(t, t.TempDir())

	plaintext := []byte(`{"user":{"api_key":"c2VhbGVk"}}`)
	require.NoError(t, s.Put("secrets/user_secrets", plaintext))

	got, err := s.Get("secrets/user_secrets")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Small payloads skip compression but are always sealed.
	md, err := s.store.GetMetadata("secrets/user_secrets")
	require.NoError(t, err)
	assert.True(t, md.Encrypted)
	assert.Equal(t, "aes-256-gcm", md.EncryptionAlgorithm)
	assert.False(t, md.Compressed)
}

func TestSealedCompressesLargePayloads(t *testing.T) {
	s := newTestSealedStore(t, t.TempDir())

	plaintext := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, s.Put("big", plaintext))

	md, err := s.store.GetMetadata("big")
	require.NoError(t, err)
	assert.True(t, md.Compressed)
	assert.Equal(t, "gzip", md.CompressionAlgorithm)
	assert.True(t, md.Encrypted)
	assert.Less(t, md.Size, int64(len(plaintext)))

	got, err := s.Get("big")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealedRecordIsOpaqueOnDisk(t *testing.T) {
	s := newTestSealedStore(t, t.TempDir())

	plaintext := []byte("this exact phrase must not appear on disk")
	require.NoError(t, s.Put("opaque", plaintext))

	raw, err := s.store.Read("opaque")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "exact phrase")
}

func TestSealedDelete(t *testing.T) {
	s := newTestSealedStore(t, t.TempDir())

	require.NoError(t, s.Put("k", []byte("v")))
	assert.True(t, s.Exists("k"))
	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))
	assert.False(t, s.Exists("k"))
}

func TestSealedListKeys(t *testing.T) {
	s := newTestSealedStore(t, t.TempDir())

	require.NoError(t, s.Put("b", []byte("1")))
	require.NoError(t, s.Put("a", []byte("2")))

	assert.Equal(t, []string{"a", "b"}, s.ListKeys())
}

func TestSealedConcurrentPutsKeepRecordReadable(t *testing.T) {
	s := newTestSealedStore(t, t.TempDir())

	// One payload compresses, the other does not, so interleaved writers
	// would cross bytes with the wrong transform metadata.
	compressible := bytes.Repeat([]byte("aaaa"), 2048)
	incompressible := make([]byte, 512)
	_, err := rand.Read(incompressible)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				payload := compressible
				if (w+i)%2 == 0 {
					payload = incompressible
				}
				assert.NoError(t, s.Put("contended", payload))

				got, err := s.Get("contended")
				if assert.NoError(t, err) {
					ok := bytes.Equal(got, compressible) || bytes.Equal(got, incompressible)
					assert.True(t, ok, "record paired with foreign metadata")
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestCompressHelpersRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 500)

	packed, err := compress(data)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(data))

	unpacked, err := decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, data, unpacked)

	_, err = decompress([]byte("not gzip"))
	require.Error(t, err)
}
