// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration.
type Config struct {
	ListenAddr string `env:"ENCLAVE_LISTEN_ADDR,default=:8090"`

	EnclaveID      string `env:"ENCLAVE_ID,default=confidential-runtime"`
	Mode           string `env:"ENCLAVE_MODE,default=simulation"`
	SealingKeyPath string `env:"ENCLAVE_SEALING_KEY_PATH,default=./sealing.key"`
	StoragePath    string `env:"ENCLAVE_STORAGE_PATH,default=./sealed_store"`

	EngineType    string        `env:"ENCLAVE_ENGINE,default=goja"`
	ExecTimeout   time.Duration `env:"ENCLAVE_EXEC_TIMEOUT,default=30s"`
	MaxScriptSize int           `env:"ENCLAVE_MAX_SCRIPT_SIZE,default=102400"`
	GasLimit      uint64        `env:"ENCLAVE_GAS_LIMIT,default=0"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
	Debug    bool   `env:"ENCLAVE_DEBUG,default=false"`
}

// Load reads .env (when present) and decodes the environment.
func Load() (Config, error) {
	// A missing .env file is fine; explicit environment wins either way.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}
