// Command enclaved runs the confidential execution runtime: it brings up
// the enclave sealing primitives, sealed storage, the secret manager and
// the script execution manager, then serves the host API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/R3E-Network/enclave-runtime/internal/config"
	"github.com/R3E-Network/enclave-runtime/internal/hostapi"
	"github.com/R3E-Network/enclave-runtime/internal/logging"
	"github.com/R3E-Network/enclave-runtime/internal/metrics"
	"github.com/R3E-Network/enclave-runtime/tee/attestation"
	"github.com/R3E-Network/enclave-runtime/tee/compute"
	"github.com/R3E-Network/enclave-runtime/tee/enclave"
	"github.com/R3E-Network/enclave-runtime/tee/gas"
	"github.com/R3E-Network/enclave-runtime/tee/secrets"
	"github.com/R3E-Network/enclave-runtime/tee/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", false)
		bootLogger.Fatal().Err(err).Msg("load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.Debug)
	logger.Info().
		Str("enclave_id", cfg.EnclaveID).
		Str("mode", cfg.Mode).
		Str("engine", cfg.EngineType).
		Msg("starting enclave runtime")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := enclave.New(enclave.Config{
		Mode:           enclave.Mode(cfg.Mode),
		EnclaveID:      cfg.EnclaveID,
		SealingKeyPath: cfg.SealingKeyPath,
		DebugMode:      cfg.Debug,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create enclave runtime")
	}
	if err := runtime.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("initialize enclave runtime")
	}

	store, err := storage.New(storage.Config{
		BasePath: cfg.StoragePath,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create storage")
	}
	if err := store.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("initialize storage")
	}

	sealed, err := storage.NewSealed(storage.SealedConfig{
		Store:   store,
		Runtime: runtime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create sealed storage")
	}

	secretMgr, err := secrets.New(secrets.Config{
		Runtime: runtime,
		Store:   sealed,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create secret manager")
	}
	if err := secretMgr.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("initialize secret manager")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	manager := compute.NewManager(compute.ManagerConfig{
		EngineType: compute.ParseEngineType(cfg.EngineType),
		EngineConfig: compute.Config{
			Runtime:       runtime,
			Gas:           gas.New(cfg.GasLimit),
			ExecTimeout:   cfg.ExecTimeout,
			MaxScriptSize: cfg.MaxScriptSize,
			Logger:        logger,
			Metrics:       m,
		},
		Logger: logger,
	})

	attestor, err := attestation.New(attestation.Config{Runtime: runtime})
	if err != nil {
		logger.Fatal().Err(err).Msg("create attestor")
	}

	api := hostapi.New(hostapi.Config{
		Manager:  manager,
		Secrets:  secretMgr,
		Runtime:  runtime,
		Attestor: attestor,
		Logger:   logger,
		Metrics:  m,
		Gatherer: registry,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * cfg.ExecTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("host api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("enclave shutdown")
	}
	logger.Info().Msg("enclave runtime stopped")

	os.Exit(0)
}
