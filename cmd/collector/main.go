package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/collector"
	"github.com/pingsantohq/healthagent/internal/logging"
)

// env is read without a prefix so the variable names match the
// deployment manifests.
type env struct {
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr          string        `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminBearerToken    string        `envconfig:"ADMIN_BEARER_TOKEN"`
	DatabaseURL         string        `envconfig:"DATABASE_URL"`
	SQLitePath          string        `envconfig:"SQLITE_PATH"`
	ConfigFile          string        `envconfig:"CONFIG_FILE"`
	ConfigSignatureFile string        `envconfig:"CONFIG_SIGNATURE_FILE"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func main() {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Component(logging.New(e.LogLevel), "collector")
	if err := run(e, logger); err != nil {
		logger.Error().Err(err).Msg("collector failed")
		os.Exit(1)
	}
}

func run(e env, logger zerolog.Logger) error {
	ctx := context.Background()

	st, cleanup, err := openStore(ctx, e, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	signed, err := loadSignedConfig(e.ConfigFile, e.ConfigSignatureFile)
	if err != nil {
		return err
	}

	cfg := collector.Config{
		Addr:             e.ListenAddr,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      60 * time.Second,
		AdminBearerToken: e.AdminBearerToken,
		SignedConfig:     signed,
	}
	srv := collector.New(cfg, collector.Dependencies{Logger: &logger, Store: st})

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting collector")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("serve: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), e.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("collector stopped")
	return nil
}

func openStore(ctx context.Context, e env, logger zerolog.Logger) (collector.Store, func(), error) {
	if e.DatabaseURL != "" {
		pg, err := collector.NewPostgresStore(ctx, e.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info().Msg("using PostgreSQL store")
		return pg, pg.Close, nil
	}
	if e.SQLitePath != "" {
		lite, err := collector.NewSQLiteStore(ctx, e.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info().Str("path", e.SQLitePath).Msg("using SQLite store")
		return lite, func() { lite.Close() }, nil
	}
	logger.Warn().Msg("DATABASE_URL and SQLITE_PATH not set, using in-memory store")
	return collector.NewMemoryStore(), func() {}, nil
}

func loadSignedConfig(configPath, signaturePath string) (*collector.SignedConfig, error) {
	if configPath == "" {
		return nil, nil
	}
	if signaturePath == "" {
		signaturePath = configPath + ".minisig"
	}
	payload, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	signature, err := os.ReadFile(signaturePath)
	if err != nil {
		return nil, fmt.Errorf("read config signature: %w", err)
	}
	return &collector.SignedConfig{Payload: payload, Signature: signature}, nil
}
