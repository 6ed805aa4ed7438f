// Package cli holds the start-up steps shared by the commands under cmd/.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kharcha/internal/config"
	"kharcha/internal/log"
	"kharcha/internal/storage"
)

// LoadConfig reads .env for local development, then the environment.
func LoadConfig() *config.Config {
	// Ignore errors: production and docker have no .env
	_ = godotenv.Load()
	return config.Load()
}

// SetupLogger builds the process logger at LOG_LEVEL and installs it as the
// slog default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	lc := log.DefaultConfig()
	lc.Level = log.ParseLevel(cfg.LogLevel)
	if component != "" {
		lc.Component = component
	}
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// MustValidate exits when cfg or any extra check fails.
func MustValidate(logger *log.Logger, cfg *config.Config, extra ...func() error) {
	checks := append([]func() error{cfg.Validate}, extra...)
	for _, check := range checks {
		if err := check(); err != nil {
			logger.Error("Configuration validation failed",
				log.FieldError, err,
				log.FieldErrorType, log.ErrorTypeConfiguration)
			os.Exit(1)
		}
	}
}

// InitSQLite opens the SQLite repository or exits.
func InitSQLite(logger *log.Logger, dbPath string) *storage.SQLiteRepository {
	repo, err := storage.NewSQLiteRepository(dbPath, logger)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeDatabase,
			"path", dbPath)
		os.Exit(1)
	}
	return repo
}

// ShutdownContext is cancelled on SIGINT or SIGTERM. The signal is logged.
func ShutdownContext(logger *log.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String(), log.FieldOperation, log.OpShutdown)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
