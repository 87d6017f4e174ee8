package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kozaktomas/face-attendance/internal/audit"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/profile"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// loadEnvironment loads configuration and installs the process logger.
func loadEnvironment() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// loadService builds the recognition service and loads the dataset. The
// service is returned even when loading fails; it then holds no profiles.
func loadService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*recognition.Service, error) {
	store := profile.NewStore(profile.Options{
		Dim:          cfg.Embedding.Dim,
		HighFidelity: cfg.Embedding.HighFidelity,
		Tunables:     cfg.Tunables.Profile,
		Logger:       logger,
	})
	svc := recognition.NewService(cfg, store, logger)
	snap, err := svc.Reload(ctx)
	if err != nil {
		return svc, fmt.Errorf("loading dataset %s: %w", cfg.Dataset.Root, err)
	}
	logger.Info("dataset loaded", "root", snap.Root(), "profiles", snap.Len(), "generation", snap.Generation())
	return svc, nil
}

// openJournal opens the decision journal when AUDIT_DB_PATH is set and
// attaches it to svc. The returned store is nil when auditing is disabled.
func openJournal(cfg *config.Config, svc *recognition.Service) (*audit.Store, error) {
	if cfg.Audit.DBPath == "" {
		return nil, nil
	}
	store, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening decision journal: %w", err)
	}
	if svc != nil {
		svc.SetJournal(store)
	}
	return store, nil
}

// requireJournal opens the journal for the read-only audit commands.
func requireJournal(cfg *config.Config) (*audit.Store, error) {
	if cfg.Audit.DBPath == "" {
		return nil, fmt.Errorf("AUDIT_DB_PATH is not set")
	}
	return openJournal(cfg, nil)
}
