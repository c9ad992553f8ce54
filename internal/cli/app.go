package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/tweetkb/internal/config"
	"github.com/randalmurphal/tweetkb/internal/db"
)

// app bundles the pieces every command needs: loaded configuration, a
// migrated state store, and a logger.
type app struct {
	cfg    *config.Config
	store  *db.Store
	logger *slog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := db.Open(databaseDSN(cfg))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: store, logger: logger}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

// databaseDSN resolves a relative SQLite path against the project
// root; postgres URLs and absolute paths pass through.
func databaseDSN(cfg *config.Config) string {
	url := cfg.Storage.DatabaseURL
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") || filepath.IsAbs(url) {
		return url
	}
	return cfg.KBPath(url)
}
