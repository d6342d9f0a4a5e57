// Package store initializes the forecaster's artifact storage.
//
// Three backends are supported:
//
//   - memory: artifacts live in process memory and are lost on restart.
//   - file: artifacts are written under a directory, one JSON file per key.
//   - redis: artifacts and store locks are shared by every replica through
//     Redis, so several forecasters can train and serve from one store.
//
// Initialization is fail-fast: the process exits if the backend cannot be
// reached at startup.
package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/HatiCode/revcast/cmd/forecaster/config"
	"github.com/HatiCode/revcast/pkg/storage"
)

// Backend bundles an artifact store with the locker guarding it.
type Backend struct {
	Store  storage.Store
	Locker storage.Locker
	closer io.Closer
}

// Close releases backend connections.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Ping checks that the store is reachable. Memory and file stores are always
// healthy once opened.
func (b *Backend) Ping(ctx context.Context) error {
	if p, ok := b.Store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// New opens the backend selected by cfg.Storage. Calls os.Exit(1) on
// initialization failure.
func New(cfg *config.Config, logger *slog.Logger) *Backend {
	b, err := Open(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	return b
}

// Open is New without the exit.
func Open(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Storage {
	case "redis":
		logger.Info("initializing redis storage",
			"addr", cfg.RedisAddr,
			"db", cfg.RedisDB,
			"lock_ttl", cfg.LockTTL,
		)
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, err
		}
		logger.Info("redis storage initialized successfully")

		return &Backend{
			Store:  rs,
			Locker: storage.NewRedisLocker(rs.Client(), cfg.LockTTL),
			closer: rs,
		}, nil

	case "file":
		logger.Info("initializing file storage", "dir", cfg.ArtifactDir)
		fs, err := storage.NewFileStore(cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: fs, Locker: storage.NewKeyedLocker()}, nil

	default:
		logger.Info("initializing in-memory storage")
		return &Backend{Store: storage.NewMemoryStore(), Locker: storage.NewKeyedLocker()}, nil
	}
}
