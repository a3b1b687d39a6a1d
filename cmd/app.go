package cmd

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/thread"
)

// App holds the wired dependencies shared by all commands.
type App struct {
	Config   *config.Config
	Resolved config.Resolved
	Store    *thread.Store
	Logger   log.Logger
}

// setup loads configuration, opens the selected storage backend and builds
// the thread store on top of it.
func setup(ctx context.Context) (*App, error) {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	resolved := cfg.Resolve(logger)

	backend, err := storage.Open(ctx, resolved, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage backend: %w", err)
	}
	if err := backend.EnsureSchema(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("preparing storage schema: %w", err)
	}

	serializer, err := buildSerializer(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	store := thread.NewStore(backend, serializer, thread.Options{
		IDPrefix:      resolved.IDPrefix,
		RequireAuth:   resolved.RequireAuth,
		UserIsolation: resolved.UserIsolation,
		MaxThreads:    resolved.MaxThreads,
		Logger:        logger,
	})

	return &App{
		Config:   cfg,
		Resolved: resolved,
		Store:    store,
		Logger:   logger,
	}, nil
}

// buildSerializer returns the checkpoint serializer, wrapped with at-rest
// encryption when configured.
func buildSerializer(cfg *config.Config) (thread.Serializer, error) {
	base := thread.NewJSONSerializer()
	if !cfg.EnableEncryption {
		return base, nil
	}
	cipher, err := thread.NewAESCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("building checkpoint cipher: %w", err)
	}
	return thread.NewEncryptingSerializer(base, cipher), nil
}

// memoryStore builds a non-persistent store used as the degrade path when
// the configured backend is unreachable.
func (a *App) memoryStore() *thread.Store {
	return thread.NewStore(storage.NewMemory(a.Logger), nil, thread.Options{
		IDPrefix:      a.Resolved.IDPrefix,
		RequireAuth:   a.Resolved.RequireAuth,
		UserIsolation: a.Resolved.UserIsolation,
		Logger:        a.Logger,
	})
}

// Close releases the storage backend.
func (a *App) Close() error {
	return a.Store.Close()
}
