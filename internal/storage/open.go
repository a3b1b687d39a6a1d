package storage

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/log"
)

// Open builds the backend selected by the resolved configuration. Remote
// backends are wrapped with the transient-failure retry policy; the
// embedded and in-memory backends fail fast and are returned bare.
func Open(ctx context.Context, cfg config.Resolved, logger log.Logger) (Backend, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	switch cfg.Kind {
	case config.KindDisabled:
		logger.Info("thread persistence disabled, using in-memory store")
		return NewMemory(logger), nil

	case config.KindSQLite:
		backend, err := NewSQLite(cfg.Target, cfg.TableName, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite backend: %w", err)
		}
		return backend, nil

	case config.KindPostgres:
		backend, err := NewPostgres(ctx, cfg.Target, cfg.TableName, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		return WithRetry(backend, logger), nil

	case config.KindManagedSQL:
		backend, err := NewManagedSQL(cfg.Target, cfg.TableName, logger)
		if err != nil {
			return nil, fmt.Errorf("managed sql backend: %w", err)
		}
		return WithRetry(backend, logger), nil

	case config.KindDocument:
		backend, err := NewDocument(ctx, cfg.Target, cfg.TableName, logger)
		if err != nil {
			return nil, fmt.Errorf("document backend: %w", err)
		}
		return WithRetry(backend, logger), nil

	default:
		return nil, fmt.Errorf("unsupported backend kind %q", cfg.Kind)
	}
}
