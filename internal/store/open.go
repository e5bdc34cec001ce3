package store

import (
	"context"
	"fmt"

	"github.com/dense-identity/callsession/internal/config"
)

// Open returns the backend selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Coordinator) (Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory, "":
		return NewMemoryStore(cfg.HistoryLimit), nil
	case config.StoreRedis:
		r, err := NewRedisStore(ctx, RedisOptions{
			Addr:         cfg.RedisAddr,
			Username:     cfg.RedisUsername,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			Prefix:       cfg.RedisPrefix,
			TTL:          cfg.RecordTTL,
			HistoryLimit: cfg.HistoryLimit,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.StorePostgres:
		p, err := OpenPostgres(ctx, cfg.PostgresDSN, PostgresPool{})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
