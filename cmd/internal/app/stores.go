package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"burnbox/cmd/internal/object"
	"burnbox/cmd/internal/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// openStore builds the configured record store. The pool is non-nil only for
// the postgres store; the app owns its lifecycle.
func openStore(ctx context.Context, cfg Config, log *slog.Logger) (object.Store, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.DBAutoMigrate {
			applied, err := object.Migrate(ctx, pool, cfg.DBSchema)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("db.migrate.done", "schema", cfg.DBSchema, "applied", len(applied))
		}
		st, err := object.NewPostgresStore(pool, object.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.enabled", "store", StorePostgres, "schema", cfg.DBSchema)
		return st, pool, nil

	case StoreBolt:
		st, err := object.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt: %w", err)
		}
		log.Info("store.enabled", "store", StoreBolt, "path", cfg.BoltPath)
		return st, nil, nil

	default:
		log.Info("store.enabled", "store", StoreMemory)
		return object.NewMemoryStore(), nil, nil
	}
}

// rateBackend is the configured counter backend plus whatever needs closing or sweeping.
type rateBackend struct {
	backend ratelimit.Backend
	memory  *ratelimit.MemoryBackend
	redis   *redis.Client
}

func openRateBackend(ctx context.Context, cfg Config, log *slog.Logger) rateBackend {
	if cfg.RateBackend != RateBackendRedis {
		mb := ratelimit.NewMemoryBackend()
		return rateBackend{backend: mb, memory: mb}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	// Not fatal: the governor applies its fail-closed or fail-open policy per request.
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("ratelimit.redis.unreachable", "addr", cfg.RedisAddr, "err", err)
	} else {
		log.Info("ratelimit.backend", "backend", RateBackendRedis, "addr", cfg.RedisAddr)
	}
	return rateBackend{backend: ratelimit.NewRedisBackend(rdb), redis: rdb}
}

func (b rateBackend) ping(ctx context.Context) error {
	if b.redis == nil {
		return nil
	}
	return b.redis.Ping(ctx).Err()
}

func (b rateBackend) close() error {
	if b.redis == nil {
		return nil
	}
	return b.redis.Close()
}
