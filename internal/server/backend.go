package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/repository"
	"github.com/zhejian/shortlink/internal/repository/memory"
	"github.com/zhejian/shortlink/internal/repository/sqlite"
	"github.com/zhejian/shortlink/migrations"
)

// Backend is the mapping store selected by STORE_DRIVER together with the
// connections it owns
type Backend struct {
	Store repository.MappingStore
	DB    Pinger
	Cache *redis.Client // nil when caching is disabled
}

// Pinger reports connectivity of a backing service
type Pinger interface {
	Ping(ctx context.Context) error
}

// alwaysUp is the pinger of the in-process store
type alwaysUp struct{}

func (alwaysUp) Ping(context.Context) error { return nil }

// redisPinger adapts *redis.Client to api.CacheInterface.
type redisPinger struct{ client *redis.Client }

func (r *redisPinger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// OpenBackend connects the configured store. For postgres the schema is
// migrated first when DB_MIGRATE is set, and the store is wrapped with the
// Redis cache when CACHE_ENABLED is set.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; mappings are lost on restart")
		return &Backend{Store: memory.New(), DB: alwaysUp{}}, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("sqlite store opened", slog.String("driver", sqlite.DriverFor(cfg.SQLite.DSN)))
		return &Backend{Store: store, DB: store}, nil
	}

	connString := cfg.Database.ConnectionString()
	if cfg.Database.Migrate {
		if err := migrations.Up(connString); err != nil {
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	pool, err := infra.NewPostgresPool(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info("database connected")

	b := &Backend{Store: repository.NewURLRepository(pool), DB: pool}
	if !cfg.Cache.Enabled {
		return b, nil
	}

	cache, err := infra.NewCacheClient(ctx, cfg.Cache.ConnectionString())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to cache: %w", err)
	}
	logger.Info("cache connected", slog.Duration("ttl", cfg.Cache.TTL))

	b.Cache = cache
	b.Store = repository.NewCachedURLRepository(b.Store, cache, cfg.Cache.TTL, logger)
	return b, nil
}

// Close releases every connection owned by the backend.
// Closing the store also closes the database pool.
func (b *Backend) Close() error {
	err := b.Store.Close()
	if b.Cache != nil {
		if cerr := b.Cache.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
