package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/zhejian/shortlink/internal/model"
	"golang.org/x/sync/singleflight"
)

const notFoundSentinel = "__NOT_FOUND__"

// negativeTTL bounds how long a miss is remembered. Put overwrites the
// sentinel, so this only matters when another writer bypasses the cache.
const negativeTTL = 30 * time.Second

// CachedURLRepository decorates a MappingStore with a Redis cache-aside
// layer for Get. Mappings never change once written, so a cached entry
// stays valid until the mapping is purged. Click operations pass through.
type CachedURLRepository struct {
	store   MappingStore
	cache   *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  *slog.Logger
}

// NewCachedURLRepository wraps store. A nil cache turns the decorator into
// a pass-through.
func NewCachedURLRepository(store MappingStore, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedURLRepository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CachedURLRepository{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return r
}

func cacheKey(code string) string {
	return fmt.Sprintf("url:%s", code)
}

// Put writes through: the store decides, then the cache learns the result.
// If the write-through fails the key is evicted so an earlier negative
// entry cannot hide the new mapping.
func (r *CachedURLRepository) Put(ctx context.Context, m *model.Mapping) error {
	if err := r.store.Put(ctx, m); err != nil {
		return err
	}
	key := cacheKey(m.ShortCode)
	data, err := json.Marshal(m)
	if err != nil || !r.cacheSet(ctx, key, data, r.ttl) {
		r.cacheDel(ctx, key)
	}
	return nil
}

// Get with cache-aside pattern
func (r *CachedURLRepository) Get(ctx context.Context, code string) (*model.Mapping, error) {
	key := cacheKey(code)

	// 1. Try cache first; Redis errors fall through to the store
	if cached, ok := r.cacheGet(ctx, key); ok {
		if cached == notFoundSentinel {
			return nil, ErrNotFound
		}
		var m model.Mapping
		if err := json.Unmarshal([]byte(cached), &m); err == nil {
			return &m, nil
		}
		r.cacheDel(ctx, key)
	}

	// 2. Query the store once per code no matter how many callers missed
	v, err, _ := r.group.Do(code, func() (interface{}, error) {
		m, err := r.store.Get(ctx, code)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.cacheSet(ctx, key, notFoundSentinel, negativeTTL)
			}
			return nil, err
		}
		// 3. Store in cache
		if data, err := json.Marshal(m); err == nil {
			r.cacheSet(ctx, key, data, r.ttl)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	m := *v.(*model.Mapping)
	return &m, nil
}

func (r *CachedURLRepository) RecordClick(ctx context.Context, code string, event *model.ClickEvent) error {
	return r.store.RecordClick(ctx, code, event)
}

func (r *CachedURLRepository) Clicks(ctx context.Context, code string) ([]model.ClickEvent, error) {
	return r.store.Clicks(ctx, code)
}

func (r *CachedURLRepository) CountClicks(ctx context.Context, code string) (int64, error) {
	return r.store.CountClicks(ctx, code)
}

// PurgeExpired deletes from the store, then evicts the purged codes
func (r *CachedURLRepository) PurgeExpired(ctx context.Context, before time.Time) ([]string, error) {
	codes, err := r.store.PurgeExpired(ctx, before)
	if err != nil {
		return nil, err
	}
	if len(codes) > 0 {
		keys := make([]string, len(codes))
		for i, code := range codes {
			keys[i] = cacheKey(code)
		}
		r.cacheDel(ctx, keys...)
	}
	return codes, nil
}

func (r *CachedURLRepository) Close() error {
	return r.store.Close()
}

func (r *CachedURLRepository) cacheGet(ctx context.Context, key string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, err := r.breaker.Execute(func() (interface{}, error) {
		val, err := r.cache.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		r.logger.DebugContext(ctx, "cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		return "", false
	}
	val, ok := v.(string)
	return val, ok
}

// cacheSet reports whether the value reached the cache
func (r *CachedURLRepository) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if r.cache == nil {
		return true
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.cache.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		r.logger.DebugContext(ctx, "cache set failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (r *CachedURLRepository) cacheDel(ctx context.Context, keys ...string) {
	if r.cache == nil {
		return
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.cache.Del(ctx, keys...).Err()
	})
	if err != nil {
		r.logger.WarnContext(ctx, "cache eviction failed", slog.Int("keys", len(keys)), slog.String("error", err.Error()))
	}
}

var _ MappingStore = (*CachedURLRepository)(nil)
