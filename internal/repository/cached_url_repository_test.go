package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
	"github.com/zhejian/shortlink/internal/repository/memory"
	"github.com/zhejian/shortlink/internal/repository/repotest"
	"github.com/zhejian/shortlink/internal/testutil"
)

// testDB and testCache are declared and initialized in url_repository_test.go's TestMain

const cacheTTL = 5 * time.Minute

// countingStore counts Get calls reaching the wrapped store
type countingStore struct {
	repository.MappingStore
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, code string) (*model.Mapping, error) {
	c.gets.Add(1)
	return c.MappingStore.Get(ctx, code)
}

func TestCachedURLRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.MappingStore {
		ctx := context.Background()
		testDB.Cleanup(ctx)
		testCache.Reset(t)
		return repository.NewCachedURLRepository(repository.NewURLRepository(testDB.Pool), testCache.Client, cacheTTL, nil)
	})
}

func TestCachedURLRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("cache miss - fetches from store and caches", func(t *testing.T) {
		testCache.Reset(t)
		base := memory.New()
		repo := repository.NewCachedURLRepository(base, testCache.Client, cacheTTL, nil)
		require.NoError(t, base.Put(ctx, repotest.NewMapping("cachemiss", time.Now(), time.Hour)))

		m, err := repo.Get(ctx, "cachemiss")
		require.NoError(t, err)
		assert.Equal(t, "cachemiss", m.ShortCode)

		// Verify it's now cached
		exists, _ := testCache.Client.Exists(ctx, "url:cachemiss").Result()
		assert.Equal(t, int64(1), exists, "expected mapping to be cached after fetch")
	})

	t.Run("cache hit - served without touching the store", func(t *testing.T) {
		testCache.Reset(t)
		base := &countingStore{MappingStore: memory.New()}
		repo := repository.NewCachedURLRepository(base, testCache.Client, cacheTTL, nil)
		require.NoError(t, base.Put(ctx, repotest.NewMapping("cachehit", time.Now(), time.Hour)))

		_, err := repo.Get(ctx, "cachehit")
		require.NoError(t, err)
		m, err := repo.Get(ctx, "cachehit")
		require.NoError(t, err)

		assert.Equal(t, "https://example.com/cachehit", m.LongURL)
		assert.Equal(t, int32(1), base.gets.Load())
	})

	t.Run("negative caching - caches not found", func(t *testing.T) {
		testCache.Reset(t)
		repo := repository.NewCachedURLRepository(memory.New(), testCache.Client, cacheTTL, nil)

		_, err := repo.Get(ctx, "notfound")
		require.ErrorIs(t, err, repository.ErrNotFound)

		cached, err := testCache.Client.Get(ctx, "url:notfound").Result()
		require.NoError(t, err)
		assert.Equal(t, "__NOT_FOUND__", cached)
	})

	t.Run("concurrent misses collapse into one store read", func(t *testing.T) {
		testCache.Reset(t)
		base := &countingStore{MappingStore: memory.New()}
		repo := repository.NewCachedURLRepository(base, nil, cacheTTL, nil)
		require.NoError(t, base.Put(ctx, repotest.NewMapping("hot", time.Now(), time.Hour)))

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m, err := repo.Get(ctx, "hot")
				assert.NoError(t, err)
				assert.Equal(t, "hot", m.ShortCode)
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, base.gets.Load(), int32(50))
		assert.GreaterOrEqual(t, base.gets.Load(), int32(1))
	})

	t.Run("graceful degradation - works when redis is unreachable", func(t *testing.T) {
		dead := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond})
		defer dead.Close()
		base := memory.New()
		repo := repository.NewCachedURLRepository(base, dead, cacheTTL, nil)
		require.NoError(t, repo.Put(ctx, repotest.NewMapping("nocache", time.Now(), time.Hour)))

		for i := 0; i < 10; i++ {
			m, err := repo.Get(ctx, "nocache")
			require.NoError(t, err)
			assert.Equal(t, "nocache", m.ShortCode)
		}
	})
}

func TestCachedURLRepository_Put(t *testing.T) {
	ctx := context.Background()

	t.Run("write-through - caches on put", func(t *testing.T) {
		testCache.Reset(t)
		repo := repository.NewCachedURLRepository(memory.New(), testCache.Client, cacheTTL, nil)

		require.NoError(t, repo.Put(ctx, repotest.NewMapping("created", time.Now(), time.Hour)))

		raw, err := testCache.Client.Get(ctx, "url:created").Result()
		require.NoError(t, err)
		var cached model.Mapping
		require.NoError(t, json.Unmarshal([]byte(raw), &cached))
		assert.Equal(t, "https://example.com/created", cached.LongURL)
	})

	t.Run("overwrites negative cache on put", func(t *testing.T) {
		testCache.Reset(t)
		repo := repository.NewCachedURLRepository(memory.New(), testCache.Client, cacheTTL, nil)

		_, _ = repo.Get(ctx, "overwrite")
		cached, _ := testCache.Client.Get(ctx, "url:overwrite").Result()
		require.Equal(t, "__NOT_FOUND__", cached, "expected negative cache entry")

		require.NoError(t, repo.Put(ctx, repotest.NewMapping("overwrite", time.Now(), time.Hour)))

		m, err := repo.Get(ctx, "overwrite")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/overwrite", m.LongURL)
	})

	t.Run("failed write-through evicts a stale negative entry", func(t *testing.T) {
		testCache.Reset(t)
		require.NoError(t, testCache.Client.Set(ctx, "url:fresh", "__NOT_FOUND__", time.Minute).Err())

		flaky := testCache.ClientWithHook(t, testutil.FailCommands{
			Names: []string{"set"},
			Err:   errors.New("READONLY You can't write against a read only replica"),
		})
		repo := repository.NewCachedURLRepository(memory.New(), flaky, cacheTTL, nil)

		require.NoError(t, repo.Put(ctx, repotest.NewMapping("fresh", time.Now(), time.Hour)))

		exists, err := testCache.Client.Exists(ctx, "url:fresh").Result()
		require.NoError(t, err)
		assert.Zero(t, exists, "expected negative entry to be evicted")

		m, err := repo.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/fresh", m.LongURL)
	})

	t.Run("put on a purged code keeps answering not found", func(t *testing.T) {
		testCache.Reset(t)
		repo := repository.NewCachedURLRepository(memory.New(), testCache.Client, cacheTTL, nil)
		now := time.Now()

		require.NoError(t, repo.Put(ctx, repotest.NewMapping("reused", now.Add(-2*time.Hour), time.Hour)))
		_, err := repo.PurgeExpired(ctx, now)
		require.NoError(t, err)

		again := repotest.NewMapping("reused", now, time.Hour)
		require.ErrorIs(t, repo.Put(ctx, again), repository.ErrCodeConflict)

		_, err = repo.Get(ctx, "reused")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("conflict leaves the cached winner in place", func(t *testing.T) {
		testCache.Reset(t)
		repo := repository.NewCachedURLRepository(memory.New(), testCache.Client, cacheTTL, nil)

		first := repotest.NewMapping("taken", time.Now(), time.Hour)
		second := repotest.NewMapping("taken", time.Now(), time.Hour)
		second.LongURL = "https://example.com/loser"

		require.NoError(t, repo.Put(ctx, first))
		require.ErrorIs(t, repo.Put(ctx, second), repository.ErrCodeConflict)

		m, err := repo.Get(ctx, "taken")
		require.NoError(t, err)
		assert.Equal(t, first.LongURL, m.LongURL)
	})
}

func TestCachedURLRepository_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	testCache.Reset(t)
	repo := repository.NewCachedURLRepository(memory.New(), testCache.Client, cacheTTL, nil)

	now := time.Now()
	require.NoError(t, repo.Put(ctx, repotest.NewMapping("stale", now.Add(-2*time.Hour), time.Hour)))
	_, err := repo.Get(ctx, "stale")
	require.NoError(t, err)

	purged, err := repo.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, purged)

	exists, _ := testCache.Client.Exists(ctx, "url:stale").Result()
	assert.Zero(t, exists, "expected purged code to be evicted")

	_, err = repo.Get(ctx, "stale")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
