// Package repotest holds the behavioural suite every MappingStore
// backend must pass.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
)

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) repository.MappingStore

// NewMapping builds a valid mapping created at base and valid for ttl
func NewMapping(code string, base time.Time, ttl time.Duration) *model.Mapping {
	base = base.UTC().Truncate(time.Millisecond)
	return &model.Mapping{
		ID:        uuid.New(),
		ShortCode: code,
		LongURL:   "https://example.com/" + code,
		CreatedAt: base,
		ExpiresAt: base.Add(ttl),
	}
}

// NewClick builds a click event at ts
func NewClick(code string, ts time.Time, referrer string) *model.ClickEvent {
	return &model.ClickEvent{
		ID:        uuid.New(),
		ShortCode: code,
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		Referrer:  referrer,
	}
}

// Run exercises the full MappingStore contract against newStore
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	t.Run("put then get returns the stored mapping", func(t *testing.T) {
		store := newStore(t)
		m := NewMapping("abc123", now, 30*time.Minute)
		m.Custom = true

		require.NoError(t, store.Put(ctx, m))

		got, err := store.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.LongURL, got.LongURL)
		assert.True(t, m.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", m.CreatedAt, got.CreatedAt)
		assert.True(t, m.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", m.ExpiresAt, got.ExpiresAt)
		assert.True(t, got.Custom)
	})

	t.Run("put on a bound code conflicts and keeps the first mapping", func(t *testing.T) {
		store := newStore(t)
		first := NewMapping("dup", now, time.Hour)
		second := NewMapping("dup", now, time.Hour)
		second.LongURL = "https://example.com/second"

		require.NoError(t, store.Put(ctx, first))
		err := store.Put(ctx, second)
		assert.ErrorIs(t, err, repository.ErrCodeConflict)

		got, err := store.Get(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, first.LongURL, got.LongURL)
	})

	t.Run("get unknown code returns not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("clicks are returned in arrival order", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, NewMapping("order", now, time.Hour)))

		// Identical timestamps: order must still follow arrival
		for i := 0; i < 5; i++ {
			require.NoError(t, store.RecordClick(ctx, "order", NewClick("order", now, fmt.Sprintf("ref-%d", i))))
		}

		clicks, err := store.Clicks(ctx, "order")
		require.NoError(t, err)
		require.Len(t, clicks, 5)
		for i, c := range clicks {
			assert.Equal(t, fmt.Sprintf("ref-%d", i), c.Referrer)
			assert.Equal(t, "order", c.ShortCode)
		}

		count, err := store.CountClicks(ctx, "order")
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
	})

	t.Run("click fields round-trip", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, NewMapping("fields", now, time.Hour)))

		ev := NewClick("fields", now.Add(time.Second), "https://news.example")
		ev.LocationHint = "IN"
		require.NoError(t, store.RecordClick(ctx, "fields", ev))

		clicks, err := store.Clicks(ctx, "fields")
		require.NoError(t, err)
		require.Len(t, clicks, 1)
		assert.Equal(t, ev.ID, clicks[0].ID)
		assert.True(t, ev.Timestamp.Equal(clicks[0].Timestamp))
		assert.Equal(t, "https://news.example", clicks[0].Referrer)
		assert.Equal(t, "IN", clicks[0].LocationHint)
	})

	t.Run("mapping without clicks has an empty history", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, NewMapping("quiet", now, time.Hour)))

		clicks, err := store.Clicks(ctx, "quiet")
		require.NoError(t, err)
		assert.Empty(t, clicks)

		count, err := store.CountClicks(ctx, "quiet")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("click operations on unknown code return not found", func(t *testing.T) {
		store := newStore(t)

		err := store.RecordClick(ctx, "ghost", NewClick("ghost", now, ""))
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = store.Clicks(ctx, "ghost")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = store.CountClicks(ctx, "ghost")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("purge removes only mappings expired by the cutoff", func(t *testing.T) {
		store := newStore(t)
		old := NewMapping("old", now.Add(-2*time.Hour), time.Hour)    // expired an hour ago
		edge := NewMapping("edge", now.Add(-time.Hour), time.Hour)    // expires exactly at now
		fresh := NewMapping("fresh", now.Add(-time.Minute), time.Hour) // still valid
		for _, m := range []*model.Mapping{old, edge, fresh} {
			require.NoError(t, store.Put(ctx, m))
		}
		require.NoError(t, store.RecordClick(ctx, "old", NewClick("old", now.Add(-90*time.Minute), "")))

		purged, err := store.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"old", "edge"}, purged)

		_, err = store.Get(ctx, "old")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = store.Clicks(ctx, "old")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = store.Get(ctx, "fresh")
		assert.NoError(t, err)
	})

	t.Run("put on a purged code conflicts", func(t *testing.T) {
		store := newStore(t)
		first := NewMapping("promo", now.Add(-2*time.Hour), time.Minute)
		require.NoError(t, store.Put(ctx, first))

		purged, err := store.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"promo"}, purged)

		again := NewMapping("promo", now, time.Hour)
		again.LongURL = "https://example.com/someone-else"
		assert.ErrorIs(t, store.Put(ctx, again), repository.ErrCodeConflict)

		_, err = store.Get(ctx, "promo")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		err = store.RecordClick(ctx, "promo", NewClick("promo", now, ""))
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = store.CountClicks(ctx, "promo")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		// Tombstones are purged once
		purged, err = store.PurgeExpired(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, purged)
	})

	t.Run("concurrent puts of one code admit exactly one writer", func(t *testing.T) {
		store := newStore(t)
		const writers = 20

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Put(ctx, NewMapping("race", now, time.Hour))
				switch {
				case err == nil:
					successes.Add(1)
				case assert.ErrorIs(t, err, repository.ErrCodeConflict):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())
	})

	t.Run("concurrent clicks are all recorded", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, NewMapping("busy", now, time.Hour)))
		const clicks = 25

		var wg sync.WaitGroup
		for i := 0; i < clicks; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.RecordClick(ctx, "busy", NewClick("busy", now, "")))
			}()
		}
		wg.Wait()

		count, err := store.CountClicks(ctx, "busy")
		require.NoError(t, err)
		assert.Equal(t, int64(clicks), count)
	})
}
