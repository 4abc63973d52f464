package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shortlink/internal/repository"
	"github.com/zhejian/shortlink/internal/repository/repotest"
	"github.com/zhejian/shortlink/internal/testutil"
)

var (
	testDB    *testutil.TestDB
	testCache *testutil.TestCache
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testDB, err = testutil.SetupTestDB(ctx)
	if err != nil {
		panic("failed to setup test database: " + err.Error())
	}

	testCache, err = testutil.SetupTestCache(ctx)
	if err != nil {
		panic("failed to setup test cache: " + err.Error())
	}

	// Run tests
	code := m.Run()

	// Cleanup
	testCache.Teardown(ctx)
	testDB.Teardown(ctx)
	os.Exit(code)
}

func TestURLRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.MappingStore {
		testDB.Cleanup(context.Background())
		return repository.NewURLRepository(testDB.Pool)
	})
}

func TestURLRepository_Put(t *testing.T) {
	repo := repository.NewURLRepository(testDB.Pool)
	ctx := context.Background()

	t.Run("success - row is written", func(t *testing.T) {
		testDB.Cleanup(ctx)

		err := repo.Put(ctx, repotest.NewMapping("abc123", time.Now(), 30*time.Minute))
		require.NoError(t, err)

		// Verify in database
		var count int
		testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM mappings WHERE short_code = $1", "abc123").Scan(&count)
		assert.Equal(t, 1, count)
	})

	t.Run("error - expiry not after creation violates check", func(t *testing.T) {
		testDB.Cleanup(ctx)

		m := repotest.NewMapping("backwards", time.Now(), 0)
		err := repo.Put(ctx, m)
		require.Error(t, err)
		assert.NotErrorIs(t, err, repository.ErrCodeConflict)
	})
}

func TestURLRepository_RecordClick(t *testing.T) {
	repo := repository.NewURLRepository(testDB.Pool)
	ctx := context.Background()

	t.Run("empty optional fields are stored as NULL", func(t *testing.T) {
		testDB.Cleanup(ctx)
		require.NoError(t, repo.Put(ctx, repotest.NewMapping("nulls", time.Now(), time.Hour)))
		require.NoError(t, repo.RecordClick(ctx, "nulls", repotest.NewClick("nulls", time.Now(), "")))

		var nulls int
		err := testDB.Pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM click_events WHERE short_code = $1 AND referrer IS NULL AND location_hint IS NULL",
			"nulls").Scan(&nulls)
		require.NoError(t, err)
		assert.Equal(t, 1, nulls)
	})

	t.Run("deleting the mapping cascades to its clicks", func(t *testing.T) {
		testDB.Cleanup(ctx)
		require.NoError(t, repo.Put(ctx, repotest.NewMapping("cascade", time.Now(), time.Hour)))
		require.NoError(t, repo.RecordClick(ctx, "cascade", repotest.NewClick("cascade", time.Now(), "")))

		_, err := testDB.Pool.Exec(ctx, "DELETE FROM mappings WHERE short_code = $1", "cascade")
		require.NoError(t, err)

		var count int
		testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM click_events WHERE short_code = $1", "cascade").Scan(&count)
		assert.Zero(t, count)
	})
}

func TestURLRepository_PurgeExpired(t *testing.T) {
	repo := repository.NewURLRepository(testDB.Pool)
	ctx := context.Background()

	t.Run("purged row stays as a tombstone without clicks", func(t *testing.T) {
		testDB.Cleanup(ctx)
		now := time.Now()
		require.NoError(t, repo.Put(ctx, repotest.NewMapping("tomb", now.Add(-2*time.Hour), time.Hour)))
		require.NoError(t, repo.RecordClick(ctx, "tomb", repotest.NewClick("tomb", now.Add(-90*time.Minute), "")))

		purged, err := repo.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"tomb"}, purged)

		var purgedAt *time.Time
		require.NoError(t, testDB.Pool.QueryRow(ctx,
			"SELECT purged_at FROM mappings WHERE short_code = $1", "tomb").Scan(&purgedAt))
		assert.NotNil(t, purgedAt)

		var clicks int
		require.NoError(t, testDB.Pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM click_events WHERE short_code = $1", "tomb").Scan(&clicks))
		assert.Zero(t, clicks)

		// a second sweep does not report the tombstone again
		purged, err = repo.PurgeExpired(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, purged)
	})
}
