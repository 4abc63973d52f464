// Package sqlite implements the mapping store on SQLite. Local files use
// the pure-Go modernc driver; libsql:// and wss:// DSNs go to a remote
// libsql server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/libsql-client-go/libsql" // remote libsql driver
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
	moderncsqlite "modernc.org/sqlite" // pure-Go SQLite driver (no CGO)
	sqlite3 "modernc.org/sqlite/lib"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mappings (
  id         TEXT    NOT NULL,
  short_code TEXT    NOT NULL PRIMARY KEY,
  long_url   TEXT    NOT NULL,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL,
  custom     INTEGER NOT NULL DEFAULT 0,
  purged_at  INTEGER,
  CHECK (expires_at > created_at)
);

CREATE INDEX IF NOT EXISTS idx_mappings_expires_at ON mappings(expires_at);

CREATE TABLE IF NOT EXISTS click_events (
  seq           INTEGER PRIMARY KEY AUTOINCREMENT,
  id            TEXT    NOT NULL,
  short_code    TEXT    NOT NULL REFERENCES mappings(short_code) ON DELETE CASCADE,
  occurred_at   INTEGER NOT NULL,
  referrer      TEXT    NOT NULL DEFAULT '',
  location_hint TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_click_events_code_seq ON click_events(short_code, seq);
`

var pragmas = []string{
	"PRAGMA busy_timeout = 5000;",
	"PRAGMA journal_mode = WAL;",
	"PRAGMA foreign_keys = ON;",
}

// Store implements repository.MappingStore backed by SQLite.
// Timestamps are stored as Unix nanoseconds so they round-trip exactly.
type Store struct {
	db *sql.DB
}

// DriverFor picks the database/sql driver name for a DSN
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "wss://") {
		return "libsql"
	}
	return "sqlite"
}

// Open opens (or creates) the database at dsn and applies the schema
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver := DriverFor(dsn)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// One connection serialises writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for health checks
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Put(ctx context.Context, m *model.Mapping) error {
	const q = `
INSERT INTO mappings(id, short_code, long_url, created_at, expires_at, custom)
VALUES (?, ?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, q,
		m.ID.String(),
		m.ShortCode,
		m.LongURL,
		m.CreatedAt.UnixNano(),
		m.ExpiresAt.UnixNano(),
		m.Custom,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrCodeConflict
		}
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, code string) (*model.Mapping, error) {
	const q = `
SELECT id, short_code, long_url, created_at, expires_at, custom
FROM mappings
WHERE short_code = ? AND purged_at IS NULL;`

	var (
		m                  model.Mapping
		id                 string
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, q, code).Scan(&id, &m.ShortCode, &m.LongURL, &created, &expiresAt, &m.Custom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("select mapping: %w", err)
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode mapping id: %w", err)
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	m.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &m, nil
}

func (s *Store) RecordClick(ctx context.Context, code string, event *model.ClickEvent) error {
	const q = `
INSERT INTO click_events(id, short_code, occurred_at, referrer, location_hint)
SELECT ?, short_code, ?, ?, ? FROM mappings WHERE short_code = ? AND purged_at IS NULL;`
	res, err := s.db.ExecContext(ctx, q,
		event.ID.String(),
		event.Timestamp.UnixNano(),
		event.Referrer,
		event.LocationHint,
		code,
	)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) Clicks(ctx context.Context, code string) ([]model.ClickEvent, error) {
	if err := s.ensureExists(ctx, code); err != nil {
		return nil, err
	}

	const q = `
SELECT id, short_code, occurred_at, referrer, location_hint
FROM click_events
WHERE short_code = ?
ORDER BY seq;`
	rows, err := s.db.QueryContext(ctx, q, code)
	if err != nil {
		return nil, fmt.Errorf("select clicks: %w", err)
	}
	defer rows.Close()

	events := []model.ClickEvent{}
	for rows.Next() {
		var (
			ev model.ClickEvent
			id string
			ts int64
		)
		if err := rows.Scan(&id, &ev.ShortCode, &ts, &ev.Referrer, &ev.LocationHint); err != nil {
			return nil, fmt.Errorf("scan click: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("decode click id: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) CountClicks(ctx context.Context, code string) (int64, error) {
	if err := s.ensureExists(ctx, code); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM click_events WHERE short_code = ?;`, code).Scan(&n); err != nil {
		return 0, fmt.Errorf("count clicks: %w", err)
	}
	return n, nil
}

// PurgeExpired tombstones expired mappings and deletes their click logs in
// one transaction. Tombstoned rows keep their code bound.
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (purged []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := before.UnixNano()
	rows, err := tx.QueryContext(ctx,
		`SELECT short_code FROM mappings WHERE expires_at <= ? AND purged_at IS NULL;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	for rows.Next() {
		var code string
		if err = rows.Scan(&code); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		purged = append(purged, code)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx, `
DELETE FROM click_events
WHERE short_code IN (SELECT short_code FROM mappings WHERE expires_at <= ? AND purged_at IS NULL);`, cutoff); err != nil {
		return nil, fmt.Errorf("purge clicks: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE mappings SET purged_at = ? WHERE expires_at <= ? AND purged_at IS NULL;`,
		time.Now().UnixNano(), cutoff); err != nil {
		return nil, fmt.Errorf("tombstone mappings: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return purged, nil
}

// Close releases the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureExists(ctx context.Context, code string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM mappings WHERE short_code = ? AND purged_at IS NULL;`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup mapping: %w", err)
	}
	return nil
}

// isUniqueViolation checks the extended result code from the local driver.
// The libsql client only surfaces the SQLite message.
func isUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "constraint failed: mappings.short_code")
}

var _ repository.MappingStore = (*Store)(nil)
