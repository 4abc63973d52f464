package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/shortlink/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const pgUniqueViolation = "23505"

// URLRepository stores mappings and their click logs in PostgreSQL
type URLRepository struct {
	db *pgxpool.Pool
}

// NewURLRepository creates a new URL repository
func NewURLRepository(db *pgxpool.Pool) *URLRepository {
	return &URLRepository{db: db}
}

func startSpan(ctx context.Context, name, operation, table, code string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
			attribute.String("short_code", code),
		),
	)
}

// Put inserts a new mapping. The unique index on short_code makes the
// insert the single arbiter between racing writers. Purged rows keep
// their code, so a tombstoned code conflicts like a live one.
func (r *URLRepository) Put(ctx context.Context, m *model.Mapping) error {
	ctx, span := startSpan(ctx, "db.insert", "INSERT", "mappings", m.ShortCode)
	defer span.End()

	query := `
		INSERT INTO mappings (id, short_code, long_url, created_at, expires_at, custom)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		m.ID,
		m.ShortCode,
		m.LongURL,
		m.CreatedAt,
		m.ExpiresAt,
		m.Custom,
	)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCodeConflict
		}
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

// Get retrieves a mapping by its short code
func (r *URLRepository) Get(ctx context.Context, code string) (*model.Mapping, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", "mappings", code)
	defer span.End()

	query :=
		`SELECT id, short_code, long_url, created_at, expires_at, custom
		FROM mappings
		WHERE short_code = $1 AND purged_at IS NULL`
	var m model.Mapping
	err := r.db.QueryRow(ctx, query, code).Scan(
		&m.ID,
		&m.ShortCode,
		&m.LongURL,
		&m.CreatedAt,
		&m.ExpiresAt,
		&m.Custom,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("select mapping: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.ExpiresAt = m.ExpiresAt.UTC()
	return &m, nil
}

// RecordClick appends a click to the mapping's log. The insert selects
// the live mapping row FOR SHARE, so a missing or purged code inserts
// nothing and a concurrent purge waits for the click to commit.
func (r *URLRepository) RecordClick(ctx context.Context, code string, event *model.ClickEvent) error {
	ctx, span := startSpan(ctx, "db.insert", "INSERT", "click_events", code)
	defer span.End()

	query := `
		INSERT INTO click_events (id, short_code, occurred_at, referrer, location_hint)
		SELECT $1, short_code, $3, $4, $5 FROM mappings
		WHERE short_code = $2 AND purged_at IS NULL
		FOR SHARE
	`
	result, err := r.db.Exec(ctx, query,
		event.ID,
		code,
		event.Timestamp,
		nullable(event.Referrer),
		nullable(event.LocationHint),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert click: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Clicks returns the click log of a mapping in arrival order
func (r *URLRepository) Clicks(ctx context.Context, code string) ([]model.ClickEvent, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", "click_events", code)
	defer span.End()

	if err := r.ensureExists(ctx, code); err != nil {
		return nil, err
	}

	query := `
		SELECT id, short_code, occurred_at, COALESCE(referrer, ''), COALESCE(location_hint, '')
		FROM click_events
		WHERE short_code = $1
		ORDER BY seq
	`
	rows, err := r.db.Query(ctx, query, code)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select clicks: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ClickEvent, error) {
		var ev model.ClickEvent
		err := row.Scan(&ev.ID, &ev.ShortCode, &ev.Timestamp, &ev.Referrer, &ev.LocationHint)
		ev.Timestamp = ev.Timestamp.UTC()
		return ev, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan clicks: %w", err)
	}
	return events, nil
}

// CountClicks returns the number of clicks recorded for a mapping
func (r *URLRepository) CountClicks(ctx context.Context, code string) (int64, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", "click_events", code)
	defer span.End()

	if err := r.ensureExists(ctx, code); err != nil {
		return 0, err
	}

	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM click_events WHERE short_code = $1`, code).Scan(&count)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("count clicks: %w", err)
	}
	return count, nil
}

// PurgeExpired tombstones mappings that expired at or before the given
// time and drops their click logs. The row and its code stay behind so
// the code is never issued again.
func (r *URLRepository) PurgeExpired(ctx context.Context, before time.Time) ([]string, error) {
	ctx, span := startSpan(ctx, "db.update", "UPDATE", "mappings", "")
	defer span.End()

	var codes []string
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE mappings SET purged_at = now()
			WHERE expires_at <= $1 AND purged_at IS NULL
			RETURNING short_code`, before)
		if err != nil {
			return err
		}
		codes, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil || len(codes) == 0 {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM click_events WHERE short_code = ANY($1)`, codes)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("purge mappings: %w", err)
	}
	return codes, nil
}

// Close releases the pool
func (r *URLRepository) Close() error {
	r.db.Close()
	return nil
}

func (r *URLRepository) ensureExists(ctx context.Context, code string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mappings WHERE short_code = $1 AND purged_at IS NULL)`, code).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup mapping: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ MappingStore = (*URLRepository)(nil)
