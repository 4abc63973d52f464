package repository

import (
	"context"
	"errors"
	"time"

	"github.com/zhejian/shortlink/internal/model"
	"go.opentelemetry.io/otel"
)

var (
	ErrNotFound     = errors.New("mapping not found")
	ErrCodeConflict = errors.New("short code already exists")
)

var tracer = otel.Tracer("github.com/zhejian/shortlink/internal/repository")

// MappingStore is the persistence contract shared by every backend.
//
// Put is a compare-and-insert: it binds the code only if it is unbound and
// returns ErrCodeConflict otherwise, leaving the store unchanged. Get,
// RecordClick and Clicks return ErrNotFound for codes that were never
// issued or have been purged. Clicks are returned in arrival order.
//
// PurgeExpired drops the click logs of expired mappings and leaves a
// tombstone for each code, so a purged code stays bound and Put on it
// conflicts. It returns only codes purged by this call.
type MappingStore interface {
	Put(ctx context.Context, m *model.Mapping) error
	Get(ctx context.Context, code string) (*model.Mapping, error)
	RecordClick(ctx context.Context, code string, event *model.ClickEvent) error
	Clicks(ctx context.Context, code string) ([]model.ClickEvent, error)
	CountClicks(ctx context.Context, code string) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) ([]string, error)
	Close() error
}
