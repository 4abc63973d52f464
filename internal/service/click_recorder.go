package service

import (
	"context"
	"log/slog"

	"github.com/zhejian/shortlink/internal/events"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
)

// ClickRecorder appends click events to a mapping's history and forwards
// them to the analytics publisher
type ClickRecorder struct {
	store     repository.MappingStore
	publisher events.Publisher
	logger    *slog.Logger
}

// NewClickRecorder creates a recorder. A nil publisher disables fan-out.
func NewClickRecorder(store repository.MappingStore, publisher events.Publisher, logger *slog.Logger) *ClickRecorder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickRecorder{store: store, publisher: publisher, logger: logger}
}

// Record appends event to the click log of m. Publishing happens in the
// background and never fails the call.
func (r *ClickRecorder) Record(ctx context.Context, m *model.Mapping, event *model.ClickEvent) error {
	if err := r.store.RecordClick(ctx, m.ShortCode, event); err != nil {
		return err
	}
	events.PublishAsync(r.publisher, *event, r.logger)
	return nil
}
