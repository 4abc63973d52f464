package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/zhejian/shortlink/internal/repository"
)

// Housekeeper periodically deletes mappings that expired more than
// retention ago. Until then they keep resolving to ErrURLExpired.
type Housekeeper struct {
	store     repository.MappingStore
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewHousekeeper(store repository.MappingStore, interval, retention time.Duration, logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("housekeeper started",
		slog.Duration("interval", h.interval),
		slog.Duration("retention", h.retention))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("housekeeper stopped")
			return
		case <-ticker.C:
			// failures are retried on the next tick
			_, _ = h.Sweep(ctx)
		}
	}
}

// Sweep purges once and returns the number of removed mappings
func (h *Housekeeper) Sweep(ctx context.Context) (int, error) {
	cutoff := h.now().UTC().Add(-h.retention)

	purged, err := h.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		h.logger.ErrorContext(ctx, "purge expired mappings failed", slog.String("error", err.Error()))
		return 0, err
	}
	if len(purged) > 0 {
		h.logger.InfoContext(ctx, "purged expired mappings",
			slog.Int("count", len(purged)),
			slog.Time("cutoff", cutoff))
	}
	return len(purged), nil
}
