// Command analytics-worker consumes click events published by the server
// and writes one structured log line per click.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/events"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/observability"
)

const workers = 4

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Broker.URL == "" {
		log.Fatal("AMQP_URL is required")
	}

	logger := observability.NewLogger(cfg.Observability.Environment, observability.LogFileConfig{
		Path:       cfg.Observability.LogFile,
		MaxSizeMB:  cfg.Observability.LogMaxSizeMB,
		MaxAgeDays: cfg.Observability.LogMaxAgeDays,
	}).With(slog.String("service", "analytics-worker"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := infra.NewBrokerConnection(ctx, cfg.Broker.URL)
	if err != nil {
		logger.Error("failed to connect to broker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("analytics worker started", slog.String("queue", cfg.Broker.ClickQueue), slog.Int("workers", workers))

	consumer := events.NewConsumer(conn, cfg.Broker.ClickQueue, workers, logger)
	if err := consumer.Consume(ctx, logClick(logger)); err != nil {
		logger.Error("consumer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("analytics worker stopped")
}

func logClick(logger *slog.Logger) events.Handler {
	return func(ctx context.Context, event model.ClickEvent) error {
		logger.InfoContext(ctx, "click",
			slog.String("id", event.ID.String()),
			slog.String("short_code", event.ShortCode),
			slog.Time("timestamp", event.Timestamp),
			slog.String("referrer", event.Referrer),
			slog.String("location_hint", event.LocationHint))
		return nil
	}
}
