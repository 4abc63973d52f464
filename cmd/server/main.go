package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/events"
	"github.com/zhejian/shortlink/internal/infra"
	"github.com/zhejian/shortlink/internal/observability"
	"github.com/zhejian/shortlink/internal/server"
	"github.com/zhejian/shortlink/internal/service"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogFile: observability.LogFileConfig{
			Path:       cfg.Observability.LogFile,
			MaxSizeMB:  cfg.Observability.LogMaxSizeMB,
			MaxAgeDays: cfg.Observability.LogMaxAgeDays,
		},
	})
	if err != nil {
		log.Fatalf("Failed to setup observability: %v", err)
	}
	logger := obs.Logger

	// Connect the mapping store selected by STORE_DRIVER
	backend, err := server.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("driver", cfg.Database.Driver), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backend.Close()

	publisher := newPublisher(ctx, cfg, logger)
	defer publisher.Close()

	// Purge long-expired mappings in the background
	housekeeper := service.NewHousekeeper(backend.Store, cfg.Housekeeping.Interval, cfg.Housekeeping.Retention, logger)
	go housekeeper.Run(ctx)

	srv := server.NewServer(cfg, backend, publisher, obs)

	// Start server in a goroutine
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Server.Port),
			slog.String("base_url", cfg.App.BaseURL),
			slog.String("store", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	// Wait for interrupt signal (Ctrl+C or SIGTERM)
	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)

	logger.Info("server exited gracefully")
}

// newPublisher connects the click event publisher. Click fan-out is best
// effort, so a missing or unreachable broker only disables it.
func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) events.Publisher {
	if cfg.Broker.URL == "" {
		logger.Info("click event publishing disabled")
		return events.NopPublisher{}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := infra.NewBrokerConnection(dialCtx, cfg.Broker.URL)
	if err != nil {
		logger.Warn("broker unreachable, click events will not be published", slog.String("error", err.Error()))
		return events.NopPublisher{}
	}

	publisher, err := events.NewRabbitPublisher(conn, cfg.Broker.ClickQueue)
	if err != nil {
		conn.Close()
		logger.Warn("failed to open click publisher", slog.String("error", err.Error()))
		return events.NopPublisher{}
	}

	logger.Info("click event publishing enabled", slog.String("queue", cfg.Broker.ClickQueue))
	return publisher
}
