package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/shortlink/internal/api"
	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/events"
	"github.com/zhejian/shortlink/internal/middleware"
	"github.com/zhejian/shortlink/internal/observability"
	"github.com/zhejian/shortlink/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewURLService assembles the shortening and resolution service on top of
// the backend store
func NewURLService(cfg *config.Config, backend *Backend, publisher events.Publisher, logger *slog.Logger) *service.URLService {
	generator := service.NewRandomCodeGenerator(cfg.App.ShortCodeLen)
	recorder := service.NewClickRecorder(backend.Store, publisher, logger)
	return service.NewURLService(backend.Store, generator, recorder, cfg.App, service.WithLogger(logger))
}

// NewRouter initializes all dependencies and returns a configured Gin router.
// This is useful for testing where you don't need the full HTTP server.
func NewRouter(cfg *config.Config, backend *Backend, publisher events.Publisher, obs *observability.Observability) *gin.Engine {
	urlService := NewURLService(cfg, backend, publisher, obs.Logger)

	// An untyped nil keeps the health check reporting the cache as disabled
	var cache api.CacheInterface
	if backend.Cache != nil {
		cache = &redisPinger{client: backend.Cache}
	}

	handler := api.NewHandler(urlService, backend.DB, cache, obs.Logger,
		api.WithLocationHeader(cfg.App.LocationHeader),
		api.WithMetrics(obs.MetricsHandler()),
	)

	r := gin.New()
	r.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	r.Use(middleware.Logging(obs.Logger, "/health", "/metrics"))
	r.Use(gin.Recovery())
	handler.RegisterRoutes(r)
	return r
}

// NewServer initializes all dependencies and returns a configured HTTP server.
// This includes the router plus HTTP server settings (timeouts, address, etc.).
func NewServer(cfg *config.Config, backend *Backend, publisher events.Publisher, obs *observability.Observability) *http.Server {
	router := NewRouter(cfg, backend, publisher, obs)

	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
