package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/service"
)

const defaultLocationHeader = "X-Location-Hint"

// Handler holds HTTP handlers and dependencies.
// It follows the dependency injection pattern, receiving
// interfaces rather than concrete implementations for testability.
type Handler struct {
	urlService     service.URLServiceInterface // URL shortening business logic
	db             DBInterface                 // Mapping store connectivity for health checks
	cache          CacheInterface              // Optional cache connectivity for health checks
	logger         *slog.Logger                // Structured logger for validation/error logging
	locationHeader string                      // Request header carrying the click location hint
	metrics        http.Handler                // Prometheus exposition, nil disables /metrics
}

// DBInterface defines the store operations needed by the handler.
// This interface allows for easy mocking in unit tests without
// requiring a real database connection.
type DBInterface interface {
	Ping(ctx context.Context) error // Check store connectivity
}

// CacheInterface defines the cache operations needed by the handler.
// A nil cache is reported as disabled.
type CacheInterface interface {
	Ping(ctx context.Context) error
}

// Option configures optional handler behaviour
type Option func(*Handler)

// WithLocationHeader sets the header read as the click location hint
func WithLocationHeader(header string) Option {
	return func(h *Handler) {
		if header != "" {
			h.locationHeader = header
		}
	}
}

// WithMetrics exposes the given handler on GET /metrics
func WithMetrics(metrics http.Handler) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// NewHandler creates a new handler instance with the provided dependencies.
// It accepts interfaces to enable dependency injection and facilitate testing.
func NewHandler(urlService service.URLServiceInterface, db DBInterface, cache CacheInterface, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		urlService:     urlService,
		db:             db,
		cache:          cache,
		logger:         logger,
		locationHeader: defaultLocationHeader,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all route definitions on the given Gin engine.
// The caller is responsible for creating the engine and adding middleware
// before calling this method, so middleware runs in the correct order.
// Routes are organized into:
//   - Health check and metrics endpoints for monitoring
//   - API v1 endpoints for URL management (grouped under /api/v1)
//   - Public redirect endpoint for short URL resolution
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.healthCheck)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	// API v1 routes - grouped for versioning
	v1 := r.Group("/api/v1")
	{
		v1.POST("/shorten", h.createShortURL)     // Create short URL
		v1.POST("/shorten/batch", h.createBatch) // Create several short URLs
		v1.GET("/urls/:code", h.getURL)           // Get URL metadata
		v1.GET("/stats/:code", h.getStats)        // Get click history
	}

	// Redirect route (public) - must be last to avoid conflicts
	r.GET("/:code", h.redirect)
}

// healthCheck handles GET /health
// Returns the health status of the service and all dependencies.
// Response codes:
//   - 200 OK: All dependencies are healthy
//   - 503 Service Unavailable: One or more dependencies are down
func (h *Handler) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	status := "ok"
	code := http.StatusOK
	deps := gin.H{"cache": "disabled", "database": "up"}

	if h.cache != nil {
		deps["cache"] = "up"
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			deps["cache"] = "down"
		}
	}
	if err := h.db.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		deps["database"] = "down"
	}

	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// createShortURL handles POST /api/v1/shorten
// Request body: CreateURLRequest (JSON)
// Response codes:
//   - 201 Created: Short URL successfully created
//   - 400 Bad Request: Invalid request body, URL, validity or custom alias
//   - 409 Conflict: Custom alias already exists
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) createShortURL(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.CreateURLRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.urlService.CreateShortURL(ctx, &req)
	if err != nil {
		h.serviceError(c, err, "create short URL")
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// createBatch handles POST /api/v1/shorten/batch
// Each entry is processed independently; per-entry failures are reported
// in the results and do not fail the request.
// Response codes:
//   - 200 OK: Batch processed, see results
//   - 400 Bad Request: Invalid body, empty or oversized batch
func (h *Handler) createBatch(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.BatchCreateRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid batch request body",
			slog.String("error", err.Error()))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.urlService.CreateBatch(ctx, &req)
	if err != nil {
		h.serviceError(c, err, "create batch")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getURL handles GET /api/v1/urls/:code
// Retrieves metadata for a short URL without recording a click.
func (h *Handler) getURL(c *gin.Context) {
	resp, err := h.urlService.GetURL(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.serviceError(c, err, "fetch URL")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getStats handles GET /api/v1/stats/:code
func (h *Handler) getStats(c *gin.Context) {
	resp, err := h.urlService.Stats(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.serviceError(c, err, "fetch stats")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// redirect handles GET /:code
// Redirects to the long URL and records one click.
// Response codes:
//   - 302 Found: Redirects to the long URL
//   - 404 Not Found: Short code does not exist
//   - 410 Gone: URL has expired
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) redirect(c *gin.Context) {
	longURL, err := h.urlService.Resolve(c.Request.Context(), &model.ResolveRequest{
		Code:         c.Param("code"),
		Referrer:     c.Request.Referer(),
		LocationHint: c.GetHeader(h.locationHeader),
	})
	if err != nil {
		h.serviceError(c, err, "resolve")
		return
	}

	// Every access must reach the service to be counted
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, longURL)
}

// serviceError maps service errors to HTTP status codes
func (h *Handler) serviceError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidURL):
		h.errorResponse(c, http.StatusBadRequest, "Invalid URL")
	case errors.Is(err, service.ErrInvalidValidity):
		h.errorResponse(c, http.StatusBadRequest, "Invalid validity")
	case errors.Is(err, service.ErrInvalidAlias):
		h.errorResponse(c, http.StatusBadRequest, "Invalid custom alias")
	case errors.Is(err, service.ErrInvalidBatch):
		h.errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCodeExists):
		h.errorResponse(c, http.StatusConflict, "Custom alias already exists")
	case errors.Is(err, service.ErrURLNotFound):
		h.errorResponse(c, http.StatusNotFound, "URL not found")
	case errors.Is(err, service.ErrURLExpired):
		h.errorResponse(c, http.StatusGone, "URL has expired")
	default:
		h.logger.ErrorContext(c.Request.Context(), "unexpected error",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.String("code", c.Param("code")))
		h.errorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}

// errorResponse sends a standardized JSON error response.
// It uses the HTTP status code to determine the error type
// and includes a custom message for additional context.
func (h *Handler) errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, model.ErrorResponse{
		Error:   http.StatusText(status), // e.g., "Bad Request", "Not Found"
		Message: message,                 // Custom error message
	})
}
