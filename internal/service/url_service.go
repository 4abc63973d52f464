package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidURL         = errors.New("invalid URL format")
	ErrInvalidValidity    = errors.New("validity must be a positive number of minutes")
	ErrInvalidAlias       = errors.New("invalid custom alias format")
	ErrCodeExists         = errors.New("custom alias already exists")
	ErrGeneratorExhausted = errors.New("failed to generate short URL")
	ErrURLNotFound        = errors.New("URL not found")
	ErrURLExpired         = errors.New("URL has expired")
	ErrInvalidBatch       = errors.New("invalid batch size")
)

// maxValidityMinutes keeps expiresAt representable (ten years)
const maxValidityMinutes = 10 * 365 * 24 * 60

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

const instrumentationName = "github.com/zhejian/shortlink/internal/service"

var tracer = otel.Tracer(instrumentationName)

// URLServiceInterface defines the contract for URL shortening operations
type URLServiceInterface interface {
	CreateShortURL(ctx context.Context, req *model.CreateURLRequest) (*model.CreateURLResponse, error)
	CreateBatch(ctx context.Context, req *model.BatchCreateRequest) (*model.BatchCreateResponse, error)
	GetURL(ctx context.Context, code string) (*model.URLResponse, error)
	Stats(ctx context.Context, code string) (*model.StatsResponse, error)
	Resolve(ctx context.Context, req *model.ResolveRequest) (string, error)
}

// URLService handles business logic for URL operations
type URLService struct {
	store     repository.MappingStore
	generator CodeGenerator
	recorder  *ClickRecorder
	cfg       config.AppConfig
	now       func() time.Time
	logger    *slog.Logger

	shortens metric.Int64Counter
	resolves metric.Int64Counter
	clicks   metric.Int64Counter
}

// Option customizes a URLService
type Option func(*URLService)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *URLService) { s.now = now }
}

// WithLogger sets the service logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *URLService) { s.logger = logger }
}

// NewURLService creates a new URL service
func NewURLService(store repository.MappingStore, generator CodeGenerator, recorder *ClickRecorder, cfg config.AppConfig, opts ...Option) *URLService {
	// Resolved per service so instruments bind to the current provider
	meter := otel.Meter(instrumentationName)
	s := &URLService{
		store:     store,
		generator: generator,
		recorder:  recorder,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
		shortens:  counter(meter, "shortlink.shorten", "Shorten attempts by outcome"),
		resolves:  counter(meter, "shortlink.resolve", "Resolutions by outcome"),
		clicks:    counter(meter, "shortlink.clicks.recorded", "Click events appended"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}

// CreateShortURL creates a new shortened URL
func (s *URLService) CreateShortURL(ctx context.Context, req *model.CreateURLRequest) (*model.CreateURLResponse, error) {
	ctx, span := tracer.Start(ctx, "URLService.CreateShortURL")
	defer span.End()

	m, err := s.shorten(ctx, req)
	s.shortens.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		if isClientError(err) {
			s.logRejected(ctx, req, err)
		}
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("short_code", m.ShortCode))
	return s.toCreateResponse(m), nil
}

// CreateBatch shortens each entry independently, in order. A failing entry
// is reported in its result and does not stop later entries.
func (s *URLService) CreateBatch(ctx context.Context, req *model.BatchCreateRequest) (*model.BatchCreateResponse, error) {
	if n := len(req.Entries); n == 0 || n > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d entries, allowed 1 to %d", ErrInvalidBatch, n, s.cfg.MaxBatchSize)
	}

	ctx, span := tracer.Start(ctx, "URLService.CreateBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(req.Entries))))
	defer span.End()

	resp := &model.BatchCreateResponse{Results: make([]model.BatchResult, 0, len(req.Entries))}
	for i := range req.Entries {
		result := model.BatchResult{Index: i}
		m, err := s.shorten(ctx, &req.Entries[i])
		s.shortens.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		switch {
		case err == nil:
			result.OK = true
			result.URL = s.toCreateResponse(m)
		case isClientError(err):
			s.logRejected(ctx, &req.Entries[i], err, slog.Int("index", i))
			result.Error = err.Error()
		default:
			s.logger.ErrorContext(ctx, "batch entry failed",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			result.Error = "internal server error"
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

// GetURL retrieves URL metadata by short code
func (s *URLService) GetURL(ctx context.Context, code string) (*model.URLResponse, error) {
	ctx, span := tracer.Start(ctx, "URLService.GetURL", trace.WithAttributes(attribute.String("short_code", code)))
	defer span.End()

	m, err := s.getAndValidate(ctx, code, s.now())
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	count, err := s.store.CountClicks(ctx, code)
	if err != nil {
		recordError(span, err)
		return nil, s.translate(err)
	}

	return &model.URLResponse{
		ShortCode:  m.ShortCode,
		LongURL:    m.LongURL,
		ShortURL:   s.shortURL(m.ShortCode),
		CreatedAt:  formatTime(m.CreatedAt),
		ExpiresAt:  formatTime(m.ExpiresAt),
		Custom:     m.Custom,
		ClickCount: count,
	}, nil
}

// Stats returns the click history of a live mapping in access order
func (s *URLService) Stats(ctx context.Context, code string) (*model.StatsResponse, error) {
	ctx, span := tracer.Start(ctx, "URLService.Stats", trace.WithAttributes(attribute.String("short_code", code)))
	defer span.End()

	m, err := s.getAndValidate(ctx, code, s.now())
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	history, err := s.store.Clicks(ctx, code)
	if err != nil {
		recordError(span, err)
		return nil, s.translate(err)
	}

	clicks := make([]model.ClickResponse, 0, len(history))
	for _, c := range history {
		clicks = append(clicks, model.ClickResponse{
			Timestamp:    formatTime(c.Timestamp),
			Referrer:     c.Referrer,
			LocationHint: c.LocationHint,
		})
	}

	return &model.StatsResponse{
		ShortCode:  m.ShortCode,
		LongURL:    m.LongURL,
		ClickCount: int64(len(clicks)),
		Clicks:     clicks,
	}, nil
}

// Resolve returns the long URL for a live code and appends exactly one
// click event stamped with req.Now. Unknown or expired codes record nothing.
func (s *URLService) Resolve(ctx context.Context, req *model.ResolveRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "URLService.Resolve", trace.WithAttributes(attribute.String("short_code", req.Code)))
	defer span.End()

	longURL, err := s.resolve(ctx, req)
	s.resolves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		recordError(span, err)
		return "", err
	}
	return longURL, nil
}

func (s *URLService) resolve(ctx context.Context, req *model.ResolveRequest) (string, error) {
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	now = normalize(now)

	m, err := s.getAndValidate(ctx, req.Code, now)
	if err != nil {
		return "", err
	}

	event := &model.ClickEvent{
		ID:           uuid.New(),
		ShortCode:    m.ShortCode,
		Timestamp:    now,
		Referrer:     req.Referrer,
		LocationHint: req.LocationHint,
	}
	if err := s.recorder.Record(ctx, m, event); err != nil {
		return "", s.translate(err)
	}
	s.clicks.Add(ctx, 1)
	s.logger.InfoContext(ctx, "short URL resolved",
		slog.String("short_code", m.ShortCode),
		slog.String("referrer", req.Referrer))

	return m.LongURL, nil
}

// shorten validates req and inserts exactly one mapping on success
func (s *URLService) shorten(ctx context.Context, req *model.CreateURLRequest) (*model.Mapping, error) {
	longURL, err := s.validateURL(req.URL)
	if err != nil {
		return nil, err
	}

	validity, err := s.validity(req.ValidityMinutes)
	if err != nil {
		return nil, err
	}

	if req.CustomAlias != "" {
		if err := s.validateAlias(req.CustomAlias); err != nil {
			return nil, err
		}
	}

	createdAt := normalize(s.now())
	m := &model.Mapping{
		ID:        uuid.New(),
		LongURL:   longURL,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(validity),
	}

	// Custom aliases are user intent: a collision is reported, never retried
	if req.CustomAlias != "" {
		m.ShortCode = req.CustomAlias
		m.Custom = true
		if err := s.store.Put(ctx, m); err != nil {
			if errors.Is(err, repository.ErrCodeConflict) {
				return nil, ErrCodeExists
			}
			return nil, fmt.Errorf("store mapping: %w", err)
		}
		s.logCreated(ctx, m)
		return m, nil
	}

	for attempt := 0; attempt < s.cfg.ShortCodeRetries; attempt++ {
		candidate, err := s.generator.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate short code: %w", err)
		}
		m.ShortCode = candidate
		err = s.store.Put(ctx, m)
		if err == nil {
			s.logCreated(ctx, m)
			return m, nil
		}
		if !errors.Is(err, repository.ErrCodeConflict) {
			return nil, fmt.Errorf("store mapping: %w", err)
		}
		s.logger.DebugContext(ctx, "short code collision",
			slog.String("short_code", candidate),
			slog.Int("attempt", attempt+1))
	}

	s.logger.ErrorContext(ctx, "short code space exhausted",
		slog.Int("attempts", s.cfg.ShortCodeRetries),
		slog.Int("code_length", s.cfg.ShortCodeLen),
		slog.Bool("alert", true))
	return nil, ErrGeneratorExhausted
}

func (s *URLService) logCreated(ctx context.Context, m *model.Mapping) {
	s.logger.InfoContext(ctx, "mapping created",
		slog.String("short_code", m.ShortCode),
		slog.Bool("custom", m.Custom),
		slog.String("long_url", m.LongURL),
		slog.String("expires_at", formatTime(m.ExpiresAt)))
}

// logRejected records why a shorten request was refused
func (s *URLService) logRejected(ctx context.Context, req *model.CreateURLRequest, err error, attrs ...any) {
	attrs = append(attrs,
		slog.String("error", err.Error()),
		slog.String("url", strings.TrimSpace(req.URL)))
	if req.CustomAlias != "" {
		attrs = append(attrs, slog.String("custom_alias", req.CustomAlias))
	}
	s.logger.WarnContext(ctx, "shorten request rejected", attrs...)
}

func (s *URLService) validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", ErrInvalidURL
	}
	if !slices.Contains(s.cfg.AllowedSchemes, strings.ToLower(u.Scheme)) {
		return "", ErrInvalidURL
	}
	return raw, nil
}

func (s *URLService) validity(minutes *int) (time.Duration, error) {
	if minutes == nil {
		return time.Duration(s.cfg.DefaultValidityMinutes) * time.Minute, nil
	}
	if *minutes <= 0 || *minutes > maxValidityMinutes {
		return 0, ErrInvalidValidity
	}
	return time.Duration(*minutes) * time.Minute, nil
}

func (s *URLService) validateAlias(alias string) error {
	if len(alias) < s.cfg.MinAliasLen || len(alias) > s.cfg.MaxAliasLen {
		return ErrInvalidAlias
	}
	if !aliasPattern.MatchString(alias) {
		return ErrInvalidAlias
	}
	return nil
}

// getAndValidate fetches the mapping and applies the expiry policy at now
func (s *URLService) getAndValidate(ctx context.Context, code string, now time.Time) (*model.Mapping, error) {
	m, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, s.translate(err)
	}
	if IsExpired(m, now) {
		return nil, ErrURLExpired
	}
	return m, nil
}

// translate maps store sentinels onto service errors
func (s *URLService) translate(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrURLNotFound
	}
	return err
}

func (s *URLService) shortURL(code string) string {
	return s.cfg.BaseURL + "/" + code
}

func (s *URLService) toCreateResponse(m *model.Mapping) *model.CreateURLResponse {
	return &model.CreateURLResponse{
		ShortCode: m.ShortCode,
		ShortURL:  s.shortURL(m.ShortCode),
		LongURL:   m.LongURL,
		CreatedAt: formatTime(m.CreatedAt),
		ExpiresAt: formatTime(m.ExpiresAt),
		Custom:    m.Custom,
	}
}

// normalize drops sub-millisecond precision so every backend round-trips
// timestamps exactly
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isClientError reports whether err was caused by the caller's input
func isClientError(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrInvalidValidity) ||
		errors.Is(err, ErrInvalidAlias) ||
		errors.Is(err, ErrCodeExists)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrURLNotFound):
		return "unknown_code"
	case errors.Is(err, ErrURLExpired):
		return "expired"
	case errors.Is(err, ErrCodeExists):
		return "code_in_use"
	case errors.Is(err, ErrGeneratorExhausted):
		return "exhausted"
	case isClientError(err):
		return "invalid"
	default:
		return "error"
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Ensure URLService implements URLServiceInterface at compile time
var _ URLServiceInterface = (*URLService)(nil)
