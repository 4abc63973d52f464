package model

import (
	"time"

	"github.com/google/uuid"
)

// Mapping binds a short code to its target URL for a bounded validity window
type Mapping struct {
	ID        uuid.UUID `json:"id"`
	ShortCode string    `json:"short_code"`
	LongURL   string    `json:"long_url"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Custom    bool      `json:"custom"`
}

// ClickEvent is one successful resolution of a mapping
type ClickEvent struct {
	ID           uuid.UUID `json:"id"`
	ShortCode    string    `json:"short_code"`
	Timestamp    time.Time `json:"timestamp"`
	Referrer     string    `json:"referrer,omitempty"`
	LocationHint string    `json:"location_hint,omitempty"`
}

// CreateURLRequest represents the request body for creating a short URL
type CreateURLRequest struct {
	URL             string `json:"url" binding:"required"`
	CustomAlias     string `json:"custom_alias,omitempty"`
	ValidityMinutes *int   `json:"validity_minutes,omitempty"` // nil means the configured default
}

// BatchCreateRequest carries several independent shorten requests
type BatchCreateRequest struct {
	Entries []CreateURLRequest `json:"entries" binding:"required,min=1"`
}

// ResolveRequest describes one access of a short code
type ResolveRequest struct {
	Code         string
	Now          time.Time
	Referrer     string
	LocationHint string
}

// CreateURLResponse represents the response for a created short URL
type CreateURLResponse struct {
	ShortCode string `json:"short_code"`
	ShortURL  string `json:"short_url"`
	LongURL   string `json:"long_url"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
	Custom    bool   `json:"custom"`
}

// BatchResult is the outcome of a single batch entry.
// Exactly one of URL and Error is set.
type BatchResult struct {
	Index int                `json:"index"`
	OK    bool               `json:"ok"`
	URL   *CreateURLResponse `json:"url,omitempty"`
	Error string             `json:"error,omitempty"`
}

// BatchCreateResponse lists per-entry results in request order
type BatchCreateResponse struct {
	Results []BatchResult `json:"results"`
}

// URLResponse represents the full URL metadata response
type URLResponse struct {
	ShortCode  string `json:"short_code"`
	LongURL    string `json:"long_url"`
	ShortURL   string `json:"short_url"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
	Custom     bool   `json:"custom"`
	ClickCount int64  `json:"click_count"`
}

// ClickResponse is a click as reported by the stats endpoint
type ClickResponse struct {
	Timestamp    string `json:"timestamp"`
	Referrer     string `json:"referrer"`
	LocationHint string `json:"location_hint"`
}

// StatsResponse reports the click history of a mapping
type StatsResponse struct {
	ShortCode  string          `json:"short_code"`
	LongURL    string          `json:"long_url"`
	ClickCount int64           `json:"click_count"`
	Clicks     []ClickResponse `json:"clicks"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
