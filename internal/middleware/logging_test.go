package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewJSONHandler(buf, nil))

	r := gin.New()
	r.Use(Logging(logger, "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/:code", func(c *gin.Context) {
		if c.Param("code") == "gone01" {
			c.Status(http.StatusGone)
			return
		}
		c.Redirect(http.StatusFound, "https://example.com")
	})
	return r
}

func TestLogging(t *testing.T) {
	t.Run("logs route, status and short code", func(t *testing.T) {
		var buf bytes.Buffer
		r := newTestEngine(&buf)

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abc123", nil))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "/:code", entry["route"])
		assert.Equal(t, "abc123", entry["short_code"])
		assert.Equal(t, float64(http.StatusFound), entry["status"])
	})

	t.Run("client errors log at warn", func(t *testing.T) {
		var buf bytes.Buffer
		r := newTestEngine(&buf)

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/gone01", nil))

		assert.Contains(t, buf.String(), `"level":"WARN"`)
	})

	t.Run("skipped paths are not logged", func(t *testing.T) {
		var buf bytes.Buffer
		r := newTestEngine(&buf)

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Empty(t, strings.TrimSpace(buf.String()))
	})
}
