package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_ExposesOTelCountersAsPrometheus(t *testing.T) {
	ctx := context.Background()
	obs, err := Setup(ctx, Config{ServiceName: "shortlink-test", Environment: "development"})
	require.NoError(t, err)
	defer obs.Shutdown(ctx)

	counter, err := otel.Meter("observability_test").Int64Counter("shortlink.test.events")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "shortlink_test_events_total")
	assert.Contains(t, body, "go_goroutines")
}
