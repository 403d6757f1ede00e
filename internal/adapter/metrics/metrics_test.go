package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	// Every metrics struct shares one registry in production, so names must
	// not collide.
	reg := NewRegistry()
	require.NotPanics(t, func() {
		NewBrokerMetrics(reg)
		NewGatewayMetrics(reg)
		NewRedisMetrics(reg)
		NewHTTPMetrics(reg)
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCounterMetrics(t *testing.T) {
	reg := NewRegistry()
	bm := NewBrokerMetrics(reg)
	gm := NewGatewayMetrics(reg)

	bm.Errors.WithLabelValues("cluster_down").Add(3)
	gm.Notifications.WithLabelValues("published").Inc()
	gm.Notifications.WithLabelValues("skipped_offline").Add(2)

	assert.InDelta(t, 3, testutil.ToFloat64(bm.Errors.WithLabelValues("cluster_down")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(gm.Notifications.WithLabelValues("published")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(gm.Notifications.WithLabelValues("skipped_offline")), 0)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	gm := NewGatewayMetrics(reg)
	gm.ActiveConnections.Set(4)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "noteverse_websocket_active_connections 4")
	assert.Contains(t, body, "go_goroutines")
}

func TestHTTPMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantCount int
	}{
		{name: "tracked route", path: "/gateway/metrics", status: http.StatusOK, wantCount: 1},
		{name: "health is untracked", path: "/health/ready", status: http.StatusOK, wantCount: 0},
		{name: "websocket is untracked", path: "/ws", status: http.StatusOK, wantCount: 0},
		{name: "error status", path: "/internal/notifications", status: http.StatusBadRequest, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			m := NewHTTPMetrics(reg)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetPath(tt.path)

			handler := m.Middleware()(func(c echo.Context) error {
				return c.NoContent(tt.status)
			})
			require.NoError(t, handler(c))

			assert.Equal(t, tt.wantCount, testutil.CollectAndCount(m.RequestsTotal))
			if tt.wantCount > 0 {
				got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, tt.path, strconv.Itoa(tt.status)))
				assert.InDelta(t, 1, got, 0)
			}
			assert.InDelta(t, 0, testutil.ToFloat64(m.InFlightGauge), 0)
		})
	}
}
