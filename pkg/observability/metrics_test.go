package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAll(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.SessionsCreatedTotal.Inc()
	m.RefreshAttemptsTotal.WithLabelValues("ok").Inc()
	m.RelayValidationsTotal.WithLabelValues("valid").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsCreatedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RefreshAttemptsTotal.WithLabelValues("ok")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/auth/session", "418"))
	assert.Equal(t, float64(1), count)
}
