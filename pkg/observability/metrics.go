package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Session lifecycle metrics
	SessionsCreatedTotal     prometheus.Counter
	SessionsInvalidatedTotal *prometheus.CounterVec
	SessionsActive           prometheus.Gauge
	WorkspaceSwitchesTotal   *prometheus.CounterVec

	// Token refresh metrics
	RefreshAttemptsTotal *prometheus.CounterVec
	RefreshDedupedTotal  prometheus.Counter
	RefreshLeaseWaits    prometheus.Histogram

	// Provider round-trip metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec

	// Relay metrics
	RelayValidationsTotal *prometheus.CounterVec
	RelayForwardedTotal   *prometheus.CounterVec
	KeyCacheRefreshTotal  *prometheus.CounterVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantgate_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsInvalidatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_sessions_invalidated_total",
				Help: "Total number of sessions invalidated, by reason",
			},
			[]string{"reason"}, // logout, idle_timeout, absolute_timeout, refresh_invalid
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantgate_sessions_active",
				Help: "Approximate number of live sessions",
			},
		),
		WorkspaceSwitchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_workspace_switches_total",
				Help: "Total number of workspace switch attempts",
			},
			[]string{"outcome"}, // ok, not_a_member, error
		),

		RefreshAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_refresh_attempts_total",
				Help: "Total number of access-token refresh attempts against the provider",
			},
			[]string{"outcome"}, // ok, rejected, unavailable
		),
		RefreshDedupedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantgate_refresh_deduped_total",
				Help: "Refresh requests that reused a concurrent winner's result instead of calling the provider",
			},
		),
		RefreshLeaseWaits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantgate_refresh_lease_wait_seconds",
				Help:    "Time lease losers spent waiting for the winner's refresh",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),

		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_provider_requests_total",
				Help: "Total number of identity-provider token endpoint calls",
			},
			[]string{"operation", "outcome"}, // exchange_code, refresh, exchange_scoped
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_provider_request_duration_seconds",
				Help:    "Identity-provider round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		RelayValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_relay_validations_total",
				Help: "Bearer-token validations performed by the relay, by result",
			},
			[]string{"result"}, // valid, invalid-signature, expired, malformed
		),
		RelayForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_relay_forwarded_total",
				Help: "Requests forwarded to downstream targets",
			},
			[]string{"target"},
		),
		KeyCacheRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_key_cache_refresh_total",
				Help: "Signing-key set refreshes, by trigger",
			},
			[]string{"trigger"}, // scheduled, forced, initial
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_store_operations_total",
				Help: "Session store operations",
			},
			[]string{"operation", "outcome"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_store_operation_duration_seconds",
				Help:    "Session store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SessionsCreatedTotal,
		m.SessionsInvalidatedTotal,
		m.SessionsActive,
		m.WorkspaceSwitchesTotal,
		m.RefreshAttemptsTotal,
		m.RefreshDedupedTotal,
		m.RefreshLeaseWaits,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.RelayValidationsTotal,
		m.RelayForwardedTotal,
		m.KeyCacheRefreshTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
