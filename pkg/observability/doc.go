// Package observability provides structured logging, Prometheus metrics,
// health probes, and graceful shutdown for tenantgate.
//
// # Logging
//
// Logger wraps stdlib slog with a JSON handler and chainable field helpers:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("session_id", id).Info("session created")
//
// FromContext builds a logger carrying the request/user/session/workspace
// identifiers stored in the request context.
//
// # Metrics
//
// NewMetrics registers counters and histograms for session lifecycle, token
// refresh coordination, provider round trips, relay validation outcomes, and
// store operations on a caller-supplied registry. Serve them on the health
// port with RegisterMetricsEndpoint.
//
// # Health
//
// HealthChecker exposes /health/live and /health/ready; readiness gates on
// the Redis session store since no session can be served without it.
package observability
