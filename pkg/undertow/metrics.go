package undertow

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "undertow_http_requests_total",
			Help: "Total number of requests dispatched by the AJP server",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "undertow_http_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "undertow_http_requests_in_flight",
			Help: "Number of requests currently being handled",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "undertow_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)
)

// PrometheusConfig holds configuration for the Prometheus middleware.
type PrometheusConfig struct {
	// SkipPaths lists paths excluded from metrics collection
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		SkipPaths: []string{"/metrics", "/health"},
	}
}

// Prometheus returns a middleware that records request metrics on the default
// Prometheus registry.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a metrics middleware with custom configuration.
// The path label carries the decoded request path, so high-cardinality routes
// belong in SkipPaths.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			path := ctx.Path()
			if skipMap[path] {
				return next.ServeAJP(ctx)
			}

			httpRequestsInFlight.Inc()
			start := time.Now()

			err := next.ServeAJP(ctx)

			duration := time.Since(start).Seconds()
			method := ctx.Method()
			status := strconv.Itoa(ctx.Status())

			httpRequestsInFlight.Dec()
			httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(duration)
			httpResponseSize.WithLabelValues(method, path).Observe(float64(ctx.responseSize()))

			return err
		})
	}
}
