package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbot_guard_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solbot_guard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	throttledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solbot_guard_http_throttled_total",
		Help: "Requests rejected by the per-IP throttle.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, throttledTotal)
}

// RegisterGauges registers gauges backed by the live session and tracked
// principal counts.
func RegisterGauges(sessions, principals func() float64) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "solbot_guard_active_sessions",
			Help: "Number of sessions held in memory, including expired ones not yet swept.",
		}, sessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "solbot_guard_rate_limited_principals",
			Help: "Number of principals with rate-limiter state.",
		}, principals),
	)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
