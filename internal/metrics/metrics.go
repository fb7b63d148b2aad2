// Package metrics exposes Prometheus instrumentation for the authorization
// path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the request path updates. A single instance
// is created at startup and threaded through the guard middleware.
type Metrics struct {
	registry *prometheus.Registry

	AuthzDecisions  *prometheus.CounterVec
	RateLimited     prometheus.Counter
	UsageLogErrors  prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
}

// New creates a Metrics with its own registry, so tests can build isolated
// instances without collector name collisions.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuthzDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magnet",
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by principal kind and outcome.",
		}, []string{"principal", "outcome"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "magnet",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-key hourly rate limit.",
		}),
		UsageLogErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "magnet",
			Name:      "usage_log_errors_total",
			Help:      "Background usage-record writes that failed.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "magnet",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "magnet",
			Name:      "permission_cache_hits_total",
			Help:      "Permission checks answered from the cache.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "magnet",
			Name:      "permission_cache_misses_total",
			Help:      "Permission checks that fell through to storage.",
		}),
	}
}

// Decision records one authorization outcome. Principal is "api_key",
// "session", or "public"; outcome is "allow" or "deny".
func (m *Metrics) Decision(principal, outcome string) {
	m.AuthzDecisions.WithLabelValues(principal, outcome).Inc()
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
