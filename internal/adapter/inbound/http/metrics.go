// Package http provides the HTTP transport adapter for the authorization
// gateway.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the authorization gateway. Pass
// to components that need to record metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	PolicyEvaluations   *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheRequestsTotal  prometheus.Counter
	AuditDropsTotal     prometheus.Counter
	BundleVersionInfo   *prometheus.GaugeVec
	EvaluationLatencyUs prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcp_guard",
				Name:      "requests_total",
				Help:      "Total number of authorize RPC requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcp_guard",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcp_guard",
				Name:      "policy_evaluations_total",
				Help:      "Total policy evaluations, by allow/deny result",
			},
			[]string{"result"},
		),
		CacheHitsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcp_guard",
				Name:      "cache_hits_total",
				Help:      "Total decision cache hits",
			},
		),
		CacheRequestsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcp_guard",
				Name:      "cache_requests_total",
				Help:      "Total decision cache lookups (hits and misses)",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcp_guard",
				Name:      "audit_drops_total",
				Help:      "Total decision records dropped due to sink backpressure",
			},
		),
		BundleVersionInfo: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcp_guard",
				Name:      "bundle_version_info",
				Help:      "Always 1; the active policy bundle version is the label",
			},
			[]string{"version"},
		),
		EvaluationLatencyUs: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mcp_guard",
				Name:      "policy_evaluation_latency_microseconds",
				Help:      "Policy engine evaluation latency in microseconds",
				Buckets:   []float64{100, 250, 500, 1000, 5000, 10000, 50000, 100000},
			},
		),
	}
}
