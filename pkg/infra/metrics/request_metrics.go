package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestMetrics tracks HTTP requests on the run-control surface. Totals are
// kept in atomics as well so /health can report them without a scrape.
type RequestMetrics struct {
	totalRequests  atomic.Int64
	totalErrors    atomic.Int64
	totalLatencyMs atomic.Int64

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewRequestMetrics registers with reg; nil keeps the metrics unexported.
func NewRequestMetrics(reg prometheus.Registerer) *RequestMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &RequestMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Record records a completed request. Status codes of 500 and above count as
// errors.
func (m *RequestMetrics) Record(route string, status int, latency time.Duration) {
	m.totalRequests.Add(1)
	m.totalLatencyMs.Add(latency.Milliseconds())
	if status >= 500 {
		m.totalErrors.Add(1)
	}
	m.requests.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(latency.Seconds())
}

// Snapshot returns a point-in-time snapshot of the counters.
func (m *RequestMetrics) Snapshot() RequestSnapshot {
	total := m.totalRequests.Load()
	errors := m.totalErrors.Load()
	latencyMs := m.totalLatencyMs.Load()

	var snap RequestSnapshot
	snap.TotalRequests = total
	snap.TotalErrors = errors
	if total > 0 {
		snap.AvgLatencyMs = float64(latencyMs) / float64(total)
		snap.ErrorRate = float64(errors) / float64(total)
	}
	return snap
}

// RequestSnapshot is an immutable snapshot of request metrics at a point in time.
type RequestSnapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}
