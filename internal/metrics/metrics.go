// Package metrics registers the Prometheus metrics exported by the cache
// proxy. The server mounts promhttp.Handler() on /metrics; everything here is
// registered on the default registry by promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// FetchesTotal counts intercepted and passed-through requests, labelled by
	// classification ("navigation", "same_origin", "cross_origin"), the source
	// that answered ("network", "precache", "runtime", "passthrough", "none")
	// and outcome ("ok", "error").
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pwacache_fetches_total",
			Help: "Total number of fetch events handled by the cache manager.",
		},
		[]string{"class", "source", "outcome"},
	)

	// FetchDuration observes fetch handling latency in seconds.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pwacache_fetch_duration_seconds",
			Help:    "Fetch event handling duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"class", "source"},
	)

	// UpstreamDuration observes origin fetch latency by outcome
	// ("ok", "4xx", "5xx", "error", "circuit_open").
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pwacache_upstream_duration_seconds",
			Help:    "Origin fetch duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// CacheWrites counts entry writes by partition role ("precache",
	// "runtime") and status ("stored", "skipped", "error").
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pwacache_cache_writes_total",
			Help: "Total cache entry writes.",
		},
		[]string{"partition", "status"},
	)

	// LifecycleEvents counts dispatched lifecycle events by event and status.
	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pwacache_lifecycle_events_total",
			Help: "Total lifecycle events handled.",
		},
		[]string{"event", "status"},
	)

	// PartitionsDeleted counts stale partitions removed during activation.
	PartitionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pwacache_partitions_deleted_total",
			Help: "Total stale cache partitions deleted on activation.",
		},
	)

	// CircuitBreakerState tracks the origin breaker as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pwacache_circuit_breaker_state",
			Help: "Origin circuit breaker state (0=closed 1=open 2=half_open).",
		},
	)

	// Notifications counts push notifications shown.
	Notifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pwacache_notifications_total",
			Help: "Total push notifications displayed.",
		},
	)
)

// CounterValue returns the current value of c.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
