// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the request lifecycle,
// cache, and per-provider runtime state (§4.10).
type Metrics struct {
	RequestsSubmitted *prometheus.CounterVec // labels: provider
	RequestsCompleted *prometheus.CounterVec // labels: provider
	RequestsFailed    *prometheus.CounterVec // labels: provider, kind

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	Retries   *prometheus.CounterVec // labels: provider
	Fallbacks *prometheus.CounterVec // labels: from, to

	ProviderLatency *prometheus.HistogramVec // labels: provider
	QueueWait       prometheus.Histogram

	ProviderInFlight *prometheus.GaugeVec // labels: provider
	QueueDepth       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "requests_submitted_total",
			Help:      "Total requests accepted at intake.",
		}, []string{"provider"}),

		RequestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "requests_completed_total",
			Help:      "Total requests that reached status completed.",
		}, []string{"provider"}),

		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "requests_failed_total",
			Help:      "Total requests that reached a non-completed terminal status.",
		}, []string{"provider", "kind"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "retries_total",
			Help:      "Total retry attempts issued by the executor.",
		}, []string{"provider"}),

		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "fallbacks_total",
			Help:      "Total fallback hops from one provider to the next in a chain.",
		}, []string{"from", "to"}),

		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gatewayd",
			Name:                            "provider_latency_seconds",
			Help:                            "Upstream call latency by provider.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "gatewayd",
			Name:                            "queue_wait_seconds",
			Help:                            "Time a request spent queued before a worker picked it up.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		ProviderInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewayd",
			Name:      "provider_in_flight",
			Help:      "Requests currently executing against a provider.",
		}, []string{"provider"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewayd",
			Name:      "queue_depth",
			Help:      "Number of requests currently sitting in the priority queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsSubmitted,
		m.RequestsCompleted,
		m.RequestsFailed,
		m.CacheHits,
		m.CacheMisses,
		m.Retries,
		m.Fallbacks,
		m.ProviderLatency,
		m.QueueWait,
		m.ProviderInFlight,
		m.QueueDepth,
	)

	return m
}
