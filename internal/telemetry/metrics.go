// Package telemetry provides observability primitives for the stowaway agent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the agent.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	NetworkDuration  *prometheus.HistogramVec
	NetworkErrors    prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	StoreWrites      *prometheus.CounterVec
	StoreWriteQueue  prometheus.Gauge
	PrecachedEntries prometheus.Gauge
	CachesDeleted    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowaway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "stowaway",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stowaway",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		NetworkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "stowaway",
			Name:                            "network_duration_seconds",
			Help:                            "Network fetch duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"type"}),

		NetworkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stowaway",
			Name:      "network_errors_total",
			Help:      "Total fetches that produced no network response.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stowaway",
			Name:      "cache_hits_total",
			Help:      "Total requests served from a store.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stowaway",
			Name:      "cache_misses_total",
			Help:      "Total requests that missed every store.",
		}),

		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowaway",
			Name:      "store_writes_total",
			Help:      "Total store writes by outcome.",
		}, []string{"outcome"}),

		StoreWriteQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stowaway",
			Name:      "store_write_queue_length",
			Help:      "Current number of queued store writes.",
		}),

		PrecachedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stowaway",
			Name:      "precached_entries",
			Help:      "Number of manifest entries written by the last install.",
		}),

		CachesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stowaway",
			Name:      "caches_deleted_total",
			Help:      "Total stale stores deleted on activation.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.NetworkDuration,
		m.NetworkErrors,
		m.CacheHits,
		m.CacheMisses,
		m.StoreWrites,
		m.StoreWriteQueue,
		m.PrecachedEntries,
		m.CachesDeleted,
	)

	return m
}
