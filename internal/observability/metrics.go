// Package observability exposes the process-level prometheus metrics for
// the data store: per-operation counters and latency histograms keyed by
// backend, plus cache effectiveness counters for the cache-fronted tier.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

var (
	initOnce sync.Once
	current  *Metrics
)

// Init registers the metric families once and returns the singleton.
func Init() *Metrics {
	initOnce.Do(func() {
		current = &Metrics{
			operations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "uds_store_operations_total",
				Help: "Store operations by backend, operation and status",
			}, []string{"backend", "operation", "status"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "uds_store_operation_seconds",
				Help:    "Store operation latency by backend and operation",
				Buckets: prometheus.DefBuckets,
			}, []string{"backend", "operation"}),
			cacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "uds_cache_hits_total",
				Help: "Primary-tier cache hits",
			}),
			cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "uds_cache_misses_total",
				Help: "Primary-tier cache misses (served from the fallback)",
			}),
		}
	})
	return current
}

// Current returns the metrics singleton, or nil before Init.
func Current() *Metrics {
	return current
}

func (m *Metrics) ObserveOperation(backend, operation, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(backend, operation, status).Inc()
	m.latency.WithLabelValues(backend, operation).Observe(dur.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
