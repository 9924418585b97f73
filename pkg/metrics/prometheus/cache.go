// Package prometheus provides the concrete Prometheus-backed implementations
// of the metrics interfaces declared in pkg/metrics.
package prometheus

import (
	"github.com/cloudfs/cloudfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterSegmentCacheMetricsConstructor(newSegmentCacheMetrics)
}

type segmentCacheMetrics struct {
	lookups        *prometheus.CounterVec
	insertedBytes  prometheus.Counter
	evictedBytes   prometheus.Counter
	evictions      prometheus.Counter
	occupiedBytes  prometheus.Gauge
}

func newSegmentCacheMetrics() metrics.SegmentCacheMetrics {
	reg := metrics.GetRegistry()

	return &segmentCacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudfs_segment_cache_lookups_total",
				Help: "Total number of segment cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss
		),
		insertedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudfs_segment_cache_inserted_bytes_total",
				Help: "Total bytes inserted into the segment cache",
			},
		),
		evictedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudfs_segment_cache_evicted_bytes_total",
				Help: "Total bytes evicted from the segment cache",
			},
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudfs_segment_cache_evictions_total",
				Help: "Total number of segment cache evictions",
			},
		),
		occupiedBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cloudfs_segment_cache_occupied_bytes",
				Help: "Current segment cache occupancy in bytes",
			},
		),
	}
}

func (m *segmentCacheMetrics) ObserveLookup(hit bool) {
	if hit {
		m.lookups.WithLabelValues("hit").Inc()
		return
	}
	m.lookups.WithLabelValues("miss").Inc()
}

func (m *segmentCacheMetrics) ObserveInsert(bytes int) {
	m.insertedBytes.Add(float64(bytes))
}

func (m *segmentCacheMetrics) ObserveEviction(bytes int) {
	m.evictions.Inc()
	m.evictedBytes.Add(float64(bytes))
}

func (m *segmentCacheMetrics) RecordOccupiedBytes(n uint64) {
	m.occupiedBytes.Set(float64(n))
}
