// Package metrics defines the metrics interfaces CloudFS components record
// against, and an enable/disable switch that keeps Prometheus wiring out of
// the hot path when metrics are turned off.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and returns an http.Handler
// serving the Prometheus exposition format, or nil if enabled is false.
func InitRegistry(enable bool) http.Handler {
	enabled = enable
	if !enabled {
		return nil
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	return enabled
}

// GetRegistry returns the active Prometheus registry. Only meaningful when
// IsEnabled() is true.
func GetRegistry() *prometheus.Registry {
	return registry
}

// SegmentCacheMetrics records SegmentCache hit/miss/eviction activity.
type SegmentCacheMetrics interface {
	ObserveLookup(hit bool)
	ObserveInsert(bytes int)
	ObserveEviction(bytes int)
	RecordOccupiedBytes(n uint64)
}

// CloudGatewayMetrics records CloudGateway request activity.
type CloudGatewayMetrics interface {
	ObserveGet(bytes int, err error)
	ObservePut(bytes int, err error)
	ObserveDelete(err error)
}

// MigratorMetrics records Migrator promotion activity.
type MigratorMetrics interface {
	ObserveMigration(numSegments int, bytes int64, err error)
}

// NewSegmentCacheMetrics returns a Prometheus-backed SegmentCacheMetrics,
// or a no-op recorder when metrics are disabled.
func NewSegmentCacheMetrics() SegmentCacheMetrics {
	if !IsEnabled() || newPrometheusSegmentCacheMetrics == nil {
		return noopSegmentCacheMetrics{}
	}
	return newPrometheusSegmentCacheMetrics()
}

// NewCloudGatewayMetrics returns a Prometheus-backed CloudGatewayMetrics,
// or a no-op recorder when metrics are disabled.
func NewCloudGatewayMetrics() CloudGatewayMetrics {
	if !IsEnabled() || newPrometheusCloudGatewayMetrics == nil {
		return noopCloudGatewayMetrics{}
	}
	return newPrometheusCloudGatewayMetrics()
}

// NewMigratorMetrics returns a Prometheus-backed MigratorMetrics, or a
// no-op recorder when metrics are disabled.
func NewMigratorMetrics() MigratorMetrics {
	if !IsEnabled() || newPrometheusMigratorMetrics == nil {
		return noopMigratorMetrics{}
	}
	return newPrometheusMigratorMetrics()
}

type noopSegmentCacheMetrics struct{}

func (noopSegmentCacheMetrics) ObserveLookup(bool)         {}
func (noopSegmentCacheMetrics) ObserveInsert(int)          {}
func (noopSegmentCacheMetrics) ObserveEviction(int)        {}
func (noopSegmentCacheMetrics) RecordOccupiedBytes(uint64) {}

type noopCloudGatewayMetrics struct{}

func (noopCloudGatewayMetrics) ObserveGet(int, error) {}
func (noopCloudGatewayMetrics) ObservePut(int, error) {}
func (noopCloudGatewayMetrics) ObserveDelete(error)   {}

type noopMigratorMetrics struct{}

func (noopMigratorMetrics) ObserveMigration(int, int64, error) {}

// The constructors below are registered by pkg/metrics/prometheus's init(),
// keeping this package import-cycle-free with its own implementation.
var (
	newPrometheusSegmentCacheMetrics  func() SegmentCacheMetrics
	newPrometheusCloudGatewayMetrics  func() CloudGatewayMetrics
	newPrometheusMigratorMetrics      func() MigratorMetrics
)

// RegisterSegmentCacheMetricsConstructor registers the concrete constructor
// used by NewSegmentCacheMetrics.
func RegisterSegmentCacheMetricsConstructor(constructor func() SegmentCacheMetrics) {
	newPrometheusSegmentCacheMetrics = constructor
}

// RegisterCloudGatewayMetricsConstructor registers the concrete constructor
// used by NewCloudGatewayMetrics.
func RegisterCloudGatewayMetricsConstructor(constructor func() CloudGatewayMetrics) {
	newPrometheusCloudGatewayMetrics = constructor
}

// RegisterMigratorMetricsConstructor registers the concrete constructor used
// by NewMigratorMetrics.
func RegisterMigratorMetricsConstructor(constructor func() MigratorMetrics) {
	newPrometheusMigratorMetrics = constructor
}
