package prometheus

import (
	"github.com/cloudfs/cloudfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterMigratorMetricsConstructor(newMigratorMetrics)
}

type migratorMetrics struct {
	migrations       *prometheus.CounterVec
	segmentsMigrated prometheus.Counter
	bytesMigrated    prometheus.Counter
}

func newMigratorMetrics() metrics.MigratorMetrics {
	reg := metrics.GetRegistry()

	return &migratorMetrics{
		migrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudfs_migrations_total",
				Help: "Total number of local-to-cloud migrations by status",
			},
			[]string{"status"}, // ok, error
		),
		segmentsMigrated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudfs_migrated_segments_total",
				Help: "Total number of segments produced by migrations",
			},
		),
		bytesMigrated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudfs_migrated_bytes_total",
				Help: "Total bytes migrated from local to cloud tier",
			},
		),
	}
}

func (m *migratorMetrics) ObserveMigration(numSegments int, bytes int64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.migrations.WithLabelValues(status).Inc()
	if err == nil {
		m.segmentsMigrated.Add(float64(numSegments))
		m.bytesMigrated.Add(float64(bytes))
	}
}
