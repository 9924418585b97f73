package prometheus

import (
	"github.com/cloudfs/cloudfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterCloudGatewayMetricsConstructor(newCloudGatewayMetrics)
}

type cloudGatewayMetrics struct {
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

func newCloudGatewayMetrics() metrics.CloudGatewayMetrics {
	reg := metrics.GetRegistry()

	return &cloudGatewayMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudfs_cloud_gateway_requests_total",
				Help: "Total number of CloudGateway requests by operation and status",
			},
			[]string{"operation", "status"}, // operation: get/put/delete, status: ok/error
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudfs_cloud_gateway_bytes_total",
				Help: "Total bytes transferred by CloudGateway by operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *cloudGatewayMetrics) observe(operation string, bytes int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requests.WithLabelValues(operation, status).Inc()
	if bytes > 0 {
		m.bytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

func (m *cloudGatewayMetrics) ObserveGet(bytes int, err error) {
	m.observe("get", bytes, err)
}

func (m *cloudGatewayMetrics) ObservePut(bytes int, err error) {
	m.observe("put", bytes, err)
}

func (m *cloudGatewayMetrics) ObserveDelete(err error) {
	m.observe("delete", 0, err)
}
