package config

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudfs/cloudfs/internal/logger"
	"github.com/cloudfs/cloudfs/pkg/metrics"
	_ "github.com/cloudfs/cloudfs/pkg/metrics/prometheus"
)

// MetricsResult carries the outcome of InitializeMetrics.
type MetricsResult struct {
	// Server is the metrics HTTP server, or nil if metrics are disabled.
	Server *http.Server
}

// InitializeMetrics sets up the Prometheus registry and metrics HTTP server
// according to cfg.Metrics. Call Shutdown on the returned server during
// graceful unmount.
func InitializeMetrics(cfg *Config) MetricsResult {
	handler := metrics.InitRegistry(cfg.Metrics.Enabled)
	if handler == nil {
		return MetricsResult{}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return MetricsResult{Server: srv}
}

// ShutdownMetrics gracefully stops the metrics server, if any.
func ShutdownMetrics(ctx context.Context, result MetricsResult) error {
	if result.Server == nil {
		return nil
	}
	return result.Server.Shutdown(ctx)
}

