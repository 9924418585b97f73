package config

import (
	"strings"
	"time"

	"github.com/cloudfs/cloudfs/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyCloudDefaults(&cfg.Cloud)
	applyTieringDefaults(cfg)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyCloudDefaults sets cloud object store defaults.
func applyCloudDefaults(cfg *CloudConfig) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
}

// applyTieringDefaults sets the size-budget and chunker defaults that drive
// the content-defined chunker, the Migrator's promotion threshold, and the
// segment cache's byte budget.
func applyTieringDefaults(cfg *Config) {
	if cfg.SSDSize == 0 {
		cfg.SSDSize = 10 * bytesize.GiB
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 64 * bytesize.MiB
	}
	if cfg.AvgSegSize == 0 {
		cfg.AvgSegSize = 64 * bytesize.KiB
	}
	if cfg.RabinWindow == 0 {
		cfg.RabinWindow = 64
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = bytesize.GiB
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for generating sample configuration files and for tests
// that don't care about mount-specific paths.
func GetDefaultConfig() *Config {
	cfg := &Config{
		SSDRoot:   "/var/lib/cloudfs/ssd",
		FuseMount: "/mnt/cloudfs",
		Hostname:  "cloudfs-0",
	}

	ApplyDefaults(cfg)
	return cfg
}
