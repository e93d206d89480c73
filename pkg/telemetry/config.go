package telemetry

import (
	"fmt"
	"time"
)

// Config bundles the observability settings for a zoneshift process.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version, usually set via ldflags.
	ServiceVersion string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig

	// Tracing configures span export.
	Tracing TracingConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// JSON switches from the console writer to raw JSON output.
	JSON bool

	// Output is "stdout", "stderr" or a file path.
	Output string

	// EnableCaller adds file:line caller information to each entry.
	EnableCaller bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are registered at all.
	Enabled bool

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string

	// Path is the HTTP path for metrics, default /metrics.
	Path string

	// Namespace prefixes every metric name.
	Namespace string
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool

	// Exporter is "stdout", "otlp" or "none".
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// SamplingRate is the trace sampling rate in [0, 1].
	SamplingRate float64

	// ExportTimeout bounds a single batch export.
	ExportTimeout time.Duration

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// DefaultConfig returns the configuration used when the scenario file
// leaves telemetry unset: console logs at info, no metrics endpoint, no
// tracing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "zoneshift",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "zoneshift",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
	}
}

// Validate checks the configuration for values the constructors would
// reject later.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "none":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		default:
			return fmt.Errorf("unsupported trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("trace sampling rate must be between 0 and 1, got %f", c.Tracing.SamplingRate)
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	return nil
}
