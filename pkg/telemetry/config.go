package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for rollout.
type Config struct {
	// ServiceName is the name reported on traces and metrics.
	ServiceName string `toml:"service_name"`

	// ServiceVersion is the version of the binary.
	ServiceVersion string `toml:"service_version"`

	// Environment is the deployment environment of rollout itself, not of
	// the builds it runs.
	Environment string `toml:"environment"`

	Logging LoggingConfig `toml:"logging"`
	Tracing TracingConfig `toml:"tracing"`
	Metrics MetricsConfig `toml:"metrics"`
	Events  EventsConfig  `toml:"events"`

	// ResourceAttributes are additional resource attributes for traces.
	ResourceAttributes map[string]string `toml:"resource_attributes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `toml:"level"`

	// Format specifies the log format (console, json).
	Format string `toml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `toml:"output"`

	EnableCaller bool `toml:"enable_caller"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling     bool `toml:"enable_sampling"`
	SamplingInitial    int  `toml:"sampling_initial"`
	SamplingThereafter int  `toml:"sampling_thereafter"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `toml:"time_format"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `toml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `toml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `toml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `toml:"sampling_rate"`

	MaxExportBatchSize int           `toml:"max_export_batch_size"`
	ExportTimeout      time.Duration `toml:"export_timeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `toml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `toml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `toml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `toml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// DefaultHistogramBuckets are the duration buckets in seconds.
	DefaultHistogramBuckets []float64 `toml:"histogram_buckets"`
}

// EventsConfig configures the build event stream.
type EventsConfig struct {
	Enabled bool `toml:"enabled"`

	// BufferSize is the size of the asynchronous event buffer.
	BufferSize int `toml:"buffer_size"`

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool `toml:"enable_async"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rollout",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "rollout",
			// Builds run for seconds to hours.
			DefaultHistogramBuckets: []float64{
				0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns a configuration for rollout running as a shared
// service.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	return cfg
}

// DevelopmentConfig returns a verbose configuration for local use.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
