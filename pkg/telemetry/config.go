package telemetry

import (
	"fmt"
	"time"
)

// Config is the root telemetry configuration. The zero value is not
// usable; start from DefaultConfig and override.
type Config struct {
	// ServiceName and ServiceVersion identify this process in traces
	// and log lines.
	ServiceName    string
	ServiceVersion string

	// Environment tags telemetry with the deployment stage the engine
	// itself runs in (not the target environment of a plan).
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig controls the zerolog process logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	// Empty means info.
	Level string

	// Format is "json" or "console".
	Format string

	// Output is "stderr", "stdout", or a file path opened for append.
	Output string

	// WithCaller annotates each line with file:line of the call site.
	WithCaller bool
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	// Exporter selects where spans go: "none" (spans are created but
	// never exported), "stdout" for local debugging, or "otlp" for a
	// collector over gRPC.
	Exporter string

	// Endpoint is the OTLP collector address, host:port.
	Endpoint string

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// SampleRatio is the fraction of runs traced, 0 through 1.
	SampleRatio float64

	// BatchTimeout bounds how long the exporter holds a batch.
	BatchTimeout time.Duration

	// MaxBatchSize caps spans per export batch.
	MaxBatchSize int
}

// MetricsConfig controls the Prometheus registry and its optional
// HTTP endpoint.
type MetricsConfig struct {
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	// ListenAddress and Path locate the scrape endpoint when
	// StartMetricsServer is called.
	ListenAddress string
	Path          string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig controls the in-process run event stream.
type EventsConfig struct {
	Enabled bool

	// BufferSize is the channel depth between emitters and the
	// dispatch goroutine. Events are dropped, never blocked on, when
	// the buffer is full.
	BufferSize int
}

// DefaultConfig is tuned for CLI use: console logs, no span export,
// metrics registered but no scrape server.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "openstrato",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SampleRatio:  1.0,
			BatchTimeout: 5 * time.Second,
			MaxBatchSize: 512,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Namespace:     "strato",
			ListenAddress: ":9090",
			Path:          "/metrics",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}

// ProductionConfig exports JSON logs and ships 10% of traces to an
// OTLP collector.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SampleRatio = 0.1
	return cfg
}

// DevelopmentConfig logs at debug with callers and prints spans to
// stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.WithCaller = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry: service name is required")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("telemetry: unknown log format %q", c.Logging.Format)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("telemetry: otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("telemetry: unknown trace exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio %v outside [0, 1]", c.Tracing.SampleRatio)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("telemetry: metrics namespace is required")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("telemetry: event buffer size must be positive")
	}
	return nil
}
