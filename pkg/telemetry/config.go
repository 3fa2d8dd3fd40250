package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/openfroyo/focusbridge/pkg/config"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// bridgeBuckets spans a warm osascript round trip (tens of milliseconds) to
// the default bridge timeout.
var bridgeBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 60}

// Config is the telemetry setup of one focusbridge process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog logger. Output is "stderr", "stdout"
// or a file path; stdout is left to command results by default.
type LoggingConfig struct {
	Level        string
	Format       string
	Output       string
	EnableCaller bool
}

// TracingConfig configures span export. With Enabled unset spans are
// created but never sampled.
type TracingConfig struct {
	Enabled  bool
	Exporter string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DurationBuckets are the bridge latency buckets in seconds.
	DurationBuckets []float64
}

// DefaultConfig returns console logging at info to stderr, with tracing and
// metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "focusbridge",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress:   ":9090",
			Path:            "/metrics",
			Namespace:       "focusbridge",
			DurationBuckets: slices.Clone(bridgeBuckets),
		},
	}
}

// FromSettings maps the telemetry section of a configuration file onto a
// telemetry configuration. Empty settings keep the defaults.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	setString(&cfg.Logging.Level, s.LogLevel)
	setString(&cfg.Logging.Format, s.LogFormat)

	cfg.Metrics.Enabled = s.MetricsEnabled
	setString(&cfg.Metrics.ListenAddress, s.MetricsAddress)

	cfg.Tracing.Enabled = s.TracingEnabled
	setString(&cfg.Tracing.Exporter, s.TracingExporter)
	cfg.Tracing.Endpoint = s.TracingEndpoint
	cfg.Tracing.SamplingRate = s.SamplingRate
	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level %q, want one of %v", c.Logging.Level, logLevels))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid log format %q, want one of %v", c.Logging.Format, logFormats))
	}

	if c.Tracing.Enabled {
		if !slices.Contains(traceExporter, c.Tracing.Exporter) {
			errs = append(errs, fmt.Errorf("invalid trace exporter %q, want one of %v", c.Tracing.Exporter, traceExporter))
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("otlp exporter requires an endpoint"))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling rate must be within [0, 1], got %g", c.Tracing.SamplingRate))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}
