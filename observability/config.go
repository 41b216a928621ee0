package observability

import (
	"io"
	"maps"
	"strings"
	"time"
)

const (
	// EndpointStdout writes telemetry to Config.Output (stdout when unset) instead of an OTLP collector.
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"

	// EnvironmentDevelopment is the default environment name.
	EnvironmentDevelopment = "development"

	defaultSampleRate     = 1.0
	defaultBatchTimeout   = 5 * time.Second
	defaultExportTimeout  = 30 * time.Second
	defaultMetricInterval = 60 * time.Second
)

// BoolPtr returns a pointer to the provided bool value.
func BoolPtr(v bool) *bool {
	return &v
}

// Config defines the observability section of the prodtrack configuration file.
//
//	observability:
//	  enabled: true
//	  service:
//	    name: prodtrack
//	  trace:
//	    endpoint: localhost:4317
//	    protocol: grpc
//	    insecure: true
type Config struct {
	// Enabled controls whether observability is active.
	// When false, NewProvider returns a no-op provider.
	Enabled bool `koanf:"enabled"`

	Service     ServiceConfig `koanf:"service"`
	Environment string        `koanf:"environment"`
	Trace       TraceConfig   `koanf:"trace"`
	Metrics     MetricsConfig `koanf:"metrics"`

	// Output receives stdout exporter data. Defaults to os.Stdout.
	Output io.Writer `koanf:"-"`
}

// ServiceConfig identifies the emitting service in the OTel resource.
type ServiceConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// TraceConfig configures span export.
type TraceConfig struct {
	// Enabled defaults to true when observability is enabled.
	Enabled *bool `koanf:"enabled"`

	// Endpoint is "stdout", a gRPC "host:port" or an HTTP URL.
	Endpoint string            `koanf:"endpoint"`
	Protocol string            `koanf:"protocol"`
	Insecure bool              `koanf:"insecure"`
	Headers  map[string]string `koanf:"headers"`

	// SampleRate is the TraceIDRatioBased fraction. Zero means the default of 1.0;
	// disable tracing to drop all spans.
	SampleRate    float64       `koanf:"samplerate"`
	BatchTimeout  time.Duration `koanf:"batchtimeout"`
	ExportTimeout time.Duration `koanf:"exporttimeout"`
}

// MetricsConfig configures metric export. Protocol, Insecure and Headers fall
// back to the trace settings when left empty.
type MetricsConfig struct {
	Enabled       *bool             `koanf:"enabled"`
	Endpoint      string            `koanf:"endpoint"`
	Protocol      string            `koanf:"protocol"`
	Insecure      *bool             `koanf:"insecure"`
	Headers       map[string]string `koanf:"headers"`
	Interval      time.Duration     `koanf:"interval"`
	ExportTimeout time.Duration     `koanf:"exporttimeout"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvironmentDevelopment
	}

	if c.Trace.Enabled == nil {
		c.Trace.Enabled = BoolPtr(true)
	}
	if c.Trace.Endpoint == "" {
		c.Trace.Endpoint = EndpointStdout
	}
	if c.Trace.Protocol == "" {
		c.Trace.Protocol = ProtocolHTTP
	}
	if c.Trace.SampleRate == 0 {
		c.Trace.SampleRate = defaultSampleRate
	}
	if c.Trace.BatchTimeout <= 0 {
		c.Trace.BatchTimeout = defaultBatchTimeout
	}
	if c.Trace.ExportTimeout <= 0 {
		c.Trace.ExportTimeout = defaultExportTimeout
	}
	c.Trace.Headers = maps.Clone(c.Trace.Headers)

	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = EndpointStdout
	}
	if c.Metrics.Protocol == "" {
		c.Metrics.Protocol = c.Trace.Protocol
	}
	if c.Metrics.Insecure == nil {
		c.Metrics.Insecure = BoolPtr(c.Trace.Insecure)
	}
	if c.Metrics.Headers == nil {
		c.Metrics.Headers = c.Trace.Headers
	}
	c.Metrics.Headers = maps.Clone(c.Metrics.Headers)
	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = defaultMetricInterval
	}
	if c.Metrics.ExportTimeout <= 0 {
		c.Metrics.ExportTimeout = defaultExportTimeout
	}
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.Service.Name == "" {
		return ErrMissingServiceName
	}
	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		return ErrInvalidSampleRate
	}
	if err := validateExporter(c.Trace.Endpoint, c.Trace.Protocol); err != nil {
		return err
	}
	return validateExporter(c.Metrics.Endpoint, c.Metrics.Protocol)
}

func (c *Config) traceEnabled() bool {
	return c.Trace.Enabled != nil && *c.Trace.Enabled
}

func (c *Config) metricsEnabled() bool {
	return c.Metrics.Enabled != nil && *c.Metrics.Enabled
}

// validateExporter checks protocol and endpoint shape together.
// gRPC endpoints use "host:port"; HTTP endpoints carry an http:// or https:// scheme.
func validateExporter(endpoint, protocol string) error {
	if endpoint == EndpointStdout || endpoint == "" {
		return nil
	}

	hasScheme := strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")

	switch protocol {
	case ProtocolGRPC:
		if hasScheme {
			return ErrInvalidEndpointFormat
		}
	case ProtocolHTTP:
		if !hasScheme {
			return ErrInvalidEndpointFormat
		}
	default:
		return ErrInvalidProtocol
	}
	return nil
}
