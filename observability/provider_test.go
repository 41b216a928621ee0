package observability

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gaborage/prodtrack/config"
)

const (
	testServiceName = "prodtrack-test"
	testSpanName    = "auth.refresh"
)

// syncBuffer guards the buffer shared with exporter goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func stdoutConfig(out *syncBuffer) *Config {
	return &Config{
		Enabled: true,
		Service: ServiceConfig{Name: testServiceName, Version: "v0.0.1"},
		Output:  out,
	}
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := NewProvider(nil, nil)
	assert.ErrorIs(t, err, ErrNilConfig)
	assert.Nil(t, p)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(&Config{}, nil)
	require.NoError(t, err)

	_, ok := p.(*noopProvider)
	assert.True(t, ok, "expected noopProvider when disabled")
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.Service.Name = "" },
			wantErr: ErrMissingServiceName,
		},
		{
			name:    "sample rate above one",
			mutate:  func(c *Config) { c.Trace.SampleRate = 1.5 },
			wantErr: ErrInvalidSampleRate,
		},
		{
			name: "unknown protocol",
			mutate: func(c *Config) {
				c.Trace.Endpoint = "localhost:4317"
				c.Trace.Protocol = "thrift"
			},
			wantErr: ErrInvalidProtocol,
		},
		{
			name: "grpc endpoint with scheme",
			mutate: func(c *Config) {
				c.Trace.Endpoint = "http://localhost:4317"
				c.Trace.Protocol = ProtocolGRPC
			},
			wantErr: ErrInvalidEndpointFormat,
		},
		{
			name: "http metrics endpoint without scheme",
			mutate: func(c *Config) {
				c.Metrics.Endpoint = "localhost:4318"
				c.Metrics.Protocol = ProtocolHTTP
			},
			wantErr: ErrInvalidEndpointFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stdoutConfig(&syncBuffer{})
			tt.mutate(cfg)

			p, err := NewProvider(cfg, nil)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, p)
		})
	}
}

func TestNewProviderDoesNotMutateCallerConfig(t *testing.T) {
	cfg := stdoutConfig(&syncBuffer{})

	p, err := NewProvider(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.Empty(t, cfg.Trace.Endpoint)
	assert.Nil(t, cfg.Trace.Enabled)
	assert.Zero(t, cfg.Trace.SampleRate)
}

func TestStdoutTracing(t *testing.T) {
	out := &syncBuffer{}
	cfg := stdoutConfig(out)
	cfg.Metrics.Enabled = BoolPtr(false)

	p, err := NewProvider(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.Same(t, p.TracerProvider(), otel.GetTracerProvider())

	_, span := p.TracerProvider().Tracer("prodtrack/test").Start(context.Background(), testSpanName)
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))
	assert.Contains(t, out.String(), testSpanName)
	assert.Contains(t, out.String(), testServiceName)

	// Metrics disabled falls back to a no-op meter provider
	_, ok := p.MeterProvider().(metricnoop.MeterProvider)
	assert.True(t, ok)
}

func TestStdoutMetrics(t *testing.T) {
	out := &syncBuffer{}
	cfg := stdoutConfig(out)
	cfg.Trace.Enabled = BoolPtr(false)

	p, err := NewProvider(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	counter, err := p.MeterProvider().Meter("prodtrack/test").Int64Counter("prodtrack.auth.refresh.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, p.ForceFlush(context.Background()))
	assert.Contains(t, out.String(), "prodtrack.auth.refresh.count")

	_, ok := p.TracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
}

func TestOTLPExportersConstructLazily(t *testing.T) {
	// Exporters dial lazily, so construction succeeds without a collector
	tests := []struct {
		name     string
		endpoint string
		protocol string
	}{
		{name: "http", endpoint: "http://localhost:4318", protocol: ProtocolHTTP},
		{name: "grpc", endpoint: "localhost:4317", protocol: ProtocolGRPC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stdoutConfig(&syncBuffer{})
			cfg.Trace.Endpoint = tt.endpoint
			cfg.Trace.Protocol = tt.protocol
			cfg.Trace.Insecure = true
			cfg.Trace.Headers = map[string]string{"api-key": "secret"}
			cfg.Metrics.Endpoint = tt.endpoint

			p, err := NewProvider(cfg, nil)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Trace: TraceConfig{
			Protocol: ProtocolGRPC,
			Insecure: true,
			Headers:  map[string]string{"k": "v"},
		},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, EnvironmentDevelopment, cfg.Environment)
	assert.True(t, cfg.traceEnabled())
	assert.True(t, cfg.metricsEnabled())
	assert.Equal(t, EndpointStdout, cfg.Trace.Endpoint)
	assert.InDelta(t, 1.0, cfg.Trace.SampleRate, 0)
	assert.Equal(t, defaultBatchTimeout, cfg.Trace.BatchTimeout)
	assert.Equal(t, defaultMetricInterval, cfg.Metrics.Interval)

	// Metrics inherit the trace transport settings
	assert.Equal(t, ProtocolGRPC, cfg.Metrics.Protocol)
	require.NotNil(t, cfg.Metrics.Insecure)
	assert.True(t, *cfg.Metrics.Insecure)
	assert.Equal(t, map[string]string{"k": "v"}, cfg.Metrics.Headers)
}

func TestConfigFromKoanf(t *testing.T) {
	raw := []byte(`
api:
  baseurl: http://localhost:8080
observability:
  enabled: true
  service:
    name: prodtrack-cli
  trace:
    endpoint: localhost:4317
    protocol: grpc
    insecure: true
    samplerate: 0.25
  metrics:
    enabled: false
    interval: 15s
`)
	appCfg, err := config.LoadFromBytes(raw)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, appCfg.Unmarshal("observability", &cfg))

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "prodtrack-cli", cfg.Service.Name)
	assert.Equal(t, "localhost:4317", cfg.Trace.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Trace.Protocol)
	assert.True(t, cfg.Trace.Insecure)
	assert.InDelta(t, 0.25, cfg.Trace.SampleRate, 1e-9)
	require.NotNil(t, cfg.Metrics.Enabled)
	assert.False(t, *cfg.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Metrics.Interval)

	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())
}

type stubProvider struct {
	shutdownErr error
	called      bool
}

func (s *stubProvider) TracerProvider() trace.TracerProvider { return noop.NewTracerProvider() }

func (s *stubProvider) MeterProvider() metric.MeterProvider { return metricnoop.NewMeterProvider() }

func (s *stubProvider) ForceFlush(context.Context) error { return nil }

func (s *stubProvider) Shutdown(ctx context.Context) error {
	s.called = true
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected deadline")
	}
	return s.shutdownErr
}

func TestShutdown(t *testing.T) {
	assert.NoError(t, Shutdown(nil, time.Second))

	ok := &stubProvider{}
	assert.NoError(t, Shutdown(ok, 0))
	assert.True(t, ok.called)

	failing := &stubProvider{shutdownErr: errors.New("exporter closed")}
	err := Shutdown(failing, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporter closed")
}
