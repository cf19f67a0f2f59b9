// Package tracing sets up OpenTelemetry for the process. Packages create
// their own tracers with otel.Tracer and stay no-op until Initialize installs
// a provider.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config contains OpenTelemetry configuration.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string
	SampleRate      float64
	Enabled         bool
	UseStdout       bool
	ShutdownTimeout time.Duration
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
}

// DefaultConfig returns tracing disabled with stdout export and full
// sampling once enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:     "smartsalao",
		ServiceVersion:  "dev",
		Environment:     "development",
		SampleRate:      1.0,
		UseStdout:       true,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("tracing service name is required")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	if !c.UseStdout && c.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when stdout export is off")
	}
	return nil
}

// Manager owns the tracer provider.
type Manager struct {
	cfg      Config
	provider *sdktrace.TracerProvider
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Enabled reports whether a provider is installed.
func (m *Manager) Enabled() bool {
	return m.provider != nil
}

func (m *Manager) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if m.cfg.UseStdout {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if m.cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(m.cfg.Writer))
		}
		return stdouttrace.New(opts...)
	}
	endpoint := m.cfg.OTLPEndpoint
	if strings.Contains(endpoint, "://") {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
}

// Initialize installs the global tracer provider and propagator. It does
// nothing when tracing is disabled.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.cfg.Enabled {
		slog.Info("Tracing disabled")
		return nil
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.cfg.ServiceName),
			semconv.ServiceVersionKey.String(m.cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(m.cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := m.exporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.cfg.SampleRate))),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("Tracing initialized", "service", m.cfg.ServiceName, "stdout", m.cfg.UseStdout, "endpoint", m.cfg.OTLPEndpoint, "sampleRate", m.cfg.SampleRate)
	return nil
}

// Shutdown flushes pending spans and stops the provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	timeout := m.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	m.provider = nil
	slog.Info("Tracing shutdown completed")
	return nil
}

// RecordError records err on the span in ctx and marks it failed.
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
