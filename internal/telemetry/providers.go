package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultMetricsInterval is the default interval for metric export
const DefaultMetricsInterval = 30 * time.Second

// ProviderOption configures tracer and meter provider construction
type ProviderOption func(*providerConfig)

type providerConfig struct {
	serviceName    string
	serviceVersion string
	endpoint       string
	insecure       bool
	tracing        *TracingConfig
	metrics        *MetricsConfig
}

// WithService sets the service name and version recorded on the resource
func WithService(name, version string) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.serviceName = name
		cfg.serviceVersion = version
	}
}

// WithEndpoint sets the OTLP endpoint and whether plain HTTP is allowed
func WithEndpoint(endpoint string, insecure bool) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.endpoint = endpoint
		cfg.insecure = insecure
	}
}

// WithTracingConfig sets the tracing configuration
func WithTracingConfig(tc *TracingConfig) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.tracing = tc
	}
}

// WithMetricsConfig sets the metrics configuration
func WithMetricsConfig(mc *MetricsConfig) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.metrics = mc
	}
}

func newProviderConfig(opts []ProviderOption) *providerConfig {
	cfg := &providerConfig{
		serviceName:    DefaultServiceName,
		serviceVersion: "unknown",
		endpoint:       DefaultEndpoint,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (cfg *providerConfig) resource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceVersion(cfg.serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// NewTracerProvider creates a TracerProvider exporting over OTLP/HTTP.
// Returns a no-op provider if tracing is disabled or not configured.
func NewTracerProvider(ctx context.Context, opts ...ProviderOption) (trace.TracerProvider, error) {
	cfg := newProviderConfig(opts)
	if cfg.tracing == nil || !cfg.tracing.Enabled {
		slog.Debug("Tracing disabled, using no-op tracer provider")
		return tracenoop.NewTracerProvider(), nil
	}

	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, err
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.endpoint)}
	if cfg.insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.tracing.GetSampling()))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.insecure {
		slog.Warn("Tracing configured with insecure connection")
	}
	slog.Info("Tracing initialized",
		"endpoint", cfg.endpoint,
		"sampling_ratio", cfg.tracing.GetSampling(),
	)
	return tp, nil
}

// NewMeterProvider creates a MeterProvider exporting over OTLP/HTTP.
// Returns a no-op provider if metrics are disabled or not configured.
func NewMeterProvider(ctx context.Context, opts ...ProviderOption) (metric.MeterProvider, error) {
	cfg := newProviderConfig(opts)
	if cfg.metrics == nil || !cfg.metrics.Enabled {
		slog.Debug("Metrics disabled, using no-op meter provider")
		return metricnoop.NewMeterProvider(), nil
	}

	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, err
	}

	exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.endpoint)}
	if cfg.insecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(DefaultMetricsInterval))),
	)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized", "endpoint", cfg.endpoint)
	return mp, nil
}
