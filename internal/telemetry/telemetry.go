package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers of one process
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option is a function that configures the telemetry setup
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config *Config
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// New creates the providers described by the configuration.
// If telemetry is disabled or configuration is nil, both providers are no-ops.
// The caller is responsible for calling Shutdown when the application exits.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	tc := &telemetryConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	if tc.config == nil || !tc.config.Enabled {
		slog.Debug("Telemetry disabled")
		return NewNoOp(), nil
	}

	if err := tc.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	common := []ProviderOption{
		WithService(tc.config.GetServiceName(), tc.config.GetServiceVersion()),
		WithEndpoint(tc.config.GetEndpoint(), tc.config.Insecure),
	}

	tracerProvider, err := NewTracerProvider(ctx, append(common, WithTracingConfig(tc.config.Tracing))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	meterProvider, err := NewMeterProvider(ctx, append(common, WithMetricsConfig(tc.config.Metrics))...)
	if err != nil {
		if tp, ok := tracerProvider.(*sdktrace.TracerProvider); ok {
			_ = tp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}, nil
}

// NewNoOp returns a Telemetry whose providers record nothing
func NewNoOp() *Telemetry {
	tp, _ := NewTracerProvider(context.Background())
	mp, _ := NewMeterProvider(context.Background())
	return &Telemetry{tracerProvider: tp, meterProvider: mp}
}

// TracerProvider returns the configured tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Tracer returns a named tracer from the tracer provider
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return t.tracerProvider.Tracer(name, opts...)
}

// Shutdown flushes and stops the SDK providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
