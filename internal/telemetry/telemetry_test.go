package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		opts          []Option
		errorContains string
	}{
		{
			name: "no config returns no-op providers",
			opts: []Option{},
		},
		{
			name: "disabled config returns no-op providers",
			opts: []Option{WithTelemetryConfig(&Config{Enabled: false})},
		},
		{
			name: "enabled without tracing or metrics returns no-op providers",
			opts: []Option{WithTelemetryConfig(&Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: false},
				Metrics: &MetricsConfig{Enabled: false},
			})},
		},
		{
			name: "invalid sampling is rejected",
			opts: []Option{WithTelemetryConfig(&Config{
				Enabled: true,
				Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
			})},
			errorContains: "sampling must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tel, err := New(context.Background(), tt.opts...)
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tracenoop.TracerProvider{}, tel.TracerProvider())
			assert.IsType(t, metricnoop.MeterProvider{}, tel.MeterProvider())
			assert.NoError(t, tel.Shutdown(context.Background()))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())
	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())
	assert.Equal(t, 0.5, (&TracingConfig{Sampling: 0.5}).GetSampling())

	var nilCfg *Config
	assert.NoError(t, nilCfg.Validate())
}
