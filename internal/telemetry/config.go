// Package telemetry provides OpenTelemetry instrumentation for the image sync pipeline.
// Traces and metrics are exported over OTLP/HTTP; both fall back to no-op providers when disabled.
package telemetry

import (
	"errors"
	"fmt"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "pim-image-sync"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate.
	// A run produces two spans per item, so the default keeps traces sparse.
	DefaultSampling = 0.05
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "pim-image-sync"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to the binary version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint in "host:port" form
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling controls the trace sampling rate (0.0 to 1.0)
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the sampling ratio.
// 0 is treated as unset since YAML cannot tell the two apart.
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if c.Tracing != nil && c.Tracing.Enabled {
		if c.Tracing.Sampling < 0 || c.Tracing.Sampling > 1.0 {
			errs = append(errs, fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %f", c.Tracing.Sampling))
		}
	}
	return errors.Join(errs...)
}
