package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// PipelineMetricsMeterName is the name used for the pipeline metrics meter
	PipelineMetricsMeterName = "github.com/Father1993/PIM-Image-Management/pipeline"
)

// PipelineMetrics holds the OpenTelemetry instruments for a sync run.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	itemsTotal        metric.Int64Counter
	operationDuration metric.Float64Histogram
	inFlight          metric.Int64UpDownCounter
	tokenRefreshes    metric.Int64Counter
	checkpoints       metric.Int64Counter
}

// NewPipelineMetrics creates the pipeline instruments on the given provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPipelineMetrics(provider metric.MeterProvider) (*PipelineMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PipelineMetricsMeterName)

	itemsTotal, err := meter.Int64Counter(
		"pim_sync_items_total",
		metric.WithDescription("Item outcomes by pass and ledger state"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram(
		"pim_sync_operation_duration_seconds",
		metric.WithDescription("Duration of transform and upload calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(
		"pim_sync_operations_in_flight",
		metric.WithDescription("Number of transform and upload calls currently holding a slot"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	tokenRefreshes, err := meter.Int64Counter(
		"pim_sync_token_refreshes_total",
		metric.WithDescription("PIM sign-in calls made to obtain a bearer token"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	checkpoints, err := meter.Int64Counter(
		"pim_sync_checkpoints_total",
		metric.WithDescription("Ledger and status sink flushes"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		itemsTotal:        itemsTotal,
		operationDuration: operationDuration,
		inFlight:          inFlight,
		tokenRefreshes:    tokenRefreshes,
		checkpoints:       checkpoints,
	}, nil
}

// RecordItem counts one item outcome
func (m *PipelineMetrics) RecordItem(ctx context.Context, pass, state string) {
	if m == nil || m.itemsTotal == nil {
		return
	}
	m.itemsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pass", pass),
		attribute.String("state", state),
	))
}

// RecordOperation records the duration of one network call
func (m *PipelineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
	if m == nil || m.operationDuration == nil {
		return
	}
	m.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	))
}

// AddInFlight adjusts the in-flight gauge by delta
func (m *PipelineMetrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}

// RecordTokenRefresh counts one sign-in
func (m *PipelineMetrics) RecordTokenRefresh(ctx context.Context, success bool) {
	if m == nil || m.tokenRefreshes == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordCheckpoint counts one checkpoint; final marks the end-of-run flush
func (m *PipelineMetrics) RecordCheckpoint(ctx context.Context, pass string, final bool) {
	if m == nil || m.checkpoints == nil {
		return
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pass", pass),
		attribute.Bool("final", final),
	))
}
