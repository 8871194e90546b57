// Package otel provides span helpers and the attribute keys used across the pipeline.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by every span the pipeline emits
const (
	AttrRunID        = attribute.Key("sync.run_id")
	AttrPass         = attribute.Key("sync.pass")
	AttrItemID       = attribute.Key("sync.item_id")
	AttrProductID    = attribute.Key("pim.product_id")
	AttrImageType    = attribute.Key("pim.image_type")
	AttrAttempt      = attribute.Key("sync.attempt")
	AttrErrorKind    = attribute.Key("sync.error_kind")
	AttrBatchIndex   = attribute.Key("sync.batch_index")
	AttrBatchSize    = attribute.Key("sync.batch_size")
	AttrPayloadBytes = attribute.Key("payload.bytes")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns the span already in ctx
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks the span failed.
// The status description stays generic; details live in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
