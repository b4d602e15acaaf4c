// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for webhook delivery.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/herald"

// Tracer starts spans around physical sends. A nil *Tracer is a no-op.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global OpenTelemetry tracer provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewTracerFrom uses an explicit provider.
func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartDeliverySpan opens a client span for one attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, deliveryID, subscriptionID, event string, attempt int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "herald.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("herald.delivery_id", deliveryID),
			attribute.String("herald.subscription_id", subscriptionID),
			attribute.String("herald.event", event),
			attribute.Int("herald.attempt", attempt),
		),
	)
}

// EndDeliverySpan annotates and ends span.
func (t *Tracer) EndDeliverySpan(span trace.Span, statusCode, latencyMs int, decision string, err error) {
	if t == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", statusCode),
		attribute.Int("herald.latency_ms", latencyMs),
		attribute.String("herald.decision", decision),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
