package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer provides OpenTelemetry tracing for herald.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer on the given provider. A nil provider uses the
// global one.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer: provider.Tracer(instrumentationName),
	}
}

// StartDispatchSpan starts a span covering one event fan-out.
func (t *Tracer) StartDispatchSpan(ctx context.Context, eventType, workspaceID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "herald.dispatch",
		trace.WithAttributes(
			attribute.String("herald.event_type", eventType),
			attribute.String("herald.workspace_id", workspaceID),
		),
	)
}

// EndDispatchSpan ends a dispatch span with its fan-out counts.
func (t *Tracer) EndDispatchSpan(span trace.Span, triggered, skipped int, err error) {
	span.SetAttributes(
		attribute.Int("herald.triggered", triggered),
		attribute.Int("herald.skipped", skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartDeliverySpan starts a new span for a delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, deliveryID, eventType, webhookID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "herald.delivery",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("herald.delivery_id", deliveryID),
			attribute.String("herald.event_type", eventType),
			attribute.String("herald.webhook_id", webhookID),
			attribute.Int("herald.attempt", attempt),
		),
	)
}

// EndDeliverySpan ends a delivery span with result attributes.
func (t *Tracer) EndDeliverySpan(span trace.Span, statusCode int, latencyMs int64, errorKind, errMsg string) {
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.Int64("herald.latency_ms", latencyMs),
	)
	if errMsg != "" {
		span.SetAttributes(attribute.String("herald.error_kind", errorKind))
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}
