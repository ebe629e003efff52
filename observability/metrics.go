// Package observability holds the OpenTelemetry instruments herald reports to.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xraph/herald"

// Metrics holds metric instruments for herald. A nil *Metrics records nothing.
type Metrics struct {
	EventsDispatched metric.Int64Counter
	DeliveriesTotal  metric.Int64Counter
	DeliveryLatency  metric.Float64Histogram
	DeferredTotal    metric.Int64Counter
	SkippedTotal     metric.Int64Counter
	OpenCircuits     metric.Int64UpDownCounter
}

// NewMetrics creates herald instruments on the given provider. A nil
// provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion("1.0.0"))

	eventsDispatched, err := meter.Int64Counter(
		"herald_events_dispatched_total",
		metric.WithDescription("Total number of domain events dispatched"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"herald_deliveries_total",
		metric.WithDescription("Total number of webhook delivery attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"herald_delivery_duration_seconds",
		metric.WithDescription("Duration of webhook delivery attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	deferred, err := meter.Int64Counter(
		"herald_deliveries_deferred_total",
		metric.WithDescription("Attempts postponed by pause, open circuit or rate limit"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter(
		"herald_webhooks_skipped_total",
		metric.WithDescription("Webhooks skipped at dispatch by reason"),
	)
	if err != nil {
		return nil, err
	}

	openCircuits, err := meter.Int64UpDownCounter(
		"herald_open_circuits",
		metric.WithDescription("Current number of open webhook circuits"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		EventsDispatched: eventsDispatched,
		DeliveriesTotal:  deliveries,
		DeliveryLatency:  latency,
		DeferredTotal:    deferred,
		SkippedTotal:     skipped,
		OpenCircuits:     openCircuits,
	}, nil
}

// RecordDispatch counts one dispatched event.
func (m *Metrics) RecordDispatch(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordDelivery records an attempt with the given outcome and latency.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.DeliveriesTotal.Add(ctx, 1, attrs)
	m.DeliveryLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordDeferred counts an attempt that was postponed without being sent.
func (m *Metrics) RecordDeferred(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DeferredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSkipped counts a webhook passed over at dispatch.
func (m *Metrics) RecordSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SkippedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CircuitOpened and CircuitClosed track the number of open circuits.
func (m *Metrics) CircuitOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.OpenCircuits.Add(ctx, 1)
}

func (m *Metrics) CircuitClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.OpenCircuits.Add(ctx, -1)
}
