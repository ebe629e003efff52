package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/herald/observability"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("aggregation is %T, want Sum[int64]", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := observability.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()

	m.RecordDispatch(ctx, "task.created")
	m.RecordDispatch(ctx, "task.created")
	m.RecordDelivery(ctx, "delivered", 120*time.Millisecond)
	m.RecordDelivery(ctx, "retrying", time.Second)
	m.RecordDeferred(ctx, "rate_limited")
	m.RecordSkipped(ctx, "paused")
	m.CircuitOpened(ctx)
	m.CircuitOpened(ctx)
	m.CircuitClosed(ctx)

	got := collect(t, reader)

	if n := sumFor(t, got["herald_events_dispatched_total"], "event_type", "task.created"); n != 2 {
		t.Errorf("events dispatched = %d", n)
	}
	if n := sumFor(t, got["herald_deliveries_total"], "outcome", "delivered"); n != 1 {
		t.Errorf("delivered = %d", n)
	}
	if n := sumFor(t, got["herald_deliveries_deferred_total"], "reason", "rate_limited"); n != 1 {
		t.Errorf("deferred = %d", n)
	}
	if n := sumFor(t, got["herald_webhooks_skipped_total"], "reason", "paused"); n != 1 {
		t.Errorf("skipped = %d", n)
	}
	if n := sumFor(t, got["herald_open_circuits"], "", ""); n != 1 {
		t.Errorf("open circuits = %d", n)
	}

	hist, ok := got["herald_delivery_duration_seconds"].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("latency aggregation is %T", got["herald_delivery_duration_seconds"])
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("latency samples = %d", count)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *observability.Metrics
	ctx := context.Background()
	m.RecordDispatch(ctx, "task.created")
	m.RecordDelivery(ctx, "failed", time.Second)
	m.RecordDeferred(ctx, "paused")
	m.RecordSkipped(ctx, "paused")
	m.CircuitOpened(ctx)
	m.CircuitClosed(ctx)
}

func TestTracer_DeliverySpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tr := observability.NewTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	_, span := tr.StartDeliverySpan(context.Background(), "del_1", "task.created", "wh_1", 2)
	tr.EndDeliverySpan(span, 503, 42, "server_error", "receiver returned 503")

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "herald.delivery" {
		t.Errorf("name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v", s.Status())
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["herald.attempt"].AsInt64() != 2 || attrs["http.status_code"].AsInt64() != 503 {
		t.Errorf("attributes = %v", attrs)
	}
	if attrs["herald.error_kind"].AsString() != "server_error" {
		t.Errorf("error kind = %v", attrs["herald.error_kind"])
	}
}

func TestTracer_DispatchSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tr := observability.NewTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	_, ok := tr.StartDispatchSpan(context.Background(), "task.created", "ws-1")
	tr.EndDispatchSpan(ok, 3, 1, nil)

	_, bad := tr.StartDispatchSpan(context.Background(), "task.created", "ws-1")
	tr.EndDispatchSpan(bad, 0, 0, errors.New("resolve failed"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful dispatch marked as error")
	}
	if spans[1].Status().Code != codes.Error || len(spans[1].Events()) == 0 {
		t.Error("failed dispatch did not record the error")
	}
}
