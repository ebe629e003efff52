package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/webhook"
)

func TestService_DeliverWebhookSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))
	eventID := id.NewEventID()

	out, err := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{EventID: eventID})
	if err != nil {
		t.Fatalf("DeliverWebhook: %v", err)
	}
	if out.State != delivery.StateDelivered || !out.Result.Success {
		t.Fatalf("outcome = %+v", out)
	}

	d := h.load(t, out.DeliveryID)
	if d.State != delivery.StateDelivered || d.AttemptCount != 1 {
		t.Errorf("state=%s attempts=%d", d.State, d.AttemptCount)
	}
	if d.DeliveredAt == nil || d.CompletedAt == nil {
		t.Error("completion timestamps not set")
	}
	if d.HTTPStatusCode != http.StatusOK {
		t.Errorf("status = %d", d.HTTPStatusCode)
	}
	if d.EventID.String() != eventID.String() {
		t.Errorf("event id = %s", d.EventID)
	}

	stored, _ := h.store.GetWebhook(ctx, wh.ID)
	if stored.LastDeliveryAt == nil {
		t.Error("webhook LastDeliveryAt not recorded")
	}
}

func TestService_RetriesUntilFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusInternalServerError)
	wh := h.register(t, newWebhook(rcv.URL))

	out, err := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	if err != nil {
		t.Fatalf("DeliverWebhook: %v", err)
	}
	if out.State != delivery.StateRetrying {
		t.Fatalf("state = %s, want retrying", out.State)
	}
	d := h.load(t, out.DeliveryID)
	if want := h.clock.Now().Add(time.Second); d.NextRetryAt == nil || !d.NextRetryAt.Equal(want) {
		t.Fatalf("NextRetryAt = %v, want %v", d.NextRetryAt, want)
	}

	if br := h.svc.ProcessRetryQueue(ctx); br.Processed != 0 {
		t.Fatalf("retry drained before it was due: %+v", br)
	}

	h.clock.Advance(time.Second)
	if br := h.svc.ProcessRetryQueue(ctx); br.Processed != 1 || br.Failed != 1 {
		t.Fatalf("second attempt: %+v", br)
	}
	d = h.load(t, out.DeliveryID)
	if d.AttemptCount != 2 || d.State != delivery.StateRetrying {
		t.Fatalf("after attempt 2: state=%s attempts=%d", d.State, d.AttemptCount)
	}
	if want := h.clock.Now().Add(2 * time.Second); !d.NextRetryAt.Equal(want) {
		t.Errorf("second backoff: NextRetryAt = %v, want %v", d.NextRetryAt, want)
	}

	h.clock.Advance(2 * time.Second)
	h.svc.ProcessRetryQueue(ctx)
	d = h.load(t, out.DeliveryID)
	if d.State != delivery.StateFailed || d.AttemptCount != 3 {
		t.Fatalf("final: state=%s attempts=%d", d.State, d.AttemptCount)
	}
	if d.NextRetryAt != nil || d.CompletedAt == nil {
		t.Error("failed delivery still scheduled")
	}
	if d.ErrorKind != delivery.ErrorServer {
		t.Errorf("error kind = %q", d.ErrorKind)
	}

	h.clock.Advance(time.Hour)
	h.svc.ProcessRetryQueue(ctx)
	if n := rcv.hits.Load(); n != 3 {
		t.Errorf("hits = %d, want 3", n)
	}

	stored, _ := h.store.GetWebhook(ctx, wh.ID)
	if stored.SuccessRate >= 1 {
		t.Errorf("success rate not lowered: %v", stored.SuccessRate)
	}
}

func TestService_PayloadStableAcrossAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusServiceUnavailable)
	wh := h.register(t, newWebhook(rcv.URL))

	out, _ := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	h.clock.Advance(time.Second)
	h.svc.ProcessRetryQueue(ctx)
	rcv.status.Store(http.StatusOK)
	h.clock.Advance(2 * time.Second)
	h.svc.ProcessRetryQueue(ctx)

	if d := h.load(t, out.DeliveryID); d.State != delivery.StateDelivered {
		t.Fatalf("state = %s", d.State)
	}

	reqs := rcv.all()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d", len(reqs))
	}
	var firstID string
	for i, r := range reqs {
		var p payload.WebhookPayload
		if err := json.Unmarshal(r.body, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if i == 0 {
			firstID = p.ID.String()
		} else if p.ID.String() != firstID {
			t.Errorf("attempt %d payload id %s, want %s", i+1, p.ID, firstID)
		}
		if p.Metadata.DeliveryAttempt != i+1 {
			t.Errorf("attempt %d: deliveryAttempt = %d", i+1, p.Metadata.DeliveryAttempt)
		}
		if got := r.header.Get(delivery.HeaderAttempt); got != strconv.Itoa(i+1) {
			t.Errorf("attempt %d: header = %q", i+1, got)
		}
		if got := r.header.Get(delivery.HeaderDelivery); got != out.DeliveryID.String() {
			t.Errorf("attempt %d: delivery header = %q", i+1, got)
		}
	}
}

func TestService_FanOutIsolatesReceivers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ok := newReceiver(t, http.StatusOK)
	bad := newReceiver(t, http.StatusBadRequest)
	down := newReceiver(t, http.StatusBadGateway)

	hooks := []*webhook.Webhook{
		h.register(t, newWebhook(ok.URL)),
		h.register(t, newWebhook(bad.URL)),
		h.register(t, newWebhook(down.URL)),
	}

	outs, err := h.svc.DeliverToMultipleWebhooks(ctx, hooks, newPayload(h.clock), delivery.DeliverOptions{})
	if err != nil {
		t.Fatalf("DeliverToMultipleWebhooks: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("outcomes = %d", len(outs))
	}

	want := []delivery.State{delivery.StateDelivered, delivery.StateFailed, delivery.StateRetrying}
	for i, o := range outs {
		if o.WebhookID.String() != hooks[i].ID.String() {
			t.Errorf("outcome %d belongs to %s", i, o.WebhookID)
		}
		if o.State != want[i] {
			t.Errorf("outcome %d state = %s, want %s", i, o.State, want[i])
		}
	}
}

func TestService_DeliverEventToWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)

	subscribed := h.register(t, newWebhook(rcv.URL))
	other := newWebhook(rcv.URL)
	other.Events = []string{"project.*"}
	h.register(t, other)
	paused := newWebhook(rcv.URL)
	paused.Paused = true
	h.register(t, paused)
	foreign := newWebhook(rcv.URL)
	foreign.WorkspaceID = "ws-2"
	h.register(t, foreign)

	outs, err := h.svc.DeliverEventToWorkspace(ctx, "ws-1", newPayload(h.clock), delivery.DeliverOptions{})
	if err != nil {
		t.Fatalf("DeliverEventToWorkspace: %v", err)
	}
	if len(outs) != 1 || outs[0].WebhookID.String() != subscribed.ID.String() {
		t.Fatalf("outcomes = %+v", outs)
	}
	if rcv.hits.Load() != 1 {
		t.Errorf("hits = %d", rcv.hits.Load())
	}
}

func TestService_DeliverRejectsUndispatchable(t *testing.T) {
	h := newHarness(t)
	wh := newWebhook("https://hooks.example.com/in")
	wh.Status = webhook.StatusSuspended

	_, err := h.svc.DeliverWebhook(context.Background(), wh, newPayload(h.clock), delivery.DeliverOptions{})
	if !errors.Is(err, delivery.ErrNotDispatchable) {
		t.Errorf("err = %v, want ErrNotDispatchable", err)
	}
	_, err = h.svc.DeliverToMultipleWebhooks(context.Background(), []*webhook.Webhook{newWebhook("https://x.example.com")}, nil, delivery.DeliverOptions{})
	if !errors.Is(err, delivery.ErrNoPayload) {
		t.Errorf("err = %v, want ErrNoPayload", err)
	}
}

func TestService_ScheduledDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	at := h.clock.Now().Add(time.Hour)
	d, err := h.svc.ScheduleWebhookDelivery(ctx, wh, newPayload(h.clock), at, id.Nil)
	if err != nil {
		t.Fatalf("ScheduleWebhookDelivery: %v", err)
	}
	if d.State != delivery.StateScheduled || !d.ScheduledFor.Equal(at) {
		t.Fatalf("delivery = %+v", d)
	}

	if br := h.svc.ProcessScheduledDeliveries(ctx); br.Processed != 0 {
		t.Fatalf("processed early: %+v", br)
	}

	h.clock.Advance(time.Hour)
	if br := h.svc.ProcessScheduledDeliveries(ctx); br.Successful != 1 {
		t.Fatalf("drain = %+v", br)
	}
	if got := h.load(t, d.ID); got.State != delivery.StateDelivered {
		t.Errorf("state = %s", got.State)
	}
}

func TestService_CancelScheduledDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	d, _ := h.svc.ScheduleWebhookDelivery(ctx, wh, newPayload(h.clock), h.clock.Now().Add(time.Minute), id.Nil)

	ok, err := h.svc.CancelScheduledDelivery(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	ok, err = h.svc.CancelScheduledDelivery(ctx, d.ID)
	if err != nil || ok {
		t.Fatalf("second cancel = %v, %v", ok, err)
	}

	h.clock.Advance(time.Hour)
	h.svc.ProcessScheduledDeliveries(ctx)
	if rcv.hits.Load() != 0 {
		t.Error("cancelled delivery was sent")
	}
	got := h.load(t, d.ID)
	if got.State != delivery.StateCancelled || got.CancelledAt == nil {
		t.Errorf("delivery = %+v", got)
	}

	_, err = h.svc.CancelScheduledDelivery(ctx, id.NewDeliveryID())
	if !errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}
}

func TestService_CancelForWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	for range 2 {
		if _, err := h.svc.ScheduleWebhookDelivery(ctx, wh, newPayload(h.clock), h.clock.Now().Add(time.Hour), id.Nil); err != nil {
			t.Fatal(err)
		}
	}
	done, _ := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})

	n, err := h.svc.CancelForWebhook(ctx, wh.ID)
	if err != nil || n != 2 {
		t.Fatalf("CancelForWebhook = %d, %v", n, err)
	}
	if d := h.load(t, done.DeliveryID); d.State != delivery.StateDelivered {
		t.Errorf("delivered record changed to %s", d.State)
	}
}

func TestService_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	h.svc.PauseDeliveries()
	if !h.svc.Paused() {
		t.Fatal("not paused")
	}

	out, err := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	if err != nil {
		t.Fatalf("DeliverWebhook: %v", err)
	}
	if out.State != delivery.StatePending {
		t.Fatalf("state = %s, want pending", out.State)
	}

	h.clock.Advance(time.Minute)
	if br := h.svc.ProcessPendingDeliveries(ctx); br.Processed != 0 {
		t.Fatalf("drain ran while paused: %+v", br)
	}
	if rcv.hits.Load() != 0 {
		t.Fatal("sent while paused")
	}

	qs, _ := h.svc.GetQueueStatus(ctx)
	if !qs.Paused || qs.ByState[delivery.StatePending] != 1 {
		t.Errorf("queue status = %+v", qs)
	}

	h.svc.ResumeDeliveries()
	if br := h.svc.ProcessPendingDeliveries(ctx); br.Successful != 1 {
		t.Fatalf("drain after resume = %+v", br)
	}
}

func TestService_PendingGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	h.svc.PauseDeliveries()
	_, _ = h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	h.svc.ResumeDeliveries()

	if br := h.svc.ProcessPendingDeliveries(ctx); br.Processed != 0 {
		t.Errorf("fresh pending record picked up: %+v", br)
	}
	h.clock.Advance(delivery.DefaultPendingGrace)
	if br := h.svc.ProcessPendingDeliveries(ctx); br.Processed != 1 {
		t.Errorf("due pending record not picked up: %+v", br)
	}
}

func TestService_PausedWebhookDeferredWithoutAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	d, _ := h.svc.ScheduleWebhookDelivery(ctx, wh, newPayload(h.clock), h.clock.Now().Add(time.Minute), id.Nil)

	wh.Paused = true
	if err := h.store.UpdateWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Minute)
	br := h.svc.ProcessScheduledDeliveries(ctx)
	if br.Skipped != 1 {
		t.Fatalf("drain = %+v", br)
	}

	got := h.load(t, d.ID)
	if got.State != delivery.StateRetrying || got.ErrorKind != delivery.ErrorPaused {
		t.Errorf("state=%s kind=%s", got.State, got.ErrorKind)
	}
	if got.AttemptCount != 0 {
		t.Errorf("deferral consumed an attempt: %d", got.AttemptCount)
	}
	if rcv.hits.Load() != 0 {
		t.Error("paused webhook contacted")
	}
}

func TestService_RateLimitDefersWithoutAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := newWebhook(rcv.URL)
	wh.RateLimitPerMinute = 1
	h.register(t, wh)

	_, _ = h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	out, err := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.State != delivery.StateRetrying || out.Result.ErrorKind != delivery.ErrorRateLimited {
		t.Fatalf("outcome = %+v", out)
	}
	d := h.load(t, out.DeliveryID)
	if d.AttemptCount != 0 {
		t.Errorf("attempts = %d", d.AttemptCount)
	}

	h.clock.Advance(time.Minute)
	h.svc.ProcessRetryQueue(ctx)
	if d = h.load(t, out.DeliveryID); d.State != delivery.StateDelivered || d.AttemptCount != 1 {
		t.Errorf("after window: state=%s attempts=%d", d.State, d.AttemptCount)
	}
}

func TestService_GoneSuspendsWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusGone)
	wh := h.register(t, newWebhook(rcv.URL))

	out, _ := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	if out.State != delivery.StateFailed {
		t.Fatalf("state = %s", out.State)
	}

	stored, _ := h.store.GetWebhook(ctx, wh.ID)
	if stored.Status != webhook.StatusSuspended || stored.SuspendReason == "" || stored.SuspendedAt == nil {
		t.Errorf("webhook = status %s reason %q", stored.Status, stored.SuspendReason)
	}
}

func TestService_DeletedWebhookCancelsDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusOK)
	wh := h.register(t, newWebhook(rcv.URL))

	d, _ := h.svc.ScheduleWebhookDelivery(ctx, wh, newPayload(h.clock), h.clock.Now().Add(time.Minute), id.Nil)
	if err := h.store.DeleteWebhook(ctx, wh.ID); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Minute)
	h.svc.ProcessScheduledDeliveries(ctx)
	if got := h.load(t, d.ID); got.State != delivery.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
	if rcv.hits.Load() != 0 {
		t.Error("deleted webhook contacted")
	}
}

func TestService_RetryFailedDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusBadRequest)
	wh := h.register(t, newWebhook(rcv.URL))

	first, _ := h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	if first.State != delivery.StateFailed {
		t.Fatalf("state = %s", first.State)
	}

	rcv.status.Store(http.StatusOK)
	out, err := h.svc.RetryFailedDelivery(ctx, first.DeliveryID)
	if err != nil {
		t.Fatalf("RetryFailedDelivery: %v", err)
	}
	if out.State != delivery.StateDelivered {
		t.Fatalf("retry state = %s", out.State)
	}
	if out.DeliveryID.String() == first.DeliveryID.String() {
		t.Fatal("retry reused the original record")
	}

	clone := h.load(t, out.DeliveryID)
	if clone.RetryOf.String() != first.DeliveryID.String() {
		t.Errorf("RetryOf = %s", clone.RetryOf)
	}
	if orig := h.load(t, first.DeliveryID); orig.State != delivery.StateFailed {
		t.Errorf("original state changed to %s", orig.State)
	}

	if _, err := h.svc.RetryFailedDelivery(ctx, out.DeliveryID); !errors.Is(err, delivery.ErrNotRetryable) {
		t.Errorf("retrying a delivered record: err = %v", err)
	}
}

func TestService_RetryAllFailedDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusNotFound)
	wh := h.register(t, newWebhook(rcv.URL))

	for range 2 {
		_, _ = h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	}

	rcv.status.Store(http.StatusOK)
	br := h.svc.RetryAllFailedDeliveries(ctx, delivery.ListOpts{WebhookID: wh.ID})
	if br.Processed != 2 || br.Successful != 2 || len(br.Errors) != 0 {
		t.Errorf("batch = %+v", br)
	}
}

func TestService_ReleaseStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wh := newWebhook("https://hooks.example.com/in")

	d := inFlight(wh, newPayload(h.clock))
	d.CreatedAt = h.clock.Now().Add(-10 * time.Minute)
	d.UpdatedAt = d.CreatedAt
	if err := h.store.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	n, err := h.svc.ReleaseStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReleaseStale = %d, %v", n, err)
	}
	if got := h.load(t, d.ID); got.State != delivery.StateRetrying {
		t.Errorf("state = %s", got.State)
	}
}

func TestService_StatsAndHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rcv := newReceiver(t, http.StatusInternalServerError)
	wh := newWebhook(rcv.URL)
	wh.MaxRetries = 1
	h.register(t, wh)

	for range 5 {
		_, _ = h.svc.DeliverWebhook(ctx, wh, newPayload(h.clock), delivery.DeliverOptions{})
	}

	stats, err := h.svc.GetDeliveryStats(ctx, delivery.StatsFilter{WebhookID: wh.ID})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 5 || stats.ByState[delivery.StateFailed] != 5 || stats.SuccessRate != 0 {
		t.Errorf("stats = %+v", stats)
	}

	health, err := h.svc.CheckDeliveryHealth(ctx, wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if health.Healthy {
		t.Error("failing webhook reported healthy")
	}
	if health.Circuit.State != circuit.Open {
		t.Errorf("circuit = %s, want open", health.Circuit.State)
	}

	sys, err := h.svc.GetSystemHealth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sys.OpenCircuits != 1 {
		t.Errorf("open circuits = %d", sys.OpenCircuits)
	}
	if !sys.Healthy {
		t.Errorf("system issues: %v", sys.Issues)
	}

	if _, err := h.svc.CheckDeliveryHealth(ctx, id.NewWebhookID()); !errors.Is(err, webhook.ErrNotFound) {
		t.Errorf("unknown webhook: err = %v", err)
	}
}
