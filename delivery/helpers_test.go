package delivery_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/webhook"
)

const testSecret = "whsec_0123456789abcdef0123456789abcdef"

// fakeClock is a settable time source shared by every component under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// receiver is an httptest server answering with a programmable status.
type receiver struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32

	mu       sync.Mutex
	requests []captured
}

type captured struct {
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(int32(status))
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.hits.Add(1)
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, captured{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) last() captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func (r *receiver) all() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.requests...)
}

func newWebhook(url string) *webhook.Webhook {
	return &webhook.Webhook{
		ID:                 id.NewWebhookID(),
		WorkspaceID:        "ws-1",
		Name:               "test hook",
		URL:                url,
		Secret:             testSecret,
		Events:             []string{"task.*"},
		Method:             http.MethodPost,
		ContentType:        payload.ContentTypeJSON,
		SignatureHeader:    webhook.DefaultSignatureHeader,
		SignatureAlgorithm: signature.SHA256,
		TimeoutMs:          5000,
		MaxRetries:         3,
		RetryDelayMs:       1000,
		RateLimitPerMinute: 60,
		Status:             webhook.StatusActive,
		SuccessRate:        1,
	}
}

func newPayload(c *fakeClock) *payload.WebhookPayload {
	b := payload.NewBuilder(payload.WithClock(c.Now))
	return b.Build(event.TaskCreated,
		map[string]any{"task": map[string]any{"id": "task-1", "title": "Write docs"}},
		"1.0",
		event.Context{WorkspaceID: "ws-1", CorrelationID: "corr-1"},
	)
}

type harness struct {
	clock   *fakeClock
	store   *memory.Store
	breaker *circuit.Breaker
	limiter *ratelimit.Window
	exec    *delivery.Executor
	svc     *delivery.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: newClock(), store: memory.New()}
	h.breaker = circuit.New(circuit.Config{Now: h.clock.Now})
	h.limiter = ratelimit.New(ratelimit.WithClock(h.clock.Now))
	h.exec = delivery.NewExecutor(delivery.ExecutorConfig{
		Breaker: h.breaker,
		Limiter: h.limiter,
		Retry:   delivery.DefaultRetryPolicy(),
		Now:     h.clock.Now,
	}, nil)
	h.svc = delivery.NewService(h.store, h.store, h.exec, delivery.Config{
		Concurrency: 4,
		Retry:       delivery.DefaultRetryPolicy(),
		Now:         h.clock.Now,
	}, nil)
	return h
}

// register stores wh so outcome bookkeeping can find it.
func (h *harness) register(t *testing.T, wh *webhook.Webhook) *webhook.Webhook {
	t.Helper()
	if err := h.store.CreateWebhook(context.Background(), wh); err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	return wh
}

func (h *harness) load(t *testing.T, delID id.ID) *delivery.Delivery {
	t.Helper()
	d, err := h.store.GetDelivery(context.Background(), delID)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	return d
}

// inFlight builds a claimed delivery ready for the executor.
func inFlight(wh *webhook.Webhook, p *payload.WebhookPayload) *delivery.Delivery {
	return &delivery.Delivery{
		ID:          id.NewDeliveryID(),
		WebhookID:   wh.ID,
		WorkspaceID: wh.WorkspaceID,
		EventType:   p.Event,
		Payload:     p,
		State:       delivery.StateInFlight,
		MaxAttempts: wh.MaxAttempts(),
	}
}
