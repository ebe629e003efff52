package herald

import (
	"context"
	"fmt"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/dispatcher"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/webhook"
)

// wireServices initializes the internal services after options have been applied.
func (h *Herald) wireServices() error {
	metrics, err := observability.NewMetrics(h.meterProvider)
	if err != nil {
		return fmt.Errorf("herald: create metrics: %w", err)
	}
	h.metrics = metrics
	h.tracer = observability.NewTracer(h.tracerProvider)

	if h.catalog == nil {
		h.catalog = catalog.Default(h.logger)
	}
	if h.limiter == nil {
		h.limiter = ratelimit.New(ratelimit.WithClock(h.now))
	}

	h.breaker = circuit.New(circuit.Config{
		FailureThreshold: h.config.FailureThreshold,
		CoolDown:         h.config.CoolDown,
		OnStateChange:    h.circuitChanged,
		Now:              h.now,
	})

	h.index = webhook.NewIndex(h.store, h.config.IndexTTL)
	filters := webhook.NewFilters()

	executor := delivery.NewExecutor(delivery.ExecutorConfig{
		Client:           h.client,
		Breaker:          h.breaker,
		Limiter:          h.limiter,
		DefaultRateLimit: h.config.DefaultRateLimit,
		Retry:            h.config.retryPolicy(),
		UserAgent:        h.config.UserAgent,
		Metrics:          h.metrics,
		Tracer:           h.tracer,
		Now:              h.now,
	}, h.logger)

	h.deliverySvc = delivery.NewService(h.store, h.store, executor, delivery.Config{
		Concurrency:  h.config.Concurrency,
		BatchSize:    h.config.BatchSize,
		PendingGrace: h.config.PendingGrace,
		StaleAfter:   h.config.StaleAfter,
		MaxQueueAge:  h.config.MaxQueueAge,
		Retry:        h.config.retryPolicy(),
		Index:        h.index,
		Metrics:      h.metrics,
		Now:          h.now,
	}, h.logger)

	h.webhookSvc = webhook.NewService(h.store, webhook.Config{
		Defaults:          h.config.webhookDefaults(),
		AllowPrivateHosts: h.config.AllowPrivateHosts,
		Index:             h.index,
		Filters:           filters,
		Canceller:         h.deliverySvc,
		Now:               h.now,
	}, h.logger)

	h.dispatcher = dispatcher.New(dispatcher.Config{
		Catalog:          h.catalog,
		Resolver:         h.index,
		Filters:          filters,
		Deliveries:       h.deliverySvc,
		Breaker:          h.breaker,
		Limiter:          h.limiter,
		DefaultRateLimit: h.config.DefaultRateLimit,
		Builder:          payload.NewBuilder(payload.WithSource(h.config.Source), payload.WithClock(h.now)),
		History:          dispatcher.NewHistory(h.config.HistorySize),
		Concurrency:      h.config.Concurrency,
		Metrics:          h.metrics,
		Tracer:           h.tracer,
		Now:              h.now,
	}, h.logger)

	h.engine = delivery.NewEngine(h.deliverySvc, delivery.EngineConfig{
		PollInterval: h.config.PollInterval,
	}, h.logger)
	return nil
}

func (h *Herald) circuitChanged(key string, from, to circuit.State) {
	ctx := context.Background()
	switch {
	case from == circuit.Closed && to == circuit.Open:
		h.metrics.CircuitOpened(ctx)
		h.logger.Warn("circuit opened", "webhook_id", key)
	case from != circuit.Closed && to == circuit.Closed:
		h.metrics.CircuitClosed(ctx)
		h.logger.Info("circuit closed", "webhook_id", key)
	}
}

// Start begins the background delivery engine.
func (h *Herald) Start(ctx context.Context) {
	h.engine.Start(ctx)
	h.logger.Info("herald started",
		"poll_interval", h.config.PollInterval,
		"concurrency", h.config.Concurrency,
	)
}

// Stop shuts down the delivery engine, letting in-flight deliveries finish
// for up to ShutdownTimeout or until ctx is done. Requests still running
// then are cancelled; the stale sweep requeues their records.
func (h *Herald) Stop(ctx context.Context) {
	if h.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.ShutdownTimeout)
		defer cancel()
	}

	if err := h.engine.Stop(ctx); err != nil {
		h.logger.Warn("herald stop cancelled in-flight deliveries", "error", err)
		return
	}
	h.logger.Info("herald stopped")
}

// HandleDomainEvent is the subscription point for the domain event bus.
func (h *Herald) HandleDomainEvent(ctx context.Context, evt event.Event) error {
	return h.dispatcher.HandleDomainEvent(ctx, evt)
}

// DispatchEvent dispatches one event and reports what happened to every
// candidate webhook.
func (h *Herald) DispatchEvent(ctx context.Context, kind event.Kind, data map[string]any, ectx event.Context, opts dispatcher.Options) (*dispatcher.Result, error) {
	return h.dispatcher.DispatchEvent(ctx, kind, data, ectx, opts)
}

// SendTestEvent delivers a webhook.test event to one webhook regardless of
// its subscriptions.
func (h *Herald) SendTestEvent(ctx context.Context, whID id.ID) (*delivery.Outcome, error) {
	wh, err := h.store.GetWebhook(ctx, whID)
	if err != nil {
		return nil, err
	}

	evt := event.Event{
		ID:   id.NewEventID(),
		Kind: event.WebhookTest,
		Context: event.Context{
			WorkspaceID: wh.WorkspaceID,
		},
		OccurredAt: h.now().UTC(),
		Data:       map[string]any{"webhook_id": wh.ID.String()},
	}
	data, def, err := h.catalog.Build(evt)
	if err != nil {
		return nil, err
	}
	p := payload.NewBuilder(payload.WithSource(h.config.Source), payload.WithClock(h.now)).
		Build(evt.Kind, data, def.Version, evt.Context)

	return h.deliverySvc.DeliverWebhook(ctx, wh, p, delivery.DeliverOptions{EventID: evt.ID})
}

// Ping checks the store.
func (h *Herald) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}

// Webhooks returns the webhook management service.
func (h *Herald) Webhooks() *webhook.Service { return h.webhookSvc }

// Deliveries returns the delivery service.
func (h *Herald) Deliveries() *delivery.Service { return h.deliverySvc }

// Dispatcher returns the event dispatcher.
func (h *Herald) Dispatcher() *dispatcher.Dispatcher { return h.dispatcher }

// Catalog returns the event catalog.
func (h *Herald) Catalog() *catalog.Catalog { return h.catalog }

// Breaker returns the per-webhook circuit breakers.
func (h *Herald) Breaker() *circuit.Breaker { return h.breaker }

// Index returns the subscription cache.
func (h *Herald) Index() *webhook.Index { return h.index }

// Engine returns the background processor.
func (h *Herald) Engine() *delivery.Engine { return h.engine }

// Store returns the underlying store.
func (h *Herald) Store() store.Store { return h.store }

// Config returns the effective configuration.
func (h *Herald) Config() Config { return h.config }
