// Package dispatcher turns domain events into webhook deliveries.
//
// A dispatch validates the event against the catalog, resolves the
// workspace's subscribed webhooks, drops the ones that should not be
// contacted right now, builds the payload once and fans it out through the
// delivery service.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/webhook"
)

var (
	// ErrUnknownEventType is returned for kinds the catalog does not hold.
	ErrUnknownEventType = errors.New("dispatcher: unknown event type")

	// ErrInvalidContext is returned when no workspace can be determined.
	ErrInvalidContext = errors.New("dispatcher: event has no workspace")

	// ErrPayloadValidationFailed is returned when event data violates its
	// kind's schema or the built payload is incomplete.
	ErrPayloadValidationFailed = errors.New("dispatcher: payload validation failed")
)

// DefaultConcurrency bounds how many events DispatchMultipleEvents handles at once.
const DefaultConcurrency = 4

// Reason explains why a webhook was left out of a dispatch.
type Reason string

// Skip reasons.
const (
	ReasonNotSelected    Reason = "not_selected"
	ReasonInactive       Reason = "inactive"
	ReasonPaused         Reason = "paused"
	ReasonNotSubscribed  Reason = "not_subscribed"
	ReasonCircuitOpen    Reason = "circuit_open"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonFiltered       Reason = "filtered"
	ReasonConditionFalse Reason = "condition_false"
)

// Resolver returns the active webhooks of a workspace subscribed to an
// event type. *webhook.Index is the usual implementation.
type Resolver interface {
	Resolve(ctx context.Context, workspaceID, eventType string) ([]*webhook.Webhook, error)
}

// Options narrows a dispatch.
type Options struct {
	// WebhookIDs, when non-empty, restricts delivery to these webhooks.
	WebhookIDs []id.ID

	// Filter, when set, must return true for a webhook to receive the event.
	Filter func(*webhook.Webhook) bool

	// ScheduledFor defers every delivery until this time.
	ScheduledFor time.Time
}

// Eligibility is the verdict of ShouldDispatchToWebhook.
type Eligibility struct {
	Dispatch   bool          `json:"dispatch"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Skip records a webhook left out of a dispatch.
type Skip struct {
	WebhookID  id.ID         `json:"webhook_id"`
	Reason     Reason        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Result summarizes one dispatched event.
type Result struct {
	EventID     id.ID      `json:"event_id"`
	EventType   event.Kind `json:"event_type"`
	WorkspaceID string     `json:"workspace_id"`
	PayloadID   id.ID      `json:"payload_id"`

	// Triggered counts deliveries created. Each ends up in exactly one of
	// Succeeded, Failed or Queued.
	Triggered int `json:"triggered"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
	Skipped   int `json:"skipped"`

	Outcomes []delivery.Outcome `json:"outcomes,omitempty"`
	Skips    []Skip             `json:"skips,omitempty"`
	Elapsed  time.Duration      `json:"elapsed"`

	// Err is set by DispatchMultipleEvents when this event could not be dispatched.
	Err error `json:"-"`
}

// Config holds the dispatcher's collaborators.
type Config struct {
	Catalog    *catalog.Catalog
	Resolver   Resolver
	Deliveries *delivery.Service

	// Breaker and Limiter are consulted read-only to skip webhooks that
	// would be rejected anyway. Either may be nil.
	Breaker *circuit.Breaker
	Limiter ratelimit.Limiter

	// DefaultRateLimit applies to webhooks whose RateLimitPerMinute is 0.
	DefaultRateLimit int

	Builder *payload.Builder
	Filters *webhook.Filters
	History *History

	// Concurrency bounds DispatchMultipleEvents.
	Concurrency int

	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Dispatcher routes domain events to webhooks.
type Dispatcher struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Dispatcher. Catalog, Resolver and Deliveries are required.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default(logger)
	}
	if cfg.Builder == nil {
		cfg.Builder = payload.NewBuilder()
	}
	if cfg.Filters == nil {
		cfg.Filters = webhook.NewFilters()
	}
	if cfg.History == nil {
		cfg.History = NewHistory(DefaultHistorySize)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = ratelimit.DefaultLimit
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		cfg:    cfg,
		now:    func() time.Time { return now().UTC() },
		logger: logger,
	}
}

// History returns the dispatch history.
func (d *Dispatcher) History() *History { return d.cfg.History }

// Stats returns aggregate dispatch counters.
func (d *Dispatcher) Stats() HistoryStats { return d.cfg.History.Stats() }

// EventStats returns the dispatch counters for one kind.
func (d *Dispatcher) EventStats(kind event.Kind) EventStats { return d.cfg.History.EventStats(kind) }

// DispatchEvent dispatches an event of kind with the given data.
func (d *Dispatcher) DispatchEvent(ctx context.Context, kind event.Kind, data map[string]any, ectx event.Context, opts Options) (*Result, error) {
	evt := event.Event{Kind: kind, Context: ectx, Data: data}
	return d.dispatch(ctx, evt, opts)
}

// DispatchDomainEvent dispatches an event raised on the domain event bus.
func (d *Dispatcher) DispatchDomainEvent(ctx context.Context, evt event.Event) (*Result, error) {
	return d.dispatch(ctx, evt, Options{})
}

// HandleDomainEvent is the subscription point for the domain event bus. It
// dispatches evt and only reports errors that prevented the dispatch.
func (d *Dispatcher) HandleDomainEvent(ctx context.Context, evt event.Event) error {
	res, err := d.DispatchDomainEvent(ctx, evt)
	if err != nil {
		d.logger.ErrorContext(ctx, "domain event dropped",
			"event_type", string(evt.Kind), "workspace_id", evt.Context.WorkspaceID, "error", err)
		return err
	}
	d.logger.DebugContext(ctx, "domain event handled",
		"event_id", res.EventID.String(), "event_type", string(res.EventType),
		"triggered", res.Triggered, "skipped", res.Skipped)
	return nil
}

// DispatchMultipleEvents dispatches each event independently. Results are
// returned in input order; an event that fails carries Err and does not
// affect the others.
func (d *Dispatcher) DispatchMultipleEvents(ctx context.Context, evts []event.Event) []*Result {
	results := make([]*Result, len(evts))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, evt := range evts {
		g.Go(func() error {
			res, err := d.dispatch(ctx, evt, Options{})
			if res == nil {
				res = &Result{EventID: evt.ID, EventType: evt.Kind, WorkspaceID: evt.Context.WorkspaceID}
			}
			res.Err = err
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ShouldDispatchToWebhook decides whether wh should receive p now. It only
// reads breaker and limiter state; quota is consumed by the actual attempt.
func (d *Dispatcher) ShouldDispatchToWebhook(ctx context.Context, wh *webhook.Webhook, kind event.Kind, p *payload.WebhookPayload, opts Options) Eligibility {
	if len(opts.WebhookIDs) > 0 && !slices.ContainsFunc(opts.WebhookIDs, func(i id.ID) bool {
		return i.String() == wh.ID.String()
	}) {
		return skip(ReasonNotSelected, 0)
	}
	if wh.Status != webhook.StatusActive {
		return skip(ReasonInactive, 0)
	}
	if wh.Paused {
		return skip(ReasonPaused, 0)
	}
	if !wh.Subscribes(string(kind)) {
		return skip(ReasonNotSubscribed, 0)
	}

	key := wh.ID.String()
	if d.cfg.Breaker != nil {
		snap := d.cfg.Breaker.State(key)
		if now := d.now(); snap.State == circuit.Open && now.Before(snap.NextProbeAt) {
			return skip(ReasonCircuitOpen, snap.NextProbeAt.Sub(now))
		}
	}

	if d.cfg.Limiter != nil {
		limit := wh.RateLimitPerMinute
		if limit <= 0 {
			limit = d.cfg.DefaultRateLimit
		}
		dec, err := d.cfg.Limiter.Peek(ctx, key, limit)
		switch {
		case err != nil:
			d.logger.WarnContext(ctx, "rate limiter unavailable, not skipping", "webhook_id", key, "error", err)
		case !dec.Allowed:
			return skip(ReasonRateLimited, dec.RetryAfter)
		}
	}

	if opts.Filter != nil && !opts.Filter(wh) {
		return skip(ReasonFiltered, 0)
	}

	if wh.FilterExpression != "" && p != nil {
		ok, err := d.cfg.Filters.Match(wh, p)
		if err != nil {
			d.logger.WarnContext(ctx, "webhook filter failed, skipping",
				"webhook_id", key, "error", err)
		}
		if !ok {
			return skip(ReasonConditionFalse, 0)
		}
	}

	return Eligibility{Dispatch: true}
}

func skip(r Reason, after time.Duration) Eligibility {
	return Eligibility{Reason: r, RetryAfter: after}
}

func (d *Dispatcher) dispatch(ctx context.Context, evt event.Event, opts Options) (res *Result, err error) {
	start := time.Now()

	if !event.Known(evt.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Kind)
	}
	if err := d.prepare(ctx, &evt); err != nil {
		return nil, err
	}

	var span trace.Span
	if d.cfg.Tracer != nil {
		ctx, span = d.cfg.Tracer.StartDispatchSpan(ctx, string(evt.Kind), evt.Context.WorkspaceID)
		defer func() {
			var triggered, skipped int
			if res != nil {
				triggered, skipped = res.Triggered, res.Skipped
			}
			d.cfg.Tracer.EndDispatchSpan(span, triggered, skipped, err)
		}()
	}

	data, def, err := d.cfg.Catalog.Build(evt)
	switch {
	case errors.Is(err, catalog.ErrUnknownKind):
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Kind)
	case errors.Is(err, catalog.ErrInvalidData):
		return nil, fmt.Errorf("%w: %w", ErrPayloadValidationFailed, err)
	case err != nil:
		return nil, err
	}

	p := d.cfg.Builder.Build(evt.Kind, data, def.Version, evt.Context)
	if v := payload.Validate(p); !v.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrPayloadValidationFailed, strings.Join(v.Errors, "; "))
	}

	hooks, err := d.cfg.Resolver.Resolve(ctx, evt.Context.WorkspaceID, string(evt.Kind))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: resolve webhooks: %w", err)
	}

	res = &Result{
		EventID:     evt.ID,
		EventType:   evt.Kind,
		WorkspaceID: evt.Context.WorkspaceID,
		PayloadID:   p.ID,
	}

	targets := make([]*webhook.Webhook, 0, len(hooks))
	for _, wh := range hooks {
		el := d.ShouldDispatchToWebhook(ctx, wh, evt.Kind, p, opts)
		if el.Dispatch {
			targets = append(targets, wh)
			continue
		}
		res.Skips = append(res.Skips, Skip{WebhookID: wh.ID, Reason: el.Reason, RetryAfter: el.RetryAfter})
		d.cfg.Metrics.RecordSkipped(ctx, string(el.Reason))
	}
	res.Skipped = len(res.Skips)

	if len(targets) > 0 {
		outs, derr := d.cfg.Deliveries.DeliverToMultipleWebhooks(ctx, targets, p, delivery.DeliverOptions{
			EventID:      evt.ID,
			ScheduledFor: opts.ScheduledFor,
		})
		if derr != nil {
			return nil, fmt.Errorf("dispatcher: deliver: %w", derr)
		}
		res.tally(outs)
	}
	res.Elapsed = time.Since(start)

	d.cfg.History.Record(res, d.now())
	d.cfg.Metrics.RecordDispatch(ctx, string(evt.Kind))

	d.logger.InfoContext(ctx, "event dispatched",
		"event_id", evt.ID.String(),
		"event_type", string(evt.Kind),
		"workspace_id", evt.Context.WorkspaceID,
		"triggered", res.Triggered,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res, nil
}

// prepare fills identity, time and tenant from ctx where evt leaves them out.
func (d *Dispatcher) prepare(ctx context.Context, evt *event.Event) error {
	sc := scope.Capture(ctx)
	if evt.Context.WorkspaceID == "" {
		evt.Context.WorkspaceID = sc.WorkspaceID
	}
	if evt.Context.UserID == "" {
		evt.Context.UserID = sc.UserID
	}
	if evt.Context.CorrelationID == "" {
		evt.Context.CorrelationID = sc.CorrelationID
	}
	if strings.TrimSpace(evt.Context.WorkspaceID) == "" {
		return ErrInvalidContext
	}

	if evt.ID.IsNil() {
		evt.ID = id.NewEventID()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = d.now()
	}
	return nil
}

func (r *Result) tally(outs []delivery.Outcome) {
	r.Outcomes = outs
	r.Triggered = len(outs)
	for _, o := range outs {
		switch {
		case o.State == delivery.StateDelivered:
			r.Succeeded++
		case o.State == delivery.StateFailed, o.Result.Attempted:
			r.Failed++
		default:
			r.Queued++
		}
	}
}
