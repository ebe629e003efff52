package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/webhook"
)

var (
	// ErrNotFound is returned when a delivery cannot be found.
	ErrNotFound = errors.New("herald: delivery not found")

	// ErrImmutable is returned when a delivered or cancelled delivery is written to.
	ErrImmutable = errors.New("herald: delivery is final")

	// ErrNotDispatchable is returned when sending to an inactive, suspended
	// or paused webhook is requested directly.
	ErrNotDispatchable = errors.New("delivery: webhook is not dispatchable")

	// ErrNotRetryable is returned when a manual retry targets a delivery
	// that has not failed.
	ErrNotRetryable = errors.New("delivery: only failed deliveries can be retried")

	// ErrNoPayload is returned when a send is requested without a payload.
	ErrNoPayload = errors.New("delivery: payload is required")
)

// Service defaults.
const (
	DefaultConcurrency = 10
	DefaultBatchSize   = 100
	DefaultStaleAfter  = 5 * time.Minute
	DefaultMaxQueueAge = 5 * time.Minute
)

// goneReason is recorded on webhooks whose receiver answered 410.
const goneReason = "receiver returned 410 Gone"

// Config holds delivery service tuning.
type Config struct {
	// Concurrency bounds simultaneous attempts within one fan-out or drain.
	Concurrency int

	// BatchSize bounds how many records one drain claims.
	BatchSize int

	// PendingGrace delays background pickup of fresh pending records.
	PendingGrace time.Duration

	// StaleAfter is how long a record may stay in flight before it is requeued.
	StaleAfter time.Duration

	// MaxQueueAge is the oldest pending age still reported healthy.
	MaxQueueAge time.Duration

	Retry RetryPolicy

	// Index, when set, is invalidated when a receiver's 410 suspends a webhook.
	Index   *webhook.Index
	Metrics *observability.Metrics

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// DeliverOptions qualifies a send.
type DeliverOptions struct {
	// EventID is the domain event the payload was built from.
	EventID id.ID

	// ScheduledFor defers every delivery to this time instead of sending now.
	ScheduledFor time.Time
}

// BatchResult summarizes a drain or bulk operation.
type BatchResult struct {
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Errors     []string      `json:"errors,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// WebhookHealth reports how well one webhook is receiving.
type WebhookHealth struct {
	WebhookID      id.ID            `json:"webhook_id"`
	Healthy        bool             `json:"healthy"`
	Status         webhook.Status   `json:"status"`
	Paused         bool             `json:"paused"`
	SuccessRate    float64          `json:"success_rate"`
	LastDeliveryAt *time.Time       `json:"last_delivery_at,omitempty"`
	Circuit        circuit.Snapshot `json:"circuit"`
	Stats          *Stats           `json:"stats"`
	Issues         []string         `json:"issues,omitempty"`
}

// SystemHealth reports the state of the delivery pipeline as a whole.
type SystemHealth struct {
	Healthy      bool         `json:"healthy"`
	Paused       bool         `json:"paused"`
	Queue        *QueueStatus `json:"queue"`
	OpenCircuits int          `json:"open_circuits"`
	Issues       []string     `json:"issues,omitempty"`
}

// Service records, sends and tracks webhook deliveries.
type Service struct {
	store     Store
	webhooks  webhook.Store
	executor  *Executor
	scheduler *Scheduler
	cfg       Config
	now       func() time.Time
	paused    atomic.Bool
	logger    *slog.Logger
}

// NewService creates a delivery service.
func NewService(store Store, webhooks webhook.Store, executor *Executor, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PendingGrace == 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxQueueAge <= 0 {
		cfg.MaxQueueAge = DefaultMaxQueueAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if executor == nil {
		executor = NewExecutor(ExecutorConfig{Retry: cfg.Retry, Metrics: cfg.Metrics, Now: now}, logger)
	}
	return &Service{
		store:     store,
		webhooks:  webhooks,
		executor:  executor,
		scheduler: NewScheduler(store, cfg.Retry, cfg.PendingGrace, now, logger),
		cfg:       cfg,
		now:       func() time.Time { return now().UTC() },
		logger:    logger,
	}
}

// Scheduler returns the service's scheduler.
func (s *Service) Scheduler() *Scheduler { return s.scheduler }

// ──────────────────────────────────────────────────
// Sending
// ──────────────────────────────────────────────────

// DeliverWebhook records and attempts one delivery.
func (s *Service) DeliverWebhook(ctx context.Context, wh *webhook.Webhook, p *payload.WebhookPayload, opts DeliverOptions) (*Outcome, error) {
	if !wh.Dispatchable() {
		return nil, ErrNotDispatchable
	}
	outs, err := s.DeliverToMultipleWebhooks(ctx, []*webhook.Webhook{wh}, p, opts)
	if err != nil {
		return nil, err
	}
	return &outs[0], outs[0].Err
}

// DeliverToMultipleWebhooks records one delivery per webhook in a single
// batch, then attempts them concurrently. A failure for one webhook never
// affects the others. When ScheduledFor is in the future, or the service is
// paused, records are left for the background drains.
func (s *Service) DeliverToMultipleWebhooks(ctx context.Context, hooks []*webhook.Webhook, p *payload.WebhookPayload, opts DeliverOptions) ([]Outcome, error) {
	if p == nil {
		return nil, ErrNoPayload
	}
	if len(hooks) == 0 {
		return nil, nil
	}

	ds := make([]*Delivery, len(hooks))
	for i, wh := range hooks {
		ds[i] = newDelivery(wh, p, opts.EventID)
	}
	if err := s.scheduler.EnqueueBatch(ctx, ds, opts.ScheduledFor); err != nil {
		return nil, err
	}

	outs := make([]Outcome, len(ds))
	for i, d := range ds {
		outs[i] = Outcome{WebhookID: d.WebhookID, DeliveryID: d.ID, State: d.State}
	}
	if ds[0].State == StateScheduled || s.Paused() {
		return outs, nil
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range ds {
		g.Go(func() error {
			outs[i] = s.deliverNow(ctx, hooks[i], ds[i].ID)
			return nil
		})
	}
	_ = g.Wait()
	return outs, nil
}

// DeliverEventToWorkspace sends p to every dispatchable webhook of a
// workspace subscribed to its event.
func (s *Service) DeliverEventToWorkspace(ctx context.Context, workspaceID string, p *payload.WebhookPayload, opts DeliverOptions) ([]Outcome, error) {
	if p == nil {
		return nil, ErrNoPayload
	}
	var (
		hooks []*webhook.Webhook
		err   error
	)
	if s.cfg.Index != nil {
		hooks, err = s.cfg.Index.Resolve(ctx, workspaceID, string(p.Event))
	} else {
		hooks, err = s.webhooks.ResolveActive(ctx, workspaceID, string(p.Event))
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: resolve webhooks: %w", err)
	}

	targets := hooks[:0]
	for _, wh := range hooks {
		if wh.Dispatchable() {
			targets = append(targets, wh)
		}
	}
	return s.DeliverToMultipleWebhooks(ctx, targets, p, opts)
}

// ScheduleWebhookDelivery records a delivery to be sent at a later time.
func (s *Service) ScheduleWebhookDelivery(ctx context.Context, wh *webhook.Webhook, p *payload.WebhookPayload, at time.Time, eventID id.ID) (*Delivery, error) {
	if p == nil {
		return nil, ErrNoPayload
	}
	if !wh.Dispatchable() {
		return nil, ErrNotDispatchable
	}
	d := newDelivery(wh, p, eventID)
	if err := s.scheduler.Enqueue(ctx, d, at); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "delivery scheduled",
		"delivery_id", d.ID.String(), "webhook_id", wh.ID.String(), "state", string(d.State))
	return d, nil
}

// CancelScheduledDelivery withdraws a delivery not yet taken by a worker.
// It reports false when the delivery is already in flight or finished.
func (s *Service) CancelScheduledDelivery(ctx context.Context, delID id.ID) (bool, error) {
	return s.scheduler.Cancel(ctx, delID)
}

// CancelForWebhook cancels every outstanding delivery of a webhook.
func (s *Service) CancelForWebhook(ctx context.Context, whID id.ID) (int64, error) {
	return s.store.CancelByWebhook(ctx, whID, s.now())
}

// ──────────────────────────────────────────────────
// Background drains
// ──────────────────────────────────────────────────

// ProcessPendingDeliveries attempts pending records their creators did not finish.
func (s *Service) ProcessPendingDeliveries(ctx context.Context) BatchResult {
	return s.drain(ctx, StatePending)
}

// ProcessScheduledDeliveries attempts scheduled records that are now due.
func (s *Service) ProcessScheduledDeliveries(ctx context.Context) BatchResult {
	return s.drain(ctx, StateScheduled)
}

// ProcessRetryQueue attempts retrying records whose backoff has elapsed.
func (s *Service) ProcessRetryQueue(ctx context.Context) BatchResult {
	return s.drain(ctx, StateRetrying)
}

// ReleaseStale requeues records left in flight by a crashed worker.
func (s *Service) ReleaseStale(ctx context.Context) (int64, error) {
	n, err := s.scheduler.ReleaseStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("delivery: release stale: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "released stale in-flight deliveries", "count", n)
	}
	return n, nil
}

func (s *Service) drain(ctx context.Context, state State) BatchResult {
	start := time.Now()
	var br BatchResult
	if s.Paused() {
		return br
	}

	ds, err := s.scheduler.DequeueDue(ctx, state, s.cfg.BatchSize)
	if err != nil {
		br.Errors = append(br.Errors, err.Error())
		br.Elapsed = time.Since(start)
		s.logger.ErrorContext(ctx, "dequeue failed", "state", string(state), "error", err)
		return br
	}

	outs := make([]Outcome, len(ds))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, d := range ds {
		g.Go(func() error {
			outs[i] = s.processClaimed(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	br.tally(outs)
	br.Elapsed = time.Since(start)
	return br
}

// processClaimed attempts an in-flight record taken by a drain.
func (s *Service) processClaimed(ctx context.Context, d *Delivery) Outcome {
	out := Outcome{WebhookID: d.WebhookID, DeliveryID: d.ID, State: d.State}

	wh, err := s.webhooks.GetWebhook(ctx, d.WebhookID)
	if errors.Is(err, webhook.ErrNotFound) {
		now := s.now()
		d.State = StateCancelled
		d.CancelledAt = &now
		d.CompletedAt = &now
		d.LastError = "webhook deleted"
		d.Touch(now)
		out.State = StateCancelled
		out.Err = s.store.UpdateDelivery(ctx, d)
		return out
	}
	if err != nil {
		out.Err = fmt.Errorf("delivery: load webhook: %w", err)
		if rerr := s.scheduler.Reschedule(ctx, d, s.now().Add(DefaultPendingGrace)); rerr != nil {
			out.Err = errors.Join(out.Err, rerr)
		}
		out.State = d.State
		return out
	}
	return s.process(ctx, wh, d)
}

// ──────────────────────────────────────────────────
// Manual retry
// ──────────────────────────────────────────────────

// RetryFailedDelivery clones a failed delivery into a fresh record and
// attempts it. The original keeps its history.
func (s *Service) RetryFailedDelivery(ctx context.Context, delID id.ID) (*Outcome, error) {
	old, err := s.store.GetDelivery(ctx, delID)
	if err != nil {
		return nil, err
	}
	if old.State != StateFailed {
		return nil, ErrNotRetryable
	}
	wh, err := s.webhooks.GetWebhook(ctx, old.WebhookID)
	if err != nil {
		return nil, err
	}
	if !wh.Dispatchable() {
		return nil, ErrNotDispatchable
	}

	d := newDelivery(wh, old.Payload, old.EventID)
	d.RetryOf = old.ID
	if err := s.scheduler.Enqueue(ctx, d, time.Time{}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "delivery retried manually",
		"delivery_id", d.ID.String(), "retry_of", old.ID.String(), "webhook_id", wh.ID.String())

	if s.Paused() {
		return &Outcome{WebhookID: wh.ID, DeliveryID: d.ID, State: d.State}, nil
	}
	out := s.deliverNow(ctx, wh, d.ID)
	return &out, out.Err
}

// RetryAllFailedDeliveries retries every failed delivery matching opts.
func (s *Service) RetryAllFailedDeliveries(ctx context.Context, opts ListOpts) BatchResult {
	start := time.Now()
	var br BatchResult

	failed := StateFailed
	opts.State = &failed
	ds, err := s.store.ListDeliveries(ctx, opts)
	if err != nil {
		br.Errors = append(br.Errors, err.Error())
		br.Elapsed = time.Since(start)
		return br
	}

	outs := make([]Outcome, len(ds))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, d := range ds {
		g.Go(func() error {
			out, err := s.RetryFailedDelivery(ctx, d.ID)
			if out != nil {
				outs[i] = *out
			} else {
				outs[i] = Outcome{WebhookID: d.WebhookID, DeliveryID: d.ID, State: d.State}
			}
			outs[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	br.tally(outs)
	br.Elapsed = time.Since(start)
	return br
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetDelivery returns a delivery by ID.
func (s *Service) GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error) {
	return s.store.GetDelivery(ctx, delID)
}

// ListDeliveries returns deliveries newest first.
func (s *Service) ListDeliveries(ctx context.Context, opts ListOpts) ([]*Delivery, error) {
	return s.store.ListDeliveries(ctx, opts)
}

// GetDeliveryStats aggregates deliveries matching filter.
func (s *Service) GetDeliveryStats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	return s.store.DeliveryStats(ctx, filter)
}

// GetQueueStatus reports queue depth and processing speed.
func (s *Service) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	st, err := s.scheduler.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	st.Paused = s.Paused()
	return st, nil
}

// PauseDeliveries stops all sending. New deliveries are still recorded.
func (s *Service) PauseDeliveries() {
	if s.paused.CompareAndSwap(false, true) {
		s.logger.Warn("deliveries paused")
	}
}

// ResumeDeliveries restarts sending.
func (s *Service) ResumeDeliveries() {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info("deliveries resumed")
	}
}

// Paused reports whether sending is paused.
func (s *Service) Paused() bool { return s.paused.Load() }

// CheckDeliveryHealth reports the health of one webhook.
func (s *Service) CheckDeliveryHealth(ctx context.Context, whID id.ID) (*WebhookHealth, error) {
	wh, err := s.webhooks.GetWebhook(ctx, whID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.DeliveryStats(ctx, StatsFilter{WebhookID: whID})
	if err != nil {
		return nil, fmt.Errorf("delivery: stats: %w", err)
	}

	h := &WebhookHealth{
		WebhookID:      wh.ID,
		Status:         wh.Status,
		Paused:         wh.Paused,
		SuccessRate:    wh.SuccessRate,
		LastDeliveryAt: wh.LastDeliveryAt,
		Circuit:        circuit.Snapshot{State: circuit.Closed},
		Stats:          stats,
	}
	if b := s.executor.cfg.Breaker; b != nil {
		h.Circuit = b.State(wh.ID.String())
	}

	if wh.Status != webhook.StatusActive {
		h.Issues = append(h.Issues, "webhook is "+string(wh.Status))
	}
	if wh.Paused {
		h.Issues = append(h.Issues, "webhook is paused")
	}
	if h.Circuit.State != circuit.Closed {
		h.Issues = append(h.Issues, "circuit is "+string(h.Circuit.State))
	}
	if wh.SuccessRate < 0.5 {
		h.Issues = append(h.Issues, fmt.Sprintf("success rate %.0f%%", wh.SuccessRate*100))
	}
	h.Healthy = len(h.Issues) == 0
	return h, nil
}

// GetSystemHealth reports the health of the delivery pipeline.
func (s *Service) GetSystemHealth(ctx context.Context) (*SystemHealth, error) {
	q, err := s.GetQueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	h := &SystemHealth{Paused: q.Paused, Queue: q}
	if b := s.executor.cfg.Breaker; b != nil {
		h.OpenCircuits = b.OpenCount()
	}
	if h.Paused {
		h.Issues = append(h.Issues, "deliveries are paused")
	}
	if q.OldestPendingAge > s.cfg.MaxQueueAge {
		h.Issues = append(h.Issues, fmt.Sprintf("oldest pending delivery is %s old", q.OldestPendingAge.Round(time.Second)))
	}
	h.Healthy = len(h.Issues) == 0
	return h, nil
}

// ──────────────────────────────────────────────────
// Attempt bookkeeping
// ──────────────────────────────────────────────────

// deliverNow claims a freshly recorded delivery and attempts it.
func (s *Service) deliverNow(ctx context.Context, wh *webhook.Webhook, delID id.ID) Outcome {
	out := Outcome{WebhookID: wh.ID, DeliveryID: delID}

	d, ok, err := s.scheduler.Claim(ctx, delID)
	if err != nil {
		out.Err = err
		return out
	}
	if !ok {
		// Taken by a drain or cancelled in the meantime.
		if cur, gerr := s.store.GetDelivery(ctx, delID); gerr == nil {
			out.State = cur.State
		}
		return out
	}
	return s.process(ctx, wh, d)
}

// process runs one attempt on an in-flight record and persists the result.
func (s *Service) process(ctx context.Context, wh *webhook.Webhook, d *Delivery) Outcome {
	start := time.Now()
	res := s.executor.Deliver(ctx, wh, d)
	err := s.apply(ctx, wh, d, res)
	s.scheduler.ObserveProcessing(time.Since(start))

	return Outcome{WebhookID: wh.ID, DeliveryID: d.ID, State: d.State, Result: res, Err: err}
}

func (s *Service) apply(ctx context.Context, wh *webhook.Webhook, d *Delivery, res Result) error {
	now := s.now()
	d.LastError = res.ErrorMessage
	d.ErrorKind = res.ErrorKind

	if res.ErrorKind.Deferred() {
		return s.scheduler.Reschedule(ctx, d, *res.NextRetryAt)
	}

	d.AttemptCount = res.Attempt
	d.HTTPStatusCode = res.HTTPStatusCode
	d.ResponseBody = res.ResponseBody
	d.DurationMs = res.Duration.Milliseconds()

	var err error
	switch {
	case res.Success:
		d.State = StateDelivered
		d.DeliveredAt = &now
		d.CompletedAt = &now
		d.NextRetryAt = nil
		d.Touch(now)
		err = s.store.UpdateDelivery(ctx, d)
	case res.WillRetry:
		err = s.scheduler.Reschedule(ctx, d, *res.NextRetryAt)
	default:
		d.State = StateFailed
		d.CompletedAt = &now
		d.NextRetryAt = nil
		d.Touch(now)
		err = s.store.UpdateDelivery(ctx, d)
		s.logger.WarnContext(ctx, "delivery failed permanently",
			"delivery_id", d.ID.String(), "webhook_id", wh.ID.String(),
			"attempt", d.AttemptCount, "error_kind", string(d.ErrorKind), "error", d.LastError)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "update delivery failed",
			"delivery_id", d.ID.String(), "error", err)
	}

	if res.Attempted {
		if oerr := s.webhooks.RecordOutcome(ctx, wh.ID, res.Success, now); oerr != nil {
			s.logger.WarnContext(ctx, "record webhook outcome failed",
				"webhook_id", wh.ID.String(), "error", oerr)
		}
	}
	if res.HTTPStatusCode == 410 {
		s.suspendGone(ctx, wh.ID)
	}
	return err
}

// suspendGone suspends a webhook whose receiver reported it no longer exists.
func (s *Service) suspendGone(ctx context.Context, whID id.ID) {
	wh, err := s.webhooks.GetWebhook(ctx, whID)
	if err != nil || wh.Status == webhook.StatusSuspended {
		return
	}
	now := s.now()
	wh.Status = webhook.StatusSuspended
	wh.SuspendReason = goneReason
	wh.SuspendedAt = &now
	wh.Touch(now)
	if err := s.webhooks.UpdateWebhook(ctx, wh); err != nil {
		s.logger.ErrorContext(ctx, "suspend webhook failed", "webhook_id", whID.String(), "error", err)
		return
	}
	if s.cfg.Index != nil {
		s.cfg.Index.Invalidate(wh.WorkspaceID)
	}
	s.logger.WarnContext(ctx, "webhook suspended (410 Gone)", "webhook_id", whID.String())
}

func newDelivery(wh *webhook.Webhook, p *payload.WebhookPayload, eventID id.ID) *Delivery {
	return &Delivery{
		ID:          id.NewDeliveryID(),
		WebhookID:   wh.ID,
		WorkspaceID: wh.WorkspaceID,
		EventID:     eventID,
		EventType:   p.Event,
		Payload:     p,
		MaxAttempts: wh.MaxAttempts(),
	}
}

func (br *BatchResult) tally(outs []Outcome) {
	for _, o := range outs {
		br.Processed++
		if o.Err != nil {
			br.Errors = append(br.Errors, o.DeliveryID.String()+": "+o.Err.Error())
		}
		switch {
		case o.State == StateDelivered:
			br.Successful++
		case o.Result.Attempted:
			br.Failed++
		case o.State == StateFailed:
			br.Failed++
		default:
			br.Skipped++
		}
	}
}
