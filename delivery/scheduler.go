package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/webhook"
)

// DefaultPendingGrace is how long a pending delivery is left to the caller
// that created it before background drains pick it up.
const DefaultPendingGrace = 30 * time.Second

// QueueStatus describes queued work and recent processing speed.
type QueueStatus struct {
	ByState             map[State]int64 `json:"by_state"`
	Due                 int64           `json:"due"`
	OldestPendingAge    time.Duration   `json:"oldest_pending_age"`
	AvgProcessingTimeMs float64         `json:"avg_processing_time_ms"`
	Paused              bool            `json:"paused"`
}

// Scheduler owns the timing of deliveries: when they are first due, when
// they are retried and when they are taken by a worker.
type Scheduler struct {
	store        Store
	policy       RetryPolicy
	pendingGrace time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu        sync.Mutex
	processed int64
	busy      time.Duration
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store Store, policy RetryPolicy, pendingGrace time.Duration, now func() time.Time, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if pendingGrace < 0 {
		pendingGrace = 0
	}
	return &Scheduler{
		store:        store,
		policy:       policy,
		pendingGrace: pendingGrace,
		now:          func() time.Time { return now().UTC() },
		logger:       logger,
	}
}

// Enqueue persists d to be attempted at when. A zero or past time makes it
// pending immediately.
func (s *Scheduler) Enqueue(ctx context.Context, d *Delivery, when time.Time) error {
	prepare(d, when, s.now())
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		return fmt.Errorf("delivery: enqueue: %w", err)
	}
	return nil
}

// EnqueueBatch persists a fan-out batch, all due at when.
func (s *Scheduler) EnqueueBatch(ctx context.Context, ds []*Delivery, when time.Time) error {
	now := s.now()
	for _, d := range ds {
		prepare(d, when, now)
	}
	if err := s.store.CreateDeliveries(ctx, ds); err != nil {
		return fmt.Errorf("delivery: enqueue batch: %w", err)
	}
	return nil
}

func prepare(d *Delivery, when, now time.Time) {
	d.CreatedAt, d.UpdatedAt = now, now
	d.NextRetryAt = nil
	if when.After(now) {
		at := when.UTC()
		d.State = StateScheduled
		d.ScheduledFor = &at
		return
	}
	d.State = StatePending
}

// DequeueDue claims up to batch deliveries in state that are due.
func (s *Scheduler) DequeueDue(ctx context.Context, state State, batch int) ([]*Delivery, error) {
	now := s.now()
	due := now
	if state == StatePending {
		due = now.Add(-s.pendingGrace)
	}
	return s.store.ClaimDue(ctx, state, due, now, batch)
}

// Claim takes one delivery for an immediate attempt.
func (s *Scheduler) Claim(ctx context.Context, delID id.ID) (*Delivery, bool, error) {
	return s.store.Claim(ctx, delID, s.now())
}

// Cancel withdraws a delivery that has not been taken yet. Cancelling a
// delivery that is in flight or finished is a no-op reported as false.
func (s *Scheduler) Cancel(ctx context.Context, delID id.ID) (bool, error) {
	return s.store.CancelDelivery(ctx, delID, s.now())
}

// NextRetry returns when attempt's successor should run.
func (s *Scheduler) NextRetry(wh *webhook.Webhook, attempt int, hint time.Duration) time.Time {
	return s.now().Add(s.policy.Delay(wh.RetryDelay(), attempt, hint))
}

// Reschedule parks d in retrying until at.
func (s *Scheduler) Reschedule(ctx context.Context, d *Delivery, at time.Time) error {
	at = at.UTC()
	d.State = StateRetrying
	d.NextRetryAt = &at
	d.Touch(s.now())
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		return fmt.Errorf("delivery: reschedule: %w", err)
	}
	s.logger.DebugContext(ctx, "retry scheduled",
		"delivery_id", d.ID.String(), "attempt", d.AttemptCount, "next_retry_at", at)
	return nil
}

// ReleaseStale requeues deliveries stuck in flight for longer than after.
func (s *Scheduler) ReleaseStale(ctx context.Context, after time.Duration) (int64, error) {
	now := s.now()
	return s.store.ReleaseStale(ctx, now.Add(-after), now)
}

// ObserveProcessing records how long one delivery took from claim to completion.
func (s *Scheduler) ObserveProcessing(d time.Duration) {
	s.mu.Lock()
	s.processed++
	s.busy += d
	s.mu.Unlock()
}

// QueueStatus reports queue depth and processing speed.
func (s *Scheduler) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	now := s.now()
	qs, err := s.store.QueueStats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("delivery: queue stats: %w", err)
	}

	st := &QueueStatus{ByState: qs.ByState, Due: qs.Due}
	if qs.OldestPending != nil {
		st.OldestPendingAge = now.Sub(*qs.OldestPending)
	}

	s.mu.Lock()
	if s.processed > 0 {
		st.AvgProcessingTimeMs = float64(s.busy.Milliseconds()) / float64(s.processed)
	}
	s.mu.Unlock()
	return st, nil
}
