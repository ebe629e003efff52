// Package delivery sends webhook payloads, tracks every attempt and
// schedules retries.
package delivery

import (
	"time"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/payload"
)

// State represents the current state of a delivery.
type State string

const (
	// StatePending indicates the delivery has been recorded but not attempted.
	StatePending State = "pending"

	// StateScheduled indicates the delivery waits for its ScheduledFor time.
	StateScheduled State = "scheduled"

	// StateInFlight indicates a worker has claimed the delivery and is sending it.
	StateInFlight State = "in_flight"

	// StateDelivered indicates the receiver acknowledged with a 2xx.
	StateDelivered State = "delivered"

	// StateFailed indicates the delivery exhausted its attempts or hit a terminal error.
	StateFailed State = "failed"

	// StateRetrying indicates the delivery waits for NextRetryAt.
	StateRetrying State = "retrying"

	// StateCancelled indicates the delivery was withdrawn before it was sent.
	StateCancelled State = "cancelled"
)

// States lists every delivery state.
var States = []State{
	StatePending, StateScheduled, StateInFlight, StateDelivered,
	StateFailed, StateRetrying, StateCancelled,
}

// Final reports whether a record in this state may no longer change.
func (s State) Final() bool {
	return s == StateDelivered || s == StateCancelled
}

// Terminal reports whether no further attempt will be made on its own.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateCancelled
}

// Claimable reports whether a worker may take the delivery.
func (s State) Claimable() bool {
	return s == StatePending || s == StateScheduled || s == StateRetrying
}

// Delivery is one payload addressed to one webhook, with the history of
// its latest attempt.
type Delivery struct {
	entity.Entity

	// ID is the unique TypeID for this delivery.
	ID id.ID `json:"id"`

	// WebhookID references the target webhook.
	WebhookID id.ID `json:"webhook_id"`

	WorkspaceID string     `json:"workspace_id"`
	EventID     id.ID      `json:"event_id"`
	EventType   event.Kind `json:"event_type"`

	// Payload is the envelope snapshot sent on every attempt.
	Payload *payload.WebhookPayload `json:"payload"`

	// State is the current delivery state.
	State State `json:"state"`

	// AttemptCount is the number of HTTP attempts made so far.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts is the attempt budget taken from the webhook at creation.
	MaxAttempts int `json:"max_attempts"`

	HTTPStatusCode int `json:"http_status_code,omitempty"`

	// ResponseBody is the receiver's response, capped at 1KB.
	ResponseBody string `json:"response_body,omitempty"`

	DurationMs int64     `json:"duration_ms,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// NextRetryAt is set only while the delivery is retrying.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// RetryOf is the failed delivery this record was cloned from by a manual retry.
	RetryOf id.ID `json:"retry_of"`
}

// DueAt is the time the delivery becomes eligible for a worker.
func (d *Delivery) DueAt() time.Time {
	switch d.State {
	case StateScheduled:
		if d.ScheduledFor != nil {
			return *d.ScheduledFor
		}
	case StateRetrying:
		if d.NextRetryAt != nil {
			return *d.NextRetryAt
		}
	}
	return d.CreatedAt
}

// Clone returns a copy that shares the immutable payload snapshot.
func (d *Delivery) Clone() *Delivery {
	cp := *d
	return &cp
}

// ListOpts configures filtering and pagination for delivery listing.
type ListOpts struct {
	Offset      int
	Limit       int
	WorkspaceID string
	WebhookID   id.ID
	EventType   event.Kind
	State       *State
	Since       time.Time
}

// StatsFilter narrows delivery statistics. Zero fields match everything.
type StatsFilter struct {
	WorkspaceID string
	WebhookID   id.ID
	Since       time.Time
}

// Stats summarizes deliveries matching a StatsFilter.
type Stats struct {
	Total         int64           `json:"total"`
	ByState       map[State]int64 `json:"by_state"`
	Attempts      int64           `json:"attempts"`
	AvgDurationMs float64         `json:"avg_duration_ms"`
	SuccessRate   float64         `json:"success_rate"`
}

// QueueStats describes the work waiting for a worker.
type QueueStats struct {
	ByState       map[State]int64 `json:"by_state"`
	Due           int64           `json:"due"`
	OldestPending *time.Time      `json:"oldest_pending,omitempty"`
}

// Matches reports whether d satisfies the list filters.
func (o ListOpts) Matches(d *Delivery) bool {
	if o.WorkspaceID != "" && d.WorkspaceID != o.WorkspaceID {
		return false
	}
	if !o.WebhookID.IsNil() && d.WebhookID.String() != o.WebhookID.String() {
		return false
	}
	if o.EventType != "" && d.EventType != o.EventType {
		return false
	}
	if o.State != nil && d.State != *o.State {
		return false
	}
	if !o.Since.IsZero() && d.CreatedAt.Before(o.Since) {
		return false
	}
	return true
}

// Matches reports whether d satisfies the stats filter.
func (f StatsFilter) Matches(d *Delivery) bool {
	return ListOpts{WorkspaceID: f.WorkspaceID, WebhookID: f.WebhookID, Since: f.Since}.Matches(d)
}

// Accumulate adds d to s. Finish must be called once all records are added.
func (s *Stats) Accumulate(d *Delivery) {
	if s.ByState == nil {
		s.ByState = make(map[State]int64)
	}
	s.Total++
	s.ByState[d.State]++
	s.Attempts += int64(d.AttemptCount)
	s.AvgDurationMs += float64(d.DurationMs)
}

// Finish turns the accumulated sums into averages.
func (s *Stats) Finish() {
	if s.ByState == nil {
		s.ByState = make(map[State]int64)
	}
	if s.Total > 0 {
		s.AvgDurationMs /= float64(s.Total)
	}
	done := s.ByState[StateDelivered] + s.ByState[StateFailed]
	if done > 0 {
		s.SuccessRate = float64(s.ByState[StateDelivered]) / float64(done)
	}
}
