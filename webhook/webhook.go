// Package webhook manages the HTTP receivers that workspaces register for
// domain events.
package webhook

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
)

// Status is the administrative state of a webhook.
type Status string

// Webhook statuses. Only active webhooks receive deliveries.
const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// ErrNotFound is returned when a webhook cannot be found.
var ErrNotFound = errors.New("herald: webhook not found")

// DefaultSignatureHeader carries the payload signature when a webhook does not name one.
const DefaultSignatureHeader = "X-Webhook-Signature"

// Request headers the delivery path sets on every attempt. Custom headers
// may not use these names.
const (
	HeaderWebhookID = "X-Webhook-ID"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
)

var reservedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Host",
	"User-Agent",
	HeaderWebhookID,
	HeaderEvent,
	HeaderDelivery,
	HeaderAttempt,
}

// Limits on per-webhook settings.
const (
	MaxTimeoutMs  = 60_000
	MaxMaxRetries = 10
)

// SuccessRateWeight is the weight of the newest outcome in the rolling
// success rate.
const SuccessRateWeight = 0.1

// Webhook is an HTTP endpoint registered by a workspace.
type Webhook struct {
	entity.Entity

	// ID is the unique TypeID for this webhook.
	ID id.ID `json:"id"`

	// WorkspaceID is the tenant that owns this webhook.
	WorkspaceID string `json:"workspace_id"`

	// OwnerID is the user who registered it.
	OwnerID string `json:"owner_id,omitempty"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// URL receives the deliveries.
	URL string `json:"url"`

	// Secret is the HMAC signing key. Never serialized.
	Secret string `json:"-"`

	// Events are subscription patterns ("task.created", "task.*", "*").
	Events []string `json:"events"`

	Method             string              `json:"method"`
	ContentType        payload.ContentType `json:"content_type"`
	SignatureHeader    string              `json:"signature_header"`
	SignatureAlgorithm signature.Algorithm `json:"signature_algorithm"`

	// TimeoutMs bounds each HTTP attempt.
	TimeoutMs int `json:"timeout_ms"`

	// MaxRetries is the number of attempts a delivery gets before it fails.
	MaxRetries int `json:"max_retries"`

	// RetryDelayMs is the first backoff interval. Later ones grow geometrically.
	RetryDelayMs int `json:"retry_delay_ms"`

	// RateLimitPerMinute caps deliveries per one-minute window.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	// Headers are added to every request.
	Headers map[string]string `json:"headers,omitempty"`

	// FilterExpression is an optional boolean expression over the payload;
	// events for which it is false are skipped.
	FilterExpression string `json:"filter_expression,omitempty"`

	Status        Status     `json:"status"`
	SuspendReason string     `json:"suspend_reason,omitempty"`
	SuspendedAt   *time.Time `json:"suspended_at,omitempty"`

	// Paused webhooks keep their configuration but receive nothing until resumed.
	Paused   bool       `json:"paused"`
	PausedAt *time.Time `json:"paused_at,omitempty"`

	// SuccessRate is an exponentially weighted share of successful attempts.
	SuccessRate    float64    `json:"success_rate"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Dispatchable reports whether new deliveries may be sent.
func (w *Webhook) Dispatchable() bool {
	return w.Status == StatusActive && !w.Paused
}

// Subscribes reports whether any of the webhook's patterns match eventType.
func (w *Webhook) Subscribes(eventType string) bool {
	return catalog.MatchAny(w.Events, eventType)
}

// Timeout returns the per-attempt HTTP timeout.
func (w *Webhook) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the first backoff interval.
func (w *Webhook) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMs) * time.Millisecond
}

// MaxAttempts is the number of HTTP attempts a delivery may make.
func (w *Webhook) MaxAttempts() int {
	return max(1, w.MaxRetries)
}

// Clone returns a deep copy.
func (w *Webhook) Clone() *Webhook {
	cp := *w
	cp.Events = slices.Clone(w.Events)
	cp.Headers = maps.Clone(w.Headers)
	cp.Metadata = maps.Clone(w.Metadata)
	return &cp
}

// NextSuccessRate folds one attempt outcome into a rolling success rate.
func NextSuccessRate(prev float64, success bool) float64 {
	v := 0.0
	if success {
		v = 1.0
	}
	return prev*(1-SuccessRateWeight) + v*SuccessRateWeight
}

// Defaults fill in settings a webhook leaves unset.
type Defaults struct {
	TimeoutMs          int
	MaxRetries         int
	RetryDelayMs       int
	RateLimitPerMinute int
}

// DefaultDefaults returns the engine-wide defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		TimeoutMs:          30_000,
		MaxRetries:         3,
		RetryDelayMs:       1_000,
		RateLimitPerMinute: 60,
	}
}

// ListOpts configures filtering and pagination for webhook listing.
type ListOpts struct {
	Offset int
	Limit  int
	Status *Status
}
