package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/webhook"
)

// --- Webhook models ---

type webhookModel struct {
	grove.BaseModel `grove:"table:herald_webhooks"`

	ID                 string            `grove:"id,pk"`
	WorkspaceID        string            `grove:"workspace_id"`
	OwnerID            string            `grove:"owner_id"`
	Name               string            `grove:"name"`
	Description        string            `grove:"description"`
	URL                string            `grove:"url"`
	Secret             string            `grove:"secret"`
	Events             []string          `grove:"events,array"`
	Method             string            `grove:"method"`
	ContentType        string            `grove:"content_type"`
	SignatureHeader    string            `grove:"signature_header"`
	SignatureAlgorithm string            `grove:"signature_algorithm"`
	TimeoutMs          int               `grove:"timeout_ms"`
	MaxRetries         int               `grove:"max_retries"`
	RetryDelayMs       int               `grove:"retry_delay_ms"`
	RateLimitPerMinute int               `grove:"rate_limit_per_minute"`
	Headers            map[string]string `grove:"headers,type:jsonb"`
	FilterExpression   string            `grove:"filter_expression"`
	Status             string            `grove:"status"`
	SuspendReason      string            `grove:"suspend_reason"`
	SuspendedAt        *time.Time        `grove:"suspended_at"`
	Paused             bool              `grove:"paused"`
	PausedAt           *time.Time        `grove:"paused_at"`
	SuccessRate        float64           `grove:"success_rate"`
	LastDeliveryAt     *time.Time        `grove:"last_delivery_at"`
	Metadata           map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt          time.Time         `grove:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"`
}

func toWebhookModel(wh *webhook.Webhook) *webhookModel {
	return &webhookModel{
		ID:                 wh.ID.String(),
		WorkspaceID:        wh.WorkspaceID,
		OwnerID:            wh.OwnerID,
		Name:               wh.Name,
		Description:        wh.Description,
		URL:                wh.URL,
		Secret:             wh.Secret,
		Events:             wh.Events,
		Method:             wh.Method,
		ContentType:        string(wh.ContentType),
		SignatureHeader:    wh.SignatureHeader,
		SignatureAlgorithm: string(wh.SignatureAlgorithm),
		TimeoutMs:          wh.TimeoutMs,
		MaxRetries:         wh.MaxRetries,
		RetryDelayMs:       wh.RetryDelayMs,
		RateLimitPerMinute: wh.RateLimitPerMinute,
		Headers:            emptyIfNil(wh.Headers),
		FilterExpression:   wh.FilterExpression,
		Status:             string(wh.Status),
		SuspendReason:      wh.SuspendReason,
		SuspendedAt:        wh.SuspendedAt,
		Paused:             wh.Paused,
		PausedAt:           wh.PausedAt,
		SuccessRate:        wh.SuccessRate,
		LastDeliveryAt:     wh.LastDeliveryAt,
		Metadata:           emptyIfNil(wh.Metadata),
		CreatedAt:          wh.CreatedAt,
		UpdatedAt:          wh.UpdatedAt,
	}
}

func fromWebhookModel(m *webhookModel) (*webhook.Webhook, error) {
	whID, err := id.ParseWebhookID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.ID, err)
	}
	return &webhook.Webhook{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 whID,
		WorkspaceID:        m.WorkspaceID,
		OwnerID:            m.OwnerID,
		Name:               m.Name,
		Description:        m.Description,
		URL:                m.URL,
		Secret:             m.Secret,
		Events:             m.Events,
		Method:             m.Method,
		ContentType:        payload.ContentType(m.ContentType),
		SignatureHeader:    m.SignatureHeader,
		SignatureAlgorithm: signature.Algorithm(m.SignatureAlgorithm),
		TimeoutMs:          m.TimeoutMs,
		MaxRetries:         m.MaxRetries,
		RetryDelayMs:       m.RetryDelayMs,
		RateLimitPerMinute: m.RateLimitPerMinute,
		Headers:            m.Headers,
		FilterExpression:   m.FilterExpression,
		Status:             webhook.Status(m.Status),
		SuspendReason:      m.SuspendReason,
		SuspendedAt:        m.SuspendedAt,
		Paused:             m.Paused,
		PausedAt:           m.PausedAt,
		SuccessRate:        m.SuccessRate,
		LastDeliveryAt:     m.LastDeliveryAt,
		Metadata:           m.Metadata,
	}, nil
}

// --- Delivery models ---

type deliveryModel struct {
	grove.BaseModel `grove:"table:herald_deliveries"`

	ID             string          `grove:"id,pk"`
	WebhookID      string          `grove:"webhook_id"`
	WorkspaceID    string          `grove:"workspace_id"`
	EventID        string          `grove:"event_id"`
	EventType      string          `grove:"event_type"`
	Payload        json.RawMessage `grove:"payload,type:jsonb"`
	State          string          `grove:"state"`
	DueAt          time.Time       `grove:"due_at"`
	AttemptCount   int             `grove:"attempt_count"`
	MaxAttempts    int             `grove:"max_attempts"`
	HTTPStatusCode int             `grove:"http_status_code"`
	ResponseBody   string          `grove:"response_body"`
	DurationMs     int64           `grove:"duration_ms"`
	LastError      string          `grove:"last_error"`
	ErrorKind      string          `grove:"error_kind"`
	ScheduledFor   *time.Time      `grove:"scheduled_for"`
	NextRetryAt    *time.Time      `grove:"next_retry_at"`
	DeliveredAt    *time.Time      `grove:"delivered_at"`
	CompletedAt    *time.Time      `grove:"completed_at"`
	CancelledAt    *time.Time      `grove:"cancelled_at"`
	RetryOf        string          `grove:"retry_of"`
	CreatedAt      time.Time       `grove:"created_at"`
	UpdatedAt      time.Time       `grove:"updated_at"`
}

// toDeliveryModel denormalizes DueAt into its own column so claims can
// use a single index for every claimable state.
func toDeliveryModel(d *delivery.Delivery) (*deliveryModel, error) {
	var raw json.RawMessage
	if d.Payload != nil {
		b, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return &deliveryModel{
		ID:             d.ID.String(),
		WebhookID:      d.WebhookID.String(),
		WorkspaceID:    d.WorkspaceID,
		EventID:        d.EventID.String(),
		EventType:      string(d.EventType),
		Payload:        raw,
		State:          string(d.State),
		DueAt:          d.DueAt(),
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		HTTPStatusCode: d.HTTPStatusCode,
		ResponseBody:   d.ResponseBody,
		DurationMs:     d.DurationMs,
		LastError:      d.LastError,
		ErrorKind:      string(d.ErrorKind),
		ScheduledFor:   d.ScheduledFor,
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		CompletedAt:    d.CompletedAt,
		CancelledAt:    d.CancelledAt,
		RetryOf:        d.RetryOf.String(),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	whID, err := id.ParseWebhookID(m.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.WebhookID, err)
	}
	evtID, err := parseOptional(m.EventID, id.PrefixEvent)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	retryOf, err := parseOptional(m.RetryOf, id.PrefixDelivery)
	if err != nil {
		return nil, fmt.Errorf("parse retry ID %q: %w", m.RetryOf, err)
	}

	var p *payload.WebhookPayload
	if len(m.Payload) > 0 {
		p = new(payload.WebhookPayload)
		if err := json.Unmarshal(m.Payload, p); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %s: %w", m.ID, err)
		}
	}

	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             delID,
		WebhookID:      whID,
		WorkspaceID:    m.WorkspaceID,
		EventID:        evtID,
		EventType:      event.Kind(m.EventType),
		Payload:        p,
		State:          delivery.State(m.State),
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		HTTPStatusCode: m.HTTPStatusCode,
		ResponseBody:   m.ResponseBody,
		DurationMs:     m.DurationMs,
		LastError:      m.LastError,
		ErrorKind:      delivery.ErrorKind(m.ErrorKind),
		ScheduledFor:   m.ScheduledFor,
		NextRetryAt:    m.NextRetryAt,
		DeliveredAt:    m.DeliveredAt,
		CompletedAt:    m.CompletedAt,
		CancelledAt:    m.CancelledAt,
		RetryOf:        retryOf,
	}, nil
}

func fromDeliveryModels(models []deliveryModel) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// stateAggregate is one row of the per-state delivery aggregate.
type stateAggregate struct {
	State       string  `grove:"state"`
	Total       int64   `grove:"total"`
	Attempts    int64   `grove:"attempts"`
	DurationSum float64 `grove:"duration_sum"`
}

func parseOptional(s string, prefix id.Prefix) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.ParseWithPrefix(s, prefix)
}

func emptyIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
