// Package payload builds, validates and encodes the envelope delivered to
// webhook receivers:
//
//	{
//	  "id": "msg_01j...",
//	  "event": "task.created",
//	  "timestamp": "2026-01-01T12:00:00Z",
//	  "data": {...},
//	  "metadata": {
//	    "version": "1.0",
//	    "source": "herald",
//	    "deliveryAttempt": 1,
//	    "webhookId": "wh_01j...",
//	    "workspaceId": "ws_123"
//	  }
//	}
//
// The id is shared by every recipient of one event and is stable across
// retries; receivers use it to drop duplicates.
package payload

import (
	"time"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
)

// WebhookPayload is the body sent to a receiver.
type WebhookPayload struct {
	ID        id.ID          `json:"id"`
	Event     event.Kind     `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  Metadata       `json:"metadata"`
}

// Metadata describes the delivery a payload belongs to.
type Metadata struct {
	Version         string `json:"version"`
	Source          string `json:"source"`
	DeliveryAttempt int    `json:"deliveryAttempt"`
	WebhookID       string `json:"webhookId,omitempty"`
	WorkspaceID     string `json:"workspaceId"`
	CorrelationID   string `json:"correlationId,omitempty"`
}

// ForRecipient returns a copy of p addressed to one webhook at the given
// attempt number. The data section is shared, not copied.
func (p *WebhookPayload) ForRecipient(webhookID string, attempt int) *WebhookPayload {
	cp := *p
	cp.Metadata.WebhookID = webhookID
	cp.Metadata.DeliveryAttempt = attempt
	return &cp
}
