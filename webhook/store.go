package webhook

import (
	"context"
	"time"

	"github.com/xraph/herald/id"
)

// Store defines the persistence contract for webhooks.
type Store interface {
	// CreateWebhook persists a new webhook.
	CreateWebhook(ctx context.Context, wh *Webhook) error

	// GetWebhook returns a webhook by ID.
	GetWebhook(ctx context.Context, whID id.ID) (*Webhook, error)

	// UpdateWebhook replaces an existing webhook.
	UpdateWebhook(ctx context.Context, wh *Webhook) error

	// DeleteWebhook removes a webhook.
	DeleteWebhook(ctx context.Context, whID id.ID) error

	// ListWebhooks returns a workspace's webhooks, oldest first.
	ListWebhooks(ctx context.Context, workspaceID string, opts ListOpts) ([]*Webhook, error)

	// ResolveActive returns the workspace's active webhooks (paused ones
	// included) with a pattern matching eventType.
	ResolveActive(ctx context.Context, workspaceID, eventType string) ([]*Webhook, error)

	// RecordOutcome folds an attempt outcome into the webhook's success
	// rate and sets its last delivery time.
	RecordOutcome(ctx context.Context, whID id.ID, success bool, at time.Time) error
}
