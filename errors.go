package herald

import (
	"errors"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/webhook"
)

// Sentinel errors returned by herald stores and the engine.
var (
	// ErrNoStore is returned when a Herald is created without a store.
	ErrNoStore = errors.New("herald: store is required")

	// ErrWebhookNotFound is returned when a webhook cannot be found.
	ErrWebhookNotFound = webhook.ErrNotFound

	// ErrDeliveryNotFound is returned when a delivery cannot be found.
	ErrDeliveryNotFound = delivery.ErrNotFound

	// ErrDeliveryImmutable is returned when a delivered or cancelled
	// delivery is written to.
	ErrDeliveryImmutable = delivery.ErrImmutable

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("herald: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("herald: migration failed")
)
