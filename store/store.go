// Package store defines the composite Store interface for all herald persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so one backend serves the whole engine.
package store

import (
	"context"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/webhook"
)

// Store is the aggregate persistence interface.
type Store interface {
	webhook.Store
	delivery.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
