// Package store defines the composite Store interface for all Herald persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so a backend implements everything in one place.
package store

import (
	"context"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/subscription"
)

// Store is the aggregate persistence interface.
type Store interface {
	subscription.Store
	delivery.Store

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
