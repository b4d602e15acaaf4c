package herald

import (
	"errors"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/subscription"
)

// Sentinel errors returned by Herald operations.
var (
	// ErrNoStore is returned when a Herald is created without a store.
	ErrNoStore = errors.New("herald: store is required")

	// ErrTenantRequired is returned when the context carries no tenant.
	ErrTenantRequired = errors.New("herald: tenant is required in context")

	// ErrSubscriptionNotFound is returned when a subscription cannot be found.
	ErrSubscriptionNotFound = subscription.ErrNotFound

	// ErrDeliveryNotFound is returned when a delivery record cannot be found.
	ErrDeliveryNotFound = delivery.ErrNotFound

	// ErrUnknownEvent is returned in strict mode for an event name that is
	// not in the catalog.
	ErrUnknownEvent = catalog.ErrNotFound

	// ErrPayloadValidationFailed is returned when a payload does not satisfy
	// the event's JSON Schema.
	ErrPayloadValidationFailed = catalog.ErrInvalidPayload

	// ErrInvalidPayload is returned when a payload cannot be encoded as JSON.
	ErrInvalidPayload = errors.New("herald: payload is not valid JSON")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("herald: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("herald: migration failed")
)
