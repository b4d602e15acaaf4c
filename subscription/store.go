package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/herald/id"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("herald: subscription not found")

// Store persists subscriptions.
type Store interface {
	// CreateSubscription persists a new subscription.
	CreateSubscription(ctx context.Context, s *Subscription) error

	// GetSubscription returns a subscription by ID.
	GetSubscription(ctx context.Context, subID id.ID) (*Subscription, error)

	// UpdateSubscription writes configuration fields. It never touches
	// SuccessCount, FailureCount or LastTriggeredAt.
	UpdateSubscription(ctx context.Context, s *Subscription) error

	// DeleteSubscription removes a subscription and its delivery history.
	DeleteSubscription(ctx context.Context, subID id.ID) error

	// ListSubscriptions returns a tenant's subscriptions, newest first.
	ListSubscriptions(ctx context.Context, tenantID string, opts ListOpts) ([]*Subscription, error)

	// FindByEvent returns the tenant's active subscriptions whose Events
	// contain event.
	FindByEvent(ctx context.Context, tenantID, event string) ([]*Subscription, error)

	// IncrementCounters atomically adds one to the counter selected by
	// outcome. A success also sets LastTriggeredAt to at.
	IncrementCounters(ctx context.Context, subID id.ID, outcome Outcome, at time.Time) error
}
