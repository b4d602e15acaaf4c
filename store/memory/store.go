// Package memory provides an in-memory Store for tests and the standalone daemon.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
)

// compile-time interface check.
var _ heraldstore.Store = (*Store)(nil)

// Store keeps subscriptions and delivery records in maps guarded by a
// single mutex. Every read returns a copy.
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*subscription.Subscription // keyed by ID string
	deliveries    map[string]*delivery.Delivery         // keyed by ID string

	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Subscription),
		deliveries:    make(map[string]*delivery.Delivery),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports ErrStoreClosed after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return herald.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// subscription.Store
// ──────────────────────────────────────────────────

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.ID.String()] = copySubscription(sub)
	return nil
}

// GetSubscription returns a copy of a subscription.
func (s *Store) GetSubscription(_ context.Context, subID id.ID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return nil, herald.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// UpdateSubscription replaces configuration fields, keeping the stored counters.
func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ID.String()]
	if !ok {
		return herald.ErrSubscriptionNotFound
	}
	next := copySubscription(sub)
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	next.SuccessCount = existing.SuccessCount
	next.FailureCount = existing.FailureCount
	next.LastTriggeredAt = existing.LastTriggeredAt
	s.subscriptions[sub.ID.String()] = next
	return nil
}

// DeleteSubscription removes a subscription and every delivery record it owns.
func (s *Store) DeleteSubscription(_ context.Context, subID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subID.String()
	if _, ok := s.subscriptions[key]; !ok {
		return herald.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, key)
	for k, d := range s.deliveries {
		if d.SubscriptionID.String() == key {
			delete(s.deliveries, k)
		}
	}
	return nil
}

// ListSubscriptions returns a tenant's subscriptions, newest first.
func (s *Store) ListSubscriptions(_ context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.TenantID != tenantID {
			continue
		}
		if opts.Active != nil && sub.Active != *opts.Active {
			continue
		}
		result = append(result, copySubscription(sub))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// FindByEvent returns active subscriptions of tenantID listing event.
func (s *Store) FindByEvent(_ context.Context, tenantID, event string) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.TenantID != tenantID || !subscription.Matches(sub, event) {
			continue
		}
		result = append(result, copySubscription(sub))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// IncrementCounters bumps the success or failure counter under the store lock.
func (s *Store) IncrementCounters(_ context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return herald.ErrSubscriptionNotFound
	}
	switch outcome {
	case subscription.OutcomeSuccess:
		sub.SuccessCount++
		t := at.UTC()
		sub.LastTriggeredAt = &t
	case subscription.OutcomeFailure:
		sub.FailureCount++
	}
	return nil
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// CreateDelivery inserts a record.
func (s *Store) CreateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.ID.String()] = copyDelivery(d)
	return nil
}

// UpdateDelivery writes d when the stored attempt count equals expectedAttempt.
func (s *Store) UpdateDelivery(_ context.Context, d *delivery.Delivery, expectedAttempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deliveries[d.ID.String()]
	if !ok {
		return false, herald.ErrDeliveryNotFound
	}
	if existing.AttemptCount != expectedAttempt {
		return false, nil
	}
	next := copyDelivery(d)
	next.CreatedAt = existing.CreatedAt
	s.deliveries[d.ID.String()] = next
	return true, nil
}

// GetDelivery returns a copy of a record.
func (s *Store) GetDelivery(_ context.Context, delID id.ID) (*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, herald.ErrDeliveryNotFound
	}
	return copyDelivery(d), nil
}

// ListDeliveries returns records matching opts, newest first.
func (s *Store) ListDeliveries(_ context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*delivery.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if opts.TenantID != "" && d.TenantID != opts.TenantID {
			continue
		}
		if !opts.SubscriptionID.IsNil() && d.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		result = append(result, copyDelivery(d))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ClaimDue moves due failed records, and pending records whose lease
// expired at staleBefore, to pending with a fresh lease. Copies are returned
// in the order they became due.
func (s *Store) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*delivery.Delivery, 0)
	for _, d := range s.deliveries {
		switch {
		case d.Status == delivery.StatusFailed && d.NextRetryAt != nil && !d.NextRetryAt.After(now):
		case d.Status == delivery.StatusPending && !d.UpdatedAt.After(staleBefore):
		default:
			continue
		}
		candidates = append(candidates, d)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return dueAt(candidates[i]).Before(dueAt(candidates[j]))
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	result := make([]*delivery.Delivery, 0, len(candidates))
	for _, d := range candidates {
		d.Status = delivery.StatusPending
		d.NextRetryAt = nil
		d.UpdatedAt = now.UTC()
		result = append(result, copyDelivery(d))
	}
	return result, nil
}

func dueAt(d *delivery.Delivery) time.Time {
	if d.NextRetryAt != nil {
		return *d.NextRetryAt
	}
	return d.UpdatedAt
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func copySubscription(sub *subscription.Subscription) *subscription.Subscription {
	cp := *sub
	cp.Events = slices.Clone(sub.Events)
	cp.Headers = maps.Clone(sub.Headers)
	cp.Filters = maps.Clone(sub.Filters)
	cp.Metadata = maps.Clone(sub.Metadata)
	if sub.LastTriggeredAt != nil {
		t := *sub.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

func copyDelivery(d *delivery.Delivery) *delivery.Delivery {
	cp := *d
	cp.Payload = slices.Clone(d.Payload)
	if d.ResponseStatus != nil {
		v := *d.ResponseStatus
		cp.ResponseStatus = &v
	}
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		cp.NextRetryAt = &t
	}
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
