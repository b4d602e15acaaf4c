package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/subscription"
)

// subscriptionModel is the JSON document stored in Redis. Counters are kept
// in a separate hash and are not part of it.
type subscriptionModel struct {
	ID          string                   `json:"id"`
	TenantID    string                   `json:"tenant_id"`
	URL         string                   `json:"url"`
	Description string                   `json:"description"`
	Secret      string                   `json:"secret"`
	Events      []string                 `json:"events"`
	Filters     map[string]any           `json:"filters,omitempty"`
	Headers     map[string]string        `json:"headers,omitempty"`
	Active      bool                     `json:"active"`
	RetryPolicy subscription.RetryPolicy `json:"retry_policy"`
	RateLimit   int                      `json:"rate_limit"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:          s.ID.String(),
		TenantID:    s.TenantID,
		URL:         s.URL,
		Description: s.Description,
		Secret:      s.Secret,
		Events:      s.Events,
		Filters:     s.Filters,
		Headers:     s.Headers,
		Active:      s.Active,
		RetryPolicy: s.RetryPolicy,
		RateLimit:   s.RateLimit,
		Metadata:    s.Metadata,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel, counters map[string]string) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	sub := &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          subID,
		TenantID:    m.TenantID,
		URL:         m.URL,
		Description: m.Description,
		Secret:      m.Secret,
		Events:      m.Events,
		Filters:     m.Filters,
		Headers:     m.Headers,
		Active:      m.Active,
		RetryPolicy: m.RetryPolicy,
		RateLimit:   m.RateLimit,
		Metadata:    m.Metadata,
	}
	if err := applyCounters(sub, counters); err != nil {
		return nil, fmt.Errorf("subscription %s: %w", m.ID, err)
	}
	return sub, nil
}

func applyCounters(sub *subscription.Subscription, counters map[string]string) error {
	var err error
	if v, ok := counters[fieldSuccess]; ok {
		if sub.SuccessCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("parse success counter: %w", err)
		}
	}
	if v, ok := counters[fieldFailure]; ok {
		if sub.FailureCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("parse failure counter: %w", err)
		}
	}
	if v, ok := counters[fieldLastTriggered]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parse last triggered: %w", err)
		}
		sub.LastTriggeredAt = &t
	}
	return nil
}

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	if err := s.setEntity(ctx, entityKey(prefixSubscription, m.ID), m); err != nil {
		return fmt.Errorf("herald/redis: create subscription: %w", err)
	}

	if err := s.rdb.ZAdd(ctx, zSubscriptionTenant+m.TenantID, goredis.Z{
		Score:  scoreFromTime(m.CreatedAt),
		Member: m.ID,
	}).Err(); err != nil {
		return fmt.Errorf("herald/redis: create subscription index: %w", err)
	}
	return nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m, err := s.getSubscriptionModel(ctx, subID.String())
	if err != nil {
		return nil, err
	}
	counters, err := s.rdb.HGetAll(ctx, prefixCounters+m.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: get counters: %w", err)
	}
	return fromSubscriptionModel(m, counters)
}

func (s *Store) getSubscriptionModel(ctx context.Context, subID string) (*subscriptionModel, error) {
	var m subscriptionModel
	if err := s.getEntity(ctx, entityKey(prefixSubscription, subID), &m); err != nil {
		if isNotFound(err) {
			return nil, herald.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("herald/redis: get subscription: %w", err)
	}
	return &m, nil
}

// UpdateSubscription overwrites the configuration document. Tenant and
// creation time are taken from the stored copy.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	existing, err := s.getSubscriptionModel(ctx, sub.ID.String())
	if err != nil {
		return err
	}

	m := toSubscriptionModel(sub)
	m.TenantID = existing.TenantID
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = now()

	if err := s.setEntity(ctx, entityKey(prefixSubscription, m.ID), m); err != nil {
		return fmt.Errorf("herald/redis: update subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription, its counters and every
// delivery recorded for it.
func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	m, err := s.getSubscriptionModel(ctx, subID.String())
	if err != nil {
		return err
	}

	deliveryIDs, err := s.rdb.ZRange(ctx, zDeliverySub+m.ID, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: delete subscription deliveries: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, delID := range deliveryIDs {
		pipe.Del(ctx, entityKey(prefixDelivery, delID))
		pipe.ZRem(ctx, zDeliveryAll, delID)
		pipe.ZRem(ctx, zDeliveryTenant+m.TenantID, delID)
		pipe.ZRem(ctx, zDeliveryDue, delID)
		pipe.ZRem(ctx, zDeliveryLease, delID)
	}
	pipe.Del(ctx, zDeliverySub+m.ID)
	pipe.Del(ctx, prefixCounters+m.ID)
	pipe.ZRem(ctx, zSubscriptionTenant+m.TenantID, m.ID)
	pipe.Del(ctx, entityKey(prefixSubscription, m.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: delete subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns a tenant's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	ids, err := s.zRangeDesc(ctx, zSubscriptionTenant+tenantID)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, 0, len(ids))
	for _, subID := range ids {
		sub, err := s.loadSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			continue
		}
		if opts.Active != nil && sub.Active != *opts.Active {
			continue
		}
		result = append(result, sub)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// FindByEvent loads the tenant's subscriptions and keeps the active ones
// listing event, oldest first.
func (s *Store) FindByEvent(ctx context.Context, tenantID, event string) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.ZRange(ctx, zSubscriptionTenant+tenantID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: find by event: %w", err)
	}

	var result []*subscription.Subscription
	for _, subID := range ids {
		sub, err := s.loadSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		if subscription.Matches(sub, event) {
			result = append(result, sub)
		}
	}
	return result, nil
}

// loadSubscription returns nil without error for an ID whose document has
// vanished from under the index.
func (s *Store) loadSubscription(ctx context.Context, subID string) (*subscription.Subscription, error) {
	parsed, err := id.ParseSubscriptionID(subID)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: %w", err)
	}
	sub, err := s.GetSubscription(ctx, parsed)
	if err != nil {
		if errors.Is(err, herald.ErrSubscriptionNotFound) {
			return nil, nil //nolint:nilnil // skip dangling index entry
		}
		return nil, err
	}
	return sub, nil
}

// IncrementCounters adds one to a counter in the counters hash.
func (s *Store) IncrementCounters(ctx context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error {
	key := entityKey(prefixSubscription, subID.String())
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("herald/redis: increment counters: %w", err)
	}
	if n == 0 {
		return herald.ErrSubscriptionNotFound
	}

	ctrKey := prefixCounters + subID.String()
	pipe := s.rdb.TxPipeline()
	switch outcome {
	case subscription.OutcomeSuccess:
		pipe.HIncrBy(ctx, ctrKey, fieldSuccess, 1)
		pipe.HSet(ctx, ctrKey, fieldLastTriggered, at.UTC().Format(time.RFC3339Nano))
	case subscription.OutcomeFailure:
		pipe.HIncrBy(ctx, ctrKey, fieldFailure, 1)
	default:
		return fmt.Errorf("herald/redis: unknown outcome %d", outcome)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: increment counters: %w", err)
	}
	return nil
}
