package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/subscription"
)

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.mdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("herald/mongo: create subscription: %w", err)
	}

	return nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	var m subscriptionModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, herald.ErrSubscriptionNotFound
		}

		return nil, fmt.Errorf("herald/mongo: get subscription: %w", err)
	}

	return fromSubscriptionModel(&m)
}

// UpdateSubscription sets the configuration fields. Counters are left alone.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)

	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": m.ID}).
		Set("url", m.URL).
		Set("description", m.Description).
		Set("secret", m.Secret).
		Set("events", m.Events).
		Set("filters", m.Filters).
		Set("headers", m.Headers).
		Set("active", m.Active).
		Set("max_attempts", m.MaxAttempts).
		Set("retry_delay_seconds", m.RetryDelaySeconds).
		Set("timeout_seconds", m.TimeoutSeconds).
		Set("backoff", m.Backoff).
		Set("rate_limit", m.RateLimit).
		Set("metadata", m.Metadata).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("herald/mongo: update subscription: %w", err)
	}

	if res.MatchedCount() == 0 {
		return herald.ErrSubscriptionNotFound
	}

	return nil
}

// DeleteSubscription removes a subscription and its deliveries.
func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	if _, err := s.mdb.NewDelete((*deliveryModel)(nil)).
		Filter(bson.M{"subscription_id": subID.String()}).
		Many().
		Exec(ctx); err != nil {
		return fmt.Errorf("herald/mongo: delete subscription deliveries: %w", err)
	}

	res, err := s.mdb.NewDelete((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": subID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("herald/mongo: delete subscription: %w", err)
	}

	if res.DeletedCount() == 0 {
		return herald.ErrSubscriptionNotFound
	}

	return nil
}

// ListSubscriptions returns a tenant's subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"tenant_id": tenantID}
	if opts.Active != nil {
		filter["active"] = *opts.Active
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("herald/mongo: list subscriptions: %w", err)
	}

	return fromSubscriptionModels(models)
}

// FindByEvent returns the tenant's active subscriptions listing event.
// Matching a scalar against the events array is an element match.
func (s *Store) FindByEvent(ctx context.Context, tenantID, event string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	if err := s.mdb.NewFind(&models).
		Filter(bson.M{
			"tenant_id": tenantID,
			"active":    true,
			"events":    event,
		}).
		Sort(bson.D{{Key: "created_at", Value: 1}}).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("herald/mongo: find by event: %w", err)
	}

	return fromSubscriptionModels(models)
}

// IncrementCounters bumps one counter with $inc.
func (s *Store) IncrementCounters(ctx context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error {
	var update bson.M

	switch outcome {
	case subscription.OutcomeSuccess:
		update = bson.M{
			"$inc": bson.M{"success_count": 1},
			"$set": bson.M{"last_triggered_at": at.UTC()},
		}
	case subscription.OutcomeFailure:
		update = bson.M{"$inc": bson.M{"failure_count": 1}}
	default:
		return fmt.Errorf("herald/mongo: unknown outcome %d", outcome)
	}

	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": subID.String()}).
		SetUpdate(update).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("herald/mongo: increment counters: %w", err)
	}

	if res.MatchedCount() == 0 {
		return herald.ErrSubscriptionNotFound
	}

	return nil
}

func fromSubscriptionModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, 0, len(models))

	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, sub)
	}

	return result, nil
}
