package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
)

// CreateDelivery inserts a new delivery record.
func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	_, err := s.mdb.NewInsert(toDeliveryModel(d)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("herald/mongo: create delivery: %w", err)
	}

	return nil
}

// UpdateDelivery writes d when the stored attempt_count still equals
// expectedAttempt. The filter carries the comparison, so the write is atomic.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery, expectedAttempt int) (bool, error) {
	m := toDeliveryModel(d)

	res, err := s.mdb.NewUpdate((*deliveryModel)(nil)).
		Filter(bson.M{"_id": m.ID, "attempt_count": expectedAttempt}).
		Set("status", m.Status).
		Set("response_status", m.ResponseStatus).
		Set("response_body", m.ResponseBody).
		Set("error_message", m.ErrorMessage).
		Set("attempt_count", m.AttemptCount).
		Set("max_attempts", m.MaxAttempts).
		Set("next_retry_at", m.NextRetryAt).
		Set("delivered_at", m.DeliveredAt).
		Set("latency_ms", m.LatencyMs).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("herald/mongo: update delivery: %w", err)
	}

	return res.MatchedCount() > 0, nil
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	var m deliveryModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": delID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, herald.ErrDeliveryNotFound
		}

		return nil, fmt.Errorf("herald/mongo: get delivery: %w", err)
	}

	return fromDeliveryModel(&m)
}

// ListDeliveries returns delivery history, newest first.
func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	var models []deliveryModel

	filter := bson.M{}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
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
		return nil, fmt.Errorf("herald/mongo: list deliveries: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(models))

	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, d)
	}

	return result, nil
}

// ClaimDue moves due retries, then pending records whose lease expired, to
// pending one document at a time.
func (s *Store) ClaimDue(ctx context.Context, at, staleBefore time.Time, limit int) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, 0, limit)
	col := s.mdb.Collection(colDeliveries)

	passes := []struct {
		filter bson.M
		sort   string
	}{
		{
			filter: bson.M{
				"status":        string(delivery.StatusFailed),
				"next_retry_at": bson.M{"$ne": nil, "$lte": at.UTC()},
			},
			sort: "next_retry_at",
		},
		{
			filter: bson.M{
				"status":     string(delivery.StatusPending),
				"updated_at": bson.M{"$lte": staleBefore.UTC()},
			},
			sort: "updated_at",
		},
	}

	update := bson.M{
		"$set": bson.M{
			"status":        string(delivery.StatusPending),
			"next_retry_at": nil,
			"updated_at":    at.UTC(),
		},
	}

	for _, pass := range passes {
		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: pass.sort, Value: 1}})

		for len(result) < limit {
			var m deliveryModel

			err := col.FindOneAndUpdate(ctx, pass.filter, update, opts).Decode(&m)
			if err != nil {
				if errors.Is(err, mongod.ErrNoDocuments) {
					break
				}

				return nil, fmt.Errorf("herald/mongo: claim due: %w", err)
			}

			d, err := fromDeliveryModel(&m)
			if err != nil {
				return nil, err
			}

			result = append(result, d)
		}
	}

	return result, nil
}
