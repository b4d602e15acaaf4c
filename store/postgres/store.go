// Package postgres implements store.Store on PostgreSQL through Grove.
//
// Retry claims use FOR UPDATE SKIP LOCKED, so any number of Herald processes
// can poll the same database without handing out a record twice.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
)

// compile-time interface check
var _ heraldstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("herald/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", herald.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.pg.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

// UpdateSubscription writes configuration columns only. The counters are
// owned by IncrementCounters.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	filters, err := jsonArg(sub.Filters)
	if err != nil {
		return err
	}
	headers, err := jsonArg(sub.Headers)
	if err != nil {
		return err
	}
	metadata, err := jsonArg(sub.Metadata)
	if err != nil {
		return err
	}

	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("url = $1", sub.URL).
		Set("description = $2", sub.Description).
		Set("secret = $3", sub.Secret).
		Set("events = $4", sub.Events).
		Set("filters = $5::jsonb", filters).
		Set("headers = $6::jsonb", headers).
		Set("active = $7", sub.Active).
		Set("max_attempts = $8", sub.RetryPolicy.MaxAttempts).
		Set("retry_delay_seconds = $9", sub.RetryPolicy.RetryDelaySeconds).
		Set("timeout_seconds = $10", sub.RetryPolicy.TimeoutSeconds).
		Set("backoff = $11", string(sub.RetryPolicy.Backoff)).
		Set("rate_limit = $12", sub.RateLimit).
		Set("metadata = $13::jsonb", metadata).
		Set("updated_at = $14", time.Now().UTC()).
		Where("id = $15", sub.ID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectRow(res, herald.ErrSubscriptionNotFound)
}

// DeleteSubscription removes the row. Deliveries go with it through the
// ON DELETE CASCADE foreign key.
func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	res, err := s.pg.NewDelete((*subscriptionModel)(nil)).
		Where("id = $1", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectRow(res, herald.ErrSubscriptionNotFound)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).Where("tenant_id = $1", tenantID)
	if opts.Active != nil {
		q = q.Where("active = $2", *opts.Active)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

func (s *Store) FindByEvent(ctx context.Context, tenantID, event string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	if err := s.pg.NewSelect(&models).
		Where("tenant_id = $1", tenantID).
		Where("active = true").
		Where("$2 = ANY(events)", event).
		OrderExpr("created_at ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

func (s *Store) IncrementCounters(ctx context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error {
	q := s.pg.NewUpdate((*subscriptionModel)(nil))
	switch outcome {
	case subscription.OutcomeSuccess:
		q = q.Set("success_count = success_count + 1").
			Set("last_triggered_at = $1", at.UTC()).
			Where("id = $2", subID.String())
	case subscription.OutcomeFailure:
		q = q.Set("failure_count = failure_count + 1").
			Where("id = $1", subID.String())
	default:
		return fmt.Errorf("herald/postgres: unknown outcome %d", outcome)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	return expectRow(res, herald.ErrSubscriptionNotFound)
}

// ==================== Delivery Store ====================

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	_, err := s.pg.NewInsert(toDeliveryModel(d)).Exec(ctx)
	return err
}

// UpdateDelivery is a compare-and-set on attempt_count.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery, expectedAttempt int) (bool, error) {
	res, err := s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("status = $1", string(d.Status)).
		Set("response_status = $2", d.ResponseStatus).
		Set("response_body = $3", d.ResponseBody).
		Set("error_message = $4", d.ErrorMessage).
		Set("attempt_count = $5", d.AttemptCount).
		Set("max_attempts = $6", d.MaxAttempts).
		Set("next_retry_at = $7", d.NextRetryAt).
		Set("delivered_at = $8", d.DeliveredAt).
		Set("latency_ms = $9", d.LatencyMs).
		Set("updated_at = $10", time.Now().UTC()).
		Where("id = $11", d.ID.String()).
		Where("attempt_count = $12", expectedAttempt).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", delID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m)
}

func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.TenantID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("tenant_id = $%d", argIdx), opts.TenantID)
	}
	if !opts.SubscriptionID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("subscription_id = $%d", argIdx), opts.SubscriptionID.String())
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromDeliveryModels(models)
}

func (s *Store) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*delivery.Delivery, error) {
	// Raw SQL for the FOR UPDATE SKIP LOCKED claim pattern.
	var models []deliveryModel
	err := s.pg.NewRaw(`
		UPDATE herald_deliveries
		SET status = 'pending', next_retry_at = NULL, updated_at = $1
		WHERE id IN (
			SELECT id FROM herald_deliveries
			WHERE (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
			   OR (status = 'pending' AND updated_at <= $2)
			ORDER BY COALESCE(next_retry_at, updated_at) ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, now.UTC(), staleBefore.UTC(), limit).Scan(ctx, &models)
	if err != nil {
		return nil, err
	}
	return fromDeliveryModels(models)
}

type rowsResult interface {
	RowsAffected() (int64, error)
}

// expectRow maps an update or delete that touched nothing to notFound.
func expectRow(res rowsResult, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// jsonArg encodes a map for a ::jsonb parameter. nil becomes '{}'.
func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
