// Package sqlite implements store.Store on SQLite through Grove.
//
// SQLite serializes writers, so the retry claim is a single
// UPDATE ... RETURNING without row locks. Suited to single-process
// deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
)

// compile-time interface check
var _ heraldstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("herald/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", herald.ErrMigrationFailed, err)
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
	_, err := s.sdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("url = ?", m.URL).
		Set("description = ?", m.Description).
		Set("secret = ?", m.Secret).
		Set("events = ?", m.Events).
		Set("filters = ?", m.Filters).
		Set("headers = ?", m.Headers).
		Set("active = ?", m.Active).
		Set("max_attempts = ?", m.MaxAttempts).
		Set("retry_delay_seconds = ?", m.RetryDelaySeconds).
		Set("timeout_seconds = ?", m.TimeoutSeconds).
		Set("backoff = ?", m.Backoff).
		Set("rate_limit = ?", m.RateLimit).
		Set("metadata = ?", m.Metadata).
		Set("updated_at = ?", now()).
		Where("id = ?", m.ID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectRow(res, herald.ErrSubscriptionNotFound)
}

// DeleteSubscription removes the subscription's deliveries, then the
// subscription.
func (s *Store) DeleteSubscription(ctx context.Context, subID id.ID) error {
	if _, err := s.sdb.NewDelete((*deliveryModel)(nil)).
		Where("subscription_id = ?", subID.String()).
		Exec(ctx); err != nil {
		return err
	}

	res, err := s.sdb.NewDelete((*subscriptionModel)(nil)).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectRow(res, herald.ErrSubscriptionNotFound)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID)
	if opts.Active != nil {
		q = q.Where("active = ?", *opts.Active)
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
	if err := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		Where("active = 1").
		Where("EXISTS (SELECT 1 FROM json_each(events) WHERE json_each.value = ?)", event).
		OrderExpr("created_at ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

func (s *Store) IncrementCounters(ctx context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error {
	q := s.sdb.NewUpdate((*subscriptionModel)(nil))
	switch outcome {
	case subscription.OutcomeSuccess:
		q = q.Set("success_count = success_count + 1").
			Set("last_triggered_at = ?", at.UTC())
	case subscription.OutcomeFailure:
		q = q.Set("failure_count = failure_count + 1")
	default:
		return fmt.Errorf("herald/sqlite: unknown outcome %d", outcome)
	}

	res, err := q.Where("id = ?", subID.String()).Exec(ctx)
	if err != nil {
		return err
	}
	return expectRow(res, herald.ErrSubscriptionNotFound)
}

// ==================== Delivery Store ====================

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	_, err := s.sdb.NewInsert(toDeliveryModel(d)).Exec(ctx)
	return err
}

// UpdateDelivery is a compare-and-set on attempt_count.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery, expectedAttempt int) (bool, error) {
	m := toDeliveryModel(d)
	res, err := s.sdb.NewUpdate((*deliveryModel)(nil)).
		Set("status = ?", m.Status).
		Set("response_status = ?", m.ResponseStatus).
		Set("response_body = ?", m.ResponseBody).
		Set("error_message = ?", m.ErrorMessage).
		Set("attempt_count = ?", m.AttemptCount).
		Set("max_attempts = ?", m.MaxAttempts).
		Set("next_retry_at = ?", m.NextRetryAt).
		Set("delivered_at = ?", m.DeliveredAt).
		Set("latency_ms = ?", m.LatencyMs).
		Set("updated_at = ?", now()).
		Where("id = ?", m.ID).
		Where("attempt_count = ?", expectedAttempt).
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
	err := s.sdb.NewSelect(m).
		Where("id = ?", delID.String()).
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
	q := s.sdb.NewSelect(&models)
	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	if !opts.SubscriptionID.IsNil() {
		q = q.Where("subscription_id = ?", opts.SubscriptionID.String())
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
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

func (s *Store) ClaimDue(ctx context.Context, at, staleBefore time.Time, limit int) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	err := s.sdb.NewRaw(`
		UPDATE herald_deliveries
		SET status = 'pending', next_retry_at = NULL, updated_at = ?
		WHERE id IN (
			SELECT id FROM herald_deliveries
			WHERE (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
			   OR (status = 'pending' AND updated_at <= ?)
			ORDER BY COALESCE(next_retry_at, updated_at) ASC
			LIMIT ?
		)
		RETURNING *
	`, at.UTC(), at.UTC(), staleBefore.UTC(), limit).Scan(ctx, &models)
	if err != nil {
		return nil, err
	}
	return fromDeliveryModels(models)
}

func now() time.Time {
	return time.Now().UTC()
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

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
