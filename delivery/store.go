package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/herald/id"
)

// ErrNotFound is returned when a delivery record does not exist.
var ErrNotFound = errors.New("herald: delivery not found")

// Store persists delivery attempt records.
type Store interface {
	// CreateDelivery inserts a new record.
	CreateDelivery(ctx context.Context, d *Delivery) error

	// UpdateDelivery writes d only if the stored AttemptCount still equals
	// expectedAttempt. It reports whether the write was applied, so a
	// replayed update is a no-op.
	UpdateDelivery(ctx context.Context, d *Delivery, expectedAttempt int) (bool, error)

	// GetDelivery returns a record by ID.
	GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error)

	// ListDeliveries returns records matching opts, newest first.
	ListDeliveries(ctx context.Context, opts ListOpts) ([]*Delivery, error)

	// ClaimDue atomically moves up to limit records to pending and returns
	// them: failed records with NextRetryAt <= now, then pending records last
	// updated at or before staleBefore (a claim or first send that never
	// wrote back). Claimed records get NextRetryAt cleared and UpdatedAt set
	// to now, which starts a new lease. Concurrent callers never receive the
	// same record within one lease.
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Delivery, error)
}
