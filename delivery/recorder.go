package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/subscription"
)

// RecordStore is what the Recorder writes to.
type RecordStore interface {
	UpdateDelivery(ctx context.Context, d *Delivery, expectedAttempt int) (bool, error)
	IncrementCounters(ctx context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error
}

// Recorder persists attempt outcomes and subscription counters.
type Recorder struct {
	store  RecordStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store RecordStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record writes d if the stored attempt count still equals expectedAttempt.
// A false result means the same attempt was already recorded.
func (r *Recorder) Record(ctx context.Context, d *Delivery, expectedAttempt int) (bool, error) {
	d.Touch()
	applied, err := r.store.UpdateDelivery(ctx, d, expectedAttempt)
	if err != nil {
		return false, fmt.Errorf("delivery: record %s: %w", d.ID, err)
	}
	if !applied {
		r.logger.DebugContext(ctx, "stale delivery write ignored",
			"delivery_id", d.ID, "expected_attempt", expectedAttempt, "attempt", d.AttemptCount)
	}
	return applied, nil
}

// UpdateCounters increments the subscription counter for outcome.
func (r *Recorder) UpdateCounters(ctx context.Context, subID id.ID, outcome subscription.Outcome, at time.Time) error {
	if err := r.store.IncrementCounters(ctx, subID, outcome, at); err != nil {
		return fmt.Errorf("delivery: update counters %s: %w", subID, err)
	}
	return nil
}
