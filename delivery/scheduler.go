package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/subscription"
)

// SchedulerStore is what the Scheduler reads.
type SchedulerStore interface {
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Delivery, error)
	GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error)
}

// DefaultLease is the claim lease used when none is configured.
const DefaultLease = 5 * time.Minute

// SchedulerConfig configures the retry poll loop.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int

	// Lease is how long a pending record may go without a write before a
	// scan takes it over. It must exceed the longest send timeout.
	Lease time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Scheduler periodically re-attempts failed deliveries whose retry time has
// passed. It never creates records: each retry mutates the claimed one.
type Scheduler struct {
	store      SchedulerStore
	dispatcher *Dispatcher
	config     SchedulerConfig
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(store SchedulerStore, dispatcher *Dispatcher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Start runs the poll loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
}

// Stop cancels the loop and waits for in-flight retries, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "scheduler stop timed out with retries in flight")
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain while full batches keep coming back.
			for {
				n, err := s.RunOnce(ctx)
				if err != nil {
					s.logger.ErrorContext(ctx, "retry scan failed", "error", err)
					break
				}
				if n < s.config.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// RunOnce claims one batch of due records, including pending records whose
// lease expired, re-attempts them concurrently and waits for the attempts to
// finish. It returns the number claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.config.Clock().UTC()
	claimed, err := s.store.ClaimDue(ctx, now, now.Add(-s.config.Lease), s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, d := range claimed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.retry(ctx, d)
		}()
	}
	wg.Wait()
	return len(claimed), nil
}

func (s *Scheduler) retry(ctx context.Context, d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "retry panicked", "delivery_id", d.ID, "panic", r)
		}
	}()

	sub, err := s.store.GetSubscription(ctx, d.SubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrNotFound), err == nil && !sub.Active:
		if abandonErr := s.dispatcher.Abandon(ctx, d, "subscription inactive"); abandonErr != nil {
			s.logger.ErrorContext(ctx, "abandon delivery failed", "delivery_id", d.ID, "error", abandonErr)
		}
		return
	case err != nil:
		// Give the claim back so the next scan picks it up again.
		at := s.config.Clock().UTC().Add(s.config.PollInterval)
		if putErr := s.dispatcher.Reschedule(ctx, d, at, "load subscription: "+err.Error()); putErr != nil {
			s.logger.ErrorContext(ctx, "reschedule delivery failed", "delivery_id", d.ID, "error", putErr)
		}
		return
	}

	if err := s.dispatcher.Attempt(ctx, sub, d); err != nil {
		s.logger.ErrorContext(ctx, "retry attempt failed",
			"delivery_id", d.ID, "subscription_id", d.SubscriptionID, "error", err)
	}
}
