package delivery_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
)

// future is a scheduler clock far enough ahead that every retry is due.
func future() time.Time { return time.Now().Add(24 * time.Hour) }

func TestRetryBudgetAgainstTimingOutEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := memory.New()
	sub := seedSubscription(t, s, srv.URL, func(sub *subscription.Subscription) {
		sub.RetryPolicy = subscription.RetryPolicy{
			MaxAttempts:       3,
			RetryDelaySeconds: 60,
			TimeoutSeconds:    1,
			Backoff:           subscription.BackoffFixed,
		}
	})
	dsp := newDispatcher(s, loopbackGuard(), delivery.DispatcherConfig{})
	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{Clock: future}, nil)

	d, err := dsp.Deliver(ctx(), sub, "invoice.created", payload)
	if err != nil {
		t.Fatal(err)
	}

	for want := 2; want <= 4; want++ {
		prev := mustDelivery(t, s, d.ID)
		if prev.NextRetryAt == nil {
			t.Fatalf("attempt %d: expected a retry to be scheduled", want-1)
		}
		n, err := sched.RunOnce(ctx())
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("attempt %d: expected 1 claimed record, got %d", want, n)
		}
		if got := mustDelivery(t, s, d.ID).AttemptCount; got != want {
			t.Fatalf("expected attempt count %d, got %d", want, got)
		}
	}

	got := mustDelivery(t, s, d.ID)
	if got.Status != delivery.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.NextRetryAt != nil {
		t.Fatalf("budget exhausted, expected no retry, got %v", got.NextRetryAt)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected the timeout to be recorded")
	}

	if n, _ := sched.RunOnce(ctx()); n != 0 {
		t.Fatalf("exhausted record must not be claimed again, got %d", n)
	}
	if hits.Load() != 4 {
		t.Fatalf("expected 4 requests, got %d", hits.Load())
	}
	if got := mustSubscription(t, s, sub.ID); got.FailureCount != 4 {
		t.Fatalf("expected failure count 4, got %d", got.FailureCount)
	}
}

func TestSchedulerIgnoresFinishedRecords(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	ok := seedSubscription(t, s, srv.URL+"/ok")
	rejected := seedSubscription(t, s, srv.URL+"/fail")
	dsp := newDispatcher(s, loopbackGuard(), delivery.DispatcherConfig{})
	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{Clock: future}, nil)

	okRec, _ := dsp.Deliver(ctx(), ok, "invoice.created", payload)
	rejRec, _ := dsp.Deliver(ctx(), rejected, "invoice.created", payload)
	before := mustDelivery(t, s, okRec.ID)

	n, err := sched.RunOnce(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected nothing to retry, got %d", n)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected only the first attempts, got %d requests", hits.Load())
	}

	after := mustDelivery(t, s, okRec.ID)
	if after.AttemptCount != before.AttemptCount || after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("successful record changed: before %+v after %+v", before, after)
	}
	if got := mustDelivery(t, s, rejRec.ID); got.AttemptCount != 1 {
		t.Fatalf("500 must not be retried, attempt count %d", got.AttemptCount)
	}
}

func TestSchedulerRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	sub := seedSubscription(t, s, srv.URL)

	// First attempt fails against a closed listener, then the subscription
	// is pointed at a live one.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	down := *sub
	down.URL = deadURL

	dsp := newDispatcher(s, loopbackGuard(), delivery.DispatcherConfig{})
	d, _ := dsp.Deliver(ctx(), &down, "invoice.created", payload)
	if got := mustDelivery(t, s, d.ID); got.NextRetryAt == nil {
		t.Fatal("expected retry to be scheduled")
	}

	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		Clock:        future,
	}, nil)
	sched.Start(ctx())
	defer sched.Stop(ctx())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := mustDelivery(t, s, d.ID); got.Status == delivery.StatusSuccess {
			if got.AttemptCount != 2 {
				t.Fatalf("expected attempt count 2, got %d", got.AttemptCount)
			}
			if cur := mustSubscription(t, s, sub.ID); cur.SuccessCount != 1 || cur.FailureCount != 1 {
				t.Fatalf("expected counters 1/1, got %d/%d", cur.SuccessCount, cur.FailureCount)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("retry did not succeed in time, %d requests", hits.Load())
}

func TestSchedulerAbandonsInactiveSubscription(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	s := memory.New()
	sub := seedSubscription(t, s, deadURL)
	dsp := newDispatcher(s, loopbackGuard(), delivery.DispatcherConfig{})
	d, _ := dsp.Deliver(ctx(), sub, "invoice.created", payload)

	sub.Active = false
	if err := s.UpdateSubscription(ctx(), sub); err != nil {
		t.Fatal(err)
	}

	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{Clock: future}, nil)
	if n, err := sched.RunOnce(ctx()); err != nil || n != 1 {
		t.Fatalf("expected 1 claimed record, got %d (%v)", n, err)
	}

	got := mustDelivery(t, s, d.ID)
	if got.Status != delivery.StatusFailed || got.NextRetryAt != nil || got.AttemptCount != 1 {
		t.Fatalf("expected abandoned record, got %+v", got)
	}
}

func TestSchedulerDeletedSubscriptionLeavesNoWork(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	s := memory.New()
	sub := seedSubscription(t, s, deadURL)
	dsp := newDispatcher(s, loopbackGuard(), delivery.DispatcherConfig{})
	if _, err := dsp.Deliver(ctx(), sub, "invoice.created", payload); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSubscription(ctx(), sub.ID); err != nil {
		t.Fatal(err)
	}

	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{Clock: future}, nil)
	if n, _ := sched.RunOnce(ctx()); n != 0 {
		t.Fatalf("deleted subscription's records should be gone, claimed %d", n)
	}
}

// flakyStore fails the next failWrites delivery updates.
type flakyStore struct {
	*memory.Store
	failWrites atomic.Int32
}

func (f *flakyStore) UpdateDelivery(ctx context.Context, d *delivery.Delivery, expectedAttempt int) (bool, error) {
	if f.failWrites.Add(-1) >= 0 {
		return false, errors.New("store unavailable")
	}
	return f.Store.UpdateDelivery(ctx, d, expectedAttempt)
}

func TestSchedulerReclaimsUnrecordedRetry(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	s := &flakyStore{Store: memory.New()}
	sub := seedSubscription(t, s.Store, deadURL)
	dsp := delivery.NewDispatcher(s, loopbackGuard(),
		delivery.NewSender(&http.Client{Transport: delivery.NewTransport(loopbackGuard())}, "", 0),
		delivery.DispatcherConfig{}, nil)

	var offset atomic.Int64
	offset.Store(int64(time.Hour))
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{
		Lease: time.Minute,
		Clock: clock,
	}, nil)

	d, err := dsp.Deliver(ctx(), sub, "invoice.created", payload)
	if err != nil {
		t.Fatal(err)
	}

	// The retry is sent but its outcome cannot be written.
	s.failWrites.Store(1)
	if n, err := sched.RunOnce(ctx()); err != nil || n != 1 {
		t.Fatalf("expected 1 claimed record, got %d (%v)", n, err)
	}
	got := mustDelivery(t, s.Store, d.ID)
	if got.Status != delivery.StatusPending || got.AttemptCount != 1 {
		t.Fatalf("expected the claim to be outstanding, got %+v", got)
	}

	if n, _ := sched.RunOnce(ctx()); n != 0 {
		t.Fatalf("a live lease must not be reclaimed, got %d", n)
	}

	offset.Add(int64(2 * time.Minute))
	if n, err := sched.RunOnce(ctx()); err != nil || n != 1 {
		t.Fatalf("expected the expired claim to be taken over, got %d (%v)", n, err)
	}

	got = mustDelivery(t, s.Store, d.ID)
	if got.Status != delivery.StatusFailed || got.AttemptCount != 2 || got.NextRetryAt == nil {
		t.Fatalf("expected attempt 2 recorded with a retry scheduled, got %+v", got)
	}
	if cur := mustSubscription(t, s.Store, sub.ID); cur.FailureCount != 2 {
		t.Fatalf("expected failure count 2, got %d", cur.FailureCount)
	}
}

func TestSchedulerResumesAbandonedFirstSend(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	sub := seedSubscription(t, s, srv.URL)
	dsp := newDispatcher(s, loopbackGuard(), delivery.DispatcherConfig{})

	// A record whose first send never reported back.
	stale := &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Event:          "invoice.created",
		Payload:        payload,
		Status:         delivery.StatusPending,
		MaxAttempts:    sub.RetryPolicy.TotalSends(),
	}
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	if err := s.CreateDelivery(ctx(), stale); err != nil {
		t.Fatal(err)
	}

	sched := delivery.NewScheduler(s, dsp, delivery.SchedulerConfig{}, nil)
	if n, err := sched.RunOnce(ctx()); err != nil || n != 1 {
		t.Fatalf("expected 1 claimed record, got %d (%v)", n, err)
	}

	got := mustDelivery(t, s, stale.ID)
	if got.Status != delivery.StatusSuccess || got.AttemptCount != 1 {
		t.Fatalf("expected the first send to complete, got %+v", got)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
}
