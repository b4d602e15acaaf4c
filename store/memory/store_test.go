package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/subscription"
)

func ctx() context.Context { return context.Background() }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	s := New()

	if err := s.Migrate(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); !errors.Is(err, herald.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// subscription.Store
// ──────────────────────────────────────────────────

func newSubscription(tenantID string, events ...string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    tenantID,
		URL:         "https://example.com/webhook",
		Secret:      "whsec_test",
		Events:      events,
		Active:      true,
		RetryPolicy: subscription.DefaultRetryPolicy(),
	}
}

func TestSubscriptionCRUD(t *testing.T) {
	s := New()
	sub := newSubscription("tenant1", "invoice.created")

	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSubscription(ctx(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TenantID != "tenant1" {
		t.Fatalf("got tenant %q", got.TenantID)
	}

	// Reads are copies.
	got.Events[0] = "mutated"
	again, _ := s.GetSubscription(ctx(), sub.ID)
	if again.Events[0] != "invoice.created" {
		t.Fatal("store shares slices with callers")
	}

	if _, err := s.GetSubscription(ctx(), id.NewSubscriptionID()); !errors.Is(err, herald.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	sub.Description = "Updated"
	if err := s.UpdateSubscription(ctx(), sub); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSubscription(ctx(), sub.ID)
	if got.Description != "Updated" {
		t.Fatal("expected updated description")
	}

	if err := s.UpdateSubscription(ctx(), newSubscription("tenant1")); !errors.Is(err, herald.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	if err := s.DeleteSubscription(ctx(), sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSubscription(ctx(), sub.ID); !errors.Is(err, herald.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestFindByEvent(t *testing.T) {
	s := New()

	match := newSubscription("t1", "invoice.created", "invoice.paid")
	other := newSubscription("t1", "user.created")
	inactive := newSubscription("t1", "invoice.created")
	inactive.Active = false
	foreign := newSubscription("t2", "invoice.created")
	for _, sub := range []*subscription.Subscription{match, other, inactive, foreign} {
		_ = s.CreateSubscription(ctx(), sub)
	}

	got, err := s.FindByEvent(ctx(), "t1", "invoice.created")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID.String() != match.ID.String() {
		t.Fatalf("expected only the matching active subscription, got %d", len(got))
	}
}

func TestListSubscriptions(t *testing.T) {
	s := New()
	for i := range 4 {
		sub := newSubscription("t1", "a.b")
		sub.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		sub.Active = i%2 == 0
		_ = s.CreateSubscription(ctx(), sub)
	}
	_ = s.CreateSubscription(ctx(), newSubscription("t2", "a.b"))

	all, _ := s.ListSubscriptions(ctx(), "t1", subscription.ListOpts{})
	if len(all) != 4 {
		t.Fatalf("expected 4, got %d", len(all))
	}
	if !all[0].CreatedAt.After(all[1].CreatedAt) {
		t.Fatal("expected newest first")
	}

	active := true
	got, _ := s.ListSubscriptions(ctx(), "t1", subscription.ListOpts{Active: &active})
	if len(got) != 2 {
		t.Fatalf("expected 2 active, got %d", len(got))
	}

	page, _ := s.ListSubscriptions(ctx(), "t1", subscription.ListOpts{Offset: 3, Limit: 2})
	if len(page) != 1 {
		t.Fatalf("expected 1 on the last page, got %d", len(page))
	}
}

func TestIncrementCountersConcurrent(t *testing.T) {
	s := New()
	sub := newSubscription("t1", "a.b")
	_ = s.CreateSubscription(ctx(), sub)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := subscription.OutcomeSuccess
			if i%4 == 0 {
				outcome = subscription.OutcomeFailure
			}
			_ = s.IncrementCounters(ctx(), sub.ID, outcome, time.Now())
		}()
	}
	wg.Wait()

	got, _ := s.GetSubscription(ctx(), sub.ID)
	if got.SuccessCount != 75 || got.FailureCount != 25 {
		t.Fatalf("expected 75/25, got %d/%d", got.SuccessCount, got.FailureCount)
	}
	if got.LastTriggeredAt == nil {
		t.Fatal("expected last_triggered_at")
	}
}

func TestUpdateSubscriptionPreservesCounters(t *testing.T) {
	s := New()
	sub := newSubscription("t1", "a.b")
	_ = s.CreateSubscription(ctx(), sub)
	_ = s.IncrementCounters(ctx(), sub.ID, subscription.OutcomeSuccess, time.Now())

	sub.SuccessCount = 0
	sub.URL = "https://example.org/new"
	if err := s.UpdateSubscription(ctx(), sub); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSubscription(ctx(), sub.ID)
	if got.SuccessCount != 1 || got.URL != "https://example.org/new" {
		t.Fatalf("unexpected state %d %s", got.SuccessCount, got.URL)
	}
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

func newDelivery(sub *subscription.Subscription) *delivery.Delivery {
	return &delivery.Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Event:          "a.b",
		Payload:        []byte(`{"k":"v"}`),
		Status:         delivery.StatusPending,
		MaxAttempts:    4,
	}
}

func TestUpdateDeliveryCAS(t *testing.T) {
	s := New()
	sub := newSubscription("t1", "a.b")
	_ = s.CreateSubscription(ctx(), sub)
	d := newDelivery(sub)
	_ = s.CreateDelivery(ctx(), d)

	d.AttemptCount = 1
	d.Status = delivery.StatusSuccess
	applied, err := s.UpdateDelivery(ctx(), d, 0)
	if err != nil || !applied {
		t.Fatalf("expected first write to apply, got %v %v", applied, err)
	}

	// Same write replayed.
	applied, err = s.UpdateDelivery(ctx(), d, 0)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("replayed write must not apply")
	}

	if _, err := s.UpdateDelivery(ctx(), newDelivery(sub), 0); !errors.Is(err, herald.ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestClaimDue(t *testing.T) {
	s := New()
	sub := newSubscription("t1", "a.b")
	_ = s.CreateSubscription(ctx(), sub)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	due := newDelivery(sub)
	due.Status = delivery.StatusFailed
	due.AttemptCount = 1
	due.NextRetryAt = &past

	notYet := newDelivery(sub)
	notYet.Status = delivery.StatusFailed
	notYet.NextRetryAt = &later

	terminal := newDelivery(sub)
	terminal.Status = delivery.StatusFailed

	done := newDelivery(sub)
	done.Status = delivery.StatusSuccess

	for _, d := range []*delivery.Delivery{due, notYet, terminal, done} {
		_ = s.CreateDelivery(ctx(), d)
	}

	staleBefore := now.Add(-time.Hour)
	claimed, err := s.ClaimDue(ctx(), now, staleBefore, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID.String() != due.ID.String() {
		t.Fatalf("expected only the due record, got %d", len(claimed))
	}
	if claimed[0].Status != delivery.StatusPending || claimed[0].NextRetryAt != nil {
		t.Fatalf("claimed record not moved to pending: %+v", claimed[0])
	}

	again, _ := s.ClaimDue(ctx(), now, staleBefore, 10)
	if len(again) != 0 {
		t.Fatalf("a claimed record must not be handed out twice, got %d", len(again))
	}
}

func TestClaimDueReclaimsExpiredLease(t *testing.T) {
	s := New()
	sub := newSubscription("t1", "a.b")
	_ = s.CreateSubscription(ctx(), sub)

	now := time.Now().UTC()

	stuck := newDelivery(sub)
	stuck.AttemptCount = 1
	stuck.UpdatedAt = now.Add(-10 * time.Minute)

	inFlight := newDelivery(sub)

	for _, d := range []*delivery.Delivery{stuck, inFlight} {
		_ = s.CreateDelivery(ctx(), d)
	}

	staleBefore := now.Add(-5 * time.Minute)
	claimed, err := s.ClaimDue(ctx(), now, staleBefore, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID.String() != stuck.ID.String() {
		t.Fatalf("expected only the expired pending record, got %d", len(claimed))
	}
	if claimed[0].AttemptCount != 1 || claimed[0].Status != delivery.StatusPending {
		t.Fatalf("reclaimed record changed unexpectedly: %+v", claimed[0])
	}
	if !claimed[0].UpdatedAt.Equal(now) {
		t.Fatalf("lease not renewed: updated_at %s", claimed[0].UpdatedAt)
	}

	again, _ := s.ClaimDue(ctx(), now, staleBefore, 10)
	if len(again) != 0 {
		t.Fatalf("a renewed lease must not be reclaimed, got %d", len(again))
	}
}

func TestClaimDueConcurrent(t *testing.T) {
	s := New()
	sub := newSubscription("t1", "a.b")
	_ = s.CreateSubscription(ctx(), sub)

	past := time.Now().Add(-time.Minute)
	for range 50 {
		d := newDelivery(sub)
		d.Status = delivery.StatusFailed
		d.NextRetryAt = &past
		_ = s.CreateDelivery(ctx(), d)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, _ := s.ClaimDue(ctx(), time.Now(), time.Now().Add(-time.Hour), 7)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, d := range batch {
					seen[d.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct claims, got %d", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("record %s claimed %d times", k, n)
		}
	}
}

func TestListDeliveries(t *testing.T) {
	s := New()
	a := newSubscription("t1", "a.b")
	b := newSubscription("t2", "a.b")
	_ = s.CreateSubscription(ctx(), a)
	_ = s.CreateSubscription(ctx(), b)

	for i := range 3 {
		d := newDelivery(a)
		d.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if i == 0 {
			d.Status = delivery.StatusFailed
		}
		_ = s.CreateDelivery(ctx(), d)
	}
	_ = s.CreateDelivery(ctx(), newDelivery(b))

	tests := []struct {
		name string
		opts delivery.ListOpts
		want int
	}{
		{"all", delivery.ListOpts{}, 4},
		{"tenant", delivery.ListOpts{TenantID: "t1"}, 3},
		{"subscription", delivery.ListOpts{SubscriptionID: b.ID}, 1},
		{"status", delivery.ListOpts{TenantID: "t1", Status: delivery.StatusFailed}, 1},
		{"limit", delivery.ListOpts{TenantID: "t1", Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListDeliveries(ctx(), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, len(got))
			}
		})
	}

	list, _ := s.ListDeliveries(ctx(), delivery.ListOpts{TenantID: "t1"})
	if !list[0].CreatedAt.After(list[1].CreatedAt) {
		t.Fatal("expected newest first")
	}
}
