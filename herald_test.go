package herald_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/herald"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
)

func tenantCtx(tenantID string) context.Context {
	return scope.WithTenant(context.Background(), tenantID)
}

func setup(t *testing.T, opts ...herald.Option) (*herald.Herald, *memory.Store) {
	t.Helper()
	s := memory.New()
	base := []herald.Option{
		herald.WithStore(s),
		herald.WithSSRFPolicy(ssrf.Policy{
			AllowedNetworks: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
		}),
	}
	h, err := herald.New(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return h, s
}

func createSubscription(t *testing.T, h *herald.Herald, tenantID, url string, events ...string) *subscription.Subscription {
	t.Helper()
	sub, err := h.Subscriptions().Create(context.Background(), subscription.Input{
		TenantID: tenantID,
		URL:      url,
		Events:   events,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func okServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := herald.New(); !errors.Is(err, herald.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestTriggerHappyPath(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)
	reg := prometheus.NewRegistry()
	h, s := setup(t, herald.WithMetrics(reg))

	sub := createSubscription(t, h, "t1", srv.URL, "invoice.created")
	createSubscription(t, h, "t1", srv.URL, "invoice.paid")
	createSubscription(t, h, "t2", srv.URL, "invoice.created")

	if err := h.Trigger(tenantCtx("t1"), "invoice.created", map[string]any{"amount": 100}); err != nil {
		t.Fatal(err)
	}

	if hits.Load() != 1 {
		t.Fatalf("expected exactly one request, got %d", hits.Load())
	}
	list, _ := s.ListDeliveries(context.Background(), delivery.ListOpts{})
	if len(list) != 1 {
		t.Fatalf("expected one record, got %d", len(list))
	}
	d := list[0]
	if d.AttemptCount != 1 || d.Status != delivery.StatusSuccess {
		t.Fatalf("unexpected record %+v", d)
	}
	if d.SubscriptionID.String() != sub.ID.String() || d.TenantID != "t1" {
		t.Fatalf("record attached to the wrong subscription: %+v", d)
	}
	var body map[string]any
	if err := json.Unmarshal(d.Payload, &body); err != nil || body["amount"] != float64(100) {
		t.Fatalf("payload not recorded verbatim: %s", d.Payload)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "herald_events_triggered_total" {
			found = mf.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Fatal("expected herald_events_triggered_total to be 1")
	}
}

func TestTriggerRequiresTenant(t *testing.T) {
	h, _ := setup(t)
	if err := h.Trigger(context.Background(), "a.b", map[string]any{}); !errors.Is(err, herald.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
}

func TestTriggerNoSubscriptions(t *testing.T) {
	h, s := setup(t)
	if err := h.Trigger(tenantCtx("t1"), "nobody.listens", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListDeliveries(context.Background(), delivery.ListOpts{})
	if len(list) != 0 {
		t.Fatalf("expected no records, got %d", len(list))
	}
}

func TestTriggerReceiverFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, s := setup(t)
	sub := createSubscription(t, h, "t1", srv.URL, "a.b")

	if err := h.Trigger(tenantCtx("t1"), "a.b", map[string]any{}); err != nil {
		t.Fatalf("receiver failures must not surface: %v", err)
	}
	got, _ := s.GetSubscription(context.Background(), sub.ID)
	if got.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", got.FailureCount)
	}
}

func TestTriggerSchemaValidation(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)
	h, _ := setup(t)
	createSubscription(t, h, "t1", srv.URL, "invoice.created")

	err := h.Catalog().Register(context.Background(), catalog.Definition{
		Name:   "invoice.created",
		Schema: json.RawMessage(`{"type":"object","required":["amount"]}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = h.Trigger(tenantCtx("t1"), "invoice.created", map[string]any{"other": 1})
	if !errors.Is(err, herald.ErrPayloadValidationFailed) {
		t.Fatalf("expected ErrPayloadValidationFailed, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("invalid payload must not be delivered")
	}

	if err := h.Trigger(tenantCtx("t1"), "invoice.created", json.RawMessage(`{"amount":5}`)); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected delivery of valid payload, got %d", hits.Load())
	}
}

func TestTriggerStrictEvents(t *testing.T) {
	h, _ := setup(t, herald.WithStrictEvents(true))

	err := h.Trigger(tenantCtx("t1"), "unregistered.event", map[string]any{})
	if !errors.Is(err, herald.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}

	_ = h.Catalog().Register(context.Background(), catalog.Definition{Name: "registered.event"})
	if err := h.Trigger(tenantCtx("t1"), "registered.event", map[string]any{}); err != nil {
		t.Fatal(err)
	}
}

func TestTriggerRejectsInvalidRawPayload(t *testing.T) {
	h, _ := setup(t)
	if err := h.Trigger(tenantCtx("t1"), "a.b", []byte(`{not json`)); !errors.Is(err, herald.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestEmitCompletesBeforeStop(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)
	h, s := setup(t)
	createSubscription(t, h, "t1", srv.URL, "a.b")

	c, cancel := context.WithCancel(tenantCtx("t1"))
	if err := h.Emit(c, "a.b", map[string]any{"n": 1}); err != nil {
		t.Fatal(err)
	}
	cancel() // delivery must survive the caller going away

	h.Start(context.Background())
	h.Stop(context.Background())

	if hits.Load() != 1 {
		t.Fatalf("expected the emitted event to be delivered, got %d", hits.Load())
	}
	list, _ := s.ListDeliveries(context.Background(), delivery.ListOpts{})
	if len(list) != 1 || list[0].Status != delivery.StatusSuccess {
		t.Fatalf("unexpected records %+v", list)
	}

	if err := h.Emit(tenantCtx("t1"), "a.b", map[string]any{}); !errors.Is(err, herald.ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestTestSend(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, s := setup(t)
	sub := createSubscription(t, h, "t1", srv.URL, "invoice.created")

	res, err := h.TestSend(tenantCtx("t1"), sub.ID, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result %+v", res)
	}
	var body map[string]any
	if err := json.Unmarshal(<-received, &body); err != nil || body["event"] != herald.TestEvent {
		t.Fatalf("unexpected default test payload %v (%v)", body, err)
	}

	list, _ := s.ListDeliveries(context.Background(), delivery.ListOpts{})
	if len(list) != 0 {
		t.Fatalf("test send must not persist, got %d records", len(list))
	}
	got, _ := s.GetSubscription(context.Background(), sub.ID)
	if got.SuccessCount != 0 {
		t.Fatal("test send must not touch counters")
	}

	if _, err := h.TestSend(tenantCtx("other"), sub.ID, "", nil); !errors.Is(err, herald.ErrSubscriptionNotFound) {
		t.Fatalf("expected cross-tenant test send to be refused, got %v", err)
	}
}

func TestDeliveryQueriesAreTenantScoped(t *testing.T) {
	var hits atomic.Int32
	srv := okServer(t, &hits)
	h, _ := setup(t)
	createSubscription(t, h, "t1", srv.URL, "a.b")
	createSubscription(t, h, "t2", srv.URL, "a.b")

	_ = h.Trigger(tenantCtx("t1"), "a.b", map[string]any{})
	_ = h.Trigger(tenantCtx("t2"), "a.b", map[string]any{})

	list, err := h.ListDeliveries(tenantCtx("t1"), delivery.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TenantID != "t1" {
		t.Fatalf("expected only t1's record, got %d", len(list))
	}

	if _, err := h.GetDelivery(tenantCtx("t2"), list[0].ID); !errors.Is(err, herald.ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound across tenants, got %v", err)
	}
	if _, err := h.GetDelivery(tenantCtx("t1"), id.NewDeliveryID()); !errors.Is(err, herald.ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestRunRetries(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			// Drop the connection without answering.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, s := setup(t, herald.WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	sub := createSubscription(t, h, "t1", srv.URL, "a.b")

	_ = h.Trigger(tenantCtx("t1"), "a.b", map[string]any{})
	list, _ := s.ListDeliveries(context.Background(), delivery.ListOpts{})
	if len(list) != 1 || list[0].NextRetryAt == nil {
		t.Fatalf("expected a scheduled retry, got %+v", list)
	}

	healthy.Store(true)
	n, err := h.RunRetries(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one retry, got %d (%v)", n, err)
	}

	got, _ := s.GetDelivery(context.Background(), list[0].ID)
	if got.Status != delivery.StatusSuccess || got.AttemptCount != 2 {
		t.Fatalf("unexpected record after retry %+v", got)
	}
	cur, _ := s.GetSubscription(context.Background(), sub.ID)
	if cur.SuccessCount != 1 || cur.FailureCount != 1 {
		t.Fatalf("expected counters 1/1, got %d/%d", cur.SuccessCount, cur.FailureCount)
	}
}
