package delivery_test

import (
	"context"
	"net/http"
	"net/netip"
	"testing"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/subscription"
)

const testSecret = "whsec_test_secret_1234567890abcdef"

func ctx() context.Context { return context.Background() }

// loopbackGuard admits 127.0.0.0/8 so httptest servers are reachable.
func loopbackGuard() *ssrf.Guard {
	return ssrf.New(ssrf.Policy{
		AllowedNetworks: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
	})
}

func newDispatcher(s *memory.Store, guard *ssrf.Guard, cfg delivery.DispatcherConfig) *delivery.Dispatcher {
	sender := delivery.NewSender(&http.Client{Transport: delivery.NewTransport(guard)}, "", 0)
	return delivery.NewDispatcher(s, guard, sender, cfg, nil)
}

func seedSubscription(t *testing.T, s *memory.Store, url string, mutate ...func(*subscription.Subscription)) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    "tenant-1",
		URL:         url,
		Secret:      testSecret,
		Events:      []string{"invoice.created"},
		Active:      true,
		RetryPolicy: subscription.DefaultRetryPolicy(),
	}
	for _, m := range mutate {
		m(sub)
	}
	if err := s.CreateSubscription(ctx(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func mustSubscription(t *testing.T, s *memory.Store, subID id.ID) *subscription.Subscription {
	t.Helper()
	sub, err := s.GetSubscription(ctx(), subID)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func mustDelivery(t *testing.T, s *memory.Store, delID id.ID) *delivery.Delivery {
	t.Helper()
	d, err := s.GetDelivery(ctx(), delID)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
