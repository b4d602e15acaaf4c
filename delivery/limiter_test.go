package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/herald/delivery"
)

func TestLimiterPerTenantIsolation(t *testing.T) {
	l := delivery.NewLimiter(2, 0)

	if !l.TryAcquire("a") || !l.TryAcquire("a") {
		t.Fatal("tenant a should get two slots")
	}
	if l.TryAcquire("a") {
		t.Fatal("tenant a should be at its limit")
	}
	if !l.TryAcquire("b") {
		t.Fatal("tenant b must not be starved by tenant a")
	}

	l.Release("a")
	if !l.TryAcquire("a") {
		t.Fatal("released slot should be reusable")
	}
}

func TestLimiterGlobalCap(t *testing.T) {
	l := delivery.NewLimiter(5, 2)

	if !l.TryAcquire("a") || !l.TryAcquire("b") {
		t.Fatal("expected two global slots")
	}
	if l.TryAcquire("c") {
		t.Fatal("global cap should refuse a third send")
	}
	// The refused attempt must not leak tenant c's slot.
	l.Release("a")
	for range 2 {
		if !l.TryAcquire("c") {
			t.Fatal("tenant c should get slots once global capacity frees")
		}
		l.Release("c")
	}
}

func TestLimiterAcquireHonoursContext(t *testing.T) {
	l := delivery.NewLimiter(1, 0)
	if err := l.Acquire(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	c, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(c, "a"); err == nil {
		t.Fatal("expected acquire to fail when the context expires")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := delivery.NewLimiter(0, 0)
	for range 100 {
		if !l.TryAcquire("a") {
			t.Fatal("zero limits should never refuse")
		}
	}
}
