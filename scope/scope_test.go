package scope_test

import (
	"context"
	"testing"

	"github.com/xraph/herald/scope"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := scope.Capture(ctx); ok {
		t.Fatal("expected no tenant on a bare context")
	}

	ctx = scope.WithTenant(ctx, "acme")
	if got := scope.Tenant(ctx); got != "acme" {
		t.Fatalf("Tenant() = %q, want acme", got)
	}

	detached := scope.Restore(context.Background(), "acme")
	if got, ok := scope.Capture(detached); !ok || got != "acme" {
		t.Fatalf("Restore lost tenant: %q %v", got, ok)
	}
	if scope.Restore(ctx, "") != ctx {
		t.Fatal("Restore with empty tenant should return ctx unchanged")
	}
}
