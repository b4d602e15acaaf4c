// Package scope carries the tenant of the current call through a context.
//
// Herald is multi-tenant: subscriptions, deliveries and concurrency limits
// are partitioned by tenant. Callers attach the tenant once at the edge
// (an HTTP middleware, a job runner) and every Herald operation reads it
// from the context.
package scope

import "context"

type tenantKey struct{}

// WithTenant returns a copy of ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Tenant returns the tenant stored in ctx, or "".
func Tenant(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}

// Capture returns the tenant and whether one was set.
func Capture(ctx context.Context) (string, bool) {
	v := Tenant(ctx)
	return v, v != ""
}

// Restore attaches tenantID to ctx unless it is empty, so detached
// background work keeps the caller's tenant.
func Restore(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return WithTenant(ctx, tenantID)
}
