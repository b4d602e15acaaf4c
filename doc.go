// Package herald delivers domain events to tenant-configured webhook
// subscriptions.
//
// Herald is a library. Import it into the application that produces events
// to get signed HTTP notifications with per-request timeouts, SSRF
// protection, recorded outcomes and bounded retries.
//
// Key features:
//   - Exact event-name subscriptions, partitioned by tenant
//   - HMAC-SHA256 signatures over timestamp and payload
//   - SSRF checks when a subscription is configured and again at dial time
//   - One persisted record per event and subscription, retried in place
//   - Per-tenant concurrency limits and per-subscription rate limits
//   - Stores for memory, Postgres, SQLite, MongoDB and Redis
//
// Quick start:
//
//	h, err := herald.New(
//	    herald.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h.Start(ctx)
//	defer h.Stop(ctx)
//
//	ctx = scope.WithTenant(ctx, "tenant_123")
//	sub, _ := h.Subscriptions().Create(ctx, subscription.Input{
//	    TenantID: "tenant_123",
//	    URL:      "https://example.com/webhooks",
//	    Events:   []string{"invoice.created"},
//	})
//
//	err = h.Trigger(ctx, "invoice.created", map[string]any{"invoice_id": "inv_1"})
package herald
