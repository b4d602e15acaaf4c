package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Herald store.
// It can be registered with the grove extension for orchestrated migration
// management (locking, version tracking, rollback support).
var Migrations = migrate.NewGroup("herald")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_herald_subscriptions",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS herald_subscriptions (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    url                 TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    secret              TEXT NOT NULL,
    events              TEXT[] NOT NULL DEFAULT '{}',
    filters             JSONB DEFAULT '{}',
    headers             JSONB DEFAULT '{}',
    active              BOOLEAN NOT NULL DEFAULT TRUE,
    max_attempts        INT NOT NULL DEFAULT 3,
    retry_delay_seconds INT NOT NULL DEFAULT 60,
    timeout_seconds     INT NOT NULL DEFAULT 10,
    backoff             TEXT NOT NULL DEFAULT 'fixed',
    rate_limit          INT NOT NULL DEFAULT 0,
    success_count       BIGINT NOT NULL DEFAULT 0,
    failure_count       BIGINT NOT NULL DEFAULT 0,
    last_triggered_at   TIMESTAMPTZ,
    metadata            JSONB DEFAULT '{}',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_herald_subscriptions_tenant ON herald_subscriptions (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_herald_subscriptions_events ON herald_subscriptions USING GIN (events) WHERE active;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS herald_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_herald_deliveries",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS herald_deliveries (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    subscription_id TEXT NOT NULL REFERENCES herald_subscriptions (id) ON DELETE CASCADE,
    event           TEXT NOT NULL,
    payload         TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    response_status INT,
    response_body   TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    attempt_count   INT NOT NULL DEFAULT 0,
    max_attempts    INT NOT NULL DEFAULT 1,
    next_retry_at   TIMESTAMPTZ,
    delivered_at    TIMESTAMPTZ,
    latency_ms      INT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_herald_deliveries_due ON herald_deliveries (next_retry_at) WHERE status = 'failed';
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_subscription ON herald_deliveries (subscription_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_tenant ON herald_deliveries (tenant_id, created_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS herald_deliveries`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "add_herald_deliveries_lease_index",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_lease ON herald_deliveries (updated_at) WHERE status = 'pending';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP INDEX IF EXISTS idx_herald_deliveries_lease`)
				return err
			},
		},
	)
}
