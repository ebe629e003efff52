package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the herald store.
// It can be registered with a grove orchestrator alongside other groups
// for locking, version tracking and rollback.
var Migrations = migrate.NewGroup("herald")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_herald_webhooks",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS herald_webhooks (
    id                    TEXT PRIMARY KEY,
    workspace_id          TEXT NOT NULL,
    owner_id              TEXT NOT NULL DEFAULT '',
    name                  TEXT NOT NULL DEFAULT '',
    description           TEXT NOT NULL DEFAULT '',
    url                   TEXT NOT NULL,
    secret                TEXT NOT NULL,
    events                TEXT[] NOT NULL DEFAULT '{}',
    method                TEXT NOT NULL DEFAULT 'POST',
    content_type          TEXT NOT NULL DEFAULT 'application/json',
    signature_header      TEXT NOT NULL DEFAULT 'X-Webhook-Signature',
    signature_algorithm   TEXT NOT NULL DEFAULT 'sha256',
    timeout_ms            INT NOT NULL DEFAULT 30000,
    max_retries           INT NOT NULL DEFAULT 3,
    retry_delay_ms        INT NOT NULL DEFAULT 1000,
    rate_limit_per_minute INT NOT NULL DEFAULT 60,
    headers               JSONB NOT NULL DEFAULT '{}',
    filter_expression     TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'active',
    suspend_reason        TEXT NOT NULL DEFAULT '',
    suspended_at          TIMESTAMPTZ,
    paused                BOOLEAN NOT NULL DEFAULT FALSE,
    paused_at             TIMESTAMPTZ,
    success_rate          DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_delivery_at      TIMESTAMPTZ,
    metadata              JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_herald_webhooks_workspace ON herald_webhooks (workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_herald_webhooks_active ON herald_webhooks (workspace_id) WHERE status = 'active';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS herald_webhooks`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_herald_deliveries",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS herald_deliveries (
    id               TEXT PRIMARY KEY,
    webhook_id       TEXT NOT NULL,
    workspace_id     TEXT NOT NULL DEFAULT '',
    event_id         TEXT NOT NULL DEFAULT '',
    event_type       TEXT NOT NULL DEFAULT '',
    payload          JSONB,
    state            TEXT NOT NULL DEFAULT 'pending',
    due_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    attempt_count    INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 0,
    http_status_code INT NOT NULL DEFAULT 0,
    response_body    TEXT NOT NULL DEFAULT '',
    duration_ms      BIGINT NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    error_kind       TEXT NOT NULL DEFAULT '',
    scheduled_for    TIMESTAMPTZ,
    next_retry_at    TIMESTAMPTZ,
    delivered_at     TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    cancelled_at     TIMESTAMPTZ,
    retry_of         TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_herald_deliveries_due ON herald_deliveries (state, due_at) WHERE state IN ('pending', 'scheduled', 'retrying');
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_in_flight ON herald_deliveries (updated_at) WHERE state = 'in_flight';
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_webhook ON herald_deliveries (webhook_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_workspace ON herald_deliveries (workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_herald_deliveries_event ON herald_deliveries (event_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS herald_deliveries`)
				return err
			},
		},
	)
}
