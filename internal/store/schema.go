package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the delivery engine's durable shape. Deliveries are never
// deleted; delivery_attempts is append-only and preserves the audit trail
// consumed by external reporting.
const Schema = `
CREATE SCHEMA IF NOT EXISTS hookline;

CREATE TABLE IF NOT EXISTS hookline.endpoints (
	id              uuid PRIMARY KEY,
	organization_id text NOT NULL,
	url             text NOT NULL,
	secret          text NOT NULL,
	timeout_seconds int  NOT NULL DEFAULT 15,
	disabled        boolean NOT NULL DEFAULT false,
	created_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hookline.deliveries (
	id                  uuid PRIMARY KEY,
	endpoint_id         uuid NOT NULL,
	event_type          text NOT NULL,
	organization_id     text,
	status              text NOT NULL,
	priority            text NOT NULL,
	payload             jsonb NOT NULL,
	request             jsonb,
	response            jsonb,
	last_error          jsonb,
	attempt_count       int NOT NULL DEFAULT 0,
	max_attempts        int NOT NULL,
	retry_delay_ms      bigint NOT NULL,
	exponential_backoff boolean NOT NULL,
	backoff_multiplier  double precision NOT NULL,
	next_attempt_at     timestamptz,
	last_attempt_at     timestamptz,
	metadata            jsonb NOT NULL DEFAULT '{}',
	scheduled_at        timestamptz NOT NULL,
	sent_at             timestamptz,
	completed_at        timestamptz,
	expires_at          timestamptz,
	created_at          timestamptz NOT NULL,
	updated_at          timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS deliveries_dispatch_idx
	ON hookline.deliveries (status, COALESCE(next_attempt_at, scheduled_at))
	WHERE status IN ('pending', 'retrying');

CREATE TABLE IF NOT EXISTS hookline.delivery_attempts (
	delivery_id      uuid NOT NULL,
	number           int  NOT NULL,
	at               timestamptz NOT NULL,
	success          boolean NOT NULL,
	http_status      int,
	response_time_ms bigint,
	attempt_error    jsonb,
	PRIMARY KEY (delivery_id, number)
);

CREATE TABLE IF NOT EXISTS hookline.dead_letters (
	id          bigserial PRIMARY KEY,
	delivery_id uuid NOT NULL,
	reason      text NOT NULL,
	created_at  timestamptz NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the hookline schema and tables if absent. Called at
// service startup; safe to run concurrently from multiple instances.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
