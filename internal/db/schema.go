package db

import (
	"context"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		processor_customer_ref TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		units_per_period INTEGER NOT NULL CHECK (units_per_period >= 1),
		units_consumed INTEGER NOT NULL DEFAULT 0 CHECK (units_consumed >= 0),
		current_period_start TIMESTAMPTZ,
		current_period_end TIMESTAMPTZ,
		processor_customer_ref TEXT,
		processor_subscription_ref TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_user_created_idx
		ON subscriptions (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		work_description TEXT NOT NULL DEFAULT '',
		consumed_at TIMESTAMPTZ NOT NULL,
		billing_period_key TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_user_period_idx
		ON ledger_entries (user_id, billing_period_key)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_period_idx
		ON ledger_entries (billing_period_key)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		revoked_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Safe to run on every deploy.
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
