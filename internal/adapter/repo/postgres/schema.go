package postgres

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so every process
// can run them unconditionally.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		epoch_id      TEXT NOT NULL,
		client        TEXT NOT NULL,
		worker        TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL,
		status        TEXT NOT NULL,
		input_ref     TEXT NOT NULL,
		result_ref    TEXT NOT NULL DEFAULT '',
		poe_hash      TEXT NOT NULL DEFAULT '',
		fee           NUMERIC(20,8) NOT NULL,
		execution_ms  BIGINT NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		submitted_at  TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_epoch_status_idx ON jobs (epoch_id, status)`,
	`CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS address_bindings (
		identity TEXT PRIMARY KEY,
		address  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id        TEXT PRIMARY KEY,
		kind      TEXT NOT NULL,
		balance   NUMERIC(20,8) NOT NULL DEFAULT 0,
		reserved  NUMERIC(20,8) NOT NULL DEFAULT 0,
		pending   NUMERIC(20,8) NOT NULL DEFAULT 0,
		total_in  NUMERIC(20,8) NOT NULL DEFAULT 0,
		total_out NUMERIC(20,8) NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id            BIGSERIAL PRIMARY KEY,
		account       TEXT NOT NULL,
		kind          TEXT NOT NULL,
		amount        NUMERIC(20,8) NOT NULL,
		balance_after NUMERIC(20,8) NOT NULL,
		reference     TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account, id DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_ref_idx ON transactions (account, kind, reference)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		job_id     TEXT PRIMARY KEY,
		account    TEXT NOT NULL,
		amount     NUMERIC(20,8) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS deposits (
		id           TEXT PRIMARY KEY,
		account      TEXT NOT NULL,
		amount       NUMERIC(20,8) NOT NULL,
		external_ref TEXT NOT NULL UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
		id           TEXT PRIMARY KEY,
		account      TEXT NOT NULL,
		amount       NUMERIC(20,8) NOT NULL,
		destination  TEXT NOT NULL,
		status       TEXT NOT NULL,
		external_tx  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		finalized_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS epochs (
		id            TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		start_time    TIMESTAMPTZ NOT NULL,
		end_time      TIMESTAMPTZ,
		jobs_count    INT NOT NULL DEFAULT 0,
		total_revenue NUMERIC(20,8) NOT NULL DEFAULT 0,
		merkle_root   TEXT NOT NULL DEFAULT '',
		signature     TEXT NOT NULL DEFAULT '',
		bundle_ref    TEXT NOT NULL DEFAULT '',
		sealed_at     TIMESTAMPTZ
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.migrate: %w", err)
		}
	}
	return nil
}
