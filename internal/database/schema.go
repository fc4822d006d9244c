package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS deals (
		id                TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		creator_id        TEXT NOT NULL,
		participant_id    TEXT NOT NULL DEFAULT '',
		deal_date         TIMESTAMPTZ NOT NULL,
		invite_token_hash TEXT,
		version           INTEGER NOT NULL DEFAULT 1,
		document          JSONB NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS deals_invite_token_hash_key
		ON deals (invite_token_hash) WHERE invite_token_hash IS NOT NULL AND invite_token_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS deals_creator_id_idx ON deals (creator_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS deals_participant_id_idx ON deals (participant_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS deals_status_deal_date_idx ON deals (status, deal_date)`,
	`CREATE TABLE IF NOT EXISTS deal_audit_log (
		id         BIGSERIAL PRIMARY KEY,
		deal_id    TEXT NOT NULL REFERENCES deals (id),
		actor_id   TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details    JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deal_audit_log_deal_id_idx ON deal_audit_log (deal_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS deal_ledger_entries (
		id         TEXT PRIMARY KEY,
		deal_id    TEXT NOT NULL REFERENCES deals (id),
		payment_id TEXT NOT NULL DEFAULT '',
		party      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		amount     BIGINT NOT NULL CHECK (amount >= 0),
		status     TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deal_ledger_entries_deal_id_idx ON deal_ledger_entries (deal_id, created_at)`,
}

// EnsureSchema creates the deal tables and indexes if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema migration: %w", err)
	}

	log.Printf("[DATABASE] Schema ready (%d statements)", len(schema))
	return nil
}
