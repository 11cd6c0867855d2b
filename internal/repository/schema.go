package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS treasury`,
	`CREATE TABLE IF NOT EXISTS treasury.ledger_entries (
		request_id           TEXT PRIMARY KEY,
		vendor               TEXT NOT NULL,
		destination          TEXT NOT NULL DEFAULT '',
		amount               BIGINT NOT NULL,
		currency             TEXT NOT NULL,
		status               TEXT NOT NULL,
		rationale            TEXT NOT NULL DEFAULT '',
		balance_snapshot     BIGINT NOT NULL DEFAULT 0,
		settlement_ref       TEXT,
		compensation_applied BOOLEAN NOT NULL DEFAULT FALSE,
		reconcile_attempts   INT NOT NULL DEFAULT 0,
		escalated            BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms        BIGINT NOT NULL,
		finalized_at_ms      BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_status_created
		ON treasury.ledger_entries (status, created_at_ms)`,
	`CREATE TABLE IF NOT EXISTS treasury.account (
		id            INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		balance       BIGINT NOT NULL,
		monthly_burn  BIGINT NOT NULL,
		version       BIGINT NOT NULL DEFAULT 1,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS treasury.approvals (
		request_id     TEXT PRIMARY KEY,
		vendor         TEXT NOT NULL,
		amount         BIGINT NOT NULL,
		currency       TEXT NOT NULL,
		rationale      TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		created_at_ms  BIGINT NOT NULL,
		resolved_at_ms BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status_created
		ON treasury.approvals (status, created_at_ms)`,
}

// EnsureSchema 启动时建表（幂等）
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
