package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);`,

		`CREATE TABLE IF NOT EXISTS subscription_keys (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			value TEXT NOT NULL UNIQUE,
			rate_limit_class TEXT NOT NULL,
			remaining_usage_count INTEGER,
			status TEXT NOT NULL,
			expires_at TEXT,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(subscription_id) REFERENCES subscriptions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_keys_subscription_id ON subscription_keys(subscription_id);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			key_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL,
			device_id TEXT NOT NULL,
			run_mode TEXT NOT NULL,
			status TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			shots INTEGER NOT NULL DEFAULT 0,
			input TEXT,
			tags TEXT,
			estimated_cost_ns INTEGER NOT NULL DEFAULT 0,
			actual_cost_ns INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_subscription_id ON jobs(subscription_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS job_results (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			error TEXT,
			result_data TEXT,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			shots INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
