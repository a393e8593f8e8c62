package db

import (
	"context"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS monitor_runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		panels TEXT NOT NULL DEFAULT '',
		samples INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS usage_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		panel TEXT NOT NULL,
		account TEXT NOT NULL,
		remaining REAL NOT NULL,
		used REAL NOT NULL DEFAULT 0,
		usage_limit REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_samples_ts ON usage_samples(ts);
	CREATE INDEX IF NOT EXISTS idx_usage_samples_series ON usage_samples(panel, account, ts);
	`,
	`ALTER TABLE usage_samples ADD COLUMN next_reset INTEGER NOT NULL DEFAULT 0`,
}

// migrate brings the schema up to the latest version.
func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		// PRAGMA does not accept bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied migration count.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}
