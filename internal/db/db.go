package db

import (
	"database/sql"
	"fmt"

	"walletpnl/internal/logger"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	// Try to read current version
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS pnl_results (
				wallet_address       TEXT NOT NULL,
				chain                TEXT NOT NULL,
				report_json          TEXT NOT NULL,
				total_pnl_usd        REAL NOT NULL DEFAULT 0,
				realized_pnl_usd     REAL NOT NULL DEFAULT 0,
				unrealized_pnl_usd   REAL NOT NULL DEFAULT 0,
				win_rate             REAL NOT NULL DEFAULT 0,
				total_trades         INTEGER NOT NULL DEFAULT 0,
				tokens_analyzed      INTEGER NOT NULL DEFAULT 0,
				source               TEXT NOT NULL DEFAULT '',
				analyzed_at          TEXT NOT NULL,
				PRIMARY KEY (wallet_address, chain)
			);
			CREATE INDEX IF NOT EXISTS idx_pnl_total ON pnl_results(total_pnl_usd);
			CREATE INDEX IF NOT EXISTS idx_pnl_win_rate ON pnl_results(win_rate);

			CREATE TABLE IF NOT EXISTS batch_jobs (
				id                 TEXT PRIMARY KEY,
				status             TEXT NOT NULL,
				chain              TEXT NOT NULL,
				created_at         TEXT NOT NULL,
				started_at         TEXT,
				completed_at       TEXT,
				filters_json       TEXT NOT NULL DEFAULT '{}',
				wallets_json       TEXT NOT NULL DEFAULT '[]',
				successful_json    TEXT NOT NULL DEFAULT '[]',
				failed_json        TEXT NOT NULL DEFAULT '[]',
				error_summary      TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_batch_status ON batch_jobs(status);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	return nil
}
