package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create checkpoints and latest block tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkpoints (
					network TEXT PRIMARY KEY,
					block_number INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS latest_blocks (
					network TEXT PRIMARY KEY,
					number INTEGER NOT NULL,
					hash TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					tx_count INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);
			`,
		},
		{
			Version:     "002",
			Description: "Create seen transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS seen_transactions (
					network TEXT NOT NULL,
					hash TEXT NOT NULL,
					expires_at INTEGER NOT NULL,
					PRIMARY KEY (network, hash)
				);

				CREATE INDEX IF NOT EXISTS idx_seen_expires_at ON seen_transactions(expires_at);
			`,
		},
		{
			Version:     "003",
			Description: "Create address profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS address_profiles (
					network TEXT NOT NULL,
					address TEXT NOT NULL,
					first_seen INTEGER,
					last_seen INTEGER,
					sent_count INTEGER NOT NULL DEFAULT 0,
					received_count INTEGER NOT NULL DEFAULT 0,
					sent_volume TEXT NOT NULL DEFAULT '0',
					received_volume TEXT NOT NULL DEFAULT '0',
					max_transaction TEXT NOT NULL DEFAULT '0',
					suspicious_activity INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (network, address)
				);
			`,
		},
		{
			Version:     "004",
			Description: "Create high risk transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS high_risk_transactions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					network TEXT NOT NULL,
					hash TEXT NOT NULL,
					from_address TEXT NOT NULL,
					to_address TEXT NOT NULL,
					value TEXT NOT NULL,
					risk_score REAL NOT NULL,
					risk_type TEXT NOT NULL,
					risk_level TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					UNIQUE (network, hash)
				);

				CREATE INDEX IF NOT EXISTS idx_high_risk_network_ts ON high_risk_transactions(network, timestamp);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create checkpoints and latest block tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS checkpoints (
					network VARCHAR(64) PRIMARY KEY,
					block_number BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS latest_blocks (
					network VARCHAR(64) PRIMARY KEY,
					number BIGINT NOT NULL,
					hash VARCHAR(66) NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					tx_count INTEGER NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);
			`,
		},
		{
			Version:     "002",
			Description: "Create seen transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS seen_transactions (
					network VARCHAR(64) NOT NULL,
					hash VARCHAR(66) NOT NULL,
					expires_at BIGINT NOT NULL,
					PRIMARY KEY (network, hash)
				);

				CREATE INDEX IF NOT EXISTS idx_seen_expires_at ON seen_transactions(expires_at);
			`,
		},
		{
			Version:     "003",
			Description: "Create address profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS address_profiles (
					network VARCHAR(64) NOT NULL,
					address VARCHAR(42) NOT NULL,
					first_seen TIMESTAMPTZ,
					last_seen TIMESTAMPTZ,
					sent_count BIGINT NOT NULL DEFAULT 0,
					received_count BIGINT NOT NULL DEFAULT 0,
					sent_volume NUMERIC(78, 0) NOT NULL DEFAULT 0,
					received_volume NUMERIC(78, 0) NOT NULL DEFAULT 0,
					max_transaction NUMERIC(78, 0) NOT NULL DEFAULT 0,
					suspicious_activity BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (network, address)
				);
			`,
		},
		{
			Version:     "004",
			Description: "Create high risk transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS high_risk_transactions (
					id BIGSERIAL PRIMARY KEY,
					network VARCHAR(64) NOT NULL,
					hash VARCHAR(66) NOT NULL,
					from_address VARCHAR(42) NOT NULL,
					to_address VARCHAR(42) NOT NULL,
					value NUMERIC(78, 0) NOT NULL,
					risk_score DOUBLE PRECISION NOT NULL,
					risk_type VARCHAR(32) NOT NULL,
					risk_level VARCHAR(16) NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					UNIQUE (network, hash)
				);

				CREATE INDEX IF NOT EXISTS idx_high_risk_network_ts ON high_risk_transactions(network, timestamp DESC);
			`,
		},
	}
}

// applyMigrations runs every migration not yet recorded in schema_migrations.
// bind renders the n-th placeholder of the dialect.
func applyMigrations(ctx context.Context, db *sql.DB, migrations []*Migration, bind func(n int) string, logger *logrus.Entry) error {
	if db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(16) PRIMARY KEY,
			description TEXT NOT NULL
		)`); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to create migrations table", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to read applied migrations", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to read applied migrations", err)
		}
		applied[v] = true
	}
	rows.Close()

	record := fmt.Sprintf("INSERT INTO schema_migrations (version, description) VALUES (%s, %s)", bind(1), bind(2))
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		logger.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin migration", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return utils.WrapError(utils.ErrCodeDatabase, fmt.Sprintf("Migration %s failed", m.Version), err)
		}
		if _, err := tx.ExecContext(ctx, record, m.Version, m.Description); err != nil {
			tx.Rollback()
			return utils.WrapError(utils.ErrCodeDatabase, fmt.Sprintf("Migration %s not recorded", m.Version), err)
		}
		if err := tx.Commit(); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit migration", err)
		}
	}
	return nil
}
