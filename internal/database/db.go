// Package database persists trades, the execution ledger, bot runs and
// supporting rows in PostgreSQL, with a Redis sidecar for hot risk state.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"deriv-trading-core/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.WithComponent("database").Info("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	logging.WithComponent("database").Info("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			contract_id BIGINT NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			stake DECIMAL(20, 8) NOT NULL,
			buy_price DECIMAL(20, 8) NOT NULL,
			payout DECIMAL(20, 8),
			gross_profit DECIMAL(20, 8),
			fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			net_profit DECIMAL(20, 8),
			status VARCHAR(16) NOT NULL DEFAULT 'open',
			bot_run_id VARCHAR(64),
			correlation_id VARCHAR(128),
			opened_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account_id, contract_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_run ON trades(bot_run_id)`,

		`CREATE TABLE IF NOT EXISTS order_status (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			contract_id BIGINT,
			correlation_id VARCHAR(128),
			event VARCHAR(32) NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_status_account ON order_status(account_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			type VARCHAR(32) NOT NULL,
			title VARCHAR(200) NOT NULL,
			message TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_account ON notifications(account_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS execution_ledger (
			id SERIAL PRIMARY KEY,
			correlation_id VARCHAR(128) NOT NULL UNIQUE,
			account_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			contract_id BIGINT,
			gross_pnl DECIMAL(20, 8),
			fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			net_pnl DECIMAL(20, 8),
			state VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			trade_payload JSONB,
			failure_reason TEXT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_state ON execution_ledger(state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON execution_ledger(account_id)`,

		`CREATE TABLE IF NOT EXISTS settings (
			account_id VARCHAR(64) NOT NULL,
			key VARCHAR(64) NOT NULL,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, key)
		)`,

		`CREATE TABLE IF NOT EXISTS bot_runs (
			id VARCHAR(64) PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			bot_id VARCHAR(64) NOT NULL,
			run_status VARCHAR(16) NOT NULL DEFAULT 'running',
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ,
			config JSONB
		)`,
		// At most one running run per account
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_runs_one_running
			ON bot_runs(account_id) WHERE run_status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_bot_runs_account ON bot_runs(account_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS neural_weights (
			account_id VARCHAR(64) PRIMARY KEY,
			weights JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS risk_policies (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			bot_run_id VARCHAR(64) NOT NULL DEFAULT '',
			policy JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account_id, bot_run_id)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logging.WithComponent("database").Info("database migrations completed", "count", len(migrations))
	return nil
}
