// Package database owns the PostgreSQL schema and all persistence for the
// bot: submitted orders and fills, open position state, FIFO tax lots and
// disposals, the operator event log and the single-row runtime config.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
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

	logger := logging.Component("database")
	logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Orders the engine has submitted, one row per clientOrderId.
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			client_order_id VARCHAR(64) NOT NULL UNIQUE,
			venue_order_id VARCHAR(64),
			venue VARCHAR(20) NOT NULL,
			pair VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'open',
			requested_qty DECIMAL(30, 10) NOT NULL,
			limit_price DECIMAL(20, 10),
			filled_qty DECIMAL(30, 10) NOT NULL DEFAULT 0,
			avg_fill_price DECIMAL(20, 10),
			fee_paid DECIMAL(20, 10) NOT NULL DEFAULT 0,
			fee_currency VARCHAR(10),
			ref_mid DECIMAL(20, 10),
			tick_id BIGINT NOT NULL DEFAULT 0,
			strategy VARCHAR(30),
			reason TEXT,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			submitted_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_submitted_at ON trades(submitted_at DESC)`,

		// Immutable fills; the venue fill id keeps replays idempotent.
		`CREATE TABLE IF NOT EXISTS fills (
			id BIGSERIAL PRIMARY KEY,
			venue VARCHAR(20) NOT NULL,
			venue_fill_id VARCHAR(64) NOT NULL,
			venue_order_id VARCHAR(64),
			client_order_id VARCHAR(64),
			pair VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(20, 10) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			fee DECIMAL(20, 10) NOT NULL DEFAULT 0,
			fee_currency VARCHAR(10),
			quote_currency VARCHAR(10),
			executed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (venue, venue_fill_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_pair ON fills(pair)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_executed_at ON fills(executed_at)`,

		// Open position state, including the exit state machine fields.
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			pair VARCHAR(20) NOT NULL,
			venue VARCHAR(20) NOT NULL,
			entry_price DECIMAL(20, 10) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			state VARCHAR(12) NOT NULL DEFAULT 'ACTIVE',
			stop_price DECIMAL(20, 10) NOT NULL,
			take_profit DECIMAL(20, 10) NOT NULL,
			high_water_mark DECIMAL(20, 10) NOT NULL,
			entry_order_id VARCHAR(64),
			strategy VARCHAR(30),
			scale_ins INT NOT NULL DEFAULT 0,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			close_reason VARCHAR(20),
			realized_pnl DECIMAL(20, 10)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open ON positions(pair, venue) WHERE closed_at IS NULL`,

		// FIFO tax lots, EUR cost basis. seq breaks acquired_at ties so the
		// consumption order is stable across rebuilds.
		`CREATE TABLE IF NOT EXISTS lots (
			id UUID PRIMARY KEY,
			seq BIGSERIAL,
			asset VARCHAR(10) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			remaining DECIMAL(30, 10) NOT NULL,
			unit_cost_eur DECIMAL(20, 10) NOT NULL,
			fee_eur DECIMAL(20, 10) NOT NULL DEFAULT 0,
			source VARCHAR(20) NOT NULL DEFAULT 'trade',
			fill_ref VARCHAR(80),
			acquired_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (fill_ref)
		)`,
		`ALTER TABLE lots ADD COLUMN IF NOT EXISTS seq BIGSERIAL`,
		`CREATE INDEX IF NOT EXISTS idx_lots_fifo_seq ON lots(asset, acquired_at, seq)`,

		// Disposals produced by FIFO matching. lot_id NULL flags an oversell.
		`CREATE TABLE IF NOT EXISTS disposals (
			id UUID PRIMARY KEY,
			asset VARCHAR(10) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			proceeds_eur DECIMAL(20, 10) NOT NULL,
			cost_eur DECIMAL(20, 10) NOT NULL,
			gain_eur DECIMAL(20, 10) NOT NULL,
			lot_id UUID REFERENCES lots(id) ON DELETE SET NULL,
			warning BOOLEAN NOT NULL DEFAULT FALSE,
			fill_ref VARCHAR(80),
			disposed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disposals_asset ON disposals(asset, disposed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_disposals_warning ON disposals(warning) WHERE warning`,
		`CREATE INDEX IF NOT EXISTS idx_disposals_fill_ref ON disposals(fill_ref)`,

		// Operator-visible event log with bounded retention.
		`CREATE TABLE IF NOT EXISTS bot_events (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			severity VARCHAR(10) NOT NULL DEFAULT 'info',
			pair VARCHAR(20),
			message TEXT NOT NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_events_type ON bot_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_events_created ON bot_events(created_at DESC)`,

		// Single-row runtime state that must survive restarts.
		`CREATE TABLE IF NOT EXISTS bot_config (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			trading_venue VARCHAR(20) NOT NULL DEFAULT 'kraken',
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			kill_switch_day DATE,
			last_report_date DATE,
			overrides JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Chats allowed to talk to the bot.
		`CREATE TABLE IF NOT EXISTS telegram_chats (
			chat_id BIGINT PRIMARY KEY,
			username VARCHAR(100),
			authorized BOOLEAN NOT NULL DEFAULT FALSE,
			is_operator BOOLEAN NOT NULL DEFAULT FALSE,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ
		)`,

		// Fiscal alert thresholds, single row like bot_config.
		`CREATE TABLE IF NOT EXISTS fisco_alert_config (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			threshold_eur DECIMAL(20, 2) NOT NULL DEFAULT 0,
			notify_chat_id BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// One row per FIFO sync run.
		`CREATE TABLE IF NOT EXISTS fisco_sync_history (
			id UUID PRIMARY KEY,
			venue VARCHAR(20) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			fills_fetched INT NOT NULL DEFAULT 0,
			lots_created INT NOT NULL DEFAULT 0,
			disposals_created INT NOT NULL DEFAULT 0,
			warnings INT NOT NULL DEFAULT 0,
			status VARCHAR(12) NOT NULL DEFAULT 'running',
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fisco_sync_started ON fisco_sync_history(started_at DESC)`,

		// Manual FX rate overrides for fiscal valuation.
		`CREATE TABLE IF NOT EXISTS fx_rates (
			rate_date DATE NOT NULL,
			pair VARCHAR(10) NOT NULL,
			rate DECIMAL(20, 10) NOT NULL,
			source VARCHAR(20) NOT NULL DEFAULT 'manual',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (rate_date, pair)
		)`,

		// updated_at trigger shared by mutable tables.
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_trades_updated_at ON trades`,
		`CREATE TRIGGER update_trades_updated_at BEFORE UPDATE ON trades
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_positions_updated_at ON positions`,
		`CREATE TRIGGER update_positions_updated_at BEFORE UPDATE ON positions
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
