// Package store persists positions, lifecycle events, risk profiles and
// archived daily risk state in PostgreSQL, with a Redis snapshot cache for
// hot reads.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NewPool connects a pgx pool and verifies the connection.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id UUID PRIMARY KEY,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		initial_size DOUBLE PRECISION NOT NULL,
		remaining_size DOUBLE PRECISION NOT NULL,
		leverage INT NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL,
		take_profit DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		mode TEXT NOT NULL,
		ladder JSONB NOT NULL DEFAULT '[]',
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_r DOUBLE PRECISION NOT NULL DEFAULT 0,
		close_reason TEXT,
		frozen BOOLEAN NOT NULL DEFAULT FALSE,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id, status)`,

	`CREATE TABLE IF NOT EXISTS position_events (
		position_id UUID NOT NULL,
		event_id UUID NOT NULL,
		event_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (position_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_position_events_account ON position_events(account_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS daily_risk_state (
		account_id TEXT NOT NULL,
		day_key TEXT NOT NULL,
		day_start_equity DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		circuit_breaker_armed BOOLEAN NOT NULL,
		portfolio_heat_pct DOUBLE PRECISION NOT NULL,
		trade_count INT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (account_id, day_key)
	)`,

	`CREATE TABLE IF NOT EXISTS risk_profiles (
		account_id TEXT PRIMARY KEY,
		max_daily_loss_pct DOUBLE PRECISION NOT NULL,
		max_position_size_pct DOUBLE PRECISION NOT NULL,
		risk_per_trade_pct DOUBLE PRECISION NOT NULL,
		max_open_positions INT NOT NULL,
		max_leverage INT NOT NULL,
		max_portfolio_heat_pct DOUBLE PRECISION NOT NULL,
		daily_trade_limit INT NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	logger.Info().Int("statements", len(migrations)).Msg("Database schema up to date")
	return nil
}
