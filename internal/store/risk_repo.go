package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"dex-trading-engine/internal/risk"
)

// RiskRepository persists risk profiles and archived daily risk state. It
// implements risk.ArchiveStore.
type RiskRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewRiskRepository creates a risk repository over the pool.
func NewRiskRepository(pool *pgxpool.Pool, logger zerolog.Logger) *RiskRepository {
	return &RiskRepository{
		pool:   pool,
		logger: logger.With().Str("component", "RiskRepository").Logger(),
	}
}

// ArchiveDailyRiskState upserts the closed trading day's final state.
func (r *RiskRepository) ArchiveDailyRiskState(ctx context.Context, state risk.DailyRiskState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_risk_state (
			account_id, day_key, day_start_equity, realized_pnl,
			circuit_breaker_armed, portfolio_heat_pct, trade_count, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (account_id, day_key) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			circuit_breaker_armed = EXCLUDED.circuit_breaker_armed,
			portfolio_heat_pct = EXCLUDED.portfolio_heat_pct,
			trade_count = EXCLUDED.trade_count,
			updated_at = EXCLUDED.updated_at`,
		state.AccountID, state.DayKey, state.DayStartEquity, state.RealizedPnL,
		state.CircuitBreakerArmed, state.PortfolioHeatPct, state.TradeCount,
		state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to archive daily risk state: %w", err)
	}
	return nil
}

// SaveProfile upserts an account's risk profile.
func (r *RiskRepository) SaveProfile(ctx context.Context, p risk.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO risk_profiles (
			account_id, max_daily_loss_pct, max_position_size_pct,
			risk_per_trade_pct, max_open_positions, max_leverage,
			max_portfolio_heat_pct, daily_trade_limit, timezone, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			max_daily_loss_pct = EXCLUDED.max_daily_loss_pct,
			max_position_size_pct = EXCLUDED.max_position_size_pct,
			risk_per_trade_pct = EXCLUDED.risk_per_trade_pct,
			max_open_positions = EXCLUDED.max_open_positions,
			max_leverage = EXCLUDED.max_leverage,
			max_portfolio_heat_pct = EXCLUDED.max_portfolio_heat_pct,
			daily_trade_limit = EXCLUDED.daily_trade_limit,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()`,
		p.AccountID, p.MaxDailyLossPct, p.MaxPositionSizePct, p.RiskPerTradePct,
		p.MaxOpenPositions, p.MaxLeverage, p.MaxPortfolioHeatPct,
		p.DailyTradeLimit, p.Timezone)
	if err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

// LoadProfile loads an account's stored risk profile. The second return is
// false when the account has none stored, with the defaults in its place.
func (r *RiskRepository) LoadProfile(ctx context.Context, accountID string) (risk.Profile, bool, error) {
	var p risk.Profile
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, max_daily_loss_pct, max_position_size_pct,
			risk_per_trade_pct, max_open_positions, max_leverage,
			max_portfolio_heat_pct, daily_trade_limit, timezone
		FROM risk_profiles WHERE account_id = $1`, accountID).Scan(
		&p.AccountID, &p.MaxDailyLossPct, &p.MaxPositionSizePct,
		&p.RiskPerTradePct, &p.MaxOpenPositions, &p.MaxLeverage,
		&p.MaxPortfolioHeatPct, &p.DailyTradeLimit, &p.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return risk.DefaultProfile(accountID), false, nil
	}
	if err != nil {
		return risk.Profile{}, false, fmt.Errorf("failed to load risk profile: %w", err)
	}
	return p, true, nil
}
