// Package risk implements the pre-trade risk gate and the per-account risk
// aggregator (daily P&L, portfolio heat, circuit breaker).
package risk

import (
	"fmt"
	"time"
)

// Profile holds the per-account risk limits. It is externally configured and
// read-only to the core.
type Profile struct {
	AccountID           string  `json:"account_id"`
	MaxDailyLossPct     float64 `json:"max_daily_loss_pct"`     // daily loss circuit-breaker threshold
	MaxPositionSizePct  float64 `json:"max_position_size_pct"`  // max notional as % of equity
	RiskPerTradePct     float64 `json:"risk_per_trade_pct"`     // % of equity risked per trade
	MaxOpenPositions    int     `json:"max_open_positions"`
	MaxLeverage         int     `json:"max_leverage"`
	MaxPortfolioHeatPct float64 `json:"max_portfolio_heat_pct"` // heat ceiling for new trades
	DailyTradeLimit     int     `json:"daily_trade_limit"`      // 0 = unlimited
	Timezone            string  `json:"timezone"`               // account-local day boundary; default UTC
}

// DefaultProfile returns conservative defaults for an account.
func DefaultProfile(accountID string) Profile {
	return Profile{
		AccountID:           accountID,
		MaxDailyLossPct:     5.0,
		MaxPositionSizePct:  10.0,
		RiskPerTradePct:     1.0,
		MaxOpenPositions:    5,
		MaxLeverage:         10,
		MaxPortfolioHeatPct: 15.0,
		DailyTradeLimit:     20,
		Timezone:            "UTC",
	}
}

// Validate checks the profile for nonsensical limits.
func (p Profile) Validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("risk profile missing account id")
	}
	if p.MaxDailyLossPct <= 0 || p.MaxPositionSizePct <= 0 || p.RiskPerTradePct <= 0 {
		return fmt.Errorf("risk profile percentages must be positive")
	}
	if p.MaxOpenPositions <= 0 || p.MaxLeverage <= 0 {
		return fmt.Errorf("risk profile limits must be positive")
	}
	if p.MaxPortfolioHeatPct <= 0 {
		return fmt.Errorf("portfolio heat ceiling must be positive")
	}
	return nil
}

// Location resolves the account's day-boundary timezone.
func (p Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DailyRiskState is the per-account, per-trading-day risk state. It is
// created lazily at the first trade of the day and mutated only by the
// Aggregator.
type DailyRiskState struct {
	AccountID           string    `json:"account_id"`
	DayKey              string    `json:"day_key"` // YYYY-MM-DD in the account's timezone
	DayStartEquity      float64   `json:"day_start_equity"`
	RealizedPnL         float64   `json:"realized_pnl"`
	CircuitBreakerArmed bool      `json:"circuit_breaker_armed"`
	PortfolioHeatPct    float64   `json:"portfolio_heat_pct"`
	TradeCount          int       `json:"trade_count"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RiskLevel grades the overall account risk posture.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Status is a point-in-time risk report for an account.
type Status struct {
	AccountID           string    `json:"account_id"`
	CircuitBreakerArmed bool      `json:"circuit_breaker_armed"`
	DailyPnL            float64   `json:"daily_pnl"`
	DailyLossPct        float64   `json:"daily_loss_pct"`
	PortfolioHeatPct    float64   `json:"portfolio_heat_pct"`
	HeatCeilingPct      float64   `json:"heat_ceiling_pct"`
	TradeCount          int       `json:"trade_count"`
	Level               RiskLevel `json:"level"`
}
