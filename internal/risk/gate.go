package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/signal"
)

// RejectReason identifies why the gate refused a signal. A rejection is an
// expected business outcome, not a fault.
type RejectReason string

const (
	ReasonCircuitBreaker  RejectReason = "CIRCUIT_BREAKER_ARMED"
	ReasonMaxPositions    RejectReason = "MAX_OPEN_POSITIONS"
	ReasonPortfolioHeat   RejectReason = "PORTFOLIO_HEAT"
	ReasonPositionSize    RejectReason = "POSITION_SIZE"
	ReasonLeverage        RejectReason = "LEVERAGE"
	ReasonDailyTradeLimit RejectReason = "DAILY_TRADE_LIMIT"
	ReasonInvalidSignal   RejectReason = "INVALID_SIGNAL"
)

// RejectionError is returned when a signal fails a risk check.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Reason, e.Detail)
}

// OrderSpec is the sized order the gate hands to the lifecycle manager on
// approval. ReservationID ties the approval to its portfolio-heat
// reservation until the open succeeds or fails.
type OrderSpec struct {
	AccountID     string           `json:"account_id"`
	Symbol        string           `json:"symbol"`
	Direction     signal.Direction `json:"direction"`
	EntryPrice    float64          `json:"entry_price"`
	StopLoss      float64          `json:"stop_loss"`
	TakeProfit    float64          `json:"take_profit"`
	Size          float64          `json:"size"`
	Leverage      int              `json:"leverage"`
	RiskPct       float64          `json:"risk_pct"`
	Confidence    float64          `json:"confidence"`
	ReservationID string           `json:"reservation_id"`
}

// PositionCounter reports how many positions an account currently has open.
// Implemented by the position lifecycle manager.
type PositionCounter interface {
	OpenPositionCount(accountID string) int
}

// Gate validates candidate signals against account risk limits and computes
// position size. It holds no mutable state of its own; shared per-account
// state lives in the Aggregator.
type Gate struct {
	agg       *Aggregator
	positions PositionCounter
	logger    zerolog.Logger
}

// NewGate creates a risk gate backed by the aggregator's account state.
func NewGate(agg *Aggregator, positions PositionCounter, logger zerolog.Logger) *Gate {
	return &Gate{
		agg:       agg,
		positions: positions,
		logger:    logger.With().Str("component", "RiskGate").Logger(),
	}
}

// ComputePositionSize sizes a trade from the risk budget and the stop
// distance, clamped to the max-position-value ceiling. Pure function of its
// arguments. Returns (size, risk amount in quote currency).
func ComputePositionSize(profile Profile, equity, entryPrice, stopLoss float64) (float64, float64) {
	if equity <= 0 || entryPrice <= 0 {
		return 0, 0
	}
	riskPerUnit := math.Abs(entryPrice - stopLoss)
	if riskPerUnit == 0 {
		return 0, 0
	}

	riskAmount := equity * profile.RiskPerTradePct / 100
	size := riskAmount / riskPerUnit

	maxNotional := equity * profile.MaxPositionSizePct / 100
	if size*entryPrice > maxNotional {
		size = maxNotional / entryPrice
		riskAmount = size * riskPerUnit
	}
	return size, riskAmount
}

// Approve validates a non-NONE signal against the account's risk limits in
// the fixed check order (first failing check wins): circuit breaker, open
// position count, projected portfolio heat, position size, leverage. On
// approval the portfolio-heat delta is reserved; the caller must commit the
// reservation on a successful open or release it on failure. Approval has no
// other side effect: opening the position is the lifecycle manager's job.
func (g *Gate) Approve(accountID string, sig signal.Signal, leverage int) (*OrderSpec, error) {
	if sig.Direction == signal.DirectionNone {
		return nil, &RejectionError{Reason: ReasonInvalidSignal, Detail: "signal has no direction"}
	}

	profile, ok := g.agg.Profile(accountID)
	if !ok {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}
	state, _ := g.agg.Snapshot(accountID)
	equity, _ := g.agg.Equity(accountID)

	// 1. Circuit breaker.
	if state.CircuitBreakerArmed {
		return nil, &RejectionError{
			Reason: ReasonCircuitBreaker,
			Detail: fmt.Sprintf("daily loss limit reached (day %s)", state.DayKey),
		}
	}

	// 2. Open position count.
	open := g.positions.OpenPositionCount(accountID)
	if open >= profile.MaxOpenPositions {
		return nil, &RejectionError{
			Reason: ReasonMaxPositions,
			Detail: fmt.Sprintf("open positions %d/%d", open, profile.MaxOpenPositions),
		}
	}

	// 3. Projected portfolio heat. The check-and-reserve is atomic inside
	// the aggregator so a burst of concurrent signals cannot all pass.
	reservationID, err := g.agg.TryReserveHeat(accountID, profile.RiskPerTradePct)
	if err != nil {
		return nil, err
	}

	reject := func(reason RejectReason, detail string) (*OrderSpec, error) {
		g.agg.ReleaseReservation(accountID, reservationID)
		return nil, &RejectionError{Reason: reason, Detail: detail}
	}

	// 4. Position size.
	size, riskAmount := ComputePositionSize(profile, equity, sig.EntryPrice, sig.StopLoss)
	if size <= 0 {
		return reject(ReasonPositionSize, "computed size is zero (no stop distance)")
	}
	maxNotional := equity * profile.MaxPositionSizePct / 100
	if size*sig.EntryPrice > maxNotional*(1+1e-9) {
		return reject(ReasonPositionSize,
			fmt.Sprintf("notional %.2f exceeds max %.2f", size*sig.EntryPrice, maxNotional))
	}

	// 5. Leverage.
	if leverage > profile.MaxLeverage {
		return reject(ReasonLeverage,
			fmt.Sprintf("leverage %dx exceeds max %dx", leverage, profile.MaxLeverage))
	}

	// Supplemental daily trade-count limit, after the five ordered checks.
	if profile.DailyTradeLimit > 0 && state.TradeCount >= profile.DailyTradeLimit {
		return reject(ReasonDailyTradeLimit,
			fmt.Sprintf("daily trade limit %d reached", profile.DailyTradeLimit))
	}

	g.logger.Info().
		Str("account_id", accountID).
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Float64("size", size).
		Float64("risk_amount", riskAmount).
		Float64("confidence", sig.Confidence).
		Msg("Signal approved")

	return &OrderSpec{
		AccountID:     accountID,
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		EntryPrice:    sig.EntryPrice,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		Size:          size,
		Leverage:      leverage,
		RiskPct:       profile.RiskPerTradePct,
		Confidence:    sig.Confidence,
		ReservationID: reservationID,
	}, nil
}
