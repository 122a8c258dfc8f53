// Package position owns open positions and drives the partial-exit state
// machine on each price tick.
package position

import (
	"errors"
	"fmt"
	"math"
	"time"

	"dex-trading-engine/internal/signal"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
	StatusClosed          Status = "CLOSED"
	StatusLiquidated      Status = "LIQUIDATED"
)

// validTransitions is the explicit transition table. LIQUIDATED and CLOSED
// are absorbing.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusOpen:   true,
		StatusClosed: true, // cancelled before fill
	},
	StatusOpen: {
		StatusPartiallyClosed: true,
		StatusClosed:          true,
		StatusLiquidated:      true,
	},
	StatusPartiallyClosed: {
		StatusPartiallyClosed: true,
		StatusClosed:          true,
		StatusLiquidated:      true,
	},
}

func canTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// Mode is the trading mode a position was opened in.
type Mode string

const (
	ModeDemo  Mode = "DEMO"
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// CloseReason explains why a position (or a slice of it) was closed.
type CloseReason string

const (
	ReasonStopLoss    CloseReason = "STOP_LOSS"
	ReasonTakeProfit  CloseReason = "TAKE_PROFIT"
	ReasonLadder      CloseReason = "LADDER"
	ReasonLiquidation CloseReason = "LIQUIDATION"
	ReasonManual      CloseReason = "MANUAL"
)

// Package errors.
var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrStaleTick          = errors.New("stale or duplicate tick dropped")
	ErrPositionFrozen     = errors.New("position frozen pending reconciliation")
	ErrInvariantViolation = errors.New("position invariant violation")
)

// LadderStep is one R-multiple exit threshold. Once fired it never re-fires.
type LadderStep struct {
	R        float64 `json:"r"`        // threshold in R-multiples
	Fraction float64 `json:"fraction"` // fraction of initial size to close
	Fired    bool    `json:"fired"`
}

// ValidateLadder checks that steps are strictly ascending in R and that the
// fractions sum to at most 1.0.
func ValidateLadder(steps []LadderStep) error {
	sum := 0.0
	prev := 0.0
	for i, s := range steps {
		if s.R <= prev {
			return fmt.Errorf("ladder step %d: R %.2f not ascending", i, s.R)
		}
		if s.Fraction <= 0 {
			return fmt.Errorf("ladder step %d: fraction must be positive", i)
		}
		prev = s.R
		sum += s.Fraction
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("ladder fractions sum to %.4f, must be <= 1.0", sum)
	}
	return nil
}

// DefaultLadder returns the standard four-step quarter ladder.
func DefaultLadder() []LadderStep {
	return []LadderStep{
		{R: 0.5, Fraction: 0.25},
		{R: 1.0, Fraction: 0.25},
		{R: 1.5, Fraction: 0.25},
		{R: 2.0, Fraction: 0.25},
	}
}

// Position is a single trade from entry fill to close. It is owned
// exclusively by the Manager while open and becomes immutable history once
// terminal.
type Position struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Symbol        string           `json:"symbol"`
	Side          signal.Direction `json:"side"`
	EntryPrice    float64          `json:"entry_price"`
	InitialSize   float64          `json:"initial_size"`
	RemainingSize float64          `json:"remaining_size"`
	Leverage      int              `json:"leverage"`
	StopLoss      float64          `json:"stop_loss"`
	TakeProfit    float64          `json:"take_profit"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	Status        Status           `json:"status"`
	Mode          Mode             `json:"mode"`
	Ladder        []LadderStep     `json:"ladder"`
	RealizedPnL   float64          `json:"realized_pnl"`
	RealizedR     float64          `json:"realized_r"`
	CloseReason   CloseReason      `json:"close_reason,omitempty"`
	Frozen        bool             `json:"frozen"` // invariant violation, awaiting manual reconciliation
}

// OneR returns the initial stop distance in price terms.
func (p *Position) OneR() float64 {
	return math.Abs(p.EntryPrice - p.StopLoss)
}

// RMultiple converts a price into the position's R-multiple.
func (p *Position) RMultiple(price float64) float64 {
	oneR := p.OneR()
	if oneR == 0 {
		return 0
	}
	if p.Side == signal.DirectionLong {
		return (price - p.EntryPrice) / oneR
	}
	return (p.EntryPrice - price) / oneR
}

// PriceAtR returns the price corresponding to an R-multiple in the
// position's favor.
func (p *Position) PriceAtR(r float64) float64 {
	if p.Side == signal.DirectionLong {
		return p.EntryPrice + r*p.OneR()
	}
	return p.EntryPrice - r*p.OneR()
}

// pnlAt returns the realized P&L for closing qty at price.
func (p *Position) pnlAt(price, qty float64) float64 {
	if p.Side == signal.DirectionLong {
		return (price - p.EntryPrice) * qty
	}
	return (p.EntryPrice - price) * qty
}

// LiquidationPrice returns the leverage-derived liquidation threshold, or 0
// when the position cannot be liquidated (leverage <= 1).
func (p *Position) LiquidationPrice() float64 {
	if p.Leverage <= 1 {
		return 0
	}
	lev := float64(p.Leverage)
	if p.Side == signal.DirectionLong {
		return p.EntryPrice * (1 - 1/lev)
	}
	return p.EntryPrice * (1 + 1/lev)
}

// breachedLiquidation reports whether price has crossed the liquidation
// threshold.
func (p *Position) breachedLiquidation(price float64) bool {
	liq := p.LiquidationPrice()
	if liq == 0 {
		return false
	}
	if p.Side == signal.DirectionLong {
		return price <= liq
	}
	return price >= liq
}

// breachedStop reports whether price has crossed the stop loss.
func (p *Position) breachedStop(price float64) bool {
	if p.Side == signal.DirectionLong {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// breachedTarget reports whether price has crossed the take profit.
func (p *Position) breachedTarget(price float64) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.Side == signal.DirectionLong {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}

// FiredFraction returns the summed fraction of all fired ladder steps.
func (p *Position) FiredFraction() float64 {
	sum := 0.0
	for _, s := range p.Ladder {
		if s.Fired {
			sum += s.Fraction
		}
	}
	return sum
}

// checkInvariants verifies the ladder/size invariants after a mutation.
func (p *Position) checkInvariants() error {
	if p.RemainingSize < -1e-9 {
		return fmt.Errorf("%w: negative remaining size %.8f", ErrInvariantViolation, p.RemainingSize)
	}
	if f := p.FiredFraction(); f > 1.0+1e-9 {
		return fmt.Errorf("%w: fired ladder fraction %.4f exceeds 1.0", ErrInvariantViolation, f)
	}
	return nil
}

// Snapshot is a point-in-time view of a position against the current mark
// price.
type Snapshot struct {
	Position      Position `json:"position"`
	MarkPrice     float64  `json:"mark_price"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
	CurrentR      float64  `json:"current_r"`
	RemainingFrac float64  `json:"remaining_fraction"`
}
