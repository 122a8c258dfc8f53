package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
	"dex-trading-engine/internal/market"
	"dex-trading-engine/internal/risk"
	"dex-trading-engine/internal/signal"
)

// ExecutionRequest is an order handed to the execution venue.
type ExecutionRequest struct {
	AccountID  string
	Symbol     string
	Side       signal.Direction
	Quantity   float64
	Price      float64
	ReduceOnly bool
	Leverage   int
}

// Fill is the venue's fill report.
type Fill struct {
	Price    float64
	Quantity float64
	Time     time.Time
}

// OrderExecutor submits orders to a venue. In DEMO and PAPER modes the
// manager fills internally and the executor is never called.
type OrderExecutor interface {
	ExecuteOpen(ctx context.Context, req ExecutionRequest) (Fill, error)
	ExecuteClose(ctx context.Context, req ExecutionRequest) (Fill, error)
}

// HeatLedger ties opened positions back to their portfolio-heat
// reservations. Implemented by the risk aggregator.
type HeatLedger interface {
	CommitReservation(accountID, reservationID, positionID string)
	ReleaseReservation(accountID, reservationID string)
}

// Repository persists position state. A nil repository disables persistence.
type Repository interface {
	SavePosition(ctx context.Context, pos Position) error
}

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	Ladder             []LadderStep `json:"ladder"`
	LiquidationWarnPct float64      `json:"liquidation_warn_pct"` // warn when price is within this % of liquidation
}

// DefaultManagerConfig returns the quarter ladder with a 5% liquidation
// warning band.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Ladder:             DefaultLadder(),
		LiquidationWarnPct: 5.0,
	}
}

// tracked pairs a position with its tick-serialization state. All access to
// the position after open goes through mu, so ticks for one position are
// strictly serialized while distinct positions progress independently.
type tracked struct {
	mu         sync.Mutex
	pos        Position
	lastTickAt time.Time
	lastSeq    int64
	liqWarned  bool
}

// Manager owns the full position lifecycle: open on an approved order spec,
// advance the exit ladder on ticks, close on stop/target/liquidation.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*tracked

	cfg      ManagerConfig
	executor OrderExecutor
	heat     HeatLedger
	repo     Repository
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a position lifecycle manager. executor may be nil when
// only DEMO/PAPER positions will be opened; repo and bus may be nil.
func NewManager(cfg ManagerConfig, executor OrderExecutor, heat HeatLedger, repo Repository, bus *events.Bus, logger zerolog.Logger) (*Manager, error) {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	if err := ValidateLadder(cfg.Ladder); err != nil {
		return nil, fmt.Errorf("invalid exit ladder: %w", err)
	}
	if cfg.LiquidationWarnPct <= 0 {
		cfg.LiquidationWarnPct = 5.0
	}
	return &Manager{
		positions: make(map[string]*tracked),
		cfg:       cfg,
		executor:  executor,
		heat:      heat,
		repo:      repo,
		bus:       bus,
		logger:    logger.With().Str("component", "PositionManager").Logger(),
		now:       time.Now,
	}, nil
}

// SetClock overrides the manager clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open turns an approved order spec into a live position. In LIVE mode the
// open order goes through the executor first; any execution failure releases
// the heat reservation and leaves no position behind.
func (m *Manager) Open(ctx context.Context, spec risk.OrderSpec, mode Mode) (*Position, error) {
	ladder := make([]LadderStep, len(m.cfg.Ladder))
	copy(ladder, m.cfg.Ladder)

	pos := Position{
		ID:            uuid.NewString(),
		AccountID:     spec.AccountID,
		Symbol:        spec.Symbol,
		Side:          spec.Direction,
		EntryPrice:    spec.EntryPrice,
		InitialSize:   spec.Size,
		RemainingSize: spec.Size,
		Leverage:      spec.Leverage,
		StopLoss:      spec.StopLoss,
		TakeProfit:    spec.TakeProfit,
		OpenedAt:      m.now(),
		Status:        StatusPending,
		Mode:          mode,
		Ladder:        ladder,
	}

	if mode == ModeLive {
		if m.executor == nil {
			m.releaseReservation(spec)
			return nil, fmt.Errorf("live mode requires an order executor")
		}
		fill, err := m.executor.ExecuteOpen(ctx, ExecutionRequest{
			AccountID: spec.AccountID,
			Symbol:    spec.Symbol,
			Side:      spec.Direction,
			Quantity:  spec.Size,
			Price:     spec.EntryPrice,
			Leverage:  spec.Leverage,
		})
		if err != nil {
			m.releaseReservation(spec)
			return nil, fmt.Errorf("open order failed for %s: %w", spec.Symbol, err)
		}
		pos.EntryPrice = fill.Price
		pos.OpenedAt = fill.Time
	}
	if err := m.transition(&pos, StatusOpen); err != nil {
		m.releaseReservation(spec)
		return nil, err
	}

	t := &tracked{pos: pos}
	m.mu.Lock()
	m.positions[pos.ID] = t
	m.mu.Unlock()

	if m.heat != nil && spec.ReservationID != "" {
		m.heat.CommitReservation(spec.AccountID, spec.ReservationID, pos.ID)
	}

	m.persist(ctx, pos)
	m.publish(events.EventPositionOpened, &pos, map[string]interface{}{
		"entry_price": pos.EntryPrice,
		"size":        pos.InitialSize,
		"leverage":    pos.Leverage,
		"stop_loss":   pos.StopLoss,
		"take_profit": pos.TakeProfit,
		"mode":        string(mode),
	})

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("account_id", pos.AccountID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("entry_price", pos.EntryPrice).
		Float64("size", pos.InitialSize).
		Int("leverage", pos.Leverage).
		Str("mode", string(mode)).
		Msg("Position opened")

	return &pos, nil
}

func (m *Manager) releaseReservation(spec risk.OrderSpec) {
	if m.heat != nil && spec.ReservationID != "" {
		m.heat.ReleaseReservation(spec.AccountID, spec.ReservationID)
	}
}

// OnTick applies a price tick to every non-terminal position on the tick's
// symbol. Processing a tick against one position never blocks ticks for
// other positions.
func (m *Manager) OnTick(ctx context.Context, tick market.Tick) {
	m.mu.RLock()
	matched := make([]*tracked, 0, 4)
	for _, t := range m.positions {
		if t.pos.Symbol == tick.Symbol {
			matched = append(matched, t)
		}
	}
	m.mu.RUnlock()

	var dead []string
	for _, t := range matched {
		evict, err := m.applyTick(ctx, t, tick)
		if evict {
			dead = append(dead, t.pos.ID)
		}
		if err != nil {
			switch {
			case err == ErrStaleTick:
				m.logger.Debug().
					Str("position_id", t.pos.ID).
					Str("symbol", tick.Symbol).
					Time("tick_time", tick.Time).
					Msg("Dropped stale tick")
			case err == ErrPositionFrozen:
				// already reported when the position froze
			default:
				m.logger.Error().Err(err).
					Str("position_id", t.pos.ID).
					Msg("Tick processing failed")
			}
		}
	}
	m.evict(dead)
}

// evict drops terminal positions from the live book. Their final state is
// already persisted; the in-memory entry survives exactly until the next
// tick for its symbol so status queries right after the close still resolve.
func (m *Manager) evict(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.positions, id)
	}
	m.mu.Unlock()
	m.logger.Debug().Int("count", len(ids)).Msg("Evicted terminal positions")
}

// applyTick advances a single position's state machine. Checks run in a
// fixed order: liquidation, liquidation warning, stop loss, exit ladder,
// take profit. Liquidation always wins on a tick that crosses multiple
// thresholds at once. A position found already terminal is reported back
// for eviction.
func (m *Manager) applyTick(ctx context.Context, t *tracked, tick market.Tick) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := &t.pos
	if pos.Status.Terminal() {
		return true, nil
	}
	if pos.Frozen {
		return false, ErrPositionFrozen
	}

	// Out-of-order and duplicate ticks are dropped so a fired ladder step
	// can never be re-evaluated against older data.
	if tick.Time.Before(t.lastTickAt) ||
		(tick.Time.Equal(t.lastTickAt) && tick.Sequence <= t.lastSeq) {
		return false, ErrStaleTick
	}
	t.lastTickAt = tick.Time
	t.lastSeq = tick.Sequence

	price := tick.Price

	if pos.breachedLiquidation(price) {
		return false, m.liquidate(ctx, pos)
	}
	m.maybeWarnLiquidation(t, price)

	if pos.breachedStop(price) {
		return false, m.closeRemaining(ctx, pos, pos.StopLoss, ReasonStopLoss)
	}

	if err := m.advanceLadder(ctx, pos, price); err != nil {
		return false, err
	}
	if pos.Status.Terminal() {
		return false, nil
	}

	if pos.breachedTarget(price) {
		return false, m.closeRemaining(ctx, pos, pos.TakeProfit, ReasonTakeProfit)
	}
	return false, nil
}

// maybeWarnLiquidation emits a one-shot warning when the mark price comes
// within the configured band of the liquidation price.
func (m *Manager) maybeWarnLiquidation(t *tracked, price float64) {
	pos := &t.pos
	liq := pos.LiquidationPrice()
	if liq == 0 || t.liqWarned || price <= 0 {
		return
	}
	distPct := (price - liq) / price * 100
	if pos.Side == signal.DirectionShort {
		distPct = (liq - price) / price * 100
	}
	if distPct > m.cfg.LiquidationWarnPct {
		return
	}
	t.liqWarned = true

	m.logger.Warn().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("price", price).
		Float64("liquidation_price", liq).
		Float64("distance_pct", distPct).
		Msg("Price approaching liquidation")
	m.publish(events.EventLiquidationWarning, pos, map[string]interface{}{
		"price":             price,
		"liquidation_price": liq,
		"distance_pct":      distPct,
	})
}

// advanceLadder fires every not-yet-fired ladder step whose threshold the
// tick reached, in ascending order. A tick that jumps several thresholds
// fires them all; each slice fills at its own threshold price.
func (m *Manager) advanceLadder(ctx context.Context, pos *Position, price float64) error {
	r := pos.RMultiple(price)

	for i := range pos.Ladder {
		step := &pos.Ladder[i]
		if step.Fired || r+1e-9 < step.R {
			continue
		}
		if pos.RemainingSize <= 1e-12 {
			break
		}

		qty := pos.InitialSize * step.Fraction
		if qty > pos.RemainingSize {
			qty = pos.RemainingSize
		}
		fillPrice := pos.PriceAtR(step.R)

		if pos.Mode == ModeLive && m.executor != nil {
			fill, err := m.executor.ExecuteClose(ctx, ExecutionRequest{
				AccountID:  pos.AccountID,
				Symbol:     pos.Symbol,
				Side:       opposite(pos.Side),
				Quantity:   qty,
				Price:      fillPrice,
				ReduceOnly: true,
			})
			if err != nil {
				// Step stays unfired; the next tick retries.
				return fmt.Errorf("ladder close failed at %.1fR: %w", step.R, err)
			}
			fillPrice = fill.Price
		}

		sizeBefore := pos.RemainingSize
		step.Fired = true
		pos.RemainingSize -= qty
		slicePnL := pos.pnlAt(fillPrice, qty)
		pos.RealizedPnL += slicePnL
		pos.RealizedR = m.realizedR(pos)

		if pos.RemainingSize <= 1e-12 {
			pos.RemainingSize = 0
			if err := m.transition(pos, StatusClosed); err != nil {
				return m.freeze(ctx, pos, err)
			}
			now := m.now()
			pos.ClosedAt = &now
			pos.CloseReason = ReasonLadder
		} else if pos.Status == StatusOpen {
			if err := m.transition(pos, StatusPartiallyClosed); err != nil {
				return m.freeze(ctx, pos, err)
			}
		}
		if err := pos.checkInvariants(); err != nil {
			return m.freeze(ctx, pos, err)
		}

		m.persist(ctx, *pos)

		data := map[string]interface{}{
			"r_threshold":     step.R,
			"closed_quantity": qty,
			"closed_fraction": qty / sizeBefore,
			"fill_price":      fillPrice,
			"realized_pnl":    slicePnL,
			"remaining_size":  pos.RemainingSize,
		}
		if pos.Status == StatusClosed {
			m.publish(events.EventPositionClosed, pos, data)
		} else {
			m.publish(events.EventPositionPartial, pos, data)
		}

		m.logger.Info().
			Str("position_id", pos.ID).
			Str("symbol", pos.Symbol).
			Float64("r", step.R).
			Float64("closed_quantity", qty).
			Float64("fill_price", fillPrice).
			Float64("remaining_size", pos.RemainingSize).
			Msg("Exit ladder step fired")

		if pos.Status.Terminal() {
			break
		}
	}
	return nil
}

// closeRemaining closes the whole remaining size at the given price.
func (m *Manager) closeRemaining(ctx context.Context, pos *Position, fillPrice float64, reason CloseReason) error {
	qty := pos.RemainingSize
	if qty <= 0 {
		return nil
	}

	if pos.Mode == ModeLive && m.executor != nil {
		fill, err := m.executor.ExecuteClose(ctx, ExecutionRequest{
			AccountID:  pos.AccountID,
			Symbol:     pos.Symbol,
			Side:       opposite(pos.Side),
			Quantity:   qty,
			Price:      fillPrice,
			ReduceOnly: true,
		})
		if err != nil {
			return fmt.Errorf("close order failed (%s): %w", reason, err)
		}
		fillPrice = fill.Price
	}

	slicePnL := pos.pnlAt(fillPrice, qty)
	pos.RemainingSize = 0
	pos.RealizedPnL += slicePnL
	pos.RealizedR = m.realizedR(pos)

	if err := m.transition(pos, StatusClosed); err != nil {
		return m.freeze(ctx, pos, err)
	}
	now := m.now()
	pos.ClosedAt = &now
	pos.CloseReason = reason

	m.persist(ctx, *pos)
	m.publish(events.EventPositionClosed, pos, map[string]interface{}{
		"reason":          string(reason),
		"closed_quantity": qty,
		"closed_fraction": 1.0,
		"fill_price":      fillPrice,
		"realized_pnl":    slicePnL,
		"total_pnl":       pos.RealizedPnL,
		"realized_r":      pos.RealizedR,
	})

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("reason", string(reason)).
		Float64("fill_price", fillPrice).
		Float64("realized_pnl", pos.RealizedPnL).
		Float64("realized_r", pos.RealizedR).
		Msg("Position closed")
	return nil
}

// liquidate force-closes the whole position at the liquidation price.
// LIQUIDATED is absorbing: no ladder step or stop fires afterwards.
func (m *Manager) liquidate(ctx context.Context, pos *Position) error {
	liq := pos.LiquidationPrice()
	qty := pos.RemainingSize

	slicePnL := pos.pnlAt(liq, qty)
	pos.RemainingSize = 0
	pos.RealizedPnL += slicePnL
	pos.RealizedR = m.realizedR(pos)

	if err := m.transition(pos, StatusLiquidated); err != nil {
		return m.freeze(ctx, pos, err)
	}
	now := m.now()
	pos.ClosedAt = &now
	pos.CloseReason = ReasonLiquidation

	m.persist(ctx, *pos)
	m.publish(events.EventPositionLiquidated, pos, map[string]interface{}{
		"liquidation_price": liq,
		"closed_quantity":   qty,
		"closed_fraction":   1.0,
		"realized_pnl":      slicePnL,
		"total_pnl":         pos.RealizedPnL,
	})

	m.logger.Warn().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("liquidation_price", liq).
		Float64("realized_pnl", pos.RealizedPnL).
		Msg("Position liquidated")
	return nil
}

// ClosePosition closes a position at the given mark price outside the tick
// path (operator action or shutdown flatten).
func (m *Manager) ClosePosition(ctx context.Context, positionID string, markPrice float64) error {
	t, ok := m.get(positionID)
	if !ok {
		return ErrPositionNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos.Status.Terminal() {
		return nil
	}
	if t.pos.Frozen {
		return ErrPositionFrozen
	}
	return m.closeRemaining(ctx, &t.pos, markPrice, ReasonManual)
}

// freeze marks a position frozen after an invariant violation. The position
// stops reacting to ticks and waits for manual reconciliation; the process
// keeps running.
func (m *Manager) freeze(ctx context.Context, pos *Position, cause error) error {
	pos.Frozen = true
	m.persist(ctx, *pos)
	m.publish(events.EventPositionFrozen, pos, map[string]interface{}{
		"cause": cause.Error(),
	})
	m.logger.Error().Err(cause).
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Msg("Position frozen pending manual reconciliation")
	return cause
}

// transition applies a status change through the transition table.
func (m *Manager) transition(pos *Position, to Status) error {
	if !canTransition(pos.Status, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvariantViolation, pos.Status, to)
	}
	pos.Status = to
	return nil
}

// realizedR expresses realized P&L in R-multiples of the initial risk.
func (m *Manager) realizedR(pos *Position) float64 {
	risked := pos.OneR() * pos.InitialSize
	if risked == 0 {
		return 0
	}
	return pos.RealizedPnL / risked
}

func opposite(d signal.Direction) signal.Direction {
	if d == signal.DirectionLong {
		return signal.DirectionShort
	}
	return signal.DirectionLong
}

func (m *Manager) get(id string) (*tracked, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.positions[id]
	return t, ok
}

// Get returns a copy of a position's current state.
func (m *Manager) Get(positionID string) (Position, bool) {
	t, ok := m.get(positionID)
	if !ok {
		return Position{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return clonePosition(t.pos), true
}

// Status reports a position against the given mark price.
func (m *Manager) Status(positionID string, markPrice float64) (Snapshot, error) {
	t, ok := m.get(positionID)
	if !ok {
		return Snapshot{}, ErrPositionNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.pos
	remFrac := 0.0
	if pos.InitialSize > 0 {
		remFrac = pos.RemainingSize / pos.InitialSize
	}
	return Snapshot{
		Position:      clonePosition(pos),
		MarkPrice:     markPrice,
		UnrealizedPnL: pos.pnlAt(markPrice, pos.RemainingSize),
		CurrentR:      pos.RMultiple(markPrice),
		RemainingFrac: remFrac,
	}, nil
}

// List returns copies of all positions for an account (all accounts when
// accountID is empty).
func (m *Manager) List(accountID string) []Position {
	m.mu.RLock()
	tracked := make([]*tracked, 0, len(m.positions))
	for _, t := range m.positions {
		tracked = append(tracked, t)
	}
	m.mu.RUnlock()

	out := make([]Position, 0, len(tracked))
	for _, t := range tracked {
		t.mu.Lock()
		if accountID == "" || t.pos.AccountID == accountID {
			out = append(out, clonePosition(t.pos))
		}
		t.mu.Unlock()
	}
	return out
}

// OpenPositionCount implements risk.PositionCounter.
func (m *Manager) OpenPositionCount(accountID string) int {
	m.mu.RLock()
	tracked := make([]*tracked, 0, len(m.positions))
	for _, t := range m.positions {
		tracked = append(tracked, t)
	}
	m.mu.RUnlock()

	n := 0
	for _, t := range tracked {
		t.mu.Lock()
		if t.pos.AccountID == accountID && !t.pos.Status.Terminal() {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func clonePosition(pos Position) Position {
	ladder := make([]LadderStep, len(pos.Ladder))
	copy(ladder, pos.Ladder)
	pos.Ladder = ladder
	if pos.ClosedAt != nil {
		ts := *pos.ClosedAt
		pos.ClosedAt = &ts
	}
	return pos
}

func (m *Manager) persist(ctx context.Context, pos Position) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SavePosition(ctx, clonePosition(pos)); err != nil {
		m.logger.Error().Err(err).
			Str("position_id", pos.ID).
			Msg("Failed to persist position")
	}
}

func (m *Manager) publish(typ events.EventType, pos *Position, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:       typ,
		Timestamp:  m.now().UTC(),
		AccountID:  pos.AccountID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Data:       data,
	})
}
