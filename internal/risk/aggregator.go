package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
)

// ArchiveStore persists rolled-over daily risk state. Optional; a nil store
// disables archiving.
type ArchiveStore interface {
	ArchiveDailyRiskState(ctx context.Context, state DailyRiskState) error
}

// accountState is the single-writer aggregate for one account. All mutation
// goes through its mutex, so two concurrent signal evaluations can never both
// pass the heat check when only one should.
type accountState struct {
	mu           sync.Mutex
	profile      Profile
	loc          *time.Location
	equity       float64
	day          DailyRiskState
	reservations map[string]float64 // reservation id -> heat pct, not yet tied to a position
	positionHeat map[string]float64 // position id -> committed heat pct
	breakerFired bool               // edge trigger for the armed event
}

// Aggregator maintains per-account daily risk state from position lifecycle
// events and arms the circuit breaker consumed by the Gate.
type Aggregator struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
	store    ArchiveStore
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAggregator creates a risk aggregator. bus may be nil (no event
// publication); store may be nil (no archiving).
func NewAggregator(store ArchiveStore, bus *events.Bus, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		accounts: make(map[string]*accountState),
		store:    store,
		bus:      bus,
		logger:   logger.With().Str("component", "RiskAggregator").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the aggregator clock, for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// RegisterAccount registers an account's risk profile and starting equity.
func (a *Aggregator) RegisterAccount(profile Profile, equity float64) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.accounts[profile.AccountID]; exists {
		return fmt.Errorf("account %s already registered", profile.AccountID)
	}
	a.accounts[profile.AccountID] = &accountState{
		profile:      profile,
		loc:          profile.Location(),
		equity:       equity,
		reservations: make(map[string]float64),
		positionHeat: make(map[string]float64),
	}
	return nil
}

// Attach subscribes the aggregator to position lifecycle events on the bus.
func (a *Aggregator) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventPositionPartial, a.HandleEvent)
	bus.Subscribe(events.EventPositionClosed, a.HandleEvent)
	bus.Subscribe(events.EventPositionLiquidated, a.HandleEvent)
}

func (a *Aggregator) account(id string) (*accountState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.accounts[id]
	return st, ok
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// rollIfNeeded lazily starts a fresh trading day when the day key changes.
// Called with st.mu held on every mutation, so rollover can never race an
// in-flight update. The prior day's state is archived asynchronously.
func (a *Aggregator) rollIfNeeded(st *accountState) {
	key := dayKey(a.now(), st.loc)
	if st.day.DayKey == key {
		return
	}

	if st.day.DayKey != "" {
		archived := st.day
		if a.store != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.store.ArchiveDailyRiskState(ctx, archived); err != nil {
					a.logger.Error().Err(err).
						Str("account_id", archived.AccountID).
						Str("day_key", archived.DayKey).
						Msg("Failed to archive daily risk state")
				}
			}()
		}
	}

	st.day = DailyRiskState{
		AccountID:        st.profile.AccountID,
		DayKey:           key,
		DayStartEquity:   st.equity,
		PortfolioHeatPct: st.day.PortfolioHeatPct, // open positions carry over
		UpdatedAt:        a.now(),
	}
	st.breakerFired = false
}

func (st *accountState) totalHeat() float64 {
	heat := 0.0
	for _, h := range st.positionHeat {
		heat += h
	}
	for _, h := range st.reservations {
		heat += h
	}
	return heat
}

// checkBreaker re-evaluates circuit-breaker arming. Once armed it stays
// armed until the next day boundary.
func (a *Aggregator) checkBreaker(st *accountState) {
	if st.day.CircuitBreakerArmed {
		return
	}
	limit := st.profile.MaxDailyLossPct / 100 * st.day.DayStartEquity
	if st.day.RealizedPnL <= -limit {
		st.day.CircuitBreakerArmed = true
		if !st.breakerFired {
			st.breakerFired = true
			a.logger.Warn().
				Str("account_id", st.profile.AccountID).
				Float64("realized_pnl", st.day.RealizedPnL).
				Float64("daily_loss_limit", limit).
				Msg("Circuit breaker armed: daily loss limit breached")
			if a.bus != nil {
				a.bus.Publish(events.Event{
					Type:      events.EventCircuitBreaker,
					AccountID: st.profile.AccountID,
					Data: map[string]interface{}{
						"realized_pnl":     st.day.RealizedPnL,
						"daily_loss_limit": limit,
						"day_key":          st.day.DayKey,
					},
				})
			}
		}
	}
}

// HandleEvent folds a position lifecycle event into the owning account's
// daily state. Unknown accounts and events without P&L are ignored.
func (a *Aggregator) HandleEvent(e events.Event) {
	st, ok := a.account(e.AccountID)
	if !ok {
		return
	}

	pnl, _ := e.Data["realized_pnl"].(float64)

	st.mu.Lock()
	defer st.mu.Unlock()
	a.rollIfNeeded(st)

	st.day.RealizedPnL += pnl
	st.equity += pnl

	switch e.Type {
	case events.EventPositionPartial:
		if frac, ok := e.Data["closed_fraction"].(float64); ok && frac > 0 {
			if h, ok := st.positionHeat[e.PositionID]; ok {
				st.positionHeat[e.PositionID] = h * (1 - frac)
			}
		}
	case events.EventPositionClosed, events.EventPositionLiquidated:
		delete(st.positionHeat, e.PositionID)
	}

	st.day.PortfolioHeatPct = st.totalHeat()
	st.day.UpdatedAt = a.now()
	a.checkBreaker(st)
}

// TryReserveHeat atomically checks the projected portfolio heat and reserves
// the delta. Returns the reservation id on success.
func (a *Aggregator) TryReserveHeat(accountID string, heatPct float64) (string, error) {
	st, ok := a.account(accountID)
	if !ok {
		return "", fmt.Errorf("unknown account %s", accountID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	a.rollIfNeeded(st)

	projected := st.totalHeat() + heatPct
	if projected > st.profile.MaxPortfolioHeatPct {
		return "", &RejectionError{
			Reason: ReasonPortfolioHeat,
			Detail: fmt.Sprintf("projected heat %.2f%% exceeds ceiling %.2f%%", projected, st.profile.MaxPortfolioHeatPct),
		}
	}

	id := uuid.NewString()
	st.reservations[id] = heatPct
	st.day.PortfolioHeatPct = st.totalHeat()
	return id, nil
}

// ReleaseReservation releases a heat reservation after a failed open.
func (a *Aggregator) ReleaseReservation(accountID, reservationID string) {
	st, ok := a.account(accountID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.reservations, reservationID)
	st.day.PortfolioHeatPct = st.totalHeat()
}

// CommitReservation converts a reservation into committed heat for an opened
// position and counts the trade against the daily limit.
func (a *Aggregator) CommitReservation(accountID, reservationID, positionID string) {
	st, ok := a.account(accountID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a.rollIfNeeded(st)

	heat, found := st.reservations[reservationID]
	if !found {
		return
	}
	delete(st.reservations, reservationID)
	st.positionHeat[positionID] = heat
	st.day.TradeCount++
	st.day.PortfolioHeatPct = st.totalHeat()
	st.day.UpdatedAt = a.now()
}

// Snapshot returns a copy of the account's current daily risk state,
// creating the day lazily if this is the first touch of the day.
func (a *Aggregator) Snapshot(accountID string) (DailyRiskState, bool) {
	st, ok := a.account(accountID)
	if !ok {
		return DailyRiskState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a.rollIfNeeded(st)
	return st.day, true
}

// Equity returns the account's current equity.
func (a *Aggregator) Equity(accountID string) (float64, bool) {
	st, ok := a.account(accountID)
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.equity, true
}

// SetEquity overrides the tracked equity (e.g. after an external deposit).
func (a *Aggregator) SetEquity(accountID string, equity float64) {
	st, ok := a.account(accountID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.equity = equity
}

// Profile returns the registered risk profile for an account.
func (a *Aggregator) Profile(accountID string) (Profile, bool) {
	st, ok := a.account(accountID)
	if !ok {
		return Profile{}, false
	}
	return st.profile, true
}

// RiskStatus reports the account's current risk posture.
func (a *Aggregator) RiskStatus(accountID string) (Status, bool) {
	st, ok := a.account(accountID)
	if !ok {
		return Status{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	a.rollIfNeeded(st)

	lossPct := 0.0
	if st.day.DayStartEquity > 0 && st.day.RealizedPnL < 0 {
		lossPct = -st.day.RealizedPnL / st.day.DayStartEquity * 100
	}

	level := RiskLevelLow
	switch {
	case st.day.CircuitBreakerArmed:
		level = RiskLevelCritical
	case st.day.PortfolioHeatPct >= st.profile.MaxPortfolioHeatPct*0.8:
		level = RiskLevelHigh
	case st.day.PortfolioHeatPct >= st.profile.MaxPortfolioHeatPct*0.5:
		level = RiskLevelMedium
	}

	return Status{
		AccountID:           accountID,
		CircuitBreakerArmed: st.day.CircuitBreakerArmed,
		DailyPnL:            st.day.RealizedPnL,
		DailyLossPct:        lossPct,
		PortfolioHeatPct:    st.day.PortfolioHeatPct,
		HeatCeilingPct:      st.profile.MaxPortfolioHeatPct,
		TradeCount:          st.day.TradeCount,
		Level:               level,
	}, true
}
