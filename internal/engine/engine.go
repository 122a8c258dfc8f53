// Package engine wires the market-data feed, indicator engines, signal
// generator, risk gate and position manager into one running pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
	"dex-trading-engine/internal/gateway"
	"dex-trading-engine/internal/indicator"
	"dex-trading-engine/internal/market"
	"dex-trading-engine/internal/position"
	"dex-trading-engine/internal/risk"
	"dex-trading-engine/internal/signal"
)

// Account is one trading account the engine evaluates signals for.
type Account struct {
	ID       string
	Mode     position.Mode
	Leverage int
}

// Params configures the pipeline topology.
type Params struct {
	Symbols         []string
	High            market.Timeframe // slow trend timeframe
	Medium          market.Timeframe
	Low             market.Timeframe // generation timeframe
	IndicatorParams indicator.Params
	Accounts        []Account
}

// Engine runs one goroutine per (symbol, timeframe) candle stream and one
// per symbol tick stream. Signals are generated on the close of each
// low-timeframe candle.
type Engine struct {
	params  Params
	feed    gateway.MarketDataFeed
	gen     *signal.Generator
	gate    *risk.Gate
	agg     *risk.Aggregator
	manager *position.Manager
	bus     *events.Bus
	logger  zerolog.Logger

	// indicators and series are built once in New and the maps are
	// read-only afterwards.
	indicators map[string]*indicator.Engine
	series     map[string]*market.Series

	wg sync.WaitGroup
}

// seriesMaxLen bounds retained candle history per (symbol, timeframe).
const seriesMaxLen = 1000

func indicatorKey(symbol string, tf market.Timeframe) string {
	return fmt.Sprintf("%s|%s", symbol, tf)
}

// New assembles the pipeline. All collaborators must already be wired to the
// bus by the caller.
func New(params Params, feed gateway.MarketDataFeed, gen *signal.Generator, gate *risk.Gate,
	agg *risk.Aggregator, manager *position.Manager, bus *events.Bus, logger zerolog.Logger) (*Engine, error) {

	if len(params.Symbols) == 0 {
		return nil, fmt.Errorf("engine requires at least one symbol")
	}
	if params.High == params.Low || params.Medium == params.Low || params.High == params.Medium {
		return nil, fmt.Errorf("engine timeframes must be distinct")
	}

	e := &Engine{
		params:     params,
		feed:       feed,
		gen:        gen,
		gate:       gate,
		agg:        agg,
		manager:    manager,
		bus:        bus,
		logger:     logger.With().Str("component", "Engine").Logger(),
		indicators: make(map[string]*indicator.Engine),
		series:     make(map[string]*market.Series),
	}
	for _, sym := range params.Symbols {
		for _, tf := range []market.Timeframe{params.High, params.Medium, params.Low} {
			key := indicatorKey(sym, tf)
			e.indicators[key] = indicator.NewEngine(sym, tf, params.IndicatorParams)
			e.series[key] = market.NewSeries(sym, tf, seriesMaxLen)
		}
	}
	return e, nil
}

// Run starts all stream consumers and blocks until the context is cancelled
// and every consumer has drained.
func (e *Engine) Run(ctx context.Context) error {
	for _, sym := range e.params.Symbols {
		for _, tf := range []market.Timeframe{e.params.High, e.params.Medium, e.params.Low} {
			candles, err := e.feed.Candles(ctx, sym, tf)
			if err != nil {
				return fmt.Errorf("failed to subscribe candles %s %s: %w", sym, tf, err)
			}
			e.wg.Add(1)
			go e.candleLoop(ctx, sym, tf, candles)
		}

		ticks, err := e.feed.Ticks(ctx, sym)
		if err != nil {
			return fmt.Errorf("failed to subscribe ticks %s: %w", sym, err)
		}
		e.wg.Add(1)
		go e.tickLoop(ctx, sym, ticks)
	}

	e.logger.Info().
		Strs("symbols", e.params.Symbols).
		Str("high", string(e.params.High)).
		Str("medium", string(e.params.Medium)).
		Str("low", string(e.params.Low)).
		Msg("Engine started")

	<-ctx.Done()
	e.wg.Wait()
	e.logger.Info().Msg("Engine stopped")
	return nil
}

func (e *Engine) candleLoop(ctx context.Context, symbol string, tf market.Timeframe, in <-chan market.Candle) {
	defer e.wg.Done()
	key := indicatorKey(symbol, tf)
	eng := e.indicators[key]
	series := e.series[key]

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if !c.Closed {
				continue
			}
			if err := series.Append(c); err != nil {
				e.logger.Warn().
					Str("symbol", symbol).
					Str("timeframe", string(tf)).
					Time("open_time", c.OpenTime).
					Msg("Dropped out-of-order candle")
				continue
			}
			eng.OnCandleClosed(c)
			if tf == e.params.Low {
				e.evaluate(symbol, c.OpenTime.Add(tf.Duration()))
			}
		}
	}
}

// History returns the retained closed-candle history for one stream.
func (e *Engine) History(symbol string, tf market.Timeframe) []market.Candle {
	s, ok := e.series[indicatorKey(symbol, tf)]
	if !ok {
		return nil
	}
	return s.Snapshot()
}

func (e *Engine) tickLoop(ctx context.Context, symbol string, in <-chan market.Tick) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			e.manager.OnTick(ctx, t)
		}
	}
}

// evaluate runs the generator on the three current indicator snapshots and
// pushes any approved signal through the gate into an open position.
func (e *Engine) evaluate(symbol string, now time.Time) {
	high, err1 := e.indicators[indicatorKey(symbol, e.params.High)].Snapshot()
	med, err2 := e.indicators[indicatorKey(symbol, e.params.Medium)].Snapshot()
	low, err3 := e.indicators[indicatorKey(symbol, e.params.Low)].Snapshot()
	if err1 != nil || err2 != nil || err3 != nil {
		// Still warming up on at least one timeframe.
		return
	}

	sig := e.gen.Evaluate(symbol, signal.Inputs{High: high, Medium: med, Low: low}, now)

	e.bus.Publish(events.Event{
		Type:      events.EventSignalGenerated,
		Timestamp: now.UTC(),
		Symbol:    symbol,
		Data: map[string]interface{}{
			"direction":  string(sig.Direction),
			"confidence": sig.Confidence,
			"entry":      sig.EntryPrice,
			"reasons":    sig.Reasons,
		},
	})

	if sig.Direction == signal.DirectionNone {
		return
	}

	for _, acct := range e.params.Accounts {
		spec, err := e.gate.Approve(acct.ID, sig, acct.Leverage)
		if err != nil {
			var rej *risk.RejectionError
			if errors.As(err, &rej) {
				e.logger.Info().
					Str("account_id", acct.ID).
					Str("symbol", symbol).
					Str("reason", string(rej.Reason)).
					Str("detail", rej.Detail).
					Msg("Signal rejected by risk gate")
				e.bus.Publish(events.Event{
					Type:      events.EventRiskRejected,
					Timestamp: now.UTC(),
					AccountID: acct.ID,
					Symbol:    symbol,
					Data: map[string]interface{}{
						"reason":     string(rej.Reason),
						"detail":     rej.Detail,
						"direction":  string(sig.Direction),
						"confidence": sig.Confidence,
					},
				})
			} else {
				e.logger.Error().Err(err).
					Str("account_id", acct.ID).
					Str("symbol", symbol).
					Msg("Risk gate failed")
			}
			continue
		}

		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := e.manager.Open(openCtx, *spec, acct.Mode); err != nil {
			e.logger.Error().Err(err).
				Str("account_id", acct.ID).
				Str("symbol", symbol).
				Msg("Failed to open position")
		}
		cancel()
	}
}

// RiskStatus exposes the aggregator's current posture for an account.
func (e *Engine) RiskStatus(accountID string) (risk.Status, bool) {
	return e.agg.RiskStatus(accountID)
}
