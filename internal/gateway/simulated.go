package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/market"
	"dex-trading-engine/internal/position"
)

// SimulatedGateway is an in-process venue for DEMO/PAPER runs and tests. It
// fills every order at the requested price (optionally shifted by a fixed
// slippage) and replays injected candles and ticks to feed subscribers.
type SimulatedGateway struct {
	mu          sync.Mutex
	slippageBps float64
	failOrders  bool // reject all orders, for failure-path tests
	fills       []position.ExecutionRequest

	candleSubs map[string][]chan market.Candle // symbol|tf -> subscribers
	tickSubs   map[string][]chan market.Tick
	closed     bool

	logger zerolog.Logger
	now    func() time.Time
}

// NewSimulatedGateway creates a simulator with the given slippage in basis
// points applied against the order.
func NewSimulatedGateway(slippageBps float64, logger zerolog.Logger) *SimulatedGateway {
	return &SimulatedGateway{
		slippageBps: slippageBps,
		candleSubs:  make(map[string][]chan market.Candle),
		tickSubs:    make(map[string][]chan market.Tick),
		logger:      logger.With().Str("component", "SimulatedGateway").Logger(),
		now:         time.Now,
	}
}

// SetFailOrders makes every subsequent order fail with
// ErrGatewayUnavailable.
func (g *SimulatedGateway) SetFailOrders(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failOrders = fail
}

// Fills returns all execution requests the simulator accepted.
func (g *SimulatedGateway) Fills() []position.ExecutionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]position.ExecutionRequest, len(g.fills))
	copy(out, g.fills)
	return out
}

func (g *SimulatedGateway) execute(req position.ExecutionRequest, adverse bool) (position.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failOrders {
		return position.Fill{}, ErrGatewayUnavailable
	}
	price := req.Price
	if g.slippageBps != 0 {
		shift := price * g.slippageBps / 10000
		if adverse {
			shift = -shift
		}
		price += shift
	}
	g.fills = append(g.fills, req)
	return position.Fill{Price: price, Quantity: req.Quantity, Time: g.now()}, nil
}

// ExecuteOpen implements position.OrderExecutor.
func (g *SimulatedGateway) ExecuteOpen(_ context.Context, req position.ExecutionRequest) (position.Fill, error) {
	return g.execute(req, true)
}

// ExecuteClose implements position.OrderExecutor.
func (g *SimulatedGateway) ExecuteClose(_ context.Context, req position.ExecutionRequest) (position.Fill, error) {
	return g.execute(req, false)
}

func candleKey(symbol string, tf market.Timeframe) string {
	return fmt.Sprintf("%s|%s", symbol, tf)
}

// Candles implements MarketDataFeed. The returned channel receives candles
// injected via PushCandle and closes when the context ends or the gateway
// closes.
func (g *SimulatedGateway) Candles(ctx context.Context, symbol string, tf market.Timeframe) (<-chan market.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGatewayUnavailable
	}
	ch := make(chan market.Candle, 64)
	key := candleKey(symbol, tf)
	g.candleSubs[key] = append(g.candleSubs[key], ch)

	go func() {
		<-ctx.Done()
		g.removeCandleSub(key, ch)
	}()
	return ch, nil
}

// Ticks implements MarketDataFeed.
func (g *SimulatedGateway) Ticks(ctx context.Context, symbol string) (<-chan market.Tick, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGatewayUnavailable
	}
	ch := make(chan market.Tick, 256)
	g.tickSubs[symbol] = append(g.tickSubs[symbol], ch)

	go func() {
		<-ctx.Done()
		g.removeTickSub(symbol, ch)
	}()
	return ch, nil
}

func (g *SimulatedGateway) removeCandleSub(key string, ch chan market.Candle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs := g.candleSubs[key]
	for i, c := range subs {
		if c == ch {
			g.candleSubs[key] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (g *SimulatedGateway) removeTickSub(symbol string, ch chan market.Tick) {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs := g.tickSubs[symbol]
	for i, c := range subs {
		if c == ch {
			g.tickSubs[symbol] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

// PushCandle delivers a candle to all subscribers of its symbol/timeframe.
// A subscriber with a full buffer is skipped, not blocked on.
func (g *SimulatedGateway) PushCandle(c market.Candle) {
	g.mu.Lock()
	subs := append([]chan market.Candle(nil), g.candleSubs[candleKey(c.Symbol, c.Timeframe)]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- c:
		default:
			g.logger.Warn().Str("symbol", c.Symbol).Msg("Candle subscriber buffer full, dropping")
		}
	}
}

// PushTick delivers a tick to all subscribers of its symbol.
func (g *SimulatedGateway) PushTick(t market.Tick) {
	g.mu.Lock()
	subs := append([]chan market.Tick(nil), g.tickSubs[t.Symbol]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			g.logger.Warn().Str("symbol", t.Symbol).Msg("Tick subscriber buffer full, dropping")
		}
	}
}

// Close shuts the feed down and closes all subscriber channels.
func (g *SimulatedGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	for key, subs := range g.candleSubs {
		for _, ch := range subs {
			close(ch)
		}
		delete(g.candleSubs, key)
	}
	for sym, subs := range g.tickSubs {
		for _, ch := range subs {
			close(ch)
		}
		delete(g.tickSubs, sym)
	}
	return nil
}
