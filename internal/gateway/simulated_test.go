package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/market"
	"dex-trading-engine/internal/position"
	"dex-trading-engine/internal/signal"
)

func TestSimulatedFillsAtRequestedPrice(t *testing.T) {
	g := NewSimulatedGateway(0, zerolog.Nop())

	fill, err := g.ExecuteOpen(context.Background(), position.ExecutionRequest{
		Symbol:   "BTCUSDT",
		Side:     signal.DirectionLong,
		Quantity: 0.5,
		Price:    45000,
	})
	if err != nil {
		t.Fatalf("ExecuteOpen: %v", err)
	}
	if fill.Price != 45000 || fill.Quantity != 0.5 {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if len(g.Fills()) != 1 {
		t.Fatalf("expected 1 recorded fill")
	}
}

func TestSimulatedSlippageIsAdverseOnOpen(t *testing.T) {
	g := NewSimulatedGateway(10, zerolog.Nop()) // 10 bps

	fill, err := g.ExecuteOpen(context.Background(), position.ExecutionRequest{
		Symbol: "BTCUSDT", Quantity: 1, Price: 10000,
	})
	if err != nil {
		t.Fatalf("ExecuteOpen: %v", err)
	}
	if fill.Price != 10000-10 {
		t.Fatalf("expected open fill at 9990, got %.2f", fill.Price)
	}

	fill, err = g.ExecuteClose(context.Background(), position.ExecutionRequest{
		Symbol: "BTCUSDT", Quantity: 1, Price: 10000, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("ExecuteClose: %v", err)
	}
	if fill.Price != 10000+10 {
		t.Fatalf("expected close fill at 10010, got %.2f", fill.Price)
	}
}

func TestSimulatedFailureMode(t *testing.T) {
	g := NewSimulatedGateway(0, zerolog.Nop())
	g.SetFailOrders(true)

	_, err := g.ExecuteOpen(context.Background(), position.ExecutionRequest{Symbol: "BTCUSDT", Quantity: 1, Price: 100})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if len(g.Fills()) != 0 {
		t.Fatal("failed order must not record a fill")
	}
}

func TestFeedDeliversCandlesAndTicks(t *testing.T) {
	g := NewSimulatedGateway(0, zerolog.Nop())
	defer g.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	candles, err := g.Candles(ctx, "BTCUSDT", market.TF1h)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	ticks, err := g.Ticks(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}

	want := market.Candle{Symbol: "BTCUSDT", Timeframe: market.TF1h, Close: 45000, Closed: true}
	g.PushCandle(want)
	g.PushCandle(market.Candle{Symbol: "ETHUSDT", Timeframe: market.TF1h, Close: 3000, Closed: true})
	g.PushTick(market.Tick{Symbol: "BTCUSDT", Price: 45100})

	select {
	case c := <-candles:
		if c.Close != 45000 {
			t.Fatalf("unexpected candle %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("candle not delivered")
	}
	select {
	case tk := <-ticks:
		if tk.Price != 45100 {
			t.Fatalf("unexpected tick %+v", tk)
		}
	case <-time.After(time.Second):
		t.Fatal("tick not delivered")
	}

	// The ETHUSDT candle must not have leaked into the BTCUSDT stream.
	select {
	case c := <-candles:
		t.Fatalf("unexpected cross-symbol candle %+v", c)
	default:
	}
}

func TestCloseShutsSubscriberChannels(t *testing.T) {
	g := NewSimulatedGateway(0, zerolog.Nop())
	ctx := context.Background()

	candles, err := g.Candles(ctx, "BTCUSDT", market.TF1h)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-candles:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	if _, err := g.Candles(ctx, "BTCUSDT", market.TF1h); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable after close, got %v", err)
	}
}
