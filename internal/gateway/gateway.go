// Package gateway abstracts the execution venue and market-data feed. The
// decision core never talks to an exchange directly; LIVE mode plugs a real
// venue adapter in behind these interfaces, DEMO and PAPER use the simulator.
package gateway

import (
	"context"
	"errors"

	"dex-trading-engine/internal/market"
)

// ErrGatewayUnavailable is returned when the venue cannot be reached. The
// caller treats it as a failed order, never as a partial fill.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// MarketDataFeed streams candles and ticks for subscribed symbols. Both
// channels are closed when the feed shuts down.
type MarketDataFeed interface {
	Candles(ctx context.Context, symbol string, tf market.Timeframe) (<-chan market.Candle, error)
	Ticks(ctx context.Context, symbol string) (<-chan market.Tick, error)
	Close() error
}
