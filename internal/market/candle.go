package market

import (
	"fmt"
	"time"
)

// Timeframe represents a chart timeframe.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Duration returns the candle interval for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ParseTimeframe converts a config string into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case TF1m, TF5m, TF15m, TF1h, TF4h, TF1d:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Candle is a single OHLCV bar. Closed candles are immutable.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// Tick is a live mark-price update for a symbol.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
	Sequence int64     `json:"sequence"`
}

// ErrOutOfOrderCandle is returned when a candle arrives with an open time
// earlier than the last accepted candle.
var ErrOutOfOrderCandle = fmt.Errorf("candle open time out of order")
