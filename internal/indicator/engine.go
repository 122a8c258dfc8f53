// Package indicator computes technical indicators incrementally from closed
// candles. Each Engine owns the indicator state for one (symbol, timeframe)
// and updates it in O(1) amortized per candle; readers always see the
// snapshot as of the last closed candle.
package indicator

import (
	"errors"
	"sync"
	"time"

	"dex-trading-engine/internal/market"
)

// ErrInsufficientHistory is returned while fewer candles than the longest
// required lookback have been consumed. Callers should treat it as "no
// indicator yet", not a fault.
var ErrInsufficientHistory = errors.New("insufficient candle history for indicators")

// Params holds indicator lookback configuration.
type Params struct {
	RSIPeriod        int     `json:"rsi_period"`
	ATRPeriod        int     `json:"atr_period"`
	ADXPeriod        int     `json:"adx_period"`
	MACDFastPeriod   int     `json:"macd_fast_period"`
	MACDSlowPeriod   int     `json:"macd_slow_period"`
	MACDSignalPeriod int     `json:"macd_signal_period"`
	BollingerPeriod  int     `json:"bollinger_period"`
	BollingerStdDev  float64 `json:"bollinger_std_dev"`
}

// DefaultParams returns the standard lookbacks (Wilder 14, MACD 12/26/9,
// Bollinger 20/2).
func DefaultParams() Params {
	return Params{
		RSIPeriod:        14,
		ATRPeriod:        14,
		ADXPeriod:        14,
		MACDFastPeriod:   12,
		MACDSlowPeriod:   26,
		MACDSignalPeriod: 9,
		BollingerPeriod:  20,
		BollingerStdDev:  2.0,
	}
}

// MACD holds MACD line, signal line and histogram.
type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Bollinger holds the three Bollinger band values.
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Set is the derived indicator snapshot for one (symbol, timeframe) as of a
// closed candle.
type Set struct {
	Symbol     string           `json:"symbol"`
	Timeframe  market.Timeframe `json:"timeframe"`
	CandleTime time.Time        `json:"candle_time"`
	Close      float64          `json:"close"`
	RSI        float64          `json:"rsi"`
	MACD       MACD             `json:"macd"`
	Bollinger  Bollinger        `json:"bollinger"`
	ATR        float64          `json:"atr"`
	ADX        float64          `json:"adx"`
}

// Engine incrementally maintains all indicators for one (symbol, timeframe).
// OnCandleClosed must be called from a single goroutine (the feed updater);
// Snapshot is safe for concurrent readers.
type Engine struct {
	mu     sync.RWMutex
	symbol string
	tf     market.Timeframe
	params Params

	rsi       *streamingRSI
	atr       *streamingATR
	adx       *streamingADX
	macdFast  *streamingEMA
	macdSlow  *streamingEMA
	macdSig   *streamingEMA
	bollinger *streamingBollinger

	lastOpenTime time.Time
	last         Set
	ready        bool
}

// NewEngine creates an indicator engine for one (symbol, timeframe).
func NewEngine(symbol string, tf market.Timeframe, params Params) *Engine {
	return &Engine{
		symbol:    symbol,
		tf:        tf,
		params:    params,
		rsi:       newStreamingRSI(params.RSIPeriod),
		atr:       newStreamingATR(params.ATRPeriod),
		adx:       newStreamingADX(params.ADXPeriod),
		macdFast:  newStreamingEMA(params.MACDFastPeriod),
		macdSlow:  newStreamingEMA(params.MACDSlowPeriod),
		macdSig:   newStreamingEMA(params.MACDSignalPeriod),
		bollinger: newStreamingBollinger(params.BollingerPeriod, params.BollingerStdDev),
	}
}

// OnCandleClosed folds one closed candle into the indicator state. Re-sending
// the candle with the most recent open time is a no-op, so replays are safe.
func (e *Engine) OnCandleClosed(c market.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastOpenTime.IsZero() && !c.OpenTime.After(e.lastOpenTime) {
		return
	}
	e.lastOpenTime = c.OpenTime

	e.rsi.Update(c.Close)
	e.atr.Update(c)
	e.adx.Update(c)
	e.bollinger.Update(c.Close)

	e.macdFast.Update(c.Close)
	e.macdSlow.Update(c.Close)
	if e.macdFast.Ready() && e.macdSlow.Ready() {
		e.macdSig.Update(e.macdFast.Value() - e.macdSlow.Value())
	}

	if !e.allReady() {
		return
	}

	macdLine := e.macdFast.Value() - e.macdSlow.Value()
	signal := e.macdSig.Value()
	e.last = Set{
		Symbol:     e.symbol,
		Timeframe:  e.tf,
		CandleTime: c.OpenTime,
		Close:      c.Close,
		RSI:        e.rsi.Value(),
		MACD: MACD{
			Line:      macdLine,
			Signal:    signal,
			Histogram: macdLine - signal,
		},
		Bollinger: e.bollinger.Value(),
		ATR:       e.atr.Value(),
		ADX:       e.adx.Value(),
	}
	e.ready = true
}

func (e *Engine) allReady() bool {
	return e.rsi.Ready() &&
		e.atr.Ready() &&
		e.adx.Ready() &&
		e.macdFast.Ready() &&
		e.macdSlow.Ready() &&
		e.macdSig.Ready() &&
		e.bollinger.Ready()
}

// Snapshot returns the indicator set as of the last closed candle, or
// ErrInsufficientHistory during warmup.
func (e *Engine) Snapshot() (Set, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return Set{}, ErrInsufficientHistory
	}
	return e.last, nil
}

// Warmup returns the number of closed candles needed before Snapshot
// succeeds (the longest lookback chain, the slow EMA feeding the signal EMA).
func (e *Engine) Warmup() int {
	macd := e.params.MACDSlowPeriod + e.params.MACDSignalPeriod
	adx := 2 * e.params.ADXPeriod
	warmup := macd
	if adx > warmup {
		warmup = adx
	}
	if e.params.BollingerPeriod > warmup {
		warmup = e.params.BollingerPeriod
	}
	if p := e.params.RSIPeriod + 1; p > warmup {
		warmup = p
	}
	return warmup
}
