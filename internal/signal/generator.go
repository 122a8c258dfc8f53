// Package signal fuses indicators from three timeframes into a directional
// signal with a confidence score. Evaluation is deterministic: identical
// indicator inputs and the same wall-clock instant always produce the same
// Signal.
package signal

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/indicator"
)

// Direction is the trade direction of a signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NONE"
)

// Bias is the per-timeframe classification feeding the confluence score.
type Bias int

const (
	BiasBearish Bias = -1
	BiasNeutral Bias = 0
	BiasBullish Bias = 1
)

// Signal is the generator output, consumed once by the risk gate.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	GeneratedAt time.Time `json:"generated_at"`
	Session     Session   `json:"session"`
	Reasons     []string  `json:"reasons,omitempty"`
}

// Weights are the per-timeframe confluence weights. They must sum to 1.0,
// with the higher timeframe weighted most heavily.
type Weights struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
	Low    float64 `json:"low"`
}

// DefaultWeights returns the standard 0.5/0.3/0.2 split.
func DefaultWeights() Weights {
	return Weights{High: 0.5, Medium: 0.3, Low: 0.2}
}

// Validate checks that the weights sum to 1.0 within tolerance.
func (w Weights) Validate() error {
	total := w.High + w.Medium + w.Low
	if total < 0.99 || total > 1.01 {
		return fmt.Errorf("confluence weights must sum to 1.0, got %.2f", total)
	}
	return nil
}

// Config holds the generator thresholds. All values are configuration, not
// hard-coded constants.
type Config struct {
	ConfidenceThreshold float64         `json:"confidence_threshold"` // signals below this become NONE
	RSIOversold         float64         `json:"rsi_oversold"`
	RSIOverbought       float64         `json:"rsi_overbought"`
	ADXFloor            float64         `json:"adx_floor"` // below this a timeframe is forced neutral
	StopATRMultiplier   float64         `json:"stop_atr_multiplier"`
	TargetATRMultiplier float64         `json:"target_atr_multiplier"`
	Weights             Weights         `json:"weights"`
	Sessions            []SessionWindow `json:"sessions"`
	AllowedSessions     []Session       `json:"allowed_sessions"`
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.60,
		RSIOversold:         30,
		RSIOverbought:       70,
		ADXFloor:            25,
		StopATRMultiplier:   1.5,
		TargetATRMultiplier: 3.0,
		Weights:             DefaultWeights(),
		Sessions:            DefaultSessionWindows(),
	}
}

// Inputs carries the three timeframe indicator sets for one evaluation. Low
// is the generation timeframe: its close is the entry price and its ATR
// sizes the stop and target.
type Inputs struct {
	High   indicator.Set
	Medium indicator.Set
	Low    indicator.Set
}

// Generator produces signals from multi-timeframe indicator sets.
type Generator struct {
	cfg    Config
	filter *SessionFilter
	logger zerolog.Logger
}

// NewGenerator creates a signal generator. Invalid weights are rejected.
func NewGenerator(cfg Config, logger zerolog.Logger) (*Generator, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	return &Generator{
		cfg:    cfg,
		filter: NewSessionFilter(cfg.Sessions, cfg.AllowedSessions),
		logger: logger.With().Str("component", "SignalGenerator").Logger(),
	}, nil
}

// Evaluate fuses the three timeframe indicator sets into a Signal. now is the
// wall-clock instant used for the session filter and the GeneratedAt stamp.
func (g *Generator) Evaluate(symbol string, in Inputs, now time.Time) Signal {
	sess, allowed := g.filter.Allowed(now)

	sig := Signal{
		Symbol:      symbol,
		Direction:   DirectionNone,
		EntryPrice:  in.Low.Close,
		GeneratedAt: now,
		Session:     sess,
	}

	highBias, highReasons := g.classify(in.High)
	medBias, medReasons := g.classify(in.Medium)
	lowBias, lowReasons := g.classify(in.Low)

	score := g.cfg.Weights.High*float64(highBias) +
		g.cfg.Weights.Medium*float64(medBias) +
		g.cfg.Weights.Low*float64(lowBias)

	confidence := score
	if confidence < 0 {
		confidence = -confidence
	}
	sig.Confidence = confidence

	if !allowed {
		sig.Reasons = []string{"session_excluded:" + string(sess)}
		return sig
	}

	if confidence < g.cfg.ConfidenceThreshold {
		sig.Reasons = []string{fmt.Sprintf("confidence_below_threshold:%.2f", confidence)}
		return sig
	}

	if score > 0 {
		sig.Direction = DirectionLong
	} else {
		sig.Direction = DirectionShort
	}
	sig.Reasons = append(sig.Reasons, highReasons...)
	sig.Reasons = append(sig.Reasons, medReasons...)
	sig.Reasons = append(sig.Reasons, lowReasons...)

	atr := in.Low.ATR
	if sig.Direction == DirectionLong {
		sig.StopLoss = sig.EntryPrice - g.cfg.StopATRMultiplier*atr
		sig.TakeProfit = sig.EntryPrice + g.cfg.TargetATRMultiplier*atr
	} else {
		sig.StopLoss = sig.EntryPrice + g.cfg.StopATRMultiplier*atr
		sig.TakeProfit = sig.EntryPrice - g.cfg.TargetATRMultiplier*atr
	}

	g.logger.Debug().
		Str("symbol", symbol).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("entry", sig.EntryPrice).
		Float64("stop", sig.StopLoss).
		Float64("target", sig.TakeProfit).
		Msg("Signal generated")

	return sig
}

// classify derives the directional bias of a single timeframe from its
// indicator set. ADX below the floor forces neutral regardless of the other
// indicators (no tradable trend).
func (g *Generator) classify(set indicator.Set) (Bias, []string) {
	if set.ADX < g.cfg.ADXFloor {
		return BiasNeutral, nil
	}

	votes := 0
	var reasons []string
	tf := string(set.Timeframe)

	// RSI extremes vote mean-reversion style, matching the rule set the
	// confluence score was tuned against.
	if set.RSI < g.cfg.RSIOversold {
		votes++
		reasons = append(reasons, tf+":rsi_oversold")
	} else if set.RSI > g.cfg.RSIOverbought {
		votes--
		reasons = append(reasons, tf+":rsi_overbought")
	}

	// MACD line above signal with positive histogram is bullish momentum.
	if set.MACD.Line > set.MACD.Signal && set.MACD.Histogram > 0 {
		votes++
		reasons = append(reasons, tf+":macd_bullish")
	} else if set.MACD.Line < set.MACD.Signal && set.MACD.Histogram < 0 {
		votes--
		reasons = append(reasons, tf+":macd_bearish")
	}

	// Price outside the bands votes for reversion toward the middle.
	if set.Close < set.Bollinger.Lower {
		votes++
		reasons = append(reasons, tf+":bb_lower")
	} else if set.Close > set.Bollinger.Upper {
		votes--
		reasons = append(reasons, tf+":bb_upper")
	}

	switch {
	case votes > 0:
		return BiasBullish, reasons
	case votes < 0:
		return BiasBearish, reasons
	default:
		return BiasNeutral, nil
	}
}
