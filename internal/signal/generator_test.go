package signal

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/indicator"
	"dex-trading-engine/internal/market"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// bullishSet returns an indicator set every classification rule votes long
// on: oversold RSI, bullish MACD, close under the lower band, trending ADX.
func bullishSet(tf market.Timeframe, close float64) indicator.Set {
	return indicator.Set{
		Symbol:    "BTCUSDT",
		Timeframe: tf,
		Close:     close,
		RSI:       25,
		MACD:      indicator.MACD{Line: 12, Signal: 8, Histogram: 4},
		Bollinger: indicator.Bollinger{Upper: close * 1.05, Middle: close * 1.02, Lower: close * 1.01},
		ATR:       200,
		ADX:       40,
	}
}

func bearishSet(tf market.Timeframe, close float64) indicator.Set {
	return indicator.Set{
		Symbol:    "BTCUSDT",
		Timeframe: tf,
		Close:     close,
		RSI:       78,
		MACD:      indicator.MACD{Line: -12, Signal: -8, Histogram: -4},
		Bollinger: indicator.Bollinger{Upper: close * 0.99, Middle: close * 0.97, Lower: close * 0.95},
		ATR:       200,
		ADX:       40,
	}
}

func neutralSet(tf market.Timeframe, close float64) indicator.Set {
	return indicator.Set{
		Symbol:    "BTCUSDT",
		Timeframe: tf,
		Close:     close,
		RSI:       50,
		MACD:      indicator.MACD{Line: 1, Signal: 2, Histogram: -1},
		Bollinger: indicator.Bollinger{Upper: close * 1.02, Middle: close, Lower: close * 0.98},
		ATR:       200,
		ADX:       40,
	}
}

func newTestGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

// usSession is an instant inside the 16-24 UTC window.
var usSession = time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)

// ============================================================
// Confluence scoring
// ============================================================

func TestEvaluateAllTimeframesAlignedLong(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())

	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: bullishSet(market.TF1h, 45000),
		Low:    bullishSet(market.TF15m, 45000),
	}
	sig := g.Evaluate("BTCUSDT", in, usSession)

	if sig.Direction != DirectionLong {
		t.Fatalf("expected LONG, got %s (%v)", sig.Direction, sig.Reasons)
	}
	if !floatEquals(sig.Confidence, 1.0, 1e-9) {
		t.Fatalf("expected confidence 1.0, got %.4f", sig.Confidence)
	}
	// Stop and target come from the low-timeframe ATR.
	if !floatEquals(sig.StopLoss, 45000-1.5*200, 1e-9) {
		t.Fatalf("unexpected stop %.2f", sig.StopLoss)
	}
	if !floatEquals(sig.TakeProfit, 45000+3.0*200, 1e-9) {
		t.Fatalf("unexpected target %.2f", sig.TakeProfit)
	}
}

func TestEvaluateAllTimeframesAlignedShort(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())

	in := Inputs{
		High:   bearishSet(market.TF4h, 45000),
		Medium: bearishSet(market.TF1h, 45000),
		Low:    bearishSet(market.TF15m, 45000),
	}
	sig := g.Evaluate("BTCUSDT", in, usSession)

	if sig.Direction != DirectionShort {
		t.Fatalf("expected SHORT, got %s", sig.Direction)
	}
	if sig.StopLoss <= sig.EntryPrice {
		t.Fatalf("short stop must be above entry: stop %.2f entry %.2f", sig.StopLoss, sig.EntryPrice)
	}
	if sig.TakeProfit >= sig.EntryPrice {
		t.Fatalf("short target must be below entry: target %.2f entry %.2f", sig.TakeProfit, sig.EntryPrice)
	}
}

func TestEvaluateBelowThresholdIsNone(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())

	// Only the high timeframe votes: score 0.5, below the 0.60 threshold.
	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: neutralSet(market.TF1h, 45000),
		Low:    neutralSet(market.TF15m, 45000),
	}
	sig := g.Evaluate("BTCUSDT", in, usSession)

	if sig.Direction != DirectionNone {
		t.Fatalf("expected NONE below threshold, got %s", sig.Direction)
	}
	if !floatEquals(sig.Confidence, 0.5, 1e-9) {
		t.Fatalf("expected confidence 0.5, got %.4f", sig.Confidence)
	}
}

func TestEvaluateHighPlusMediumClearsThreshold(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())

	// High (0.5) + medium (0.3) = 0.8 >= 0.60.
	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: bullishSet(market.TF1h, 45000),
		Low:    neutralSet(market.TF15m, 45000),
	}
	sig := g.Evaluate("BTCUSDT", in, usSession)

	if sig.Direction != DirectionLong {
		t.Fatalf("expected LONG, got %s", sig.Direction)
	}
	if !floatEquals(sig.Confidence, 0.8, 1e-9) {
		t.Fatalf("expected confidence 0.8, got %.4f", sig.Confidence)
	}
}

func TestEvaluateConflictingTimeframesCancel(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())

	// High long (0.5) against medium+low short (-0.5): flat score.
	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: bearishSet(market.TF1h, 45000),
		Low:    bearishSet(market.TF15m, 45000),
	}
	sig := g.Evaluate("BTCUSDT", in, usSession)

	if sig.Direction != DirectionNone {
		t.Fatalf("expected NONE on flat score, got %s", sig.Direction)
	}
	if !floatEquals(sig.Confidence, 0, 1e-9) {
		t.Fatalf("expected confidence 0, got %.4f", sig.Confidence)
	}
}

// ============================================================
// ADX regime filter
// ============================================================

func TestADXFloorForcesNeutral(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())

	flat := bullishSet(market.TF4h, 45000)
	flat.ADX = 12 // below the 25 floor

	in := Inputs{
		High:   flat,
		Medium: bullishSet(market.TF1h, 45000),
		Low:    bullishSet(market.TF15m, 45000),
	}
	sig := g.Evaluate("BTCUSDT", in, usSession)

	// High timeframe is muted: 0.3 + 0.2 = 0.5 < 0.60.
	if sig.Direction != DirectionNone {
		t.Fatalf("expected NONE with high timeframe muted, got %s", sig.Direction)
	}
	if !floatEquals(sig.Confidence, 0.5, 1e-9) {
		t.Fatalf("expected confidence 0.5, got %.4f", sig.Confidence)
	}
}

// ============================================================
// Session filter
// ============================================================

func TestSessionExclusionSuppressesSignal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedSessions = []Session{SessionEuropean}
	g := newTestGenerator(t, cfg)

	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: bullishSet(market.TF1h, 45000),
		Low:    bullishSet(market.TF15m, 45000),
	}

	// 18:00 UTC is the US session, which is not allowed.
	sig := g.Evaluate("BTCUSDT", in, usSession)
	if sig.Direction != DirectionNone {
		t.Fatalf("expected NONE outside allowed sessions, got %s", sig.Direction)
	}
	if len(sig.Reasons) == 0 || sig.Reasons[0] != "session_excluded:"+string(SessionUS) {
		t.Fatalf("expected session exclusion reason, got %v", sig.Reasons)
	}

	// 10:00 UTC is the European session: signal goes through.
	euTime := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	sig = g.Evaluate("BTCUSDT", in, euTime)
	if sig.Direction != DirectionLong {
		t.Fatalf("expected LONG inside allowed session, got %s", sig.Direction)
	}
}

func TestEmptyAllowedSessionsPermitsAll(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())
	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: bullishSet(market.TF1h, 45000),
		Low:    bullishSet(market.TF15m, 45000),
	}
	for hour := 0; hour < 24; hour += 6 {
		at := time.Date(2025, 6, 2, hour, 0, 0, 0, time.UTC)
		if sig := g.Evaluate("BTCUSDT", in, at); sig.Direction != DirectionLong {
			t.Fatalf("hour %d: expected LONG with no session restriction, got %s", hour, sig.Direction)
		}
	}
}

// ============================================================
// Determinism and config validation
// ============================================================

func TestEvaluateIsDeterministic(t *testing.T) {
	g := newTestGenerator(t, DefaultConfig())
	in := Inputs{
		High:   bullishSet(market.TF4h, 45000),
		Medium: neutralSet(market.TF1h, 45000),
		Low:    bearishSet(market.TF15m, 45000),
	}

	first := g.Evaluate("BTCUSDT", in, usSession)
	for i := 0; i < 10; i++ {
		again := g.Evaluate("BTCUSDT", in, usSession)
		if again.Direction != first.Direction ||
			!floatEquals(again.Confidence, first.Confidence, 0) ||
			again.StopLoss != first.StopLoss ||
			again.TakeProfit != first.TakeProfit {
			t.Fatalf("evaluation %d differed: %+v vs %+v", i, again, first)
		}
	}
}

func TestWeightsValidation(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"default", DefaultWeights(), false},
		{"custom valid", Weights{High: 0.6, Medium: 0.25, Low: 0.15}, false},
		{"sum too low", Weights{High: 0.4, Medium: 0.3, Low: 0.2}, true},
		{"sum too high", Weights{High: 0.6, Medium: 0.4, Low: 0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewGeneratorRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{High: 0.9, Medium: 0.5, Low: 0.2}
	if _, err := NewGenerator(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid weights")
	}
}

func TestSessionBoundaries(t *testing.T) {
	f := NewSessionFilter(DefaultSessionWindows(), nil)
	tests := []struct {
		hour int
		want Session
	}{
		{0, SessionAsian},
		{7, SessionAsian},
		{8, SessionEuropean},
		{15, SessionEuropean},
		{16, SessionUS},
		{23, SessionUS},
	}
	for _, tt := range tests {
		at := time.Date(2025, 6, 2, tt.hour, 30, 0, 0, time.UTC)
		if got := f.Current(at); got != tt.want {
			t.Errorf("hour %d: expected %s, got %s", tt.hour, tt.want, got)
		}
	}
}
