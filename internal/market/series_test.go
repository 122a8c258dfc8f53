package market

import (
	"errors"
	"testing"
	"time"
)

func candleAt(t time.Time, close float64) Candle {
	return Candle{
		Symbol:    "BTCUSDT",
		Timeframe: TF1h,
		OpenTime:  t,
		Open:      close,
		High:      close + 10,
		Low:       close - 10,
		Close:     close,
		Volume:    100,
		Closed:    true,
	}
}

func TestSeriesAppendOrdering(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries("BTCUSDT", TF1h, 100)

	if err := s.Append(candleAt(base, 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(candleAt(base.Add(time.Hour), 101)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// An older candle must be rejected.
	err := s.Append(candleAt(base.Add(-time.Hour), 99))
	if !errors.Is(err, ErrOutOfOrderCandle) {
		t.Fatalf("expected ErrOutOfOrderCandle, got %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 candles, got %d", s.Len())
	}
}

func TestSeriesSameOpenTimeReplacesLast(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries("BTCUSDT", TF1h, 100)

	if err := s.Append(candleAt(base, 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(candleAt(base, 105)); err != nil {
		t.Fatalf("append replacement: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("expected 1 candle after replacement, got %d", s.Len())
	}
	last, ok := s.Last()
	if !ok || last.Close != 105 {
		t.Fatalf("expected replaced close 105, got %+v", last)
	}
}

func TestSeriesMaxLen(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeries("BTCUSDT", TF1h, 5)

	for i := 0; i < 10; i++ {
		if err := s.Append(candleAt(base.Add(time.Duration(i)*time.Hour), float64(100+i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if s.Len() != 5 {
		t.Fatalf("expected capped length 5, got %d", s.Len())
	}
	snap := s.Snapshot()
	if snap[0].Close != 105 || snap[4].Close != 109 {
		t.Fatalf("expected oldest 105 / newest 109, got %.0f / %.0f", snap[0].Close, snap[4].Close)
	}
}

func TestParseTimeframe(t *testing.T) {
	if tf, err := ParseTimeframe("4h"); err != nil || tf != TF4h {
		t.Fatalf("expected 4h, got %v %v", tf, err)
	}
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Fatal("expected error for unknown timeframe")
	}
}
