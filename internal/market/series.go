package market

import (
	"sync"
	"time"
)

// Series holds the ordered candle history for one (symbol, timeframe).
// Appends are serialized by the owning feed; readers get copies so a
// concurrent reader never observes a partially updated bar.
type Series struct {
	mu        sync.RWMutex
	symbol    string
	timeframe Timeframe
	candles   []Candle
	maxLen    int
}

// NewSeries creates a candle series capped at maxLen closed candles.
// A maxLen of 0 means unbounded.
func NewSeries(symbol string, timeframe Timeframe, maxLen int) *Series {
	return &Series{
		symbol:    symbol,
		timeframe: timeframe,
		candles:   make([]Candle, 0, maxLen),
		maxLen:    maxLen,
	}
}

func (s *Series) Symbol() string       { return s.symbol }
func (s *Series) Timeframe() Timeframe { return s.timeframe }

// Append adds a closed candle. Candles must arrive in non-decreasing
// open-time order; a candle with the same open time as the last one replaces
// it (correction of an in-progress bar that has now closed), an older one is
// rejected with ErrOutOfOrderCandle.
func (s *Series) Append(c Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.candles); n > 0 {
		last := s.candles[n-1].OpenTime
		switch {
		case c.OpenTime.Before(last):
			return ErrOutOfOrderCandle
		case c.OpenTime.Equal(last):
			s.candles[n-1] = c
			return nil
		}
	}

	s.candles = append(s.candles, c)
	if s.maxLen > 0 && len(s.candles) > s.maxLen {
		// Drop the oldest bar; copy to avoid pinning the backing array.
		s.candles = append(s.candles[:0:0], s.candles[1:]...)
	}
	return nil
}

// Len returns the number of stored candles.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// Last returns the most recent candle, if any.
func (s *Series) Last() (Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Snapshot returns a copy of the stored candles.
func (s *Series) Snapshot() []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// LastOpenTime returns the open time of the most recent candle.
func (s *Series) LastOpenTime() (time.Time, bool) {
	c, ok := s.Last()
	return c.OpenTime, ok
}
