package indicator

import (
	"math"

	"dex-trading-engine/internal/market"
)

// ============================================================================
// STREAMING EMA
// ============================================================================

// streamingEMA maintains an exponential moving average over a stream of
// values, seeded with the SMA of the first period values.
type streamingEMA struct {
	period     int
	multiplier float64
	value      float64
	count      int
	warmupSum  float64
}

func newStreamingEMA(period int) *streamingEMA {
	return &streamingEMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *streamingEMA) Update(v float64) {
	if e.count < e.period {
		e.warmupSum += v
		e.count++
		if e.count == e.period {
			e.value = e.warmupSum / float64(e.period)
		}
		return
	}
	e.value = (v-e.value)*e.multiplier + e.value
}

func (e *streamingEMA) Ready() bool    { return e.count >= e.period }
func (e *streamingEMA) Value() float64 { return e.value }

// ============================================================================
// RSI (Wilder smoothing)
// ============================================================================

type streamingRSI struct {
	period    int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	count     int // number of price changes consumed
	seeded    bool
}

func newStreamingRSI(period int) *streamingRSI {
	return &streamingRSI{period: period}
}

func (r *streamingRSI) Update(close float64) {
	if !r.seeded {
		r.prevClose = close
		r.seeded = true
		return
	}

	change := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	r.count++
	if r.count <= r.period {
		// Simple average over the first period changes.
		r.avgGain += gain / float64(r.period)
		r.avgLoss += loss / float64(r.period)
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
}

func (r *streamingRSI) Ready() bool { return r.count >= r.period }

func (r *streamingRSI) Value() float64 {
	if r.avgLoss == 0 {
		return 100.0
	}
	rs := r.avgGain / r.avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// ATR (Wilder smoothing)
// ============================================================================

type streamingATR struct {
	period    int
	prevClose float64
	atr       float64
	count     int
	seeded    bool
}

func newStreamingATR(period int) *streamingATR {
	return &streamingATR{period: period}
}

func trueRange(c market.Candle, prevClose float64) float64 {
	return math.Max(
		c.High-c.Low,
		math.Max(
			math.Abs(c.High-prevClose),
			math.Abs(c.Low-prevClose),
		),
	)
}

func (a *streamingATR) Update(c market.Candle) {
	if !a.seeded {
		a.prevClose = c.Close
		a.seeded = true
		return
	}

	tr := trueRange(c, a.prevClose)
	a.prevClose = c.Close

	a.count++
	if a.count <= a.period {
		a.atr += tr / float64(a.period)
		return
	}

	p := float64(a.period)
	a.atr = (a.atr*(p-1) + tr) / p
}

func (a *streamingATR) Ready() bool    { return a.count >= a.period }
func (a *streamingATR) Value() float64 { return a.atr }

// ============================================================================
// BOLLINGER BANDS (rolling SMA + population standard deviation)
// ============================================================================

type streamingBollinger struct {
	period int
	stdDev float64
	window []float64
	head   int
	count  int
	sum    float64
	sumSq  float64
}

func newStreamingBollinger(period int, stdDev float64) *streamingBollinger {
	return &streamingBollinger{
		period: period,
		stdDev: stdDev,
		window: make([]float64, period),
	}
}

func (b *streamingBollinger) Update(close float64) {
	if b.count >= b.period {
		old := b.window[b.head]
		b.sum -= old
		b.sumSq -= old * old
	} else {
		b.count++
	}
	b.window[b.head] = close
	b.head = (b.head + 1) % b.period
	b.sum += close
	b.sumSq += close * close
}

func (b *streamingBollinger) Ready() bool { return b.count >= b.period }

func (b *streamingBollinger) Value() Bollinger {
	n := float64(b.period)
	mean := b.sum / n
	variance := b.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0 // floating point guard
	}
	sd := math.Sqrt(variance)
	return Bollinger{
		Upper:  mean + sd*b.stdDev,
		Middle: mean,
		Lower:  mean - sd*b.stdDev,
	}
}

// ============================================================================
// ADX (Wilder directional movement)
// ============================================================================

type streamingADX struct {
	period    int
	prev      market.Candle
	seeded    bool
	count     int // number of DM/TR samples consumed
	smTR      float64
	smPlusDM  float64
	smMinusDM float64
	adx       float64
	dxCount   int
}

func newStreamingADX(period int) *streamingADX {
	return &streamingADX{period: period}
}

func (x *streamingADX) Update(c market.Candle) {
	if !x.seeded {
		x.prev = c
		x.seeded = true
		return
	}

	upMove := c.High - x.prev.High
	downMove := x.prev.Low - c.Low

	plusDM, minusDM := 0.0, 0.0
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	tr := trueRange(c, x.prev.Close)
	x.prev = c

	p := float64(x.period)
	x.count++
	switch {
	case x.count < x.period:
		x.smTR += tr
		x.smPlusDM += plusDM
		x.smMinusDM += minusDM
		return
	case x.count == x.period:
		x.smTR += tr
		x.smPlusDM += plusDM
		x.smMinusDM += minusDM
	default:
		x.smTR = x.smTR - x.smTR/p + tr
		x.smPlusDM = x.smPlusDM - x.smPlusDM/p + plusDM
		x.smMinusDM = x.smMinusDM - x.smMinusDM/p + minusDM
	}

	dx := x.currentDX()
	x.dxCount++
	if x.dxCount == 1 {
		x.adx = dx
		return
	}
	if x.dxCount <= x.period {
		// Running mean over the first period DX values.
		x.adx += (dx - x.adx) / float64(x.dxCount)
		return
	}
	x.adx = (x.adx*(p-1) + dx) / p
}

func (x *streamingADX) currentDX() float64 {
	if x.smTR == 0 {
		return 0
	}
	plusDI := 100 * x.smPlusDM / x.smTR
	minusDI := 100 * x.smMinusDM / x.smTR
	sum := plusDI + minusDI
	if sum == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / sum
}

func (x *streamingADX) Ready() bool    { return x.dxCount >= x.period }
func (x *streamingADX) Value() float64 { return x.adx }
