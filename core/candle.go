package core

import "time"

// Candle represents a single OHLCV bar for a (symbol, timeframe) pair.
// Candles are immutable once stored; uniqueness is by (Pair, Timeframe, Time).
type Candle struct {
	Pair      string
	Timeframe string
	Time      time.Time
	UpdatedAt time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Complete  bool
}

// TrueRange returns the true range of the candle against the previous close,
// used by the ATR indicator.
func (c Candle) TrueRange(prevClose float64) float64 {
	hl := c.High - c.Low
	hc := c.High - prevClose
	if hc < 0 {
		hc = -hc
	}
	lc := c.Low - prevClose
	if lc < 0 {
		lc = -lc
	}

	tr := hl
	if hc > tr {
		tr = hc
	}
	if lc > tr {
		tr = lc
	}
	return tr
}

// BodyRatio returns the candle body size as a fraction of its high-low range.
// Returns 0 when the candle has zero range.
func (c Candle) BodyRatio() float64 {
	rng := c.High - c.Low
	if rng == 0 {
		return 0
	}
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	return body / rng
}
