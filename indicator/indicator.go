// Package indicator computes the fixed indicator vector and candlestick
// pattern catalog the ML signal service and engine gates consume. The
// degrade-gracefully warm-up rules (last close / 50.0 / 0.0 defaults)
// diverge from go-talib's NaN-on-warm-up behavior, so those paths are
// hand-rolled and documented inline rather than delegated.
package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/tradingcore/core"
)

const (
	emaFastPeriod  = 12
	emaSlowPeriod  = 26
	rsiPeriod      = 14
	atrPeriod      = 14
	bollingerPeriod = 20
	bollingerK      = 2.0
)

// ComputeIndicators computes the fixed-schema indicator snapshot over a
// window of candles, in ascending time order. Windows shorter than an
// indicator's period degrade gracefully rather than returning NaN.
func ComputeIndicators(window []core.Candle) core.IndicatorSnapshot {
	if len(window) == 0 {
		return core.IndicatorSnapshot{}
	}

	closes := closesOf(window)
	lastClose := closes[len(closes)-1]

	ema12 := emaWithFallback(closes, emaFastPeriod, lastClose)
	ema26 := emaWithFallback(closes, emaSlowPeriod, lastClose)

	emaRatio := 1.0
	if ema26 != 0 {
		emaRatio = ema12 / ema26
	}

	return core.IndicatorSnapshot{
		EMA12:    ema12,
		EMA26:    ema26,
		EMARatio: emaRatio,
		RSI14:    rsi(closes, rsiPeriod),
		MACD:     ema12 - ema26,
		ATR14:    atr(window, atrPeriod),
		BBUpper:  bollingerUpper(closes, lastClose),
		BBLower:  bollingerLower(closes, lastClose),
		BBWidth:  bollingerWidth(closes, lastClose),
	}
}

func closesOf(window []core.Candle) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Close
	}
	return out
}

// emaWithFallback returns the last value of go-talib's recursive EMA
// (smoothing factor 2/(period+1), seeded with the simple mean of the first
// period closes), falling back to the last close when the window is shorter
// than the period or the value is NaN. Only the fallback is hand-rolled.
// Every close in the window contributes to the result; it is not a weighted
// average over just the last period bars with weights normalized to sum to 1.
func emaWithFallback(closes []float64, period int, lastClose float64) float64 {
	if len(closes) < period {
		return lastClose
	}

	// talib.Ema returns one value per input bar; the warm-up bars before
	// `period` are NaN. Taking the last element sidesteps the NaN range.
	out := talib.Ema(closes, period)
	v := out[len(out)-1]
	if math.IsNaN(v) {
		return lastClose
	}
	return v
}

// rsi is a classic 14-period RSI, defaulting to 50.0 when the window is too
// short and to 100 when average loss is zero.
func rsi(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 50.0
	}

	var gainSum, lossSum float64
	start := len(closes) - period - 1
	for i := start + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta >= 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}

	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// atr is the mean true range over `period` bars, 0.0 when the
// window has fewer than 2 candles.
func atr(window []core.Candle, period int) float64 {
	if len(window) < 2 {
		return 0
	}

	n := period
	if n > len(window)-1 {
		n = len(window) - 1
	}

	start := len(window) - n
	var sum float64
	for i := start; i < len(window); i++ {
		sum += window[i].TrueRange(window[i-1].Close)
	}
	return sum / float64(n)
}

func bollingerUpper(closes []float64, lastClose float64) float64 {
	mean, sd, ok := bollingerStats(closes)
	if !ok {
		return lastClose
	}
	return mean + bollingerK*sd
}

func bollingerLower(closes []float64, lastClose float64) float64 {
	mean, sd, ok := bollingerStats(closes)
	if !ok {
		return lastClose
	}
	return mean - bollingerK*sd
}

func bollingerWidth(closes []float64, _ float64) float64 {
	mean, sd, ok := bollingerStats(closes)
	if !ok || mean == 0 {
		return 0
	}
	upper := mean + bollingerK*sd
	lower := mean - bollingerK*sd
	return (upper - lower) / mean
}

// bollingerStats returns the population mean and population standard
// deviation over the last bollingerPeriod closes. ok is false when the
// window is shorter than the period.
func bollingerStats(closes []float64) (mean, sd float64, ok bool) {
	if len(closes) < bollingerPeriod {
		return 0, 0, false
	}
	window := closes[len(closes)-bollingerPeriod:]
	mean = stat.Mean(window, nil)

	var sumSq float64
	for _, v := range window {
		d := v - mean
		sumSq += d * d
	}
	sd = math.Sqrt(sumSq / float64(len(window)))
	return mean, sd, true
}
