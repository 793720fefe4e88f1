package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsense/tradingcore/core"
)

func candlesFromCloses(closes ...float64) []core.Candle {
	out := make([]core.Candle, len(closes))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = core.Candle{
			Pair:      "BTC",
			Timeframe: "15m",
			Time:      base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    100,
		}
	}
	return out
}

func TestComputeIndicators_ShortWindowDegradesGracefully(t *testing.T) {
	window := candlesFromCloses(100, 101, 102)
	snapshot := ComputeIndicators(window)

	// EMA falls back to the last close, RSI to its neutral default, MACD to
	// zero, Bollinger to a zero-width band at the close.
	assert.Equal(t, 102.0, snapshot.EMA12)
	assert.Equal(t, 102.0, snapshot.EMA26)
	assert.Equal(t, 1.0, snapshot.EMARatio)
	assert.Equal(t, 50.0, snapshot.RSI14)
	assert.Equal(t, 0.0, snapshot.MACD)
	assert.Equal(t, 102.0, snapshot.BBUpper)
	assert.Equal(t, 102.0, snapshot.BBLower)
	assert.Equal(t, 0.0, snapshot.BBWidth)
}

func TestComputeIndicators_EmptyWindow(t *testing.T) {
	snapshot := ComputeIndicators(nil)
	assert.True(t, snapshot.IsZero())
}

func TestRSI_AllGainsIs100(t *testing.T) {
	closes := make([]float64, 0, 30)
	for i := 0; i < 30; i++ {
		closes = append(closes, 100+float64(i))
	}
	window := candlesFromCloses(closes...)

	snapshot := ComputeIndicators(window)
	assert.Equal(t, 100.0, snapshot.RSI14)
}

func TestRSI_AllLossesNearZero(t *testing.T) {
	closes := make([]float64, 0, 30)
	for i := 0; i < 30; i++ {
		closes = append(closes, 200-float64(i))
	}
	window := candlesFromCloses(closes...)

	snapshot := ComputeIndicators(window)
	assert.InDelta(t, 0.0, snapshot.RSI14, 1e-9)
}

func TestComputeIndicators_MACDIsEMADifference(t *testing.T) {
	closes := make([]float64, 0, 60)
	for i := 0; i < 60; i++ {
		closes = append(closes, 100+float64(i)*0.5)
	}
	window := candlesFromCloses(closes...)

	snapshot := ComputeIndicators(window)
	assert.InDelta(t, snapshot.EMA12-snapshot.EMA26, snapshot.MACD, 1e-9)
	assert.Greater(t, snapshot.MACD, 0.0, "rising series should have positive MACD")
	assert.Greater(t, snapshot.EMARatio, 1.0)
}

func TestComputeIndicators_BollingerFlatSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100.0
	}
	window := candlesFromCloses(closes...)

	snapshot := ComputeIndicators(window)
	assert.InDelta(t, 100.0, snapshot.BBUpper, 1e-9)
	assert.InDelta(t, 100.0, snapshot.BBLower, 1e-9)
	assert.InDelta(t, 0.0, snapshot.BBWidth, 1e-9)
}

func TestComputeIndicators_ATRMeanTrueRange(t *testing.T) {
	window := []core.Candle{
		{Open: 100, High: 102, Low: 98, Close: 100},
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 103, Low: 97, Close: 101},
	}
	snapshot := ComputeIndicators(window)

	// Two true ranges available: max(101-99, |101-100|, |99-100|)=2 and
	// max(103-97, |103-100|, |97-100|)=6.
	assert.InDelta(t, 4.0, snapshot.ATR14, 1e-9)
}

func TestIndicatorSnapshot_OrderedMatchesKeys(t *testing.T) {
	require.Equal(t, []string{
		"ema_12", "ema_26", "ema_ratio", "rsi_14", "macd",
		"atr_14", "bb_upper", "bb_lower", "bb_width",
	}, core.IndicatorKeys)

	snapshot := core.IndicatorSnapshot{
		EMA12: 1, EMA26: 2, EMARatio: 3, RSI14: 4, MACD: 5,
		ATR14: 6, BBUpper: 7, BBLower: 8, BBWidth: 9,
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, snapshot.Ordered())
}
