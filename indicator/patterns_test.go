package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsense/tradingcore/core"
)

func TestIsHammer(t *testing.T) {
	// Long lower shadow, small body near the top.
	hammer := core.Candle{Open: 100, High: 100.5, Low: 95, Close: 100.4}
	assert.True(t, isHammer(hammer))

	// Large-bodied candle is not a hammer.
	full := core.Candle{Open: 95, High: 100, Low: 95, Close: 100}
	assert.False(t, isHammer(full))
}

func TestIsDoji(t *testing.T) {
	doji := core.Candle{Open: 100, High: 101, Low: 99, Close: 100.05}
	assert.True(t, isDoji(doji, 0.10))

	body := core.Candle{Open: 100, High: 101, Low: 99, Close: 100.8}
	assert.False(t, isDoji(body, 0.10))
}

func TestIsPinBar_RequiresExactlyOneLongShadow(t *testing.T) {
	lower := core.Candle{Open: 100, High: 100.2, Low: 98, Close: 100.1}
	assert.True(t, isPinBar(lower))

	// Both shadows long: the XOR fails.
	both := core.Candle{Open: 100, High: 102, Low: 98, Close: 100.1}
	assert.False(t, isPinBar(both))
}

func TestEngulfing(t *testing.T) {
	prevBear := core.Candle{Open: 101, High: 101.5, Low: 99.5, Close: 100}
	curBull := core.Candle{Open: 99.8, High: 102, Low: 99.5, Close: 101.5}
	assert.True(t, isBullishEngulfing(prevBear, curBull))
	assert.False(t, isBearishEngulfing(prevBear, curBull))

	prevBull := core.Candle{Open: 100, High: 101.5, Low: 99.5, Close: 101}
	curBear := core.Candle{Open: 101.2, High: 101.5, Low: 98, Close: 99.5}
	assert.True(t, isBearishEngulfing(prevBull, curBear))
	assert.False(t, isBullishEngulfing(prevBull, curBear))
}

func TestMorningStar(t *testing.T) {
	three := []core.Candle{
		{Open: 105, High: 105.5, Low: 99.5, Close: 100},     // strong bearish
		{Open: 100, High: 100.6, Low: 99.4, Close: 100.05},  // doji
		{Open: 100, High: 104.5, Low: 99.8, Close: 104},     // bullish past midpoint
	}
	assert.True(t, isMorningStar(three))

	// Third candle fails to reclaim the first body's midpoint.
	weak := []core.Candle{three[0], three[1], {Open: 100, High: 101, Low: 99.8, Close: 100.5}}
	assert.False(t, isMorningStar(weak))
}

func TestDetectPatterns_CatalogIsComplete(t *testing.T) {
	window := candlesFromCloses(100, 101, 102, 101, 100, 99, 100, 101)
	flags := DetectPatterns(window)

	require.Len(t, flags, len(core.PatternKeys))
	for _, key := range core.PatternKeys {
		_, present := flags[key]
		assert.True(t, present, "pattern %s missing from detector output", key)
	}

	// The 0/1 encoding follows the catalog order positionally.
	assert.Len(t, flags.Ordered(), len(core.PatternKeys))
}

func TestPatternBias_StaticTable(t *testing.T) {
	bullish := []string{
		"hammer", "bullish_engulfing", "morning_star", "double_bottom",
		"inverse_head_and_shoulders", "ascending_triangle", "pennant",
		"triangle", "doji", "pin_bar",
	}
	for _, name := range bullish {
		bias, ok := PatternBias(name)
		require.True(t, ok, name)
		assert.Equal(t, core.BiasBullish, bias, name)
	}

	bearish := []string{
		"bearish_engulfing", "evening_star", "double_top",
		"head_and_shoulders", "descending_triangle", "hanging_man",
	}
	for _, name := range bearish {
		bias, ok := PatternBias(name)
		require.True(t, ok, name)
		assert.Equal(t, core.BiasBearish, bias, name)
	}

	// Neutral patterns carry no bias.
	for _, name := range []string{"flag", "channel"} {
		_, ok := PatternBias(name)
		assert.False(t, ok, name)
	}

	// The bearish table names pennant_bearish, a key no detector emits; the
	// lookup still resolves it.
	bias, ok := PatternBias("pennant_bearish")
	require.True(t, ok)
	assert.Equal(t, core.BiasBearish, bias)
	assert.NotContains(t, core.PatternKeys, "pennant_bearish")
}

func TestInferBias_FirstBiasedActivePatternWins(t *testing.T) {
	bias, ok := InferBias(core.PatternFlags{"flag": true, "double_top": true})
	require.True(t, ok)
	assert.Equal(t, core.BiasBearish, bias)

	_, ok = InferBias(core.PatternFlags{"flag": true, "channel": true})
	assert.False(t, ok)

	_, ok = InferBias(core.PatternFlags{})
	assert.False(t, ok)
}

func TestIsDoubleExtreme(t *testing.T) {
	// Two lowest closes within 1% of each other, wherever they sit.
	closes := []float64{
		100, 98, 96, 98, 100, 102, 103, 102, 100, 98,
		96.2, 98, 100, 101, 102, 101, 100, 99, 100, 101,
	}
	window := candlesFromCloses(closes...)
	assert.True(t, isDoubleExtreme(window, 20, false))

	// The check compares the two extreme raw values, not turning points: a
	// monotonic run still qualifies when its top two closes sit within 1%.
	mono := make([]float64, 20)
	for i := range mono {
		mono[i] = 100 + float64(i)
	}
	assert.True(t, isDoubleExtreme(candlesFromCloses(mono...), 20, true))

	// Two lowest values more than 1% apart.
	spread := []float64{
		100, 80, 110, 112, 114, 116, 118, 120, 122, 124,
		126, 128, 130, 132, 134, 136, 138, 140, 142, 144,
	}
	assert.False(t, isDoubleExtreme(candlesFromCloses(spread...), 20, false))

	// Fewer than five closes never qualifies.
	assert.False(t, isDoubleExtreme(candlesFromCloses(100, 100, 100, 100), 20, false))
}

func TestIsTriangleUsesEndpointTrend(t *testing.T) {
	window := make([]core.Candle, 20)
	for i := range window {
		// Highs converge down, lows converge up.
		window[i] = core.Candle{
			High: 110 - float64(i)*0.5,
			Low:  90 + float64(i)*0.5,
		}
	}
	assert.True(t, isTriangle(window, 20))

	// The trend is the endpoint difference alone: a spike in the middle
	// does not flip the classification.
	window[10].High = 200
	assert.True(t, isTriangle(window, 20))

	// Rising upper endpoint breaks the triangle.
	window[len(window)-1].High = 120
	assert.False(t, isTriangle(window, 20))
}

func TestAscendingAndDescendingTriangle(t *testing.T) {
	asc := make([]core.Candle, 20)
	for i := range asc {
		// Flat resistance (span within 1% of the top), rising support.
		asc[i] = core.Candle{
			High: 100 + float64(i%2)*0.5,
			Low:  80 + float64(i)*0.7,
		}
	}
	assert.True(t, isAscendingTriangle(asc, 20))
	assert.False(t, isDescendingTriangle(asc, 20))

	desc := make([]core.Candle, 20)
	for i := range desc {
		// Flat support, falling resistance.
		desc[i] = core.Candle{
			High: 120 - float64(i)*0.7,
			Low:  80 + float64(i%2)*0.3,
		}
	}
	assert.True(t, isDescendingTriangle(desc, 20))
	assert.False(t, isAscendingTriangle(desc, 20))
}

func TestIsChannel(t *testing.T) {
	parallel := make([]core.Candle, 20)
	for i := range parallel {
		parallel[i] = core.Candle{
			High: 110 + float64(i)*0.5,
			Low:  100 + float64(i)*0.5,
		}
	}
	assert.True(t, isChannel(parallel, 20, 0.02))

	diverging := make([]core.Candle, 20)
	for i := range diverging {
		diverging[i] = core.Candle{
			High: 110 + float64(i)*2.0,
			Low:  100 - float64(i)*2.0,
		}
	}
	assert.False(t, isChannel(diverging, 20, 0.02))
}
