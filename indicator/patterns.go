package indicator

import (
	"math"
	"sort"

	"github.com/gridsense/tradingcore/core"
)

// biasTable maps each pattern name to the bullish/bearish bias a detection
// implies. The bearish set names "pennant_bearish", a key no detector ever
// emits; the bias-inference fallback chain (InferBias) simply never matches
// it.
var biasTable = map[string]core.BiasType{
	"hammer":                     core.BiasBullish,
	"bullish_engulfing":          core.BiasBullish,
	"morning_star":               core.BiasBullish,
	"double_bottom":              core.BiasBullish,
	"inverse_head_and_shoulders": core.BiasBullish,
	"ascending_triangle":         core.BiasBullish,
	"pennant":                    core.BiasBullish,
	"triangle":                   core.BiasBullish,
	"doji":                       core.BiasBullish,
	"pin_bar":                    core.BiasBullish,

	"bearish_engulfing":   core.BiasBearish,
	"evening_star":        core.BiasBearish,
	"double_top":          core.BiasBearish,
	"head_and_shoulders":  core.BiasBearish,
	"descending_triangle": core.BiasBearish,
	"hanging_man":         core.BiasBearish,
	"pennant_bearish":     core.BiasBearish,
}

// PatternBias looks up the static bias for a pattern name. ok is false for
// neutral patterns (flag, channel) or unknown names.
func PatternBias(pattern string) (core.BiasType, bool) {
	b, ok := biasTable[pattern]
	return b, ok
}

// InferBias derives a bias from a set of active patterns when no
// best-pattern model prediction is available: the first active pattern (in
// PatternKeys order) carrying a bias wins.
func InferBias(patterns core.PatternFlags) (core.BiasType, bool) {
	for _, name := range patterns.ActivePatterns() {
		if b, ok := biasTable[name]; ok {
			return b, true
		}
	}
	return "", false
}

const channelTolerance = 0.02

// DetectPatterns evaluates the full fixed catalog of candlestick/chart
// pattern predicates over a window of candles, in ascending time order.
func DetectPatterns(window []core.Candle) core.PatternFlags {
	flags := make(core.PatternFlags, len(core.PatternKeys))
	if len(window) == 0 {
		return flags
	}

	last := window[len(window)-1]

	flags["hammer"] = isHammer(last)
	flags["hanging_man"] = isHangingMan(window)
	flags["doji"] = isDoji(last, 0.10)
	flags["pin_bar"] = isPinBar(last)

	if len(window) >= 2 {
		prev := window[len(window)-2]
		flags["bullish_engulfing"] = isBullishEngulfing(prev, last)
		flags["bearish_engulfing"] = isBearishEngulfing(prev, last)
	}

	if len(window) >= 3 {
		three := window[len(window)-3:]
		flags["morning_star"] = isMorningStar(three)
		flags["evening_star"] = isEveningStar(three)
	}

	flags["double_bottom"] = isDoubleExtreme(window, 20, false)
	flags["double_top"] = isDoubleExtreme(window, 20, true)

	flags["head_and_shoulders"] = isHeadAndShoulders(window, 30, true)
	flags["inverse_head_and_shoulders"] = isHeadAndShoulders(window, 30, false)

	flags["triangle"] = isTriangle(window, 20)
	flags["ascending_triangle"] = isAscendingTriangle(window, 20)
	flags["descending_triangle"] = isDescendingTriangle(window, 20)

	flags["flag"] = isFlag(window, 10)
	flags["pennant"] = isPennant(window)
	flags["channel"] = isChannel(window, 20, channelTolerance)

	return flags
}

// --- single-candle predicates ---

func isHammer(c core.Candle) bool {
	rng := c.High - c.Low
	if rng == 0 {
		return false
	}
	body := math.Abs(c.Close - c.Open)
	upperShadow := c.High - math.Max(c.Open, c.Close)
	lowerShadow := math.Min(c.Open, c.Close) - c.Low

	if body == 0 {
		return lowerShadow > 0 && upperShadow <= 0.5*lowerShadow && lowerShadow/rng <= 0.4
	}

	return lowerShadow >= 2*body && upperShadow <= 0.5*body && body/rng <= 0.4
}

// isHangingMan requires a prior uptrend (trend strength over the closes
// preceding the candle) combined with a hammer-shaped candle.
func isHangingMan(window []core.Candle) bool {
	if len(window) < 6 {
		return false
	}
	last := window[len(window)-1]
	if !isHammer(last) {
		return false
	}
	return trendStrength(window[len(window)-6:len(window)-1]) > 0.03
}

func isDoji(c core.Candle, threshold float64) bool {
	rng := c.High - c.Low
	if rng == 0 {
		return true
	}
	body := math.Abs(c.Close - c.Open)
	return body/rng <= threshold
}

// isPinBar requires exactly one of the shadows to be at least 2x the body
// (XOR).
func isPinBar(c core.Candle) bool {
	body := math.Abs(c.Close - c.Open)
	if body == 0 {
		return false
	}
	upperShadow := c.High - math.Max(c.Open, c.Close)
	lowerShadow := math.Min(c.Open, c.Close) - c.Low

	upperQualifies := upperShadow >= 2*body
	lowerQualifies := lowerShadow >= 2*body
	return upperQualifies != lowerQualifies
}

// --- two-candle predicates ---

func isBullishEngulfing(prev, cur core.Candle) bool {
	prevBearish := prev.Close < prev.Open
	curBullish := cur.Close > cur.Open
	if !prevBearish || !curBullish {
		return false
	}
	prevBody := math.Abs(prev.Close - prev.Open)
	curBody := math.Abs(cur.Close - cur.Open)
	return curBody > prevBody && cur.Open <= prev.Close && cur.Close >= prev.Open
}

func isBearishEngulfing(prev, cur core.Candle) bool {
	prevBullish := prev.Close > prev.Open
	curBearish := cur.Close < cur.Open
	if !prevBullish || !curBearish {
		return false
	}
	prevBody := math.Abs(prev.Close - prev.Open)
	curBody := math.Abs(cur.Close - cur.Open)
	return curBody > prevBody && cur.Open >= prev.Close && cur.Close <= prev.Open
}

// --- three-candle predicates ---

func isMorningStar(three []core.Candle) bool {
	first, mid, third := three[0], three[1], three[2]
	if first.Close >= first.Open { // first candle must be bearish
		return false
	}
	if !isDoji(mid, 0.20) {
		return false
	}
	midpoint := (first.Open + first.Close) / 2
	return third.Close > midpoint && third.Close > third.Open
}

func isEveningStar(three []core.Candle) bool {
	first, mid, third := three[0], three[1], three[2]
	if first.Close <= first.Open { // first candle must be bullish
		return false
	}
	if !isDoji(mid, 0.20) {
		return false
	}
	midpoint := (first.Open + first.Close) / 2
	return third.Close < midpoint && third.Close < third.Open
}

// --- multi-bar chart patterns ---

const extremeTolerance = 0.01

// isDoubleExtreme reports whether the two largest (double top) or two
// smallest (double bottom) of the last `lookback` closes sit within 1% of
// each other, position in the window notwithstanding.
func isDoubleExtreme(window []core.Candle, lookback int, top bool) bool {
	closes := lastCloses(window, lookback)
	if len(closes) < 5 {
		return false
	}

	sorted := make([]float64, len(closes))
	copy(sorted, closes)
	sort.Float64s(sorted)

	a, b := sorted[0], sorted[1]
	if top {
		a, b = sorted[len(sorted)-1], sorted[len(sorted)-2]
	}
	return math.Abs(a-b)/math.Max(1, math.Abs(a)) <= extremeTolerance
}

// isHeadAndShoulders splits the last `lookback` highs (or lows, for the
// inverse pattern) into thirds; the middle third's extreme must strictly
// exceed both side thirds, and the sides must differ by at most 5%.
func isHeadAndShoulders(window []core.Candle, lookback int, top bool) bool {
	if len(window) < lookback {
		return false
	}
	recent := window[len(window)-lookback:]
	third := lookback / 3

	left := recent[:third]
	mid := recent[third : 2*third]
	right := recent[2*third:]

	if top {
		leftMax := maxHigh(left)
		midMax := maxHigh(mid)
		rightMax := maxHigh(right)
		if midMax <= leftMax || midMax <= rightMax {
			return false
		}
		return withinTolerance(leftMax, rightMax, 0.05)
	}

	leftMin := minLow(left)
	midMin := minLow(mid)
	rightMin := minLow(right)
	if midMin >= leftMin || midMin >= rightMin {
		return false
	}
	return withinTolerance(leftMin, rightMin, 0.05)
}

// isTriangle requires a falling upper trend and a rising lower trend,
// measured as the plain endpoint difference over the last `lookback` bars.
func isTriangle(window []core.Candle, lookback int) bool {
	highs := lastHighs(window, lookback)
	lows := lastLows(window, lookback)
	if len(highs) < 5 || len(lows) < 5 {
		return false
	}
	upperTrend := highs[len(highs)-1] - highs[0]
	lowerTrend := lows[len(lows)-1] - lows[0]
	return upperTrend < 0 && lowerTrend > 0
}

// isAscendingTriangle requires a flat upper resistance (high span within 1%
// of the top) and a lower support ending above where it started.
func isAscendingTriangle(window []core.Candle, lookback int) bool {
	highs := lastHighs(window, lookback)
	lows := lastLows(window, lookback)
	if len(highs) < 5 || len(lows) < 5 {
		return false
	}
	maxH, minH := maxOf(highs), minOf(highs)
	return math.Abs(maxH-minH) <= maxH*0.01 && lows[len(lows)-1] > lows[0]
}

// isDescendingTriangle requires a flat lower support (low span within 1% of
// the top low, floored at 1.0)
// and an upper resistance ending below where it started.
func isDescendingTriangle(window []core.Candle, lookback int) bool {
	highs := lastHighs(window, lookback)
	lows := lastLows(window, lookback)
	if len(highs) < 5 || len(lows) < 5 {
		return false
	}
	maxL, minL := maxOf(lows), minOf(lows)
	return math.Abs(maxL-minL) <= math.Max(1, maxL)*0.01 && highs[len(highs)-1] < highs[0]
}

// isPennant is a triangle over the last 6 bars.
func isPennant(window []core.Candle) bool {
	if len(window) < 6 {
		return false
	}
	return isTriangle(window, 6)
}

// isFlag requires a strong move (>5%) in the first half of the last
// `lookback` bars followed by consolidation (<1%) in the second half.
func isFlag(window []core.Candle, lookback int) bool {
	closes := lastCloses(window, lookback)
	if len(closes) < lookback {
		return false
	}
	half := lookback / 2
	firstTrend := percentChange(closes[0], closes[half-1])
	secondTrend := percentChange(closes[half], closes[len(closes)-1])
	return math.Abs(firstTrend) > 0.05 && math.Abs(secondTrend) < 0.01
}

// isChannel requires the upper and lower trend lines to run near-parallel:
// the per-bar endpoint slopes of highs and lows differ by at most
// tolerance times the upper slope's magnitude, floored at 1.
func isChannel(window []core.Candle, lookback int, tolerance float64) bool {
	highs := lastHighs(window, lookback)
	lows := lastLows(window, lookback)
	if len(highs) < 6 || len(lows) < 6 {
		return false
	}
	highSlope := (highs[len(highs)-1] - highs[0]) / float64(len(highs))
	lowSlope := (lows[len(lows)-1] - lows[0]) / float64(len(lows))
	return math.Abs(highSlope-lowSlope) <= tolerance*math.Max(1, math.Abs(highSlope))
}

// --- shared helpers ---

func lastCloses(window []core.Candle, n int) []float64 {
	if len(window) < n {
		n = len(window)
	}
	out := make([]float64, n)
	offset := len(window) - n
	for i := 0; i < n; i++ {
		out[i] = window[offset+i].Close
	}
	return out
}

func lastHighs(window []core.Candle, n int) []float64 {
	if len(window) < n {
		n = len(window)
	}
	out := make([]float64, n)
	offset := len(window) - n
	for i := 0; i < n; i++ {
		out[i] = window[offset+i].High
	}
	return out
}

func lastLows(window []core.Candle, n int) []float64 {
	if len(window) < n {
		n = len(window)
	}
	out := make([]float64, n)
	offset := len(window) - n
	for i := 0; i < n; i++ {
		out[i] = window[offset+i].Low
	}
	return out
}

func maxHigh(cs []core.Candle) float64 {
	m := cs[0].High
	for _, c := range cs[1:] {
		if c.High > m {
			m = c.High
		}
	}
	return m
}

func minLow(cs []core.Candle) float64 {
	m := cs[0].Low
	for _, c := range cs[1:] {
		if c.Low < m {
			m = c.Low
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func percentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from
}

func withinTolerance(a, b, tolerance float64) bool {
	if a == 0 {
		return b == 0
	}
	return math.Abs(a-b)/math.Abs(a) <= tolerance
}

// trendStrength is the percent change across a slice of candle closes,
// used by the hanging-man prior-uptrend check.
func trendStrength(cs []core.Candle) float64 {
	if len(cs) < 2 {
		return 0
	}
	return percentChange(cs[0].Close, cs[len(cs)-1].Close)
}
