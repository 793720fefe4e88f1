package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/indicator"
)

const epsilon = 1e-9

// WindowFeatures builds the main-model feature vector for a lookback window:
// six window statistics, the nine indicator values in core.IndicatorKeys
// order, and the eighteen pattern flags as 0/1 in core.PatternKeys order.
// The layout is positional and must stay stable for the life of a model.
func WindowFeatures(window []core.Candle) []float64 {
	closes := make([]float64, len(window))
	volumes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	lastClose := closes[len(closes)-1]
	prevClose := lastClose
	if len(closes) >= 2 {
		prevClose = closes[len(closes)-2]
	}
	firstClose := closes[0]

	var bodySum, rangeSum float64
	for _, c := range window {
		rng := math.Max(epsilon, c.High-c.Low)
		body := math.Abs(c.Close - c.Open)
		bodySum += body / math.Max(epsilon, c.Close)
		rangeSum += rng / math.Max(epsilon, c.Close)
	}
	n := float64(len(window))

	features := []float64{
		(lastClose - prevClose) / math.Max(epsilon, prevClose),  // momentum
		(lastClose - firstClose) / math.Max(epsilon, firstClose), // total return
		popStdDev(closes),
		bodySum / n,
		rangeSum / n,
		VolumeRatio(volumes),
	}

	features = append(features, indicator.ComputeIndicators(window).Ordered()...)
	features = append(features, indicator.DetectPatterns(window).Ordered()...)
	return features
}

// PatternFeatures builds the per-pattern-model feature vector: the indicator
// snapshot followed by the fixed gain/stop/lookback/horizon constants the
// pattern trainers bake into their datasets.
func PatternFeatures(snapshot core.IndicatorSnapshot, gainPct, stopPct float64, lookback, horizon int) []float64 {
	features := snapshot.Ordered()
	return append(features, gainPct, stopPct, float64(lookback), float64(horizon))
}

// VolumeRatio is the last bar's volume relative to the mean of the prior
// bars, 1.0 for a single-bar window.
func VolumeRatio(volumes []float64) float64 {
	if len(volumes) == 0 {
		return 0
	}
	last := volumes[len(volumes)-1]
	mean := last
	if len(volumes) > 1 {
		mean = stat.Mean(volumes[:len(volumes)-1], nil)
	}
	return last / math.Max(1e-6, mean)
}

// popStdDev is the population standard deviation. The trainers bake the
// population estimator into their datasets, so gonum's sample estimator
// would skew the feature.
func popStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := stat.Mean(values, nil)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
