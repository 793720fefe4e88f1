package ml

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/indicator"
)

// barsPerDay is the number of 15-minute bars in one day, used to size the
// multi-day context window.
const barsPerDay = 96

// Service evaluates the main classifier plus optional per-pattern
// classifiers over recent candles. Evaluate is CPU-bound; the engine runs
// it through a worker pool so its event loop stays responsive.
type Service struct {
	store     core.CandleStore
	main      core.PredictBinary
	patterns  map[string]core.PredictBinary
	symbol    string
	timeframe string

	lookback    int
	contextDays int
	gainPct     float64
	stopPct     float64
	horizon     int

	log core.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPatternModel registers a per-pattern classifier, consulted only on
// ticks where the pattern's detector fires.
func WithPatternModel(pattern string, model core.PredictBinary) ServiceOption {
	return func(s *Service) {
		s.patterns[pattern] = model
	}
}

// WithPatternConstants overrides the fixed gain/stop/horizon constants fed
// to pattern models as extra features.
func WithPatternConstants(gainPct, stopPct float64, horizon int) ServiceOption {
	return func(s *Service) {
		s.gainPct = gainPct
		s.stopPct = stopPct
		s.horizon = horizon
	}
}

// WithContextDays overrides the multi-day context window length.
func WithContextDays(days int) ServiceOption {
	return func(s *Service) {
		s.contextDays = days
	}
}

// NewService creates an ML signal service over a candle store and a loaded
// main model.
func NewService(
	store core.CandleStore,
	main core.PredictBinary,
	symbol, timeframe string,
	lookback int,
	log core.Logger,
	options ...ServiceOption,
) *Service {
	s := &Service{
		store:       store,
		main:        main,
		patterns:    make(map[string]core.PredictBinary),
		symbol:      symbol,
		timeframe:   timeframe,
		lookback:    lookback,
		contextDays: 7,
		gainPct:     0.05,
		stopPct:     0.05,
		horizon:     4,
		log:         log,
	}

	for _, option := range options {
		option(s)
	}
	return s
}

// Evaluate loads recent candles and produces one MLSignal. Fails with
// core.ErrNotEnoughData when fewer than lookback bars are available.
func (s *Service) Evaluate(ctx context.Context) (core.MLSignal, error) {
	limit := s.lookback + 20
	if ctxLimit := s.contextDays*barsPerDay + 20; ctxLimit > limit {
		limit = ctxLimit
	}

	candles, err := s.loadCandles(ctx, limit)
	if err != nil {
		return core.MLSignal{}, err
	}
	if len(candles) < s.lookback {
		return core.MLSignal{}, fmt.Errorf("ml service: have %d candles, need %d: %w",
			len(candles), s.lookback, core.ErrNotEnoughData)
	}

	window := candles[len(candles)-s.lookback:]
	features := WindowFeatures(window)
	_, probability, err := s.main.PredictProba(features)
	if err != nil {
		return core.MLSignal{}, fmt.Errorf("main model: %w", err)
	}

	patterns := indicator.DetectPatterns(window)
	snapshot := indicator.ComputeIndicators(window)

	predictions := make(map[string]float64)
	for pattern, model := range s.patterns {
		if !patterns[pattern] {
			continue
		}
		vector := PatternFeatures(snapshot, s.gainPct, s.stopPct, s.lookback, s.horizon)
		_, prob, err := model.PredictProba(vector)
		if err != nil {
			s.log.WithError(err).Warnf("pattern model %s failed", pattern)
			continue
		}
		predictions[pattern] = prob
	}

	signal := core.MLSignal{
		Probability:        probability,
		Patterns:           patterns,
		PatternPredictions: predictions,
		Indicators:         snapshot,
		VolumeRatio:        VolumeRatio(volumesOf(window)),
		Context:            s.buildContextSummary(candles),
		Timestamp:          window[len(window)-1].Time,
	}

	if best, ok := signal.BestPatternFromPredictions(); ok {
		signal.BestPattern = best
	}
	if bias, ok := s.resolveBias(signal.BestPattern, patterns); ok {
		signal.PatternBias = bias
	}
	return signal, nil
}

// resolveBias looks up the best pattern's static bias, falling back to an
// inference over the active patterns.
func (s *Service) resolveBias(bestPattern string, patterns core.PatternFlags) (core.BiasType, bool) {
	if bestPattern != "" {
		if bias, ok := indicator.PatternBias(bestPattern); ok {
			return bias, true
		}
	}
	return indicator.InferBias(patterns)
}

// buildContextSummary summarizes the last contextDays*96 bars: cumulative
// return, close volatility, average volume, range extremes, and a coarse
// trend tag.
func (s *Service) buildContextSummary(candles []core.Candle) core.ContextSummary {
	ctxLen := s.contextDays * barsPerDay
	if ctxLen > len(candles) {
		ctxLen = len(candles)
	}
	window := candles[len(candles)-ctxLen:]

	closes := make([]float64, len(window))
	volumes := make([]float64, len(window))
	high := window[0].High
	low := window[0].Low
	for i, c := range window {
		closes[i] = c.Close
		volumes[i] = c.Volume
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}

	totalReturn := (closes[len(closes)-1] - closes[0]) / math.Max(epsilon, closes[0])

	trend := core.TrendFlat
	if totalReturn > 0.02 {
		trend = core.TrendUp
	} else if totalReturn < -0.02 {
		trend = core.TrendDown
	}

	return core.ContextSummary{
		Candles:    ctxLen,
		Return:     totalReturn,
		Volatility: popStdDev(closes),
		AvgVolume:  stat.Mean(volumes, nil),
		High:       high,
		Low:        low,
		Trend:      trend,
	}
}

func (s *Service) loadCandles(ctx context.Context, limit int) ([]core.Candle, error) {
	candles, err := s.store.LoadRecent(ctx, s.symbol, s.timeframe, limit)
	if err == nil {
		return candles, nil
	}

	// A store holding fewer bars than the context window can still satisfy
	// the lookback requirement; retry with the minimum the model needs.
	if limit > s.lookback {
		candles, lerr := s.store.LoadRecent(ctx, s.symbol, s.timeframe, s.lookback)
		if lerr == nil {
			return candles, nil
		}
	}
	return nil, err
}

func volumesOf(window []core.Candle) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Volume
	}
	return out
}

var _ core.MLService = (*Service)(nil)
