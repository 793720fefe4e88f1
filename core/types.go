package core

import "time"

// BiasType is the directional bias a pattern or ML signal can carry.
type BiasType string

const (
	BiasBullish BiasType = "bullish"
	BiasBearish BiasType = "bearish"
)

// TrendType classifies the multi-day context summary's trend.
type TrendType string

const (
	TrendUp      TrendType = "ALTA"
	TrendDown    TrendType = "BAIXA"
	TrendFlat    TrendType = "LATERAL"
)

// IndicatorKeys is the fixed, order-stable key list for IndicatorSnapshot.
// Downstream feature vectors concatenate indicator values positionally, so
// this order is part of the contract for the life of a model (I3).
var IndicatorKeys = []string{
	"ema_12", "ema_26", "ema_ratio", "rsi_14", "macd",
	"atr_14", "bb_upper", "bb_lower", "bb_width",
}

// IndicatorSnapshot is a fixed-schema record of the indicator vector. A
// struct rather than a map: Go map iteration order is randomized, and the
// feature layout must stay positionally stable.
type IndicatorSnapshot struct {
	EMA12    float64
	EMA26    float64
	EMARatio float64
	RSI14    float64
	MACD     float64
	ATR14    float64
	BBUpper  float64
	BBLower  float64
	BBWidth  float64
}

// Ordered returns the snapshot values in the IndicatorKeys order, for
// positional concatenation into ML feature vectors.
func (s IndicatorSnapshot) Ordered() []float64 {
	return []float64{
		s.EMA12, s.EMA26, s.EMARatio, s.RSI14, s.MACD,
		s.ATR14, s.BBUpper, s.BBLower, s.BBWidth,
	}
}

// IsZero reports whether the snapshot was never populated.
func (s IndicatorSnapshot) IsZero() bool {
	return s == IndicatorSnapshot{}
}

// PatternKeys is the fixed, order-stable catalog of candlestick/chart
// patterns detected by the indicator kit.
var PatternKeys = []string{
	"hammer", "hanging_man", "doji", "bullish_engulfing", "bearish_engulfing",
	"pin_bar", "morning_star", "evening_star", "double_bottom", "double_top",
	"head_and_shoulders", "inverse_head_and_shoulders", "triangle",
	"ascending_triangle", "descending_triangle", "flag", "pennant", "channel",
}

// PatternFlags is a boolean mapping over PatternKeys.
type PatternFlags map[string]bool

// Ordered returns the 18 pattern flags as 0.0/1.0 in PatternKeys order, for
// positional concatenation into ML feature vectors.
func (p PatternFlags) Ordered() []float64 {
	out := make([]float64, len(PatternKeys))
	for i, k := range PatternKeys {
		if p[k] {
			out[i] = 1
		}
	}
	return out
}

// ActivePatterns returns the names of patterns currently flagged true, in
// PatternKeys order (stable for deterministic "best pattern" tie-breaking).
func (p PatternFlags) ActivePatterns() []string {
	var out []string
	for _, k := range PatternKeys {
		if p[k] {
			out = append(out, k)
		}
	}
	return out
}

// ContextSummary is a multi-day statistical summary used to give the engine
// operator a plain-language read on conditions alongside the raw signal.
type ContextSummary struct {
	Candles   int
	Return    float64
	Volatility float64
	AvgVolume float64
	High      float64
	Low       float64
	Trend     TrendType
}

// MLSignal is the output of one ML Signal Service evaluation.
type MLSignal struct {
	Probability        float64
	Patterns           PatternFlags
	PatternPredictions map[string]float64
	Indicators         IndicatorSnapshot
	VolumeRatio        float64
	PatternBias        BiasType
	BestPattern        string
	Context            ContextSummary
	Timestamp          time.Time
}

// DecisionProbability returns max(PatternPredictions) if non-empty, else
// Probability — the figure the engine's entry threshold gates on.
func (s MLSignal) DecisionProbability() float64 {
	if len(s.PatternPredictions) == 0 {
		return s.Probability
	}
	best := 0.0
	first := true
	for _, p := range s.PatternPredictions {
		if first || p > best {
			best = p
			first = false
		}
	}
	return best
}

// BestPatternFromPredictions returns the pattern name with the highest
// predicted probability, following PatternKeys order to break ties
// deterministically, and whether any pattern predictions existed at all.
func (s MLSignal) BestPatternFromPredictions() (string, bool) {
	if len(s.PatternPredictions) == 0 {
		return "", false
	}
	best := ""
	bestVal := -1.0
	for _, k := range PatternKeys {
		if v, ok := s.PatternPredictions[k]; ok && v > bestVal {
			best = k
			bestVal = v
		}
	}
	return best, best != ""
}

// Position is a (possibly signed) holding in one asset.
type Position struct {
	Asset         string
	Size          float64
	EntryPrice    float64
	CurrentValue  float64
	UnrealizedPnL float64
	Timestamp     time.Time
}

func (p Position) IsLong() bool  { return p.Size > 0 }
func (p Position) IsShort() bool { return p.Size < 0 }
func (p Position) IsFlat() bool  { return p.Size == 0 }

// AccountMetrics is a point-in-time snapshot consumed by the risk manager.
type AccountMetrics struct {
	TotalValue         float64
	TotalPnL           float64
	UnrealizedPnL      float64
	RealizedPnL        float64
	DrawdownPct        float64
	PositionsCount     int
	LargestPositionPct float64
}

// RiskActionType is the fixed vocabulary of actions a risk rule can emit.
type RiskActionType string

const (
	RiskActionClosePosition   RiskActionType = "CLOSE_POSITION"
	RiskActionReducePosition  RiskActionType = "REDUCE_POSITION"
	RiskActionCancelOrders    RiskActionType = "CANCEL_ORDERS"
	RiskActionPauseTrading    RiskActionType = "PAUSE_TRADING"
	RiskActionEmergencyExit   RiskActionType = "EMERGENCY_EXIT"
)

// RiskEvent is emitted by the risk manager and executed by the engine before
// any strategy signal for the same tick.
type RiskEvent struct {
	RuleName string
	Asset    string
	Action   RiskActionType
	Reason   string
}

// SignalActionType is the action a strategy signal requests of the engine.
type SignalActionType string

const (
	SignalBuy       SignalActionType = "BUY"
	SignalSell      SignalActionType = "SELL"
	SignalCancelAll SignalActionType = "CANCEL_ALL"
)

// TradeRole marks a signal as the opening or closing leg of a single-trade
// round trip; grid signals leave it empty.
type TradeRole string

const (
	TradeRoleEntry TradeRole = "entry"
	TradeRoleExit  TradeRole = "exit"
)

// Signal is one instruction returned by strategy.GenerateSignals.
type Signal struct {
	Action     SignalActionType
	Asset      string
	Size       float64
	Price      float64 // zero means "market order"
	Reason     string
	Role       TradeRole
	LevelIndex int // grid level this signal belongs to, -1 otherwise
}

// Balance is the available funds for one asset.
type Balance struct {
	Asset     string
	Available float64
	Locked    float64
}

func (b Balance) Total() float64 { return b.Available + b.Locked }

// MarketDataEvent is a single price observation fed into the engine.
type MarketDataEvent struct {
	Asset     string
	Price     float64
	Volume24h float64
	Timestamp time.Time
}
