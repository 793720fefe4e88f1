// Package strategy implements the grid / single-trade strategy state
// machine. Levels >= 2 runs a geometric grid of resting limit orders
// rebalanced around a moving center; levels == 1 runs one directional trade
// at a time, entered on market bias and exited on take-profit or stop-loss.
package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/indicator"
)

// State is the grid lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateRebalancing  State = "rebalancing"
	StateStopped      State = "stopped"
)

// Level is one grid level. The level set is rebuilt on (re)initialization
// and never mutated in place except IsFilled.
type Level struct {
	Price      float64
	Size       float64
	LevelIndex int
	IsBuyLevel bool
	IsFilled   bool
}

// ActiveTrade tracks the single open trade in single-trade mode.
type ActiveTrade struct {
	Bias        core.BiasType
	Size        float64
	EntryPrice  float64
	TargetPrice float64
	StopPrice   float64
}

// Config is the strategy configuration.
type Config struct {
	Symbol          string
	Levels          int
	RangePct        float64
	TotalAllocation float64

	// Price bounds; zero means derive from RangePct around the first price.
	MinPrice float64
	MaxPrice float64

	RebalanceThresholdPct float64
	RebalanceCooldown     time.Duration

	TakeProfitPct  float64
	StopLossPct    float64
	MaxUSDPerTrade float64
}

// Grid is the grid / single-trade strategy. GenerateSignals is pure with
// respect to the internal state: identical inputs after identical history
// produce identical outputs.
type Grid struct {
	mu sync.Mutex

	cfg Config
	log core.Logger

	active      bool
	state       State
	centerPrice float64
	levels      []Level

	marketBias  core.BiasType
	activeTrade *ActiveTrade

	lastRebalance time.Time
	totalTrades   int
	totalProfit   float64

	now func() time.Time
}

// NewGrid creates a grid strategy in the Initializing state.
func NewGrid(cfg Config, log core.Logger) *Grid {
	return &Grid{
		cfg:    cfg,
		log:    log,
		active: true,
		state:  StateInitializing,
		now:    time.Now,
	}
}

// New is the strategy factory the engine initializes through.
func New(strategyType string, cfg Config, log core.Logger) (core.Strategy, error) {
	switch strategyType {
	case "basic_grid", "grid":
		return NewGrid(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown strategy type %q: %w", strategyType, core.ErrInvalidConfig)
	}
}

// UpdateContext derives the market bias from the latest ML signal: the
// signal's own pattern bias, else the best predicted pattern's static bias,
// else an inference over the active patterns, else a probability-threshold
// fallback.
func (g *Grid) UpdateContext(signal core.MLSignal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bias := signal.PatternBias
	if bias == "" {
		if best, ok := signal.BestPatternFromPredictions(); ok {
			bias, _ = indicator.PatternBias(best)
		} else if inferred, ok := indicator.InferBias(signal.Patterns); ok {
			bias = inferred
		}
	}
	if bias != "" {
		g.marketBias = bias
		return
	}

	switch {
	case signal.Probability >= 0.6:
		g.marketBias = core.BiasBullish
	case signal.Probability <= 0.4:
		g.marketBias = core.BiasBearish
	default:
		g.marketBias = ""
	}
}

// GenerateSignals computes the signals for one price update.
func (g *Grid) GenerateSignals(market core.MarketDataEvent, _ []core.Position, _ core.Balance) []core.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return nil
	}

	price := market.Price
	if g.cfg.Levels == 1 {
		return g.singleTradeSignals(price)
	}

	switch {
	case g.state == StateInitializing:
		return g.initializeGrid(price)
	case g.state == StateActive && g.shouldRebalance(price):
		return g.rebalanceGrid(price)
	}
	return nil
}

// OnTradeExecuted is the single canonical fill hook, dispatched by mode:
// single-trade runs the entry/exit bookkeeping that drives the exit logic,
// grid marks the level filled and books an approximate profit on sells.
func (g *Grid) OnTradeExecuted(signal core.Signal, executedPrice, executedSize float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.totalTrades++

	if g.cfg.Levels == 1 {
		g.onSingleTradeExecuted(signal, executedPrice, executedSize)
		return
	}

	if signal.LevelIndex >= 0 && signal.LevelIndex < len(g.levels) {
		g.levels[signal.LevelIndex].IsFilled = true
	}
	if signal.Action == core.SignalSell {
		// No per-level cost basis on record; estimate the entry leg one
		// grid step below the executed price.
		buyPrice := executedPrice * 0.99
		g.totalProfit += (executedPrice - buyPrice) * executedSize
	}
}

// OnError logs execution failures for signals this strategy emitted.
func (g *Grid) OnError(err error, signal core.Signal) {
	g.log.WithError(err).
		WithField("action", string(signal.Action)).
		WithField("asset", signal.Asset).
		Error("strategy signal execution failed")
}

// Stop transitions the strategy to Stopped. Idempotent; a stopped strategy
// emits no further signals.
func (g *Grid) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
	g.state = StateStopped
}

// State returns the current lifecycle state.
func (g *Grid) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// MarketBias returns the externally observable bias set by UpdateContext.
func (g *Grid) MarketBias() core.BiasType {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marketBias
}

// ActiveTrade returns a copy of the open single-trade, if any.
func (g *Grid) ActiveTrade() (ActiveTrade, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeTrade == nil {
		return ActiveTrade{}, false
	}
	return *g.activeTrade, true
}

// Levels returns a copy of the current grid level set.
func (g *Grid) Levels() []Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Level, len(g.levels))
	copy(out, g.levels)
	return out
}

// TotalTrades returns the number of executed fills observed.
func (g *Grid) TotalTrades() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalTrades
}

// --- single-trade mode ---

func (g *Grid) singleTradeSignals(price float64) []core.Signal {
	if g.activeTrade != nil {
		if exit, ok := g.exitSignal(price); ok {
			return []core.Signal{exit}
		}
		return nil
	}

	if g.marketBias == "" {
		return nil
	}

	entry, ok := g.entrySignal(price)
	if !ok {
		return nil
	}
	g.state = StateActive
	return []core.Signal{entry}
}

func (g *Grid) entrySignal(price float64) (core.Signal, bool) {
	alloc := g.cfg.TotalAllocation
	if g.cfg.MaxUSDPerTrade > 0 && g.cfg.MaxUSDPerTrade < alloc {
		alloc = g.cfg.MaxUSDPerTrade
	}
	if alloc <= 0 || price <= 0 {
		return core.Signal{}, false
	}

	action := core.SignalBuy
	reason := "single-trade entry (bullish bias)"
	if g.marketBias == core.BiasBearish {
		action = core.SignalSell
		reason = "single-trade entry (bearish bias)"
	}

	return core.Signal{
		Action:     action,
		Asset:      g.cfg.Symbol,
		Size:       alloc / price,
		Price:      price,
		Reason:     reason,
		Role:       core.TradeRoleEntry,
		LevelIndex: -1,
	}, true
}

func (g *Grid) exitSignal(price float64) (core.Signal, bool) {
	trade := g.activeTrade

	exit := func(action core.SignalActionType, reason string) (core.Signal, bool) {
		return core.Signal{
			Action:     action,
			Asset:      g.cfg.Symbol,
			Size:       trade.Size,
			Reason:     reason,
			Role:       core.TradeRoleExit,
			LevelIndex: -1,
		}, true
	}

	if trade.Bias == core.BiasBullish {
		if price >= trade.TargetPrice {
			return exit(core.SignalSell, "take-profit")
		}
		if price <= trade.StopPrice {
			return exit(core.SignalSell, "stop-loss")
		}
	} else {
		if price <= trade.TargetPrice {
			return exit(core.SignalBuy, "take-profit")
		}
		if price >= trade.StopPrice {
			return exit(core.SignalBuy, "stop-loss")
		}
	}
	return core.Signal{}, false
}

func (g *Grid) onSingleTradeExecuted(signal core.Signal, executedPrice, executedSize float64) {
	switch signal.Role {
	case core.TradeRoleEntry:
		entryPrice := executedPrice
		if entryPrice == 0 {
			entryPrice = signal.Price
		}
		if entryPrice <= 0 {
			return
		}

		trade := &ActiveTrade{
			Size:       executedSize,
			EntryPrice: entryPrice,
		}
		if signal.Action == core.SignalBuy {
			trade.Bias = core.BiasBullish
			trade.TargetPrice = entryPrice * (1 + g.cfg.TakeProfitPct)
			trade.StopPrice = entryPrice * (1 - g.cfg.StopLossPct)
		} else {
			trade.Bias = core.BiasBearish
			trade.TargetPrice = entryPrice * (1 - g.cfg.TakeProfitPct)
			trade.StopPrice = entryPrice * (1 + g.cfg.StopLossPct)
		}
		g.activeTrade = trade

	case core.TradeRoleExit:
		g.activeTrade = nil
		g.state = StateInitializing
	}
}

// --- grid mode ---

func (g *Grid) initializeGrid(price float64) []core.Signal {
	g.centerPrice = price

	minPrice, maxPrice := g.cfg.MinPrice, g.cfg.MaxPrice
	if minPrice == 0 || maxPrice == 0 {
		rangeSize := price * (g.cfg.RangePct / 100)
		minPrice = price - rangeSize
		maxPrice = price + rangeSize
	}

	g.levels = g.buildLevels(minPrice, maxPrice, price)

	var signals []core.Signal
	for _, level := range g.levels {
		switch {
		case level.IsBuyLevel && level.Price < price:
			signals = append(signals, core.Signal{
				Action:     core.SignalBuy,
				Asset:      g.cfg.Symbol,
				Size:       level.Size,
				Price:      level.Price,
				Reason:     fmt.Sprintf("grid buy level at $%.2f", level.Price),
				LevelIndex: level.LevelIndex,
			})
		case !level.IsBuyLevel && level.Price > price:
			signals = append(signals, core.Signal{
				Action:     core.SignalSell,
				Asset:      g.cfg.Symbol,
				Size:       level.Size,
				Price:      level.Price,
				Reason:     fmt.Sprintf("grid sell level at $%.2f", level.Price),
				LevelIndex: level.LevelIndex,
			})
		}
	}

	if len(signals) > 0 {
		g.state = StateActive
	}
	return signals
}

// buildLevels creates the geometric level ladder: price_i = min *
// (max/min)^(i/(N-1)), each level sized to an equal USD slice of the total
// allocation.
func (g *Grid) buildLevels(minPrice, maxPrice, currentPrice float64) []Level {
	n := g.cfg.Levels
	if n < 2 {
		return nil
	}

	sizeUSD := g.cfg.TotalAllocation / float64(n)
	ratio := math.Pow(maxPrice/minPrice, 1/float64(n-1))

	levels := make([]Level, 0, n)
	for i := 0; i < n; i++ {
		price := minPrice * math.Pow(ratio, float64(i))
		levels = append(levels, Level{
			Price:      price,
			Size:       sizeUSD / price,
			LevelIndex: i,
			IsBuyLevel: price < currentPrice,
		})
	}
	return levels
}

func (g *Grid) shouldRebalance(price float64) bool {
	if g.centerPrice == 0 {
		return false
	}
	if g.cfg.RebalanceCooldown > 0 && !g.lastRebalance.IsZero() &&
		g.now().Sub(g.lastRebalance) < g.cfg.RebalanceCooldown {
		return false
	}

	movePct := math.Abs(price-g.centerPrice) / g.centerPrice * 100
	return movePct > g.cfg.RebalanceThresholdPct
}

// rebalanceGrid cancels every resting order and re-initializes the ladder
// at the new center, atomically from the engine's point of view: the
// cancel-all signal always precedes the fresh level signals.
func (g *Grid) rebalanceGrid(price float64) []core.Signal {
	g.state = StateRebalancing

	signals := []core.Signal{{
		Action:     core.SignalCancelAll,
		Asset:      g.cfg.Symbol,
		Reason:     "rebalancing grid",
		LevelIndex: -1,
	}}

	g.state = StateInitializing
	signals = append(signals, g.initializeGrid(price)...)

	g.lastRebalance = g.now()
	return signals
}

var _ core.Strategy = (*Grid)(nil)
