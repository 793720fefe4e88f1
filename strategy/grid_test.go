package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/logger/zerolog"
)

func getLog(t *testing.T) core.Logger {
	t.Helper()
	log, err := zerolog.New("error", "2006-01-02 15:04:05", false, false)
	require.NoError(t, err)
	return log
}

func tick(price float64) core.MarketDataEvent {
	return core.MarketDataEvent{Asset: "BTC", Price: price}
}

func TestGridInitialization(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:                "BTC",
		Levels:                4,
		RangePct:              10,
		TotalAllocation:       400,
		RebalanceThresholdPct: 15,
	}, getLog(t))

	signals := grid.GenerateSignals(tick(100), nil, core.Balance{Available: 1000})
	require.Len(t, signals, 4)
	assert.Equal(t, StateActive, grid.State())

	// min=90, max=110, geometric spacing across four levels.
	levels := grid.Levels()
	require.Len(t, levels, 4)
	ratio := math.Pow(110.0/90.0, 1.0/3.0)
	for i, level := range levels {
		expected := 90.0 * math.Pow(ratio, float64(i))
		assert.InDelta(t, expected, level.Price, 1e-9, "level %d price", i)
		assert.InDelta(t, 100.0/level.Price, level.Size, 1e-9, "level %d size", i)
		assert.Equal(t, level.Price < 100, level.IsBuyLevel, "level %d side", i)
	}

	// Buys strictly below center, sells strictly above; counts sum to N.
	var buys, sells int
	for _, s := range signals {
		switch s.Action {
		case core.SignalBuy:
			buys++
			assert.Less(t, s.Price, 100.0)
		case core.SignalSell:
			sells++
			assert.Greater(t, s.Price, 100.0)
		}
	}
	assert.Equal(t, 4, buys+sells)
}

func TestGridRebalanceTrigger(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:                "BTC",
		Levels:                4,
		RangePct:              10,
		TotalAllocation:       400,
		RebalanceThresholdPct: 15,
	}, getLog(t))

	grid.GenerateSignals(tick(100), nil, core.Balance{})
	require.Equal(t, StateActive, grid.State())

	// Exactly at the threshold: no rebalance.
	signals := grid.GenerateSignals(tick(115), nil, core.Balance{})
	assert.Empty(t, signals)

	// Strictly past the threshold: cancel-all first, then fresh levels.
	signals = grid.GenerateSignals(tick(115.01), nil, core.Balance{})
	require.NotEmpty(t, signals)
	assert.Equal(t, core.SignalCancelAll, signals[0].Action)
	assert.Len(t, signals, 5)
	assert.Equal(t, StateActive, grid.State())
}

func TestGridGenerateSignalsIsPureOnRepeat(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:                "BTC",
		Levels:                4,
		RangePct:              10,
		TotalAllocation:       400,
		RebalanceThresholdPct: 15,
	}, getLog(t))

	grid.GenerateSignals(tick(100), nil, core.Balance{})

	// Same price inside the band: always no signals, however often asked.
	for i := 0; i < 5; i++ {
		assert.Empty(t, grid.GenerateSignals(tick(101), nil, core.Balance{}))
	}
}

func TestGridOnTradeExecutedMarksLevelAndBooksProfit(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:                "BTC",
		Levels:                4,
		RangePct:              10,
		TotalAllocation:       400,
		RebalanceThresholdPct: 15,
	}, getLog(t))

	signals := grid.GenerateSignals(tick(100), nil, core.Balance{})
	require.NotEmpty(t, signals)

	var sell core.Signal
	for _, s := range signals {
		if s.Action == core.SignalSell {
			sell = s
			break
		}
	}
	require.Equal(t, core.SignalSell, sell.Action)

	grid.OnTradeExecuted(sell, sell.Price, sell.Size)
	assert.Equal(t, 1, grid.TotalTrades())
	assert.True(t, grid.Levels()[sell.LevelIndex].IsFilled)
}

func TestSingleTradeEntryRequiresBias(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:          "BTC",
		Levels:          1,
		TotalAllocation: 1000,
		TakeProfitPct:   0.05,
		StopLossPct:     0.05,
	}, getLog(t))

	assert.Empty(t, grid.GenerateSignals(tick(50000), nil, core.Balance{}))

	grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBullish})
	signals := grid.GenerateSignals(tick(50000), nil, core.Balance{})
	require.Len(t, signals, 1)

	entry := signals[0]
	assert.Equal(t, core.SignalBuy, entry.Action)
	assert.Equal(t, core.TradeRoleEntry, entry.Role)
	assert.InDelta(t, 1000.0/50000.0, entry.Size, 1e-12)
	assert.Equal(t, 50000.0, entry.Price)
}

func TestSingleTradeMaxUSDCapsEntry(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:          "BTC",
		Levels:          1,
		TotalAllocation: 1000,
		MaxUSDPerTrade:  250,
		TakeProfitPct:   0.05,
		StopLossPct:     0.05,
	}, getLog(t))

	grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBullish})
	signals := grid.GenerateSignals(tick(50000), nil, core.Balance{})
	require.Len(t, signals, 1)
	assert.InDelta(t, 250.0/50000.0, signals[0].Size, 1e-12)
}

func TestSingleTradeTakeProfitAndStopLoss(t *testing.T) {
	newEntered := func(t *testing.T) *Grid {
		grid := NewGrid(Config{
			Symbol:          "BTC",
			Levels:          1,
			TotalAllocation: 1000,
			TakeProfitPct:   0.05,
			StopLossPct:     0.05,
		}, getLog(t))

		grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBullish})
		signals := grid.GenerateSignals(tick(50000), nil, core.Balance{})
		require.Len(t, signals, 1)
		grid.OnTradeExecuted(signals[0], 50000, signals[0].Size)

		trade, ok := grid.ActiveTrade()
		require.True(t, ok)
		assert.InDelta(t, 52500.0, trade.TargetPrice, 1e-9)
		assert.InDelta(t, 47500.0, trade.StopPrice, 1e-9)
		return grid
	}

	t.Run("take profit", func(t *testing.T) {
		grid := newEntered(t)
		signals := grid.GenerateSignals(tick(52600), nil, core.Balance{})
		require.Len(t, signals, 1)
		assert.Equal(t, core.SignalSell, signals[0].Action)
		assert.Equal(t, core.TradeRoleExit, signals[0].Role)
		assert.Equal(t, "take-profit", signals[0].Reason)
		assert.Equal(t, 0.0, signals[0].Price, "exit goes out as a market order")

		grid.OnTradeExecuted(signals[0], 52600, signals[0].Size)
		_, ok := grid.ActiveTrade()
		assert.False(t, ok)
		assert.Equal(t, StateInitializing, grid.State())
	})

	t.Run("stop loss", func(t *testing.T) {
		grid := newEntered(t)
		signals := grid.GenerateSignals(tick(47400), nil, core.Balance{})
		require.Len(t, signals, 1)
		assert.Equal(t, core.SignalSell, signals[0].Action)
		assert.Equal(t, "stop-loss", signals[0].Reason)
	})

	t.Run("inside the band", func(t *testing.T) {
		grid := newEntered(t)
		assert.Empty(t, grid.GenerateSignals(tick(51000), nil, core.Balance{}))
	})
}

func TestSingleTradeBearishEntryAndExit(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:          "BTC",
		Levels:          1,
		TotalAllocation: 1000,
		TakeProfitPct:   0.05,
		StopLossPct:     0.05,
	}, getLog(t))

	grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBearish})
	signals := grid.GenerateSignals(tick(50000), nil, core.Balance{})
	require.Len(t, signals, 1)
	assert.Equal(t, core.SignalSell, signals[0].Action)

	grid.OnTradeExecuted(signals[0], 50000, signals[0].Size)
	trade, ok := grid.ActiveTrade()
	require.True(t, ok)
	assert.InDelta(t, 47500.0, trade.TargetPrice, 1e-9)
	assert.InDelta(t, 52500.0, trade.StopPrice, 1e-9)

	// Short take-profit exits with a buy.
	signals = grid.GenerateSignals(tick(47000), nil, core.Balance{})
	require.Len(t, signals, 1)
	assert.Equal(t, core.SignalBuy, signals[0].Action)
}

func TestSingleTradeOnlyOneActiveTrade(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:          "BTC",
		Levels:          1,
		TotalAllocation: 1000,
		TakeProfitPct:   0.05,
		StopLossPct:     0.05,
	}, getLog(t))

	grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBullish})
	signals := grid.GenerateSignals(tick(50000), nil, core.Balance{})
	require.Len(t, signals, 1)
	grid.OnTradeExecuted(signals[0], 50000, signals[0].Size)

	// With a trade open and price inside the band, no further entries.
	grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBullish})
	assert.Empty(t, grid.GenerateSignals(tick(50100), nil, core.Balance{}))
}

func TestUpdateContextFallbackChain(t *testing.T) {
	grid := NewGrid(Config{Symbol: "BTC", Levels: 1, TotalAllocation: 100}, getLog(t))

	// Explicit bias wins.
	grid.UpdateContext(core.MLSignal{PatternBias: core.BiasBearish, Probability: 0.9})
	assert.Equal(t, core.BiasBearish, grid.MarketBias())

	// Best predicted pattern's static bias.
	grid.UpdateContext(core.MLSignal{
		PatternPredictions: map[string]float64{"double_top": 0.8},
		Probability:        0.9,
	})
	assert.Equal(t, core.BiasBearish, grid.MarketBias())

	// Active-pattern inference.
	grid.UpdateContext(core.MLSignal{
		Patterns:    core.PatternFlags{"hammer": true},
		Probability: 0.5,
	})
	assert.Equal(t, core.BiasBullish, grid.MarketBias())

	// Probability threshold fallback.
	grid.UpdateContext(core.MLSignal{Probability: 0.7})
	assert.Equal(t, core.BiasBullish, grid.MarketBias())
	grid.UpdateContext(core.MLSignal{Probability: 0.3})
	assert.Equal(t, core.BiasBearish, grid.MarketBias())
	grid.UpdateContext(core.MLSignal{Probability: 0.5})
	assert.Equal(t, core.BiasType(""), grid.MarketBias())
}

func TestStopIsIdempotentAndSilences(t *testing.T) {
	grid := NewGrid(Config{
		Symbol:                "BTC",
		Levels:                4,
		RangePct:              10,
		TotalAllocation:       400,
		RebalanceThresholdPct: 15,
	}, getLog(t))

	grid.Stop()
	grid.Stop()
	assert.Equal(t, StateStopped, grid.State())
	assert.Empty(t, grid.GenerateSignals(tick(100), nil, core.Balance{}))
}

func TestNewFactory(t *testing.T) {
	_, err := New("basic_grid", Config{Symbol: "BTC", Levels: 2}, getLog(t))
	require.NoError(t, err)

	_, err = New("martingale", Config{}, getLog(t))
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
