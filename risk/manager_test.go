package risk

import (
	"testing"
	"time"

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

func marketAt(asset string, price float64) map[string]core.MarketDataEvent {
	return map[string]core.MarketDataEvent{
		asset: {Asset: asset, Price: price, Timestamp: time.Now()},
	}
}

func TestDrawdownBreachIsEmergencyExit(t *testing.T) {
	manager := NewManager(Config{MaxDrawdownPct: 20}, getLog(t))

	events := manager.Evaluate(nil, marketAt("BTC", 50000), core.AccountMetrics{DrawdownPct: 25})
	require.Len(t, events, 1)
	assert.Equal(t, core.RiskActionEmergencyExit, events[0].Action)
	assert.Equal(t, "max_drawdown", events[0].RuleName)

	// At or below the limit: nothing fires.
	events = manager.Evaluate(nil, marketAt("BTC", 50000), core.AccountMetrics{DrawdownPct: 20})
	assert.Empty(t, events)
}

func TestEmergencyExitPreemptsOtherRules(t *testing.T) {
	manager := NewManager(Config{
		MaxDrawdownPct:  20,
		StopLossEnabled: true,
		StopLossPct:     5,
	}, getLog(t))

	positions := []core.Position{{Asset: "BTC", Size: 1, EntryPrice: 50000}}
	events := manager.Evaluate(positions, marketAt("BTC", 40000), core.AccountMetrics{DrawdownPct: 30})

	require.Len(t, events, 1, "an emergency exit stands alone")
	assert.Equal(t, core.RiskActionEmergencyExit, events[0].Action)
}

func TestStopLossClosesLosingLong(t *testing.T) {
	manager := NewManager(Config{StopLossEnabled: true, StopLossPct: 5}, getLog(t))
	positions := []core.Position{{Asset: "BTC", Size: 1, EntryPrice: 50000}}

	// Down 6% from entry.
	events := manager.Evaluate(positions, marketAt("BTC", 47000), core.AccountMetrics{})
	require.Len(t, events, 1)
	assert.Equal(t, core.RiskActionClosePosition, events[0].Action)
	assert.Equal(t, "stop_loss", events[0].RuleName)
	assert.Equal(t, "BTC", events[0].Asset)

	// Down 4%: inside tolerance.
	events = manager.Evaluate(positions, marketAt("BTC", 48000), core.AccountMetrics{})
	assert.Empty(t, events)
}

func TestStopLossClosesLosingShort(t *testing.T) {
	manager := NewManager(Config{StopLossEnabled: true, StopLossPct: 5}, getLog(t))
	positions := []core.Position{{Asset: "BTC", Size: -1, EntryPrice: 50000}}

	// Price up 6% is a 6% loss for the short.
	events := manager.Evaluate(positions, marketAt("BTC", 53000), core.AccountMetrics{})
	require.Len(t, events, 1)
	assert.Equal(t, "stop_loss", events[0].RuleName)
}

func TestTakeProfitClosesWinner(t *testing.T) {
	manager := NewManager(Config{TakeProfitEnabled: true, TakeProfitPct: 10}, getLog(t))
	positions := []core.Position{{Asset: "BTC", Size: 1, EntryPrice: 50000}}

	events := manager.Evaluate(positions, marketAt("BTC", 56000), core.AccountMetrics{})
	require.Len(t, events, 1)
	assert.Equal(t, core.RiskActionClosePosition, events[0].Action)
	assert.Equal(t, "take_profit", events[0].RuleName)
}

func TestConcentrationBreachReducesPosition(t *testing.T) {
	manager := NewManager(Config{MaxSinglePositionPct: 25}, getLog(t))
	positions := []core.Position{{Asset: "BTC", Size: 1, EntryPrice: 50000, CurrentValue: 50000}}

	events := manager.Evaluate(positions, marketAt("BTC", 50000),
		core.AccountMetrics{LargestPositionPct: 0.30})
	require.Len(t, events, 1)
	assert.Equal(t, core.RiskActionReducePosition, events[0].Action)
	assert.Equal(t, "BTC", events[0].Asset)

	events = manager.Evaluate(positions, marketAt("BTC", 50000),
		core.AccountMetrics{LargestPositionPct: 0.20})
	assert.Empty(t, events)
}

func TestStaleOrderSweep(t *testing.T) {
	manager := NewManager(Config{StaleOrderAge: time.Hour}, getLog(t))

	manager.ObservePendingOrders(time.Now().Add(-2 * time.Hour))
	events := manager.Evaluate(nil, marketAt("BTC", 50000), core.AccountMetrics{})
	require.Len(t, events, 1)
	assert.Equal(t, core.RiskActionCancelOrders, events[0].Action)

	manager.ObservePendingOrders(time.Now().Add(-time.Minute))
	events = manager.Evaluate(nil, marketAt("BTC", 50000), core.AccountMetrics{})
	assert.Empty(t, events)
}

func TestFlatPositionsAndUnknownAssetsAreIgnored(t *testing.T) {
	manager := NewManager(Config{StopLossEnabled: true, StopLossPct: 5}, getLog(t))

	positions := []core.Position{
		{Asset: "BTC", Size: 0, EntryPrice: 50000},
		{Asset: "ETH", Size: 1, EntryPrice: 3000}, // no market data for ETH
	}
	events := manager.Evaluate(positions, marketAt("BTC", 40000), core.AccountMetrics{})
	assert.Empty(t, events)
}
