package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/logger/zerolog"
	"github.com/gridsense/tradingcore/storage"
)

func getLog(t *testing.T) core.Logger {
	t.Helper()
	log, err := zerolog.New("error", "2006-01-02 15:04:05", false, false)
	require.NoError(t, err)
	return log
}

// fakeAdapter counts adapter calls and fills every order immediately.
type fakeAdapter struct {
	positions   []core.Position
	balance     core.Balance
	metrics     core.AccountMetrics
	placeResult string

	placed      []core.Order
	cancelAlls  int
	closes      []string
	disconnects int
	ops         []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		balance:     core.Balance{Asset: "USD", Available: 1000},
		placeResult: core.FilledOrderID,
	}
}

func (f *fakeAdapter) Connect(context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { f.disconnects++; return nil }

func (f *fakeAdapter) GetBalance(context.Context, string) (core.Balance, error) {
	return f.balance, nil
}
func (f *fakeAdapter) GetMarketPrice(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeAdapter) PlaceOrder(_ context.Context, order core.Order) (string, error) {
	f.placed = append(f.placed, order)
	return f.placeResult, nil
}

func (f *fakeAdapter) CancelOrder(context.Context, int64) (bool, error) { return true, nil }
func (f *fakeAdapter) CancelAllOrders(context.Context) (int, error) {
	f.cancelAlls++
	f.ops = append(f.ops, "cancel_all")
	return 0, nil
}
func (f *fakeAdapter) GetOrderStatus(context.Context, int64) (core.Order, error) {
	return core.Order{}, nil
}
func (f *fakeAdapter) GetPositions(context.Context) ([]core.Position, error) {
	return f.positions, nil
}
func (f *fakeAdapter) ClosePosition(_ context.Context, asset string, _ ...float64) (bool, error) {
	f.closes = append(f.closes, asset)
	f.ops = append(f.ops, "close:"+asset)
	return true, nil
}
func (f *fakeAdapter) GetAccountMetrics(context.Context) (core.AccountMetrics, error) {
	return f.metrics, nil
}
func (f *fakeAdapter) UpdatePrice(context.Context, float64) {}

// countingStrategy records GenerateSignals calls and replays scripted
// signals.
type countingStrategy struct {
	calls    int
	signals  []core.Signal
	executed []core.Signal
	stopped  int
}

func (s *countingStrategy) UpdateContext(core.MLSignal) {}
func (s *countingStrategy) GenerateSignals(core.MarketDataEvent, []core.Position, core.Balance) []core.Signal {
	s.calls++
	return s.signals
}
func (s *countingStrategy) OnTradeExecuted(signal core.Signal, _, _ float64) {
	s.executed = append(s.executed, signal)
}
func (s *countingStrategy) OnError(error, core.Signal) {}
func (s *countingStrategy) Stop()                      { s.stopped++ }

// scriptedML returns one queued signal per evaluation.
type scriptedML struct {
	queue []core.MLSignal
}

func (m *scriptedML) Evaluate(context.Context) (core.MLSignal, error) {
	if len(m.queue) == 0 {
		return core.MLSignal{}, core.ErrNotEnoughData
	}
	signal := m.queue[0]
	if len(m.queue) > 1 {
		m.queue = m.queue[1:]
	}
	return signal, nil
}

func bar(price float64) core.MarketDataEvent {
	return core.MarketDataEvent{Asset: "BTC", Price: price, Timestamp: time.Now()}
}

func newTestEngine(t *testing.T, cfg Config, adapter core.ExchangeAdapter, strat core.Strategy, options ...Option) *Engine {
	t.Helper()
	if cfg.Asset == "" {
		cfg.Asset = "BTC"
	}
	e, err := New(cfg, adapter, strat, getLog(t), options...)
	require.NoError(t, err)
	return e
}

func TestPatternConfirmationBlocksUntilReached(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	mlSvc := &scriptedML{queue: []core.MLSignal{{
		Probability:        0.72,
		PatternPredictions: map[string]float64{"double_bottom": 0.72},
		Patterns:           core.PatternFlags{"double_bottom": true},
		Indicators:         core.IndicatorSnapshot{RSI14: 60, MACD: 0.5, EMARatio: 1.01},
	}}}

	e := newTestEngine(t, Config{
		EnterThreshold:      0.6,
		PatternConfirmation: 2,
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 0, strat.calls, "first confirmation tick must not reach the strategy")

	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 1, strat.calls, "second consecutive tick passes the gate")
}

func TestBelowThresholdResetsConfirmation(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	confirming := core.MLSignal{
		PatternPredictions: map[string]float64{"double_bottom": 0.72},
		Patterns:           core.PatternFlags{"double_bottom": true},
	}
	weak := core.MLSignal{
		PatternPredictions: map[string]float64{"double_bottom": 0.30},
		Patterns:           core.PatternFlags{"double_bottom": true},
	}
	mlSvc := &scriptedML{queue: []core.MLSignal{confirming, weak, confirming, confirming}}

	e := newTestEngine(t, Config{
		EnterThreshold:      0.6,
		PatternConfirmation: 2,
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000))) // count 1
	require.NoError(t, e.OnPrice(ctx, bar(50000))) // below threshold: reset
	require.NoError(t, e.OnPrice(ctx, bar(50000))) // count 1 again
	assert.Equal(t, 0, strat.calls)

	require.NoError(t, e.OnPrice(ctx, bar(50000))) // count 2: pass
	assert.Equal(t, 1, strat.calls)
}

func TestConfirmationResetsOnPatternChange(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	first := core.MLSignal{
		PatternPredictions: map[string]float64{"double_bottom": 0.72},
		Patterns:           core.PatternFlags{"double_bottom": true},
	}
	other := core.MLSignal{
		PatternPredictions: map[string]float64{"hammer": 0.80},
		Patterns:           core.PatternFlags{"hammer": true},
	}
	mlSvc := &scriptedML{queue: []core.MLSignal{first, other, other}}

	e := newTestEngine(t, Config{
		EnterThreshold:      0.6,
		PatternConfirmation: 2,
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000))) // double_bottom 1/2
	require.NoError(t, e.OnPrice(ctx, bar(50000))) // hammer 1/2 (name changed)
	assert.Equal(t, 0, strat.calls)

	require.NoError(t, e.OnPrice(ctx, bar(50000))) // hammer 2/2
	assert.Equal(t, 1, strat.calls)
}

func TestIndicatorFilterBlocksThenPasses(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	blocked := core.MLSignal{
		Probability:        0.75,
		PatternPredictions: map[string]float64{"double_bottom": 0.75},
		Patterns:           core.PatternFlags{"double_bottom": true},
		Indicators:         core.IndicatorSnapshot{RSI14: 48, MACD: 0.05, EMARatio: 1.00},
	}
	allowed := core.MLSignal{
		Probability:        0.75,
		PatternPredictions: map[string]float64{"double_bottom": 0.75},
		Patterns:           core.PatternFlags{"double_bottom": true},
		Indicators:         core.IndicatorSnapshot{RSI14: 60, MACD: 0.2, EMARatio: 1.01},
	}
	mlSvc := &scriptedML{queue: []core.MLSignal{blocked, allowed}}

	e := newTestEngine(t, Config{
		EnterThreshold:      0.6,
		PatternConfirmation: 1,
		Filter: FilterConfig{
			Enabled:    true,
			RSIBuyMin:  55,
			RSISellMax: 45,
			MACDMargin: 0.1,
		},
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 0, strat.calls)

	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 1, strat.calls)
}

func TestIndicatorFilterBearishChecks(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	blocked := core.MLSignal{
		PatternPredictions: map[string]float64{"double_top": 0.8},
		Patterns:           core.PatternFlags{"double_top": true},
		Indicators:         core.IndicatorSnapshot{RSI14: 50, MACD: -0.2, EMARatio: 0.99},
	}
	allowed := core.MLSignal{
		PatternPredictions: map[string]float64{"double_top": 0.8},
		Patterns:           core.PatternFlags{"double_top": true},
		Indicators:         core.IndicatorSnapshot{RSI14: 40, MACD: -0.2, EMARatio: 0.99},
	}
	mlSvc := &scriptedML{queue: []core.MLSignal{blocked, allowed}}

	e := newTestEngine(t, Config{
		EnterThreshold:      0.6,
		PatternConfirmation: 1,
		Filter: FilterConfig{
			Enabled:    true,
			RSIBuyMin:  55,
			RSISellMax: 45,
			MACDMargin: 0.1,
		},
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 0, strat.calls, "RSI 50 > sell max 45 blocks the bearish entry")

	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 1, strat.calls)
}

func TestVolumeRatioAndBBWidthFloors(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	thin := core.MLSignal{
		PatternPredictions: map[string]float64{"double_bottom": 0.8},
		Patterns:           core.PatternFlags{"double_bottom": true},
		Indicators:         core.IndicatorSnapshot{RSI14: 60, MACD: 0.5, EMARatio: 1.02, BBWidth: 0.05},
		VolumeRatio:        0.5,
	}
	liquid := thin
	liquid.VolumeRatio = 2.0
	mlSvc := &scriptedML{queue: []core.MLSignal{thin, liquid}}

	e := newTestEngine(t, Config{
		EnterThreshold:      0.6,
		PatternConfirmation: 1,
		Filter: FilterConfig{
			Enabled:        true,
			RSIBuyMin:      55,
			RSISellMax:     45,
			VolumeRatioMin: 1.0,
			BBWidthMin:     0.01,
		},
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 0, strat.calls)

	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 1, strat.calls)
}

func TestFilledOrderNotifiesStrategyImmediately(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{signals: []core.Signal{{
		Action: core.SignalBuy,
		Asset:  "BTC",
		Size:   0.001,
		Price:  50000,
	}}}

	e := newTestEngine(t, Config{}, adapter, strat)

	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))
	require.Len(t, adapter.placed, 1)
	assert.Equal(t, core.OrderTypeLimit, adapter.placed[0].Type)
	require.Len(t, strat.executed, 1)
	assert.Equal(t, core.SignalBuy, strat.executed[0].Action)
	assert.Equal(t, 1, e.TotalTrades())
}

func TestSubmittedOrderRestsInPendingSet(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.placeResult = "12345"
	strat := &countingStrategy{signals: []core.Signal{{
		Action: core.SignalSell,
		Asset:  "BTC",
		Size:   0.001,
		Price:  51000,
	}}}

	e := newTestEngine(t, Config{}, adapter, strat)

	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))
	assert.Empty(t, strat.executed)
	assert.Equal(t, 0, e.TotalTrades())

	pending := e.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(12345), pending[0].ExchangeOrderID)
	assert.Equal(t, core.OrderStatusTypeSubmitted, pending[0].Status)
}

func TestStalePendingOrdersArePurged(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.placeResult = "777"
	strat := &countingStrategy{signals: []core.Signal{{
		Action: core.SignalBuy,
		Asset:  "BTC",
		Size:   0.001,
		Price:  50000,
	}}}

	e := newTestEngine(t, Config{StaleOrderAge: time.Hour}, adapter, strat)

	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))
	require.Len(t, e.PendingOrders(), 1)

	// Fast-forward past the stale age; the sweep never asks the adapter.
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	e.housekeep(context.Background())
	assert.Empty(t, e.PendingOrders())
}

func TestHousekeepExpiresStaleStoredOrders(t *testing.T) {
	audit, err := storage.NewFromMemory()
	require.NoError(t, err)
	defer audit.Close()

	adapter := newFakeAdapter()
	adapter.placeResult = "888"
	strat := &countingStrategy{signals: []core.Signal{{
		Action: core.SignalBuy,
		Asset:  "BTC",
		Size:   0.001,
		Price:  50000,
	}}}

	e := newTestEngine(t, Config{StaleOrderAge: time.Hour}, adapter, strat, WithStorage(audit))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000)))

	submitted, err := audit.Orders(ctx, core.WithStatus(core.OrderStatusTypeSubmitted))
	require.NoError(t, err)
	require.Len(t, submitted, 1)

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	e.housekeep(ctx)

	expired, err := audit.Orders(ctx, core.WithStatus(core.OrderStatusTypeExpired))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, submitted[0].ID, expired[0].ID)
}

func TestCancelAllSignalCancelsOrders(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{signals: []core.Signal{{Action: core.SignalCancelAll, Asset: "BTC"}}}

	e := newTestEngine(t, Config{}, adapter, strat)
	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))
	assert.Equal(t, 1, adapter.cancelAlls)
}

func TestRiskEventsExecuteBeforeStrategy(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.positions = []core.Position{{Asset: "BTC", Size: 1, EntryPrice: 50000}}
	adapter.metrics = core.AccountMetrics{DrawdownPct: 30}
	strat := &countingStrategy{}

	manager := riskFunc(func([]core.Position, map[string]core.MarketDataEvent, core.AccountMetrics) []core.RiskEvent {
		return []core.RiskEvent{{
			RuleName: "max_drawdown",
			Action:   core.RiskActionEmergencyExit,
			Reason:   "drawdown breach",
		}}
	})

	e := newTestEngine(t, Config{}, adapter, strat, WithRiskManager(manager))
	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))

	// Emergency exit cancels orders first, then flattens, then deactivates
	// the strategy.
	assert.Equal(t, []string{"cancel_all", "close:BTC"}, adapter.ops)
	assert.Equal(t, 1, strat.stopped)
}

func TestReducePositionCloses50Percent(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.positions = []core.Position{{Asset: "BTC", Size: 2, EntryPrice: 50000}}
	strat := &countingStrategy{}

	manager := riskFunc(func([]core.Position, map[string]core.MarketDataEvent, core.AccountMetrics) []core.RiskEvent {
		return []core.RiskEvent{{
			RuleName: "position_concentration",
			Asset:    "BTC",
			Action:   core.RiskActionReducePosition,
			Reason:   "concentration breach",
		}}
	})

	e := newTestEngine(t, Config{}, adapter, strat, WithRiskManager(manager))
	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))
	assert.Equal(t, []string{"BTC"}, adapter.closes)
}

func TestStopIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}

	e := newTestEngine(t, Config{}, adapter, strat)

	ctx := context.Background()
	e.Stop(ctx)
	assert.Equal(t, 1, adapter.disconnects)
	assert.Equal(t, 1, adapter.cancelAlls)
	assert.Equal(t, 1, strat.stopped)

	e.Stop(ctx)
	assert.Equal(t, 1, adapter.disconnects, "second stop must not touch the adapter")
	assert.Equal(t, 1, adapter.cancelAlls)

	// A stopped engine drops price updates.
	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	assert.Equal(t, 0, strat.calls)
}

func TestMLFailureLetsTickProceedUngated(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	mlSvc := &scriptedML{} // empty queue: every evaluation fails

	e := newTestEngine(t, Config{EnterThreshold: 0.6}, adapter, strat, WithMLService(mlSvc, nil))

	require.NoError(t, e.OnPrice(context.Background(), bar(50000)))
	assert.Equal(t, 1, strat.calls, "a failed evaluation must not block the strategy")
}

func TestMLCacheReusedWithinEvalInterval(t *testing.T) {
	adapter := newFakeAdapter()
	strat := &countingStrategy{}
	mlSvc := &countingML{signal: core.MLSignal{Probability: 0.9}}

	e := newTestEngine(t, Config{
		EnterThreshold: 0.6,
		EvalInterval:   time.Minute,
	}, adapter, strat, WithMLService(mlSvc, nil))

	ctx := context.Background()
	require.NoError(t, e.OnPrice(ctx, bar(50000)))
	require.NoError(t, e.OnPrice(ctx, bar(50001)))
	require.NoError(t, e.OnPrice(ctx, bar(50002)))

	assert.Equal(t, 1, mlSvc.evals, "signal must be served from cache inside the interval")
	assert.Equal(t, 3, strat.calls)
}

// riskFunc adapts a function to core.RiskManager.
type riskFunc func([]core.Position, map[string]core.MarketDataEvent, core.AccountMetrics) []core.RiskEvent

func (f riskFunc) Evaluate(p []core.Position, m map[string]core.MarketDataEvent, a core.AccountMetrics) []core.RiskEvent {
	return f(p, m, a)
}

// countingML counts evaluations and always returns the same signal.
type countingML struct {
	signal core.MLSignal
	evals  int
}

func (m *countingML) Evaluate(context.Context) (core.MLSignal, error) {
	m.evals++
	return m.signal, nil
}
