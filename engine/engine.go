// Package engine implements the trading orchestrator: it owns the main
// loop, receives price updates, applies the ML gate with pattern
// confirmation and indicator filtering, and dispatches to the risk manager,
// strategy, and exchange adapter.
package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/indicator"
	"github.com/gridsense/tradingcore/ml"
)

const (
	defaultHousekeepInterval = time.Minute
	defaultStaleOrderAge     = time.Hour
)

// Engine couples the market-data stream to strategy execution. Price
// updates are processed serially: no two OnPrice calls run concurrently for
// the same instance.
type Engine struct {
	cfg Config
	log core.Logger

	adapter     core.ExchangeAdapter
	strategy    core.Strategy
	riskManager core.RiskManager
	mlService   core.MLService
	mlPool      *ml.Pool
	storage     core.Storage
	notifiers   []core.Notifier
	paperMode   bool

	running  atomic.Bool
	stopOnce sync.Once
	events   chan core.MarketDataEvent

	mu            sync.Mutex
	pendingOrders map[int64]core.Order
	orderSeq      int64
	totalTrades   int

	mlMu         sync.Mutex
	cachedSignal *core.MLSignal
	lastEval     time.Time

	confirmName   string
	confirmCount  int
	contextLogged bool

	now func() time.Time
}

// New creates an engine over its required collaborators. The adapter must
// already be connected (or connectable) by the caller; missing artifacts and
// credentials surface there, before the engine ever starts.
func New(cfg Config, adapter core.ExchangeAdapter, strat core.Strategy, log core.Logger, options ...Option) (*Engine, error) {
	if adapter == nil {
		return nil, fmt.Errorf("exchange adapter is required: %w", core.ErrInvalidConfig)
	}
	if strat == nil {
		return nil, fmt.Errorf("strategy is required: %w", core.ErrInvalidConfig)
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required: %w", core.ErrInvalidConfig)
	}

	if cfg.PatternConfirmation < 1 {
		cfg.PatternConfirmation = 1
	}
	if cfg.HousekeepInterval <= 0 {
		cfg.HousekeepInterval = defaultHousekeepInterval
	}
	if cfg.StaleOrderAge <= 0 {
		cfg.StaleOrderAge = defaultStaleOrderAge
	}

	e := &Engine{
		cfg:           cfg,
		log:           log,
		adapter:       adapter,
		strategy:      strat,
		events:        make(chan core.MarketDataEvent, 64),
		pendingOrders: make(map[int64]core.Order),
		now:           time.Now,
	}
	e.running.Store(true)

	for _, option := range options {
		option(e)
	}
	return e, nil
}

// OnCandle adapts a closed candle into a market-data event and enqueues it
// for the serial consumer. Used as the data-feed subscription callback.
func (e *Engine) OnCandle(candle core.Candle) {
	if !e.running.Load() {
		return
	}
	select {
	case e.events <- core.MarketDataEvent{
		Asset:     candle.Pair,
		Price:     candle.Close,
		Volume24h: candle.Volume,
		Timestamp: candle.Time,
	}:
	default:
		e.log.Warn("price update dropped: event queue full")
	}
}

// Run drives the serial price-update consumer and the background
// housekeeping loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HousekeepInterval)
	defer ticker.Stop()

	var reportC <-chan time.Time
	if e.cfg.ReportInterval > 0 {
		reportTicker := time.NewTicker(e.cfg.ReportInterval)
		defer reportTicker.Stop()
		reportC = reportTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			if err := e.OnPrice(ctx, event); err != nil {
				e.log.WithError(err).Error("error handling price update")
			}
		case <-ticker.C:
			e.housekeep(ctx)
		case <-reportC:
			e.reportMetrics(ctx)
		}
	}
}

// OnPrice runs the full nine-step procedure for one price update. Transient
// errors (adapter, data) are logged and drop the tick; they are never
// retried in place.
func (e *Engine) OnPrice(ctx context.Context, market core.MarketDataEvent) error {
	if !e.running.Load() {
		return nil
	}

	if e.paperMode {
		e.adapter.UpdatePrice(ctx, market.Price)
	}

	positions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}
	balance, err := e.adapter.GetBalance(ctx, "USD")
	if err != nil {
		return fmt.Errorf("refresh balance: %w", err)
	}

	if e.riskManager != nil {
		if err := e.handleRiskEvents(ctx, positions, market); err != nil {
			e.log.WithError(err).Error("error handling risk events")
		}
		if !e.running.Load() {
			return nil
		}
	}

	signal := e.evaluateMLSignal(ctx)
	if signal != nil {
		e.strategy.UpdateContext(*signal)
		if !e.contextLogged {
			e.logContextOverview(*signal)
			e.contextLogged = true
		}

		decisionProb := signal.DecisionProbability()
		if decisionProb < e.cfg.EnterThreshold {
			e.resetPatternConfirmation()
			e.logSignalWaiting(market, *signal, decisionProb)
			return nil
		}

		bestPattern := e.dominantPattern(*signal)
		if !e.patternConfirmationReady(bestPattern) {
			return nil
		}
		if !e.passesIndicatorFilter(*signal, bestPattern) {
			return nil
		}
	}

	signals := e.strategy.GenerateSignals(market, positions, balance)
	for _, s := range signals {
		e.executeSignal(ctx, s)
	}
	return nil
}

// Stop shuts the engine down: stop the strategy, leave positions open,
// cancel resting orders, disconnect the adapter. Idempotent; the second
// call observes running == false and returns without touching the adapter.
func (e *Engine) Stop(ctx context.Context) {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.stopOnce.Do(func() {
		e.log.Info("stopping trading engine")
		e.strategy.Stop()

		if positions, err := e.adapter.GetPositions(ctx); err == nil && len(positions) > 0 {
			e.log.Infof("leaving %d open positions - only cancelling orders", len(positions))
		}

		if cancelled, err := e.adapter.CancelAllOrders(ctx); err != nil {
			e.log.WithError(err).Error("failed to cancel pending orders")
		} else if cancelled > 0 {
			e.log.Infof("cancelled %d pending orders", cancelled)
		}

		if err := e.adapter.Disconnect(ctx); err != nil {
			e.log.WithError(err).Error("adapter disconnect failed")
		}

		e.notify(ctx, core.Event{Kind: "shutdown", Message: "trading engine stopped"})
		e.log.Info("trading engine stopped")
	})
}

// TotalTrades reports the number of immediately-filled orders executed.
func (e *Engine) TotalTrades() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalTrades
}

// oldestPendingOrder returns the creation time of the oldest resting
// order, zero when none rest.
func (e *Engine) oldestPendingOrder() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	var oldest time.Time
	for _, order := range e.pendingOrders {
		if oldest.IsZero() || order.CreatedAt.Before(oldest) {
			oldest = order.CreatedAt
		}
	}
	return oldest
}

// PendingOrders returns a snapshot of orders resting at the exchange.
func (e *Engine) PendingOrders() []core.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Order, 0, len(e.pendingOrders))
	for _, order := range e.pendingOrders {
		out = append(out, order)
	}
	return out
}

// --- ML gate ---

// evaluateMLSignal returns the cached signal when it is fresh, otherwise
// re-evaluates through the worker pool. A failed evaluation returns nil:
// the tick proceeds ungated, matching the propagation policy for transient
// data errors.
func (e *Engine) evaluateMLSignal(ctx context.Context) *core.MLSignal {
	if e.mlService == nil {
		return nil
	}

	e.mlMu.Lock()
	defer e.mlMu.Unlock()

	if e.cachedSignal != nil && e.now().Sub(e.lastEval) < e.cfg.EvalInterval {
		signal := *e.cachedSignal
		return &signal
	}

	var (
		signal core.MLSignal
		err    error
	)
	if e.mlPool != nil {
		signal, err = e.mlPool.Evaluate(ctx, e.mlService)
	} else {
		signal, err = e.mlService.Evaluate(ctx)
	}
	if err != nil {
		e.log.WithError(err).Warn("ml signal evaluation failed")
		return nil
	}

	e.cachedSignal = &signal
	e.lastEval = e.now()

	e.log.WithFields(map[string]any{
		"probability":  fmt.Sprintf("%.3f", signal.Probability),
		"patterns":     signal.Patterns.ActivePatterns(),
		"best_pattern": signal.BestPattern,
	}).Info("ml signal evaluated")

	out := signal
	return &out
}

// dominantPattern picks the pattern the confirmation gate tracks: the best
// predicted pattern, else the signal's BestPattern, else the first active
// pattern.
func (e *Engine) dominantPattern(signal core.MLSignal) string {
	if best, ok := signal.BestPatternFromPredictions(); ok {
		return best
	}
	if signal.BestPattern != "" {
		return signal.BestPattern
	}
	if active := signal.Patterns.ActivePatterns(); len(active) > 0 {
		return active[0]
	}
	return ""
}

// patternConfirmationReady requires the same dominant pattern on R
// consecutive gated ticks before acting.
func (e *Engine) patternConfirmationReady(bestPattern string) bool {
	required := e.cfg.PatternConfirmation
	if required <= 1 {
		return true
	}
	if bestPattern == "" {
		e.resetPatternConfirmation()
		e.log.Info("waiting for a dominant pattern to confirm entry")
		return false
	}

	if bestPattern != e.confirmName {
		e.confirmName = bestPattern
		e.confirmCount = 1
	} else if e.confirmCount < required {
		e.confirmCount++
	}

	if e.confirmCount < required {
		e.log.Infof("confirming pattern %s %d/%d", bestPattern, e.confirmCount, required)
		return false
	}
	return true
}

func (e *Engine) resetPatternConfirmation() {
	e.confirmName = ""
	e.confirmCount = 0
}

// passesIndicatorFilter applies the directional indicator checks for the
// resolved bias plus the bias-independent volume and Bollinger-width
// floors. Any failing check blocks the tick with a diagnostic log.
func (e *Engine) passesIndicatorFilter(signal core.MLSignal, bestPattern string) bool {
	cfg := e.cfg.Filter
	if !cfg.Enabled {
		return true
	}

	snapshot := signal.Indicators
	if snapshot.IsZero() {
		e.logIndicatorBlock("no recent indicators", signal)
		return false
	}

	bias := signal.PatternBias
	if bias == "" {
		bias, _ = indicator.PatternBias(bestPattern)
	}
	if bias == "" {
		return true
	}

	switch bias {
	case core.BiasBullish:
		if snapshot.RSI14 < cfg.RSIBuyMin {
			e.logIndicatorBlock(fmt.Sprintf("RSI %.2f < %.2f", snapshot.RSI14, cfg.RSIBuyMin), signal)
			return false
		}
		if snapshot.MACD < cfg.MACDMargin {
			e.logIndicatorBlock(fmt.Sprintf("MACD %.4f < %.4f", snapshot.MACD, cfg.MACDMargin), signal)
			return false
		}
		if limit := 1.0 + cfg.EMARatioBuffer; snapshot.EMARatio < limit {
			e.logIndicatorBlock(fmt.Sprintf("EMA ratio %.4f < %.4f", snapshot.EMARatio, limit), signal)
			return false
		}
	case core.BiasBearish:
		if snapshot.RSI14 > cfg.RSISellMax {
			e.logIndicatorBlock(fmt.Sprintf("RSI %.2f > %.2f", snapshot.RSI14, cfg.RSISellMax), signal)
			return false
		}
		if snapshot.MACD > -cfg.MACDMargin {
			e.logIndicatorBlock(fmt.Sprintf("MACD %.4f > %.4f", snapshot.MACD, -cfg.MACDMargin), signal)
			return false
		}
		if limit := 1.0 - cfg.EMARatioBuffer; snapshot.EMARatio > limit {
			e.logIndicatorBlock(fmt.Sprintf("EMA ratio %.4f > %.4f", snapshot.EMARatio, limit), signal)
			return false
		}
	}

	if cfg.VolumeRatioMin > 0 && signal.VolumeRatio < cfg.VolumeRatioMin {
		e.logIndicatorBlock(fmt.Sprintf("volume ratio %.3f < %.3f", signal.VolumeRatio, cfg.VolumeRatioMin), signal)
		return false
	}
	if cfg.BBWidthMin > 0 && snapshot.BBWidth < cfg.BBWidthMin {
		e.logIndicatorBlock(fmt.Sprintf("bollinger width %.4f < %.4f", snapshot.BBWidth, cfg.BBWidthMin), signal)
		return false
	}
	return true
}

// --- risk ---

// pendingObserver is satisfied by risk managers that track the age of the
// engine's resting orders.
type pendingObserver interface {
	ObservePendingOrders(oldest time.Time)
}

func (e *Engine) handleRiskEvents(ctx context.Context, positions []core.Position, market core.MarketDataEvent) error {
	metrics, err := e.adapter.GetAccountMetrics(ctx)
	if err != nil {
		return fmt.Errorf("account metrics: %w", err)
	}

	if observer, ok := e.riskManager.(pendingObserver); ok {
		observer.ObservePendingOrders(e.oldestPendingOrder())
	}

	marketMap := map[string]core.MarketDataEvent{market.Asset: market}
	for _, event := range e.riskManager.Evaluate(positions, marketMap, metrics) {
		e.executeRiskEvent(ctx, event)
	}
	return nil
}

// riskRecorder is satisfied by audit stores that also index risk events.
type riskRecorder interface {
	CreateRiskEvent(ctx context.Context, event core.RiskEvent, at time.Time) error
}

func (e *Engine) executeRiskEvent(ctx context.Context, event core.RiskEvent) {
	e.log.WithFields(map[string]any{
		"rule":   event.RuleName,
		"action": string(event.Action),
	}).Warnf("risk event: %s", event.Reason)
	e.notify(ctx, core.Event{Kind: "risk", Message: event.Reason, Risk: &event})

	if recorder, ok := e.storage.(riskRecorder); ok {
		if err := recorder.CreateRiskEvent(ctx, event, e.now()); err != nil {
			e.log.WithError(err).Warn("failed to record risk event in audit store")
		}
	}

	switch event.Action {
	case core.RiskActionClosePosition:
		if ok, err := e.adapter.ClosePosition(ctx, event.Asset); err != nil || !ok {
			e.log.WithError(err).Errorf("failed to close position for %s", event.Asset)
		} else {
			e.log.Infof("position closed for %s", event.Asset)
		}

	case core.RiskActionReducePosition:
		positions, err := e.adapter.GetPositions(ctx)
		if err != nil {
			e.log.WithError(err).Error("failed to refresh positions for reduction")
			return
		}
		for _, pos := range positions {
			if pos.Asset != event.Asset {
				continue
			}
			reduceSize := math.Abs(pos.Size) * 0.5
			if ok, err := e.adapter.ClosePosition(ctx, event.Asset, reduceSize); err != nil || !ok {
				e.log.WithError(err).Errorf("failed to reduce position for %s", event.Asset)
			} else {
				e.log.Infof("position reduced by 50%% for %s", event.Asset)
			}
			break
		}

	case core.RiskActionCancelOrders:
		if cancelled, err := e.adapter.CancelAllOrders(ctx); err != nil {
			e.log.WithError(err).Error("failed to cancel orders")
		} else {
			e.log.Infof("cancelled %d orders", cancelled)
		}

	case core.RiskActionPauseTrading:
		e.log.Errorf("trading paused: %s", event.Reason)
		e.strategy.Stop()

	case core.RiskActionEmergencyExit:
		e.log.Errorf("EMERGENCY EXIT: %s", event.Reason)
		if _, err := e.adapter.CancelAllOrders(ctx); err != nil {
			e.log.WithError(err).Error("failed to cancel orders during emergency exit")
		}
		positions, err := e.adapter.GetPositions(ctx)
		if err != nil {
			e.log.WithError(err).Error("failed to refresh positions for emergency exit")
		}
		for _, pos := range positions {
			if _, err := e.adapter.ClosePosition(ctx, pos.Asset); err != nil {
				e.log.WithError(err).Errorf("failed to close %s during emergency exit", pos.Asset)
			}
		}
		e.strategy.Stop()
	}
}

// --- signal execution ---

func (e *Engine) executeSignal(ctx context.Context, signal core.Signal) {
	switch signal.Action {
	case core.SignalBuy, core.SignalSell:
		if err := e.placeOrder(ctx, signal); err != nil {
			e.log.WithError(err).Error("error executing signal")
			e.strategy.OnError(err, signal)
		}
	case core.SignalCancelAll:
		if cancelled, err := e.adapter.CancelAllOrders(ctx); err != nil {
			e.log.WithError(err).Error("cancel-all failed")
			e.strategy.OnError(err, signal)
		} else {
			e.log.Infof("cancelled %d orders for rebalancing", cancelled)
		}
	}
}

func (e *Engine) placeOrder(ctx context.Context, signal core.Signal) error {
	side := core.SideTypeBuy
	if signal.Action == core.SignalSell {
		side = core.SideTypeSell
	}
	orderType := core.OrderTypeMarket
	if signal.Price > 0 {
		orderType = core.OrderTypeLimit
	}

	e.mu.Lock()
	e.orderSeq++
	order := core.Order{
		ID:        e.orderSeq,
		Pair:      signal.Asset,
		Side:      side,
		Type:      orderType,
		Status:    core.OrderStatusTypeCreated,
		Price:     signal.Price,
		Size:      signal.Size,
		CreatedAt: e.now(),
		UpdatedAt: e.now(),
	}
	e.mu.Unlock()

	if e.storage != nil {
		if err := e.storage.CreateOrder(ctx, &order); err != nil {
			e.log.WithError(err).Warn("failed to record order in audit store")
		}
	}

	exchangeOrderID, err := e.adapter.PlaceOrder(ctx, order)
	if err != nil {
		order.Status = core.OrderStatusTypeRejected
		e.updateStoredOrder(ctx, &order)
		return fmt.Errorf("place order: %w", err)
	}

	if exchangeOrderID == core.FilledOrderID {
		order.Status = core.OrderStatusTypeFilled
		order.UpdatedAt = e.now()
		e.updateStoredOrder(ctx, &order)

		e.log.Infof("placed %s order: %f %s (executed immediately)", side, order.Size, order.Pair)
		e.strategy.OnTradeExecuted(signal, order.Price, order.Size)

		e.mu.Lock()
		e.totalTrades++
		e.mu.Unlock()

		e.notify(ctx, core.Event{
			Kind:    "trade",
			Message: fmt.Sprintf("%s %f %s @ %.2f", side, order.Size, order.Pair, order.Price),
			Order:   &order,
		})
		return nil
	}

	if id, perr := strconv.ParseInt(exchangeOrderID, 10, 64); perr == nil {
		order.ExchangeOrderID = id
	}
	order.Status = core.OrderStatusTypeSubmitted
	order.UpdatedAt = e.now()
	e.updateStoredOrder(ctx, &order)

	e.mu.Lock()
	e.pendingOrders[order.ID] = order
	e.mu.Unlock()

	e.log.Infof("placed %s order: %f %s @ $%.2f", side, order.Size, order.Pair, order.Price)
	return nil
}

func (e *Engine) updateStoredOrder(ctx context.Context, order *core.Order) {
	if e.storage == nil {
		return
	}
	if err := e.storage.UpdateOrder(ctx, order); err != nil {
		e.log.WithError(err).Warn("failed to update order in audit store")
	}
}

// --- housekeeping ---

// housekeep purges pending orders past the stale age and logs the running
// trade count. The sweep goes by CreatedAt only; the adapter is not
// consulted for final state, so late fills can be under-counted.
func (e *Engine) housekeep(ctx context.Context) {
	cutoff := e.now().Add(-e.cfg.StaleOrderAge)

	e.mu.Lock()
	var purged int
	for id, order := range e.pendingOrders {
		if order.CreatedAt.Before(cutoff) {
			delete(e.pendingOrders, id)
			purged++
		}
	}
	trades := e.totalTrades
	e.mu.Unlock()

	e.expireStaleStoredOrders(ctx, cutoff)

	if purged > 0 {
		e.log.Infof("purged %d stale pending orders", purged)
	}
	if trades > 0 {
		e.log.Infof("total trades: %d", trades)
	}
}

// expireStaleStoredOrders mirrors the in-memory purge into the audit store:
// still-active orders older than the cutoff are marked expired, selected
// with the store's composable filters.
func (e *Engine) expireStaleStoredOrders(ctx context.Context, cutoff time.Time) {
	if e.storage == nil {
		return
	}

	filters := []core.OrderFilter{
		core.WithStatusIn(
			core.OrderStatusTypeCreated,
			core.OrderStatusTypeSubmitted,
			core.OrderStatusTypePartiallyFilled,
		),
		core.WithCreatedAtBeforeOrEqual(cutoff),
	}
	if e.cfg.Asset != "" {
		filters = append(filters, core.WithPair(e.cfg.Asset))
	}

	stale, err := e.storage.Orders(ctx, filters...)
	if err != nil {
		e.log.WithError(err).Warn("failed to query stale orders from audit store")
		return
	}

	for _, order := range stale {
		order.Status = core.OrderStatusTypeExpired
		order.UpdatedAt = e.now()
		e.updateStoredOrder(ctx, order)
	}
}

func (e *Engine) reportMetrics(ctx context.Context) {
	metrics, err := e.adapter.GetAccountMetrics(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to fetch account metrics for report")
		return
	}
	e.log.WithFields(map[string]any{
		"total_value":    fmt.Sprintf("%.2f", metrics.TotalValue),
		"total_pnl":      fmt.Sprintf("%.2f", metrics.TotalPnL),
		"realized_pnl":   fmt.Sprintf("%.2f", metrics.RealizedPnL),
		"unrealized_pnl": fmt.Sprintf("%.2f", metrics.UnrealizedPnL),
		"drawdown_pct":   fmt.Sprintf("%.2f", metrics.DrawdownPct),
		"positions":      metrics.PositionsCount,
	}).Info("account report")
}

// --- logging ---

func (e *Engine) logSignalWaiting(market core.MarketDataEvent, signal core.MLSignal, decisionProb float64) {
	e.log.WithFields(map[string]any{
		"asset":         market.Asset,
		"price":         fmt.Sprintf("%.2f", market.Price),
		"probability":   fmt.Sprintf("%.2f%%", signal.Probability*100),
		"decision_prob": fmt.Sprintf("%.2f%%", decisionProb*100),
		"threshold":     fmt.Sprintf("%.2f%%", e.cfg.EnterThreshold*100),
		"best_pattern":  signal.BestPattern,
		"patterns":      signal.Patterns.ActivePatterns(),
	}).Info("ml gate waiting for entry signal")
}

func (e *Engine) logIndicatorBlock(reason string, signal core.MLSignal) {
	s := signal.Indicators
	e.log.WithFields(map[string]any{
		"rsi":          fmt.Sprintf("%.2f", s.RSI14),
		"macd":         fmt.Sprintf("%.4f", s.MACD),
		"ema_ratio":    fmt.Sprintf("%.4f", s.EMARatio),
		"volume_ratio": fmt.Sprintf("%.3f", signal.VolumeRatio),
		"bb_width":     fmt.Sprintf("%.4f", s.BBWidth),
	}).Infof("indicators blocked entry: %s", reason)
}

func (e *Engine) logContextOverview(signal core.MLSignal) {
	ctx := signal.Context
	e.log.WithFields(map[string]any{
		"candles":    ctx.Candles,
		"trend":      string(ctx.Trend),
		"return":     fmt.Sprintf("%.2f%%", ctx.Return*100),
		"volatility": fmt.Sprintf("%.2f", ctx.Volatility),
		"range":      fmt.Sprintf("$%.2f - $%.2f", ctx.Low, ctx.High),
		"avg_volume": fmt.Sprintf("%.2f", ctx.AvgVolume),
		"patterns":   signal.Patterns.ActivePatterns(),
	}).Info("market context overview")
}

func (e *Engine) notify(ctx context.Context, event core.Event) {
	for _, notifier := range e.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			e.log.WithError(err).Warn("notifier delivery failed")
		}
	}
}
