// Package risk maps account and position metrics to risk events the engine
// executes before any strategy signal for the same tick.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/gridsense/tradingcore/core"
)

// Config holds the thresholds each rule evaluates against. Percentages are
// whole numbers (5 means 5%).
type Config struct {
	MaxDrawdownPct float64

	StopLossEnabled bool
	StopLossPct     float64

	TakeProfitEnabled bool
	TakeProfitPct     float64

	MaxSinglePositionPct float64

	// StaleOrderAge triggers a CANCEL_ORDERS sweep when the engine reports
	// pending orders older than this. Zero disables the rule.
	StaleOrderAge time.Duration
}

// Manager evaluates the configured rules in a fixed order: drawdown breach,
// per-position stop-loss/take-profit, position concentration, stale orders.
type Manager struct {
	cfg Config
	log core.Logger

	// oldestPendingOrder is reported by the engine between evaluations.
	oldestPendingOrder time.Time
}

// NewManager creates a risk manager.
func NewManager(cfg Config, log core.Logger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// ObservePendingOrders lets the engine report its oldest pending order so
// the stale-order rule can fire without the manager polling the adapter.
func (m *Manager) ObservePendingOrders(oldest time.Time) {
	m.oldestPendingOrder = oldest
}

// Evaluate returns the risk events for the current tick, most severe first.
func (m *Manager) Evaluate(positions []core.Position, market map[string]core.MarketDataEvent, account core.AccountMetrics) []core.RiskEvent {
	var events []core.RiskEvent

	if m.cfg.MaxDrawdownPct > 0 && account.DrawdownPct > m.cfg.MaxDrawdownPct {
		events = append(events, core.RiskEvent{
			RuleName: "max_drawdown",
			Action:   core.RiskActionEmergencyExit,
			Reason: fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%",
				account.DrawdownPct, m.cfg.MaxDrawdownPct),
		})
		// An emergency exit flattens everything; further rules are moot.
		return events
	}

	for _, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		event, ok := m.evaluatePosition(pos, market)
		if ok {
			events = append(events, event)
		}
	}

	if m.cfg.MaxSinglePositionPct > 0 && account.LargestPositionPct*100 > m.cfg.MaxSinglePositionPct {
		asset := ""
		if largest := largestPosition(positions); largest != nil {
			asset = largest.Asset
		}
		events = append(events, core.RiskEvent{
			RuleName: "position_concentration",
			Asset:    asset,
			Action:   core.RiskActionReducePosition,
			Reason: fmt.Sprintf("largest position %.2f%% of equity exceeds %.2f%%",
				account.LargestPositionPct*100, m.cfg.MaxSinglePositionPct),
		})
	}

	if m.cfg.StaleOrderAge > 0 && !m.oldestPendingOrder.IsZero() &&
		time.Since(m.oldestPendingOrder) > m.cfg.StaleOrderAge {
		events = append(events, core.RiskEvent{
			RuleName: "stale_orders",
			Action:   core.RiskActionCancelOrders,
			Reason:   fmt.Sprintf("pending orders older than %s", m.cfg.StaleOrderAge),
		})
	}

	return events
}

// evaluatePosition applies the per-position stop-loss and take-profit rules
// against the latest market price.
func (m *Manager) evaluatePosition(pos core.Position, market map[string]core.MarketDataEvent) (core.RiskEvent, bool) {
	data, ok := market[pos.Asset]
	if !ok || pos.EntryPrice == 0 {
		return core.RiskEvent{}, false
	}

	// Percent move in the direction of the position: negative is a loss for
	// longs and shorts alike.
	move := (data.Price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.IsShort() {
		move = -move
	}

	if m.cfg.StopLossEnabled && move <= -m.cfg.StopLossPct {
		return core.RiskEvent{
			RuleName: "stop_loss",
			Asset:    pos.Asset,
			Action:   core.RiskActionClosePosition,
			Reason: fmt.Sprintf("%s position down %.2f%% from entry %.2f",
				pos.Asset, math.Abs(move), pos.EntryPrice),
		}, true
	}

	if m.cfg.TakeProfitEnabled && move >= m.cfg.TakeProfitPct {
		return core.RiskEvent{
			RuleName: "take_profit",
			Asset:    pos.Asset,
			Action:   core.RiskActionClosePosition,
			Reason: fmt.Sprintf("%s position up %.2f%% from entry %.2f",
				pos.Asset, move, pos.EntryPrice),
		}, true
	}

	return core.RiskEvent{}, false
}

func largestPosition(positions []core.Position) *core.Position {
	var largest *core.Position
	for i := range positions {
		pos := &positions[i]
		if largest == nil || math.Abs(pos.CurrentValue) > math.Abs(largest.CurrentValue) {
			largest = pos
		}
	}
	return largest
}

var _ core.RiskManager = (*Manager)(nil)
