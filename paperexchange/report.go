package paperexchange

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Report is the persisted session summary plus the full ordered trade log.
// The schema is an external contract; the plain encoding/json rendering is
// deliberate.
type Report struct {
	Symbol         string  `json:"symbol"`
	InitialBalance float64 `json:"initial_balance"`
	Cash           float64 `json:"cash"`
	Equity         float64 `json:"equity"`
	PositionSize   float64 `json:"position_size"`
	PositionPrice  float64 `json:"position_price"`
	LastPrice      float64 `json:"last_price"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	TradeCount     int     `json:"trade_count"`
	Trades         []Trade `json:"trades"`
}

// reportLocked snapshots the session. Caller holds w.mu.
func (w *Wallet) reportLocked() Report {
	trades := make([]Trade, len(w.tradeLog))
	copy(trades, w.tradeLog)

	return Report{
		Symbol:         w.symbol,
		InitialBalance: w.initialBalance,
		Cash:           w.cash,
		Equity:         w.equityLocked(),
		PositionSize:   w.positionSize,
		PositionPrice:  w.positionPrice,
		LastPrice:      w.lastPrice,
		RealizedPnL:    w.realizedPnL,
		UnrealizedPnL:  w.unrealizedLocked(),
		TradeCount:     len(w.tradeLog),
		Trades:         trades,
	}
}

// writeReport persists one session file: paper_reports/session_<ts>.json.
// Written synchronously during Disconnect; a session killed before
// disconnect leaves no report.
func (w *Wallet) writeReport(report Report) error {
	if err := os.MkdirAll(w.reportsDir, 0o755); err != nil {
		return fmt.Errorf("create reports dir: %w", err)
	}

	name := fmt.Sprintf("session_%s.json", w.now().Format("20060102-150405"))
	path := filepath.Join(w.reportsDir, name)

	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session report: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write session report: %w", err)
	}

	w.log.WithField("path", path).Info("paper session report persisted")
	return nil
}
