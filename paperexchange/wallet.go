// Package paperexchange implements the in-memory paper-trading adapter.
// Orders execute immediately at the order's price, or at the last known
// price when the order carries none; accounting
// mirrors real-exchange semantics (signed position, volume-weighted entry,
// realized PnL booked as the position moves toward zero), and the session
// is persisted as a JSON report on disconnect.
package paperexchange

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/gridsense/tradingcore/core"
)

// Trade is one executed order in the session log.
type Trade struct {
	Timestamp   time.Time `json:"timestamp"`
	Side        string    `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	Cash        float64   `json:"cash"`
	Position    float64   `json:"position"`
	RealizedPnL float64   `json:"realized_pnl"`
	Equity      float64   `json:"equity"`
}

// Wallet is the simulated exchange adapter. All state is guarded by one
// mutex; the engine is the only writer in practice.
type Wallet struct {
	mu sync.Mutex

	symbol         string
	initialBalance float64
	cash           float64
	positionSize   float64
	positionPrice  float64
	lastPrice      float64
	hasPrice       bool
	realizedPnL    float64
	peakEquity     float64
	tradeLog       []Trade

	connected  bool
	reportsDir string
	log        core.Logger
	now        func() time.Time
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithReportsDir overrides where session reports are written.
func WithReportsDir(dir string) Option {
	return func(w *Wallet) { w.reportsDir = dir }
}

// WithInitialPrice seeds the last traded price so market orders can execute
// before the first price update arrives.
func WithInitialPrice(price float64) Option {
	return func(w *Wallet) {
		w.lastPrice = price
		w.hasPrice = true
	}
}

// NewWallet creates a paper wallet holding initialBalance in cash.
func NewWallet(symbol string, initialBalance float64, log core.Logger, options ...Option) *Wallet {
	w := &Wallet{
		symbol:         symbol,
		initialBalance: initialBalance,
		cash:           initialBalance,
		peakEquity:     initialBalance,
		reportsDir:     "paper_reports",
		log:            log,
		now:            time.Now,
	}

	for _, option := range options {
		option(w)
	}
	return w
}

// Connect marks the wallet connected. Idempotent.
func (w *Wallet) Connect(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return nil
}

// Disconnect persists the session report and prints the human-facing
// summary. Idempotent; only the first call writes a report.
func (w *Wallet) Disconnect(_ context.Context) error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	report := w.reportLocked()
	w.mu.Unlock()

	if err := w.writeReport(report); err != nil {
		w.log.WithError(err).Error("failed to persist paper session report")
		return err
	}
	w.Summary()
	return nil
}

// UpdatePrice records the latest traded price for mark-to-market and
// market-order execution.
func (w *Wallet) UpdatePrice(_ context.Context, price float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPrice = price
	w.hasPrice = true

	if equity := w.equityLocked(); equity > w.peakEquity {
		w.peakEquity = equity
	}
}

// GetBalance reports cash for USD or USDT and zero for anything else.
func (w *Wallet) GetBalance(_ context.Context, asset string) (core.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if asset == "USD" || asset == "USDT" {
		return core.Balance{Asset: asset, Available: w.cash}, nil
	}
	return core.Balance{Asset: asset}, nil
}

// GetMarketPrice returns the last traded price.
func (w *Wallet) GetMarketPrice(_ context.Context, _ string) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasPrice {
		return 0, fmt.Errorf("paper wallet has no last price: %w", core.ErrPriceUnavailable)
	}
	return w.lastPrice, nil
}

// PlaceOrder executes the order immediately at order.Price, falling back to
// the last traded price. Always returns core.FilledOrderID on success.
func (w *Wallet) PlaceOrder(_ context.Context, order core.Order) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	price := order.Price
	if price == 0 {
		if !w.hasPrice {
			return "", fmt.Errorf("order %s has no price and none is known: %w", order.Pair, core.ErrPriceUnavailable)
		}
		price = w.lastPrice
	}

	signed := order.Size
	if order.Side == core.SideTypeSell {
		signed = -signed
	}

	// Reject buys that open or extend a long past available cash; closing
	// legs are always allowed.
	cost := price * signed
	if signed > 0 && w.positionSize >= 0 && cost > w.cash {
		return "", fmt.Errorf("order needs $%.2f, have $%.2f: %w", cost, w.cash, core.ErrInsufficientBalance)
	}

	w.cash -= cost
	w.applyPositionLocked(signed, price)

	w.tradeLog = append(w.tradeLog, Trade{
		Timestamp:   w.now(),
		Side:        string(order.Side),
		Size:        order.Size,
		Price:       price,
		Cash:        w.cash,
		Position:    w.positionSize,
		RealizedPnL: w.realizedPnL,
		Equity:      w.equityLocked(),
	})

	return core.FilledOrderID, nil
}

// applyPositionLocked folds one signed fill into the position:
// same-direction adds re-average the entry, opposite-direction fills book
// realized PnL on the closing portion, and crossing zero re-opens the
// residual at the fill price.
func (w *Wallet) applyPositionLocked(signed, price float64) {
	prevSize := w.positionSize
	prevPrice := w.positionPrice
	newSize := prevSize + signed

	if prevSize == 0 || prevSize*signed > 0 {
		total := math.Abs(prevSize) + math.Abs(signed)
		if total > 0 {
			w.positionPrice = (prevPrice*math.Abs(prevSize) + price*math.Abs(signed)) / total
		}
	} else {
		closing := math.Min(math.Abs(signed), math.Abs(prevSize))
		if closing > 0 {
			if prevSize > 0 {
				w.realizedPnL += closing * (price - prevPrice)
			} else {
				w.realizedPnL += closing * (prevPrice - price)
			}
		}
		switch {
		case newSize == 0:
			w.positionPrice = 0
		case prevSize*newSize < 0:
			w.positionPrice = price
		default:
			w.positionPrice = prevPrice
		}
	}

	w.positionSize = newSize
}

// CancelOrder is a no-op success: paper orders never rest.
func (w *Wallet) CancelOrder(_ context.Context, _ int64) (bool, error) {
	return true, nil
}

// CancelAllOrders is a no-op: paper orders never rest.
func (w *Wallet) CancelAllOrders(_ context.Context) (int, error) {
	return 0, nil
}

// GetOrderStatus reports every paper order as filled.
func (w *Wallet) GetOrderStatus(_ context.Context, id int64) (core.Order, error) {
	return core.Order{
		ID:     id,
		Pair:   w.symbol,
		Status: core.OrderStatusTypeFilled,
	}, nil
}

// GetPositions returns the single open position, if any.
func (w *Wallet) GetPositions(_ context.Context) ([]core.Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.positionSize == 0 || !w.hasPrice {
		return nil, nil
	}
	return []core.Position{{
		Asset:         w.symbol,
		Size:          w.positionSize,
		EntryPrice:    w.positionPrice,
		CurrentValue:  math.Abs(w.positionSize) * w.lastPrice,
		UnrealizedPnL: w.unrealizedLocked(),
		Timestamp:     w.now(),
	}}, nil
}

// ClosePosition flattens the position (or reduces it by size) at the last
// traded price.
func (w *Wallet) ClosePosition(ctx context.Context, asset string, size ...float64) (bool, error) {
	w.mu.Lock()
	if asset != w.symbol || w.positionSize == 0 {
		w.mu.Unlock()
		return true, nil
	}
	if !w.hasPrice {
		w.mu.Unlock()
		return false, fmt.Errorf("cannot close paper position: %w", core.ErrPriceUnavailable)
	}

	amount := math.Abs(w.positionSize)
	if len(size) > 0 && size[0] > 0 {
		amount = math.Min(amount, size[0])
	}

	side := core.SideTypeSell
	if w.positionSize < 0 {
		side = core.SideTypeBuy
	}
	price := w.lastPrice
	w.mu.Unlock()

	_, err := w.PlaceOrder(ctx, core.Order{
		Pair:      asset,
		Side:      side,
		Type:      core.OrderTypeMarket,
		Size:      amount,
		Price:     price,
		CreatedAt: w.now(),
	})
	return err == nil, err
}

// GetAccountMetrics summarizes the session for the risk manager.
func (w *Wallet) GetAccountMetrics(_ context.Context) (core.AccountMetrics, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	equity := w.equityLocked()
	unrealized := w.unrealizedLocked()

	drawdown := 0.0
	if w.peakEquity > 0 && equity < w.peakEquity {
		drawdown = (w.peakEquity - equity) / w.peakEquity * 100
	}

	largest := 0.0
	if w.positionSize != 0 && w.hasPrice && equity > 0 {
		largest = math.Abs(w.positionSize*w.lastPrice) / equity
	}

	count := 0
	if w.positionSize != 0 {
		count = 1
	}

	return core.AccountMetrics{
		TotalValue:         equity,
		TotalPnL:           w.realizedPnL + unrealized,
		UnrealizedPnL:      unrealized,
		RealizedPnL:        w.realizedPnL,
		DrawdownPct:        drawdown,
		PositionsCount:     count,
		LargestPositionPct: largest,
	}, nil
}

// Equity is cash plus mark-to-market exposure.
func (w *Wallet) Equity() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.equityLocked()
}

// RealizedPnL returns the cumulative booked profit.
func (w *Wallet) RealizedPnL() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.realizedPnL
}

// Cash returns the current cash balance.
func (w *Wallet) Cash() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cash
}

// Position returns the signed position size and average entry price.
func (w *Wallet) Position() (size, entryPrice float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.positionSize, w.positionPrice
}

// Summary prints the human-facing session table. This console report is
// deliberate output, not a log line.
func (w *Wallet) Summary() {
	w.mu.Lock()
	report := w.reportLocked()
	w.mu.Unlock()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", w.symbol})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.Append([]string{"Initial balance", strconv.FormatFloat(report.InitialBalance, 'f', 2, 64)})
	table.Append([]string{"Cash", strconv.FormatFloat(report.Cash, 'f', 2, 64)})
	table.Append([]string{"Equity", strconv.FormatFloat(report.Equity, 'f', 2, 64)})
	table.Append([]string{"Position size", strconv.FormatFloat(report.PositionSize, 'f', 5, 64)})
	table.Append([]string{"Avg entry price", strconv.FormatFloat(report.PositionPrice, 'f', 2, 64)})
	table.Append([]string{"Realized PnL", strconv.FormatFloat(report.RealizedPnL, 'f', 2, 64)})
	table.Append([]string{"Unrealized PnL", strconv.FormatFloat(report.UnrealizedPnL, 'f', 2, 64)})
	table.Append([]string{"Trades", strconv.Itoa(report.TradeCount)})
	table.Render()
}

func (w *Wallet) equityLocked() float64 {
	exposure := 0.0
	if w.hasPrice {
		exposure = w.positionSize * w.lastPrice
	}
	return w.cash + exposure
}

func (w *Wallet) unrealizedLocked() float64 {
	if w.positionSize == 0 || !w.hasPrice {
		return 0
	}
	return (w.lastPrice - w.positionPrice) * w.positionSize
}

var _ core.ExchangeAdapter = (*Wallet)(nil)
