// Package binance implements the real exchange adapter over the Binance
// USDⓈ-M futures API, plus the websocket market-data stream that feeds the
// engine's candle subscription.
package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"github.com/gridsense/tradingcore/core"
)

const quoteAsset = "USDT"

// Config holds the adapter credentials and target market.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool

	// Asset is the base asset this adapter trades, e.g. "BTC"; orders go to
	// the <Asset>USDT perpetual.
	Asset string
}

// Adapter is the live-exchange implementation of core.ExchangeAdapter.
// Prices and sizes are normalized through RoundPrice/RoundSize before
// submission; the paper backend never rounds.
type Adapter struct {
	cfg    Config
	client *futures.Client
	log    core.Logger

	mu         sync.Mutex
	connected  bool
	assetsInfo map[string]core.AssetInfo
	peakEquity float64
}

// NewAdapter creates a futures adapter. Connect must be called before any
// market operation.
func NewAdapter(cfg Config, log core.Logger) *Adapter {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	return &Adapter{
		cfg:        cfg,
		client:     futures.NewClient(cfg.APIKey, cfg.APISecret),
		log:        log,
		assetsInfo: make(map[string]core.AssetInfo),
	}
}

// Pair returns the exchange symbol this adapter trades.
func (a *Adapter) Pair() string {
	return strings.ToUpper(a.cfg.Asset) + quoteAsset
}

// Connect validates the API connection with retry/backoff and loads the
// exchange filters for the traded pair. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = a.client.NewPingService().Do(ctx); err == nil {
			break
		}
		wait := retry.Duration()
		a.log.WithError(err).Warnf("binance ping failed, retrying in %s", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("binance futures ping: %v: %w", err, core.ErrAdapterUnavailable)
	}

	if err := a.loadExchangeInfo(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.log.Infof("binance futures adapter connected (%s)", a.Pair())
	return nil
}

// Disconnect releases the connection flag. The REST client holds no
// resources to tear down. Idempotent.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// loadExchangeInfo caches the pair's trading filters.
func (a *Adapter) loadExchangeInfo(ctx context.Context) error {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance exchange info: %v: %w", err, core.ErrAdapterUnavailable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, symbol := range info.Symbols {
		assetInfo, err := core.NewAssetInfo(
			symbol.BaseAsset,
			symbol.QuoteAsset,
			0, 0,
			minOrderSize, 0,
			0, 0,
			symbol.PricePrecision,
			symbol.QuantityPrecision,
		)
		if err != nil {
			continue
		}
		a.assetsInfo[symbol.Symbol] = assetInfo
	}
	return nil
}

// GetBalance returns the futures wallet balance for one asset. The USD
// request maps onto the USDT margin asset.
func (a *Adapter) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	if asset == "USD" {
		asset = quoteAsset
	}

	balances, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return core.Balance{}, fmt.Errorf("binance balance: %v: %w", err, core.ErrAdapterUnavailable)
	}

	for _, b := range balances {
		if b.Asset != asset {
			continue
		}
		total, _ := strconv.ParseFloat(b.Balance, 64)
		available, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		return core.Balance{
			Asset:     asset,
			Available: available,
			Locked:    total - available,
		}, nil
	}
	return core.Balance{Asset: asset}, nil
}

// GetMarketPrice returns the latest mark for the asset's USDT pair.
func (a *Adapter) GetMarketPrice(ctx context.Context, asset string) (float64, error) {
	pair := strings.ToUpper(asset) + quoteAsset
	prices, err := a.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance price for %s: %v: %w", pair, err, core.ErrAdapterUnavailable)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price for %s: %w", pair, core.ErrPriceUnavailable)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price for %s: %w", pair, err)
	}
	return price, nil
}

// PlaceOrder submits a limit or market order with the exchange rounding
// rules applied. Immediately-filled orders report core.FilledOrderID.
func (a *Adapter) PlaceOrder(ctx context.Context, order core.Order) (string, error) {
	pair := strings.ToUpper(order.Pair) + quoteAsset

	size := RoundSize(order.Size)
	service := a.client.NewCreateOrderService().
		Symbol(pair).
		Side(futures.SideType(order.Side)).
		Quantity(a.formatQuantity(pair, size))

	if order.Type == core.OrderTypeLimit {
		price := RoundPrice(order.Price, strings.ToUpper(order.Pair))
		service = service.
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(a.formatPrice(pair, price))
	} else {
		service = service.Type(futures.OrderTypeMarket)
	}

	response, err := service.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance place order: %v: %w", err, core.ErrAdapterUnavailable)
	}

	if response.Status == futures.OrderStatusTypeFilled {
		return core.FilledOrderID, nil
	}
	return strconv.FormatInt(response.OrderID, 10), nil
}

// CancelOrder cancels one resting order by exchange order id.
func (a *Adapter) CancelOrder(ctx context.Context, id int64) (bool, error) {
	_, err := a.client.NewCancelOrderService().
		Symbol(a.Pair()).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return false, fmt.Errorf("binance cancel order %d: %v: %w", id, err, core.ErrAdapterUnavailable)
	}
	return true, nil
}

// CancelAllOrders cancels every open order on the traded pair and reports
// how many were open beforehand.
func (a *Adapter) CancelAllOrders(ctx context.Context) (int, error) {
	open, err := a.client.NewListOpenOrdersService().Symbol(a.Pair()).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance list open orders: %v: %w", err, core.ErrAdapterUnavailable)
	}
	if len(open) == 0 {
		return 0, nil
	}

	if err := a.client.NewCancelAllOpenOrdersService().Symbol(a.Pair()).Do(ctx); err != nil {
		return 0, fmt.Errorf("binance cancel all orders: %v: %w", err, core.ErrAdapterUnavailable)
	}
	return len(open), nil
}

// GetOrderStatus fetches one order by exchange order id.
func (a *Adapter) GetOrderStatus(ctx context.Context, id int64) (core.Order, error) {
	order, err := a.client.NewGetOrderService().
		Symbol(a.Pair()).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return core.Order{}, fmt.Errorf("binance order %d: %v: %w", id, err, core.ErrAdapterUnavailable)
	}

	price, _ := strconv.ParseFloat(order.Price, 64)
	size, _ := strconv.ParseFloat(order.OrigQuantity, 64)

	return core.Order{
		ExchangeOrderID: order.OrderID,
		Pair:            a.cfg.Asset,
		Side:            core.SideType(order.Side),
		Type:            core.OrderType(order.Type),
		Status:          core.OrderStatusType(order.Status),
		Price:           price,
		Size:            size,
		CreatedAt:       time.UnixMilli(order.Time),
		UpdatedAt:       time.UnixMilli(order.UpdateTime),
	}, nil
}

// GetPositions returns the open futures positions as signed sizes.
func (a *Adapter) GetPositions(ctx context.Context) ([]core.Position, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance account: %v: %w", err, core.ErrAdapterUnavailable)
	}

	var positions []core.Position
	for _, p := range account.Positions {
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		unrealized, _ := strconv.ParseFloat(p.UnrealizedProfit, 64)

		asset := strings.TrimSuffix(p.Symbol, quoteAsset)
		positions = append(positions, core.Position{
			Asset:         asset,
			Size:          size,
			EntryPrice:    entry,
			CurrentValue:  math.Abs(size) * entry,
			UnrealizedPnL: unrealized,
			Timestamp:     time.Now(),
		})
	}
	return positions, nil
}

// ClosePosition flattens (or reduces by size) the asset's position with a
// market order on the opposite side.
func (a *Adapter) ClosePosition(ctx context.Context, asset string, size ...float64) (bool, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return false, err
	}

	for _, pos := range positions {
		if pos.Asset != asset {
			continue
		}

		amount := math.Abs(pos.Size)
		if len(size) > 0 && size[0] > 0 {
			amount = math.Min(amount, size[0])
		}

		side := core.SideTypeSell
		if pos.Size < 0 {
			side = core.SideTypeBuy
		}

		_, err := a.PlaceOrder(ctx, core.Order{
			Pair: asset,
			Side: side,
			Type: core.OrderTypeMarket,
			Size: amount,
		})
		return err == nil, err
	}
	return true, nil
}

// GetAccountMetrics summarizes the futures account for the risk manager.
// Drawdown is tracked against the peak equity seen by this adapter
// instance.
func (a *Adapter) GetAccountMetrics(ctx context.Context) (core.AccountMetrics, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return core.AccountMetrics{}, fmt.Errorf("binance account: %v: %w", err, core.ErrAdapterUnavailable)
	}

	equity, _ := strconv.ParseFloat(account.TotalMarginBalance, 64)
	unrealized, _ := strconv.ParseFloat(account.TotalUnrealizedProfit, 64)

	a.mu.Lock()
	if equity > a.peakEquity {
		a.peakEquity = equity
	}
	peak := a.peakEquity
	a.mu.Unlock()

	drawdown := 0.0
	if peak > 0 && equity < peak {
		drawdown = (peak - equity) / peak * 100
	}

	var count int
	var largest float64
	for _, p := range account.Positions {
		size, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if size == 0 {
			continue
		}
		count++
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		if equity > 0 {
			if pct := math.Abs(size) * entry / equity; pct > largest {
				largest = pct
			}
		}
	}

	return core.AccountMetrics{
		TotalValue:         equity,
		TotalPnL:           unrealized,
		UnrealizedPnL:      unrealized,
		DrawdownPct:        drawdown,
		PositionsCount:     count,
		LargestPositionPct: largest,
	}, nil
}

// UpdatePrice is a paper-only notification; the live adapter ignores it.
func (a *Adapter) UpdatePrice(_ context.Context, _ float64) {}

// formatQuantity renders a size with the pair's quantity precision.
func (a *Adapter) formatQuantity(pair string, value float64) string {
	precision := 5
	a.mu.Lock()
	if info, ok := a.assetsInfo[pair]; ok {
		precision = info.BaseAssetPrecision
	}
	a.mu.Unlock()
	return strconv.FormatFloat(value, 'f', precision, 64)
}

// formatPrice renders a price with the pair's price precision.
func (a *Adapter) formatPrice(pair string, value float64) string {
	precision := 2
	a.mu.Lock()
	if info, ok := a.assetsInfo[pair]; ok {
		precision = info.QuotePrecision
	}
	a.mu.Unlock()
	return strconv.FormatFloat(value, 'f', precision, 64)
}

var _ core.ExchangeAdapter = (*Adapter)(nil)
