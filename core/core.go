package core

import "context"

// ExchangeAdapter is the capability set every concrete execution backend
// (paperexchange.Wallet, exchange/binance's futures adapter) must
// implement. The engine and strategies depend only on this abstraction.
type ExchangeAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetMarketPrice(ctx context.Context, asset string) (float64, error)

	PlaceOrder(ctx context.Context, order Order) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, id int64) (bool, error)
	CancelAllOrders(ctx context.Context) (int, error)
	GetOrderStatus(ctx context.Context, id int64) (Order, error)

	GetPositions(ctx context.Context) ([]Position, error)
	ClosePosition(ctx context.Context, asset string, size ...float64) (bool, error)

	GetAccountMetrics(ctx context.Context) (AccountMetrics, error)

	// UpdatePrice is informational and only meaningful for paper-trading
	// backends; real adapters may implement it as a no-op.
	UpdatePrice(ctx context.Context, price float64)
}

// FilledOrderID is the literal exchange_order_id value ExchangeAdapter
// implementations return from PlaceOrder when the order executed
// immediately rather than resting on a book.
const FilledOrderID = "filled"

// Strategy is the grid / single-trade contract. GenerateSignals is pure
// with respect to the strategy's internal state: identical inputs
// following identical history produce identical outputs.
type Strategy interface {
	// UpdateContext propagates the latest ML signal, deriving the market
	// bias through the strategy's fallback chain.
	UpdateContext(signal MLSignal)

	// GenerateSignals computes the signals for one price update given the
	// current positions and USD balance.
	GenerateSignals(market MarketDataEvent, positions []Position, balance Balance) []Signal

	// OnTradeExecuted is the single canonical trade-execution hook,
	// dispatched on the strategy's mode (grid vs single-trade).
	OnTradeExecuted(signal Signal, executedPrice, executedSize float64)

	// OnError gives the strategy visibility into execution failures for
	// signals it previously emitted.
	OnError(err error, signal Signal)

	// Stop transitions the strategy to Stopped; idempotent.
	Stop()
}

// RiskManager maps account/position state to a sequence of RiskEvent,
// executed by the engine strictly before any strategy signal for the
// tick.
type RiskManager interface {
	Evaluate(positions []Position, market map[string]MarketDataEvent, account AccountMetrics) []RiskEvent
}

// MLService is the blocking, CPU-bound ML signal service contract,
// intended to run on a worker pool so the engine's event loop stays
// responsive.
type MLService interface {
	Evaluate(ctx context.Context) (MLSignal, error)
}

// PredictBinary is the opaque model capability: anything that can score a
// feature vector into a two-class probability pair satisfies it. The
// loader is free to use any artifact format; the feature-vector layout is
// the contract.
type PredictBinary interface {
	PredictProba(features []float64) (p0, p1 float64, err error)
}

// CandleStore is the read-only candle store gateway. Implementations must
// be safe for concurrent reads.
type CandleStore interface {
	LoadRecent(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	Range(ctx context.Context, symbol, timeframe string, startMs, endMs int64) ([]Candle, error)
}

// Event is a notification fan-out payload: a trade fill, a risk event, or
// a shutdown/lifecycle event.
type Event struct {
	Kind    string // "trade", "risk", "shutdown"
	Message string
	Order   *Order
	Risk    *RiskEvent
}

// Notifier is a single fan-out destination for engine events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierWithStart is a Notifier that also runs a background receive loop
// (e.g. Telegram inline commands).
type NotifierWithStart interface {
	Notifier
	Start(ctx context.Context) error
}
