package engine

import (
	"time"

	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/ml"
)

// FilterConfig holds the indicator filter gate thresholds.
type FilterConfig struct {
	Enabled        bool
	RSIBuyMin      float64
	RSISellMax     float64
	MACDMargin     float64
	EMARatioBuffer float64
	VolumeRatioMin float64
	BBWidthMin     float64
}

// Config is the engine configuration.
type Config struct {
	Asset     string
	Timeframe string

	EnterThreshold      float64
	EvalInterval        time.Duration
	PatternConfirmation int
	Filter              FilterConfig

	// HousekeepInterval drives the background loop; StaleOrderAge is how
	// long a pending order survives before the sweep removes it.
	HousekeepInterval time.Duration
	StaleOrderAge     time.Duration
	ReportInterval    time.Duration
}

// Option configures an Engine beyond its required collaborators.
type Option func(*Engine)

// WithRiskManager installs a risk manager, evaluated before any strategy
// signal on every tick.
func WithRiskManager(manager core.RiskManager) Option {
	return func(e *Engine) { e.riskManager = manager }
}

// WithMLService installs the ML gate. Evaluation runs through the pool so
// the event loop stays responsive.
func WithMLService(service core.MLService, pool *ml.Pool) Option {
	return func(e *Engine) {
		e.mlService = service
		e.mlPool = pool
	}
}

// WithStorage installs the durable order audit store.
func WithStorage(storage core.Storage) Option {
	return func(e *Engine) { e.storage = storage }
}

// WithNotifier adds a fan-out destination for trade, risk, and shutdown
// events.
func WithNotifier(notifier core.Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, notifier) }
}

// WithPaperMode marks the adapter as a paper backend, enabling the
// last-price notification on every tick.
func WithPaperMode() Option {
	return func(e *Engine) { e.paperMode = true }
}
