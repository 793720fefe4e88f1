// Package config assembles and validates the engine settings from
// environment variables. There is intentionally no YAML or CLI layer in
// front of it; callers hand the validated Settings object to the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"

	"github.com/gridsense/tradingcore/core"
)

// Valid enum values for the monitoring log level.
var logLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// Exchange selects the execution backend and whether it points at a sandbox.
type Exchange struct {
	Type    string
	Testnet bool
}

// Account holds account-level allocation limits.
type Account struct {
	MaxAllocationPct float64 // 1..100
	RiskLevel        string
}

// PriceRange configures how the grid derives its min/max bounds.
type PriceRange struct {
	Mode        string // "auto" or "manual"
	RangePct    float64
	MinRangePct float64
	MaxRangePct float64
	ManualMin   float64
	ManualMax   float64
}

// PositionSizing bounds per-position exposure.
type PositionSizing struct {
	Mode                 string
	BalanceReservePct    float64 // 10..90
	MaxSinglePositionPct float64 // 1..50
	MinPositionSizeUSD   float64
}

// Grid configures the grid strategy.
type Grid struct {
	Symbol          string
	Levels          int // 1..50
	PriceRange      PriceRange
	PositionSizing  PositionSizing
	Timeframe       string
	TotalAllocation float64
	TakeProfitPct   float64
	StopLossPct     float64
	MaxUSDPerTrade  float64
}

// Rebalance bounds how often and how far the grid recenters.
type Rebalance struct {
	PriceMoveThresholdPct float64 // 5..50
	CooldownMinutes       int
}

// RiskManagement configures the risk manager thresholds.
type RiskManagement struct {
	MaxDrawdownPct   float64 // 5..50
	StopLossEnabled  bool
	StopLossPct      float64 // 1..20 when enabled
	TakeProfitEnabled bool
	TakeProfitPct    float64 // 5..100 when enabled
	Rebalance        Rebalance
}

// Monitoring configures logging and periodic reporting.
type Monitoring struct {
	LogLevel              string
	ReportIntervalMinutes int
}

// IndicatorFilter holds the indicator filter gate thresholds.
type IndicatorFilter struct {
	Enabled        bool
	RSIBuyMin      float64
	RSISellMax     float64
	MACDMargin     float64
	EMARatioBuffer float64
	VolumeRatioMin float64
	BBWidthMin     float64
}

// ML configures the optional ML signal service and the engine gates in
// front of it.
type ML struct {
	Enabled             bool
	ModelPath           string
	PatternModels       map[string]string
	Lookback            int
	EnterThreshold      float64
	ExitThreshold       float64
	EvalInterval        time.Duration
	PatternGainPct      float64
	PatternStopPct      float64
	PatternHorizon      int
	ContextDays         int
	PatternConfirmation int
	Filter              IndicatorFilter
}

// Paper configures the paper-trading simulator.
type Paper struct {
	Enabled        bool
	InitialBalance float64
}

// Telegram configures the Telegram notifier.
type Telegram struct {
	Token string
	Users []int
}

// Mail configures the SMTP notifier. The notifier is wired only when a
// server address and recipient are both set.
type Mail struct {
	SMTPServerAddress string
	SMTPServerPort    int
	From              string
	To                string
	Password          string
}

// Enabled reports whether enough of the SMTP settings are present to send.
func (m Mail) Enabled() bool {
	return m.SMTPServerAddress != "" && m.To != ""
}

// Credentials holds the real exchange API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Settings is the fully-assembled, validated engine configuration.
type Settings struct {
	Name           string
	Active         bool
	Exchange       Exchange
	Account        Account
	Grid           Grid
	RiskManagement RiskManagement
	Monitoring     Monitoring
	ML             ML
	Paper          Paper
	Telegram       Telegram
	Mail           Mail
	Credentials    Credentials
}

// FromEnv builds Settings from the process environment, applying the same
// deployment defaults. The result is not yet validated;
// call Validate before wiring it into the engine.
func FromEnv() Settings {
	s := Settings{
		Name:   envString("BOT_NAME", "gridsense"),
		Active: true,
		Exchange: Exchange{
			Type:    envString("EXCHANGE_TYPE", "binance-futures"),
			Testnet: envBool("HYPERLIQUID_TESTNET", true),
		},
		Account: Account{
			MaxAllocationPct: envFloat("ACCOUNT_MAX_ALLOCATION_PCT", 100),
			RiskLevel:        envString("ACCOUNT_RISK_LEVEL", "medium"),
		},
		Grid: Grid{
			Symbol: envString("GRID_SYMBOL", "BTC"),
			Levels: envInt("GRID_LEVELS", 10),
			PriceRange: PriceRange{
				Mode:        envString("GRID_RANGE_MODE", "auto"),
				RangePct:    envFloat("GRID_RANGE_PCT", 10),
				MinRangePct: envFloat("GRID_MIN_RANGE_PCT", 1),
				MaxRangePct: envFloat("GRID_MAX_RANGE_PCT", 50),
				ManualMin:   envFloat("GRID_MANUAL_MIN", 0),
				ManualMax:   envFloat("GRID_MANUAL_MAX", 0),
			},
			PositionSizing: PositionSizing{
				Mode:                 envString("GRID_SIZING_MODE", "auto"),
				BalanceReservePct:    envFloat("GRID_BALANCE_RESERVE_PCT", 20),
				MaxSinglePositionPct: envFloat("GRID_MAX_SINGLE_POSITION_PCT", 25),
				MinPositionSizeUSD:   envFloat("GRID_MIN_POSITION_SIZE_USD", 10),
			},
			Timeframe:       envString("GRID_TIMEFRAME", "15m"),
			TotalAllocation: envFloat("GRID_TOTAL_ALLOCATION", 1000),
			TakeProfitPct:   envFloat("GRID_TAKE_PROFIT_PCT", 0.05),
			StopLossPct:     envFloat("GRID_STOP_LOSS_PCT", 0.05),
			MaxUSDPerTrade:  envFloat("GRID_MAX_USD", 0),
		},
		RiskManagement: RiskManagement{
			MaxDrawdownPct:    envFloat("RISK_MAX_DRAWDOWN_PCT", 20),
			StopLossEnabled:   envBool("RISK_STOP_LOSS_ENABLED", true),
			StopLossPct:       envFloat("RISK_STOP_LOSS_PCT", 5),
			TakeProfitEnabled: envBool("RISK_TAKE_PROFIT_ENABLED", true),
			TakeProfitPct:     envFloat("RISK_TAKE_PROFIT_PCT", 10),
			Rebalance: Rebalance{
				PriceMoveThresholdPct: envFloat("RISK_REBALANCE_THRESHOLD_PCT", 15),
				CooldownMinutes:       envInt("RISK_REBALANCE_COOLDOWN_MINUTES", 30),
			},
		},
		Monitoring: Monitoring{
			LogLevel:              strings.ToUpper(envString("LOG_LEVEL", "INFO")),
			ReportIntervalMinutes: envInt("REPORT_INTERVAL_MINUTES", 60),
		},
		ML: ML{
			ModelPath:           os.Getenv("ML_MODEL_PATH"),
			PatternModels:       ParsePatternModels(os.Getenv("ML_PATTERN_MODELS")),
			Lookback:            envInt("ML_LOOKBACK", 48),
			EnterThreshold:      envFloat("ML_ENTER_THRESHOLD", 0.6),
			ExitThreshold:       envFloat("ML_EXIT_THRESHOLD", 0.4),
			EvalInterval:        envDuration("ML_EVAL_INTERVAL", 60*time.Second),
			PatternGainPct:      envFloat("ML_PATTERN_GAIN_PCT", 0.05),
			PatternStopPct:      envFloat("ML_PATTERN_STOP_PCT", 0.05),
			PatternHorizon:      envInt("ML_PATTERN_HORIZON", 4),
			ContextDays:         envInt("ML_CONTEXT_DAYS", 7),
			PatternConfirmation: envInt("ML_PATTERN_CONFIRMATIONS", 1),
			Filter: IndicatorFilter{
				Enabled:        envBool("ML_FILTER_ENABLED", false),
				RSIBuyMin:      envFloat("ML_FILTER_RSI_BUY_MIN", 55),
				RSISellMax:     envFloat("ML_FILTER_RSI_SELL_MAX", 45),
				MACDMargin:     envFloat("ML_FILTER_MACD_MARGIN", 0),
				EMARatioBuffer: envFloat("ML_FILTER_EMA_RATIO_BUFFER", 0),
				VolumeRatioMin: envFloat("ML_FILTER_VOLUME_RATIO_MIN", 0),
				BBWidthMin:     envFloat("ML_FILTER_BB_WIDTH_MIN", 0),
			},
		},
		Paper: Paper{
			Enabled:        envBool("PAPER_TRADING", false),
			InitialBalance: envFloat("PAPER_INITIAL_BALANCE", 100),
		},
		Telegram: Telegram{
			Token: os.Getenv("TELEGRAM_TOKEN"),
			Users: parseUsers(os.Getenv("TELEGRAM_USERS")),
		},
		Mail: Mail{
			SMTPServerAddress: os.Getenv("MAIL_SMTP_SERVER"),
			SMTPServerPort:    envInt("MAIL_SMTP_PORT", 587),
			From:              os.Getenv("MAIL_FROM"),
			To:                os.Getenv("MAIL_TO"),
			Password:          os.Getenv("MAIL_PASSWORD"),
		},
		Credentials: Credentials{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_API_SECRET"),
		},
	}
	s.ML.Enabled = s.ML.ModelPath != ""
	return s
}

// ParsePatternModels parses the ML_PATTERN_MODELS format "name=path;name=path".
// Malformed entries are skipped.
func ParsePatternModels(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, path, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		path = strings.TrimSpace(path)
		if name == "" || path == "" {
			continue
		}
		out[name] = path
	}
	return out
}

// Validate enforces the range and enum rules of the configuration contract.
// Violations are wrapped around core.ErrInvalidConfig so startup code can
// treat them as fatal with errors.Is.
func (s Settings) Validate() error {
	if s.Name == "" {
		return invalid("name must not be empty")
	}
	if s.Account.MaxAllocationPct < 1 || s.Account.MaxAllocationPct > 100 {
		return invalid("account.max_allocation_pct must be in 1..100, got %v", s.Account.MaxAllocationPct)
	}
	if s.Grid.Symbol == "" {
		return invalid("grid.symbol must not be empty")
	}
	if s.Grid.Levels < 1 || s.Grid.Levels > 50 {
		return invalid("grid.levels must be in 1..50, got %d", s.Grid.Levels)
	}
	switch s.Grid.PriceRange.Mode {
	case "auto":
		if s.Grid.PriceRange.RangePct < 1 || s.Grid.PriceRange.RangePct > 50 {
			return invalid("grid.price_range.auto.range_pct must be in 1..50, got %v", s.Grid.PriceRange.RangePct)
		}
	case "manual":
		if s.Grid.PriceRange.ManualMin <= 0 || s.Grid.PriceRange.ManualMax <= s.Grid.PriceRange.ManualMin {
			return invalid("grid.price_range.manual requires 0 < min < max")
		}
	default:
		return invalid("grid.price_range.mode must be auto or manual, got %q", s.Grid.PriceRange.Mode)
	}
	if ps := s.Grid.PositionSizing; ps.Mode == "auto" {
		if ps.BalanceReservePct < 10 || ps.BalanceReservePct > 90 {
			return invalid("grid.position_sizing.auto.balance_reserve_pct must be in 10..90, got %v", ps.BalanceReservePct)
		}
		if ps.MaxSinglePositionPct < 1 || ps.MaxSinglePositionPct > 50 {
			return invalid("grid.position_sizing.auto.max_single_position_pct must be in 1..50, got %v", ps.MaxSinglePositionPct)
		}
		if ps.MinPositionSizeUSD <= 0 {
			return invalid("grid.position_sizing.auto.min_position_size_usd must be > 0, got %v", ps.MinPositionSizeUSD)
		}
	}
	if _, err := str2duration.ParseDuration(s.Grid.Timeframe); err != nil {
		return invalid("grid.timeframe %q is not a valid timeframe", s.Grid.Timeframe)
	}

	rm := s.RiskManagement
	if rm.MaxDrawdownPct < 5 || rm.MaxDrawdownPct > 50 {
		return invalid("risk_management.max_drawdown_pct must be in 5..50, got %v", rm.MaxDrawdownPct)
	}
	if rm.StopLossEnabled && (rm.StopLossPct < 1 || rm.StopLossPct > 20) {
		return invalid("risk_management.stop_loss_pct must be in 1..20 when enabled, got %v", rm.StopLossPct)
	}
	if rm.TakeProfitEnabled && (rm.TakeProfitPct < 5 || rm.TakeProfitPct > 100) {
		return invalid("risk_management.take_profit_pct must be in 5..100 when enabled, got %v", rm.TakeProfitPct)
	}
	if rm.Rebalance.PriceMoveThresholdPct < 5 || rm.Rebalance.PriceMoveThresholdPct > 50 {
		return invalid("risk_management.rebalance.price_move_threshold_pct must be in 5..50, got %v", rm.Rebalance.PriceMoveThresholdPct)
	}
	if rm.Rebalance.CooldownMinutes < 1 {
		return invalid("risk_management.rebalance.cooldown_minutes must be >= 1, got %d", rm.Rebalance.CooldownMinutes)
	}

	if !logLevels[s.Monitoring.LogLevel] {
		return invalid("monitoring.log_level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL, got %q", s.Monitoring.LogLevel)
	}
	if s.Monitoring.ReportIntervalMinutes < 1 {
		return invalid("monitoring.report_interval_minutes must be >= 1, got %d", s.Monitoring.ReportIntervalMinutes)
	}

	if s.ML.Enabled {
		if s.ML.Lookback < 2 {
			return invalid("ml.lookback must be >= 2, got %d", s.ML.Lookback)
		}
		if s.ML.EnterThreshold < 0 || s.ML.EnterThreshold > 1 {
			return invalid("ml.enter_threshold must be in 0..1, got %v", s.ML.EnterThreshold)
		}
		if s.ML.PatternConfirmation < 1 {
			return invalid("ml.pattern_confirmation must be >= 1, got %d", s.ML.PatternConfirmation)
		}
	}

	if s.Paper.Enabled && s.Paper.InitialBalance <= 0 {
		return invalid("paper.initial_balance must be > 0, got %v", s.Paper.InitialBalance)
	}

	return nil
}

// LoggerLevel maps the monitoring log level onto the core logger levels.
func (s Settings) LoggerLevel() core.Level {
	switch s.Monitoring.LogLevel {
	case "DEBUG":
		return core.DebugLevel
	case "WARNING":
		return core.WarnLevel
	case "ERROR":
		return core.ErrorLevel
	case "CRITICAL":
		return core.FatalLevel
	default:
		return core.InfoLevel
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrInvalidConfig)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts either a bare number of seconds ("60") or any
// str2duration-parsable expression ("1m30s").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func parseUsers(raw string) []int {
	var users []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	return users
}
