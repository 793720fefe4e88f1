// Command tradingbot wires the signal-to-execution pipeline from
// environment variables and runs it until SIGINT/SIGTERM. There is no CLI
// parser in front of it; configuration is the environment.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/gridsense/tradingcore/candlestore"
	"github.com/gridsense/tradingcore/config"
	"github.com/gridsense/tradingcore/core"
	"github.com/gridsense/tradingcore/engine"
	"github.com/gridsense/tradingcore/exchange"
	"github.com/gridsense/tradingcore/exchange/binance"
	zerologadapter "github.com/gridsense/tradingcore/logger/zerolog"
	"github.com/gridsense/tradingcore/ml"
	"github.com/gridsense/tradingcore/notification"
	"github.com/gridsense/tradingcore/paperexchange"
	"github.com/gridsense/tradingcore/risk"
	"github.com/gridsense/tradingcore/storage"
	"github.com/gridsense/tradingcore/strategy"
)

const (
	auditDatabase = "gridsense.db"
	preloadBars   = 800
	quoteSuffix   = "USDT"
)

func main() {
	log := initializeLogger()

	settings := config.FromEnv()
	if err := settings.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(settings.LoggerLevel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, settings, log); err != nil {
		log.WithError(err).Fatal("bot terminated with error")
	}
}

func run(ctx context.Context, cancel context.CancelFunc, settings config.Settings, log core.Logger) error {
	pair := strings.ToUpper(settings.Grid.Symbol) + quoteSuffix
	timeframe := settings.Grid.Timeframe

	// Exchange adapter: paper simulator or live futures.
	adapter, paperMode, err := initializeAdapter(ctx, settings, log)
	if err != nil {
		return err
	}

	// Market data: websocket kline stream plus a warm-up preload into the
	// in-memory candle store the ML service reads.
	stream := binance.NewMarketStream(settings.Exchange.Testnet, log)
	store := candlestore.NewMemory(settings.ML.ContextDays*96 + 200)
	if err := preloadCandles(ctx, stream, store, pair, timeframe, log); err != nil {
		return err
	}

	strat, err := strategy.New("basic_grid", strategy.Config{
		Symbol:                settings.Grid.Symbol,
		Levels:                settings.Grid.Levels,
		RangePct:              settings.Grid.PriceRange.RangePct,
		TotalAllocation:       settings.Grid.TotalAllocation * settings.Account.MaxAllocationPct / 100,
		MinPrice:              settings.Grid.PriceRange.ManualMin,
		MaxPrice:              settings.Grid.PriceRange.ManualMax,
		RebalanceThresholdPct: settings.RiskManagement.Rebalance.PriceMoveThresholdPct,
		RebalanceCooldown:     minutes(settings.RiskManagement.Rebalance.CooldownMinutes),
		TakeProfitPct:         settings.Grid.TakeProfitPct,
		StopLossPct:           settings.Grid.StopLossPct,
		MaxUSDPerTrade:        settings.Grid.MaxUSDPerTrade,
	}, log)
	if err != nil {
		return err
	}

	riskManager := risk.NewManager(risk.Config{
		MaxDrawdownPct:       settings.RiskManagement.MaxDrawdownPct,
		StopLossEnabled:      settings.RiskManagement.StopLossEnabled,
		StopLossPct:          settings.RiskManagement.StopLossPct,
		TakeProfitEnabled:    settings.RiskManagement.TakeProfitEnabled,
		TakeProfitPct:        settings.RiskManagement.TakeProfitPct,
		MaxSinglePositionPct: settings.Grid.PositionSizing.MaxSinglePositionPct,
	}, log)

	auditStore, err := storage.NewFromFile(auditDatabase)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	options := []engine.Option{
		engine.WithRiskManager(riskManager),
		engine.WithStorage(auditStore),
	}
	if paperMode {
		options = append(options, engine.WithPaperMode())
	}

	if settings.ML.Enabled {
		service, err := initializeMLService(settings, store, log)
		if err != nil {
			return err
		}
		options = append(options, engine.WithMLService(service, ml.NewPool(1)))
		log.Infof("ml signal service enabled (model: %s)", settings.ML.ModelPath)
	}

	if settings.Telegram.Token != "" {
		telegram, err := notification.NewTelegram(notification.TelegramConfig{
			Token: settings.Telegram.Token,
			Users: settings.Telegram.Users,
		}, adapter, log)
		if err != nil {
			return err
		}
		if err := telegram.Start(ctx); err != nil {
			return err
		}
		options = append(options, engine.WithNotifier(telegram))
	}

	if settings.Mail.Enabled() {
		mail := notification.NewMail(notification.MailParams{
			SMTPServerAddress: settings.Mail.SMTPServerAddress,
			SMTPServerPort:    settings.Mail.SMTPServerPort,
			From:              settings.Mail.From,
			To:                settings.Mail.To,
			Password:          settings.Mail.Password,
		}, log)
		options = append(options, engine.WithNotifier(mail))
	}

	eng, err := engine.New(engine.Config{
		Asset:               settings.Grid.Symbol,
		Timeframe:           timeframe,
		EnterThreshold:      settings.ML.EnterThreshold,
		EvalInterval:        settings.ML.EvalInterval,
		PatternConfirmation: settings.ML.PatternConfirmation,
		Filter: engine.FilterConfig{
			Enabled:        settings.ML.Filter.Enabled,
			RSIBuyMin:      settings.ML.Filter.RSIBuyMin,
			RSISellMax:     settings.ML.Filter.RSISellMax,
			MACDMargin:     settings.ML.Filter.MACDMargin,
			EMARatioBuffer: settings.ML.Filter.EMARatioBuffer,
			VolumeRatioMin: settings.ML.Filter.VolumeRatioMin,
			BBWidthMin:     settings.ML.Filter.BBWidthMin,
		},
		ReportInterval: minutes(settings.Monitoring.ReportIntervalMinutes),
	}, adapter, strat, log, options...)
	if err != nil {
		return err
	}

	// Candle fan-out: the store consumer runs before the engine so ML
	// evaluations always see the bar that triggered them.
	dataFeed := exchange.NewDataFeed(stream, log)
	dataFeed.Subscribe(pair, timeframe, func(c core.Candle) {
		c.Pair = settings.Grid.Symbol
		store.Append(c)
	}, true)
	dataFeed.Subscribe(pair, timeframe, func(c core.Candle) {
		c.Pair = settings.Grid.Symbol
		eng.OnCandle(c)
	}, true)
	dataFeed.Start(ctx, false)

	go eng.Run(ctx)
	log.Infof("%s started (%s %s, paper=%v)", settings.Name, pair, timeframe, paperMode)

	// Run until a shutdown signal arrives.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info("shutdown signal received")
	eng.Stop(context.Background())
	cancel()
	return nil
}

func initializeLogger() core.Logger {
	log, err := zerologadapter.New("info", "2006-01-02 15:04:05", true, false)
	if err != nil {
		panic(err)
	}
	return log
}

func initializeAdapter(ctx context.Context, settings config.Settings, log core.Logger) (core.ExchangeAdapter, bool, error) {
	if settings.Paper.Enabled {
		log.Infof("paper trading enabled (balance: $%.2f)", settings.Paper.InitialBalance)
		return paperexchange.NewWallet(settings.Grid.Symbol, settings.Paper.InitialBalance, log), true, nil
	}

	if settings.Credentials.APIKey == "" || settings.Credentials.APISecret == "" {
		return nil, false, errors.New("live trading requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}

	adapter := binance.NewAdapter(binance.Config{
		APIKey:    settings.Credentials.APIKey,
		APISecret: settings.Credentials.APISecret,
		Testnet:   settings.Exchange.Testnet,
		Asset:     settings.Grid.Symbol,
	}, log)
	if err := adapter.Connect(ctx); err != nil {
		return nil, false, err
	}
	return adapter, false, nil
}

func initializeMLService(settings config.Settings, store core.CandleStore, log core.Logger) (*ml.Service, error) {
	mainModel, err := ml.LoadModel(settings.ML.ModelPath)
	if err != nil {
		return nil, err
	}

	options := []ml.ServiceOption{
		ml.WithContextDays(settings.ML.ContextDays),
		ml.WithPatternConstants(settings.ML.PatternGainPct, settings.ML.PatternStopPct, settings.ML.PatternHorizon),
	}
	for pattern, path := range settings.ML.PatternModels {
		model, err := ml.LoadModel(path)
		if err != nil {
			return nil, err
		}
		options = append(options, ml.WithPatternModel(pattern, model))
	}

	return ml.NewService(
		store,
		mainModel,
		settings.Grid.Symbol,
		settings.Grid.Timeframe,
		settings.ML.Lookback,
		log,
		options...,
	), nil
}

// preloadCandles warms the in-memory store with recent history so the ML
// service can evaluate before the stream has produced a full lookback.
func preloadCandles(ctx context.Context, stream *binance.MarketStream, store *candlestore.Memory, pair, timeframe string, log core.Logger) error {
	candles, err := stream.CandlesByLimit(ctx, pair, timeframe, preloadBars)
	if err != nil {
		return err
	}

	bar := progressbar.Default(int64(len(candles)), "preloading candles")
	asset := strings.TrimSuffix(pair, quoteSuffix)
	for _, candle := range candles {
		candle.Pair = asset
		store.Append(candle)
		_ = bar.Add(1)
	}

	log.Infof("preloaded %d candles for %s %s", len(candles), pair, timeframe)
	return nil
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
