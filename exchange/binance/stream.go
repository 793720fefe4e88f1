package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"github.com/gridsense/tradingcore/core"
)

// MarketStream produces candle subscriptions from the Binance futures
// websocket, reconnecting with backoff when the stream drops. It satisfies
// the data-feed's CandleStream contract.
type MarketStream struct {
	client *futures.Client
	log    core.Logger
}

// NewMarketStream creates a market-data stream. Credentials are not needed
// for public kline data.
func NewMarketStream(testnet bool, log core.Logger) *MarketStream {
	if testnet {
		futures.UseTestnet = true
	}
	return &MarketStream{
		client: futures.NewClient("", ""),
		log:    log,
	}
}

// CandlesSubscription streams klines for a pair and timeframe until ctx is
// cancelled. Both channels close when the subscription ends.
func (m *MarketStream) CandlesSubscription(ctx context.Context, pair, timeframe string) (chan core.Candle, chan error) {
	candleChan := make(chan core.Candle)
	errChan := make(chan error)

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	go func() {
		defer close(candleChan)
		defer close(errChan)

		for {
			done, _, err := futures.WsKlineServe(pair, timeframe, func(event *futures.WsKlineEvent) {
				retry.Reset()
				select {
				case candleChan <- wsKlineToCandle(pair, timeframe, event.Kline):
				case <-ctx.Done():
				}
			}, func(err error) {
				select {
				case errChan <- err:
				case <-ctx.Done():
				}
			})

			if err != nil {
				select {
				case errChan <- fmt.Errorf("kline subscription for %s: %w", pair, err):
				case <-ctx.Done():
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-done:
				wait := retry.Duration()
				m.log.Warnf("kline stream for %s dropped, reconnecting in %s", pair, wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return candleChan, errChan
}

// CandlesByLimit fetches the most recent complete candles for warm-up
// preloading, ascending by time. The exchange's trailing incomplete candle
// is dropped.
func (m *MarketStream) CandlesByLimit(ctx context.Context, pair, timeframe string, limit int) ([]core.Candle, error) {
	data, err := m.client.NewKlinesService().
		Symbol(pair).
		Interval(timeframe).
		Limit(limit + 1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines for %s: %v: %w", pair, err, core.ErrAdapterUnavailable)
	}

	candles := make([]core.Candle, 0, len(data))
	for i, k := range data {
		if i == len(data)-1 {
			break
		}
		candles = append(candles, klineToCandle(pair, timeframe, *k))
	}
	return candles, nil
}

func klineToCandle(pair, timeframe string, k futures.Kline) core.Candle {
	t := time.UnixMilli(k.OpenTime)
	candle := core.Candle{
		Pair:      pair,
		Timeframe: timeframe,
		Time:      t,
		UpdatedAt: t,
		Complete:  true,
	}
	candle.Open, _ = strconv.ParseFloat(k.Open, 64)
	candle.High, _ = strconv.ParseFloat(k.High, 64)
	candle.Low, _ = strconv.ParseFloat(k.Low, 64)
	candle.Close, _ = strconv.ParseFloat(k.Close, 64)
	candle.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	return candle
}

func wsKlineToCandle(pair, timeframe string, k futures.WsKline) core.Candle {
	t := time.UnixMilli(k.StartTime)
	candle := core.Candle{
		Pair:      pair,
		Timeframe: timeframe,
		Time:      t,
		UpdatedAt: t,
		Complete:  k.IsFinal,
	}
	candle.Open, _ = strconv.ParseFloat(k.Open, 64)
	candle.High, _ = strconv.ParseFloat(k.High, 64)
	candle.Low, _ = strconv.ParseFloat(k.Low, 64)
	candle.Close, _ = strconv.ParseFloat(k.Close, 64)
	candle.Volume, _ = strconv.ParseFloat(k.Volume, 64)
	return candle
}
