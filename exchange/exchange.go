// Package exchange provides the market-data producer that feeds bars into
// the trading engine's OnPrice loop, fanning a single upstream candle
// stream out to any number of subscribers.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/StudioSol/set"
	"github.com/gridsense/tradingcore/core"
)

// CandleStream is the external market-data collaborator this package
// subscribes to. Only the consumption shape matters here.
type CandleStream interface {
	CandlesSubscription(ctx context.Context, pair, timeframe string) (chan core.Candle, chan error)
}

// DataFeedConsumer is a function type that processes candle data
type DataFeedConsumer func(core.Candle)

// Subscription represents a consumer subscription to a data feed
type Subscription struct {
	onCandleClose bool // Only process complete candles if true
	consumer      DataFeedConsumer
}

// DataFeed represents a data feed with channels for candles and errors
type DataFeed struct {
	Data chan core.Candle
	Err  chan error
}

// DataFeedSubscription fans a stream of upstream candles out to any number
// of subscribers keyed by (pair, timeframe).
type DataFeedSubscription struct {
	stream                  CandleStream
	feeds                   *set.LinkedHashSetString
	dataFeeds               map[string]*DataFeed
	subscriptionsByDataFeed map[string][]Subscription
	log                     core.Logger
	mu                      sync.RWMutex
}

// NewDataFeed creates a new instance of DataFeedSubscription
func NewDataFeed(stream CandleStream, log core.Logger) *DataFeedSubscription {
	return &DataFeedSubscription{
		stream:                  stream,
		feeds:                   set.NewLinkedHashSetString(),
		log:                     log,
		dataFeeds:               make(map[string]*DataFeed),
		subscriptionsByDataFeed: make(map[string][]Subscription),
	}
}

// Subscribe adds a new subscription for a pair and timeframe
func (d *DataFeedSubscription) Subscribe(pair, timeframe string, consumer DataFeedConsumer, onCandleClose bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.createFeedKey(pair, timeframe)
	d.feeds.Add(key)
	d.subscriptionsByDataFeed[key] = append(d.subscriptionsByDataFeed[key], Subscription{
		onCandleClose: onCandleClose,
		consumer:      consumer,
	})
}

// Connect establishes the upstream subscriptions for every registered feed
func (d *DataFeedSubscription) Connect(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Infof("connecting market-data producer")

	for feed := range d.feeds.Iter() {
		pair, timeframe := d.extractPairTimeframeFromKey(feed)
		candleChan, errChan := d.stream.CandlesSubscription(ctx, pair, timeframe)
		d.dataFeeds[feed] = &DataFeed{
			Data: candleChan,
			Err:  errChan,
		}
	}
}

// Start begins processing all feeds, each pumped on its own goroutine until
// ctx is cancelled or its channels close. It returns immediately unless
// waitForCompletion is set, in which case it blocks until every feed ends.
func (d *DataFeedSubscription) Start(ctx context.Context, waitForCompletion bool) {
	d.Connect(ctx)

	var wg sync.WaitGroup

	d.mu.RLock()
	for key, feed := range d.dataFeeds {
		wg.Add(1)
		go d.processFeed(ctx, key, feed, &wg)
	}
	d.mu.RUnlock()

	d.log.Infof("market-data producer connected")

	if waitForCompletion {
		wg.Wait()
	}
}

// processFeed processes candles received from a feed
func (d *DataFeedSubscription) processFeed(ctx context.Context, key string, feed *DataFeed, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case candle, ok := <-feed.Data:
			if !ok {
				return
			}
			d.processCandle(key, candle)

		case err, ok := <-feed.Err:
			if !ok {
				return
			}
			if err != nil {
				d.log.WithError(err).Error("market-data producer feed error")
			}
		}
	}
}

// processCandle sends a candle to all subscribed consumers
func (d *DataFeedSubscription) processCandle(key string, candle core.Candle) {
	d.mu.RLock()
	subscriptions := d.subscriptionsByDataFeed[key]
	d.mu.RUnlock()

	for _, subscription := range subscriptions {
		if subscription.onCandleClose && !candle.Complete {
			continue
		}
		subscription.consumer(candle)
	}
}

func (d *DataFeedSubscription) createFeedKey(pair, timeframe string) string {
	return fmt.Sprintf("%s--%s", pair, timeframe)
}

func (d *DataFeedSubscription) extractPairTimeframeFromKey(key string) (pair, timeframe string) {
	parts := strings.Split(key, "--")
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
