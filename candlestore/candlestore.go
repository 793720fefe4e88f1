// Package candlestore implements the read-only candle store gateway: two
// backings — an in-memory ring buffer (the default) and an optional
// gorm-backed SQL store — both satisfying core.CandleStore.
package candlestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gridsense/tradingcore/core"
)

// key identifies one (symbol, timeframe) series.
type key struct {
	symbol    string
	timeframe string
}

// Memory is an in-memory ring-buffer candle store, the default gateway.
// Safe for concurrent reads; candle ingestion happens through Append.
type Memory struct {
	mu    sync.RWMutex
	bars  map[key][]core.Candle
	limit int
}

// NewMemory creates an in-memory candle store gateway retaining up to
// perSeriesLimit bars per (symbol, timeframe).
func NewMemory(perSeriesLimit int) *Memory {
	return &Memory{
		bars:  make(map[key][]core.Candle),
		limit: perSeriesLimit,
	}
}

// Append records a new candle, keeping the series sorted by Time and
// trimmed to the configured per-series limit.
func (m *Memory) Append(c core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{c.Pair, c.Timeframe}
	series := m.bars[k]
	series = append(series, c)
	sort.Slice(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })

	if m.limit > 0 && len(series) > m.limit {
		series = series[len(series)-m.limit:]
	}
	m.bars[k] = series
}

// LoadRecent returns the most recent limit bars in ascending time order.
func (m *Memory) LoadRecent(_ context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.bars[key{symbol, timeframe}]
	if len(series) < limit {
		return nil, fmt.Errorf("%s %s: have %d bars, want %d: %w", symbol, timeframe, len(series), limit, core.ErrNotEnoughData)
	}

	out := make([]core.Candle, limit)
	copy(out, series[len(series)-limit:])
	return out, nil
}

// Range returns bars with open_time in [startMs, endMs], ascending.
func (m *Memory) Range(_ context.Context, symbol, timeframe string, startMs, endMs int64) ([]core.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.bars[key{symbol, timeframe}]
	var out []core.Candle
	for _, c := range series {
		ms := c.Time.UnixMilli()
		if ms >= startMs && ms <= endMs {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s [%d,%d]: %w", symbol, timeframe, startMs, endMs, core.ErrNotEnoughData)
	}
	return out, nil
}

var _ core.CandleStore = (*Memory)(nil)
