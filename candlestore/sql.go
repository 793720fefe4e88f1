package candlestore

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gridsense/tradingcore/core"
)

// CandleRecord is the GORM model for one stored bar, uniquely keyed by
// (symbol, timeframe, open_time).
type CandleRecord struct {
	ID        int64   `gorm:"primaryKey,autoIncrement"`
	Symbol    string  `gorm:"index:idx_series,unique"`
	Timeframe string  `gorm:"index:idx_series,unique"`
	OpenTime  int64   `gorm:"index:idx_series,unique"`
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// SQL is the durable candle-store gateway over a GORM-managed database.
type SQL struct {
	db *gorm.DB
}

// NewSQLite opens (or creates) a SQLite-backed candle store.
func NewSQLite(dbPath string, opts ...gorm.Option) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle database: %w", err)
	}
	if err := db.AutoMigrate(&CandleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run candle migrations: %w", err)
	}
	return &SQL{db: db}, nil
}

// Append stores one candle. Re-ingesting an existing (symbol, timeframe,
// open_time) key is ignored: candles are immutable once stored.
func (s *SQL) Append(ctx context.Context, c core.Candle) error {
	record := toRecord(c)
	result := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND open_time = ?", record.Symbol, record.Timeframe, record.OpenTime).
		FirstOrCreate(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to store candle: %w", result.Error)
	}
	return nil
}

// LoadRecent returns the most recent limit bars in ascending time order.
func (s *SQL) LoadRecent(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	var records []CandleRecord
	result := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("open_time desc").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load candles: %w", result.Error)
	}
	if len(records) < limit {
		return nil, fmt.Errorf("%s %s: have %d bars, want %d: %w",
			symbol, timeframe, len(records), limit, core.ErrNotEnoughData)
	}

	// Reverse the descending page back into ascending order.
	out := lo.Reverse(lo.Map(records, func(r CandleRecord, _ int) core.Candle {
		return fromRecord(r)
	}))
	return out, nil
}

// Range returns bars with open_time in [startMs, endMs], ascending.
func (s *SQL) Range(ctx context.Context, symbol, timeframe string, startMs, endMs int64) ([]core.Candle, error) {
	var records []CandleRecord
	result := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?",
			symbol, timeframe, startMs, endMs).
		Order("open_time asc").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load candle range: %w", result.Error)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s %s [%d,%d]: %w", symbol, timeframe, startMs, endMs, core.ErrNotEnoughData)
	}

	return lo.Map(records, func(r CandleRecord, _ int) core.Candle {
		return fromRecord(r)
	}), nil
}

func toRecord(c core.Candle) CandleRecord {
	return CandleRecord{
		Symbol:    c.Pair,
		Timeframe: c.Timeframe,
		OpenTime:  c.Time.UnixMilli(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

func fromRecord(r CandleRecord) core.Candle {
	t := time.UnixMilli(r.OpenTime)
	return core.Candle{
		Pair:      r.Symbol,
		Timeframe: r.Timeframe,
		Time:      t,
		UpdatedAt: t,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Complete:  true,
	}
}

var _ core.CandleStore = (*SQL)(nil)
