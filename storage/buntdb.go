// Package storage provides the durable audit stores: a BuntDB-backed
// order and risk-event log, and a GORM-backed SQL alternative for the
// order history.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/tidwall/buntdb"

	"github.com/gridsense/tradingcore/core"
)

const (
	orderKeyPrefix = "order:"
	riskKeyPrefix  = "risk:"

	orderIndexName = "orders_by_update"
	riskIndexName  = "risk_by_time"
)

// BuntStorage implements the order audit store plus the risk-event log on
// BuntDB. Orders and risk events live under separate key prefixes with
// their own indexes.
type BuntStorage struct {
	lastOrderID int64
	lastRiskID  int64
	db          *buntdb.DB
}

// BuntConfig holds configuration options for BuntDB.
type BuntConfig struct {
	// Additional indexes to create beyond the built-in ones.
	AdditionalIndexes map[string]string
	// SyncPolicy determines how often data is synchronized to disk.
	SyncPolicy buntdb.SyncPolicy
}

// DefaultBuntConfig returns the default configuration for BuntDB.
func DefaultBuntConfig() BuntConfig {
	return BuntConfig{
		AdditionalIndexes: make(map[string]string),
		SyncPolicy:        buntdb.Never,
	}
}

// NewFromMemory creates an in-memory storage with default configuration.
func NewFromMemory() (*BuntStorage, error) {
	return NewBuntStorage(":memory:", DefaultBuntConfig())
}

// NewFromFile creates a file-based storage with default configuration.
func NewFromFile(file string) (*BuntStorage, error) {
	return NewBuntStorage(file, DefaultBuntConfig())
}

// NewBuntStorage creates a new BuntDB storage instance with the specified
// configuration.
func NewBuntStorage(sourceFile string, config BuntConfig) (*BuntStorage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy: config.SyncPolicy,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	if err := db.CreateIndex(orderIndexName, orderKeyPrefix+"*", buntdb.IndexJSON("updated_at")); err != nil {
		return nil, fmt.Errorf("failed to create order index: %w", err)
	}
	if err := db.CreateIndex(riskIndexName, riskKeyPrefix+"*", buntdb.IndexJSON("timestamp")); err != nil {
		return nil, fmt.Errorf("failed to create risk index: %w", err)
	}

	for name, pattern := range config.AdditionalIndexes {
		if err := db.CreateIndex(name, "*", buntdb.IndexJSON(pattern)); err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}

	return &BuntStorage{db: db}, nil
}

// CreateOrder stores a new order in the database.
func (b *BuntStorage) CreateOrder(_ context.Context, order *core.Order) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if order.ID == 0 {
			order.ID = atomic.AddInt64(&b.lastOrderID, 1)
		}

		content, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("failed to marshal order: %w", err)
		}

		key := orderKeyPrefix + strconv.FormatInt(order.ID, 10)
		if _, _, err := tx.Set(key, string(content), nil); err != nil {
			return fmt.Errorf("failed to store order: %w", err)
		}
		return nil
	})
}

// UpdateOrder updates an existing order in the database.
func (b *BuntStorage) UpdateOrder(_ context.Context, order *core.Order) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		key := orderKeyPrefix + strconv.FormatInt(order.ID, 10)

		if _, err := tx.Get(key); err != nil {
			return fmt.Errorf("order not found: %w", err)
		}

		content, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("failed to marshal order: %w", err)
		}

		if _, _, err := tx.Set(key, string(content), nil); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return nil
	})
}

// Orders retrieves orders matching every provided filter, ordered by update
// time.
func (b *BuntStorage) Orders(_ context.Context, filters ...core.OrderFilter) ([]*core.Order, error) {
	orders := make([]*core.Order, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(orderIndexName, func(key, value string) bool {
			var order core.Order
			if err := json.Unmarshal([]byte(value), &order); err != nil {
				return true
			}

			for _, filter := range filters {
				if !filter(order) {
					return true
				}
			}

			orders = append(orders, &order)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	return orders, nil
}

// Close closes the database connection.
func (b *BuntStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

var _ core.Storage = (*BuntStorage)(nil)
