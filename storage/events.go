package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/gridsense/tradingcore/core"
)

// RiskEventRecord is one risk-manager decision as persisted to the audit
// store.
type RiskEventRecord struct {
	ID        int64     `json:"id"`
	RuleName  string    `json:"rule_name"`
	Asset     string    `json:"asset"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateRiskEvent records one risk event.
func (b *BuntStorage) CreateRiskEvent(_ context.Context, event core.RiskEvent, at time.Time) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		record := RiskEventRecord{
			ID:        atomic.AddInt64(&b.lastRiskID, 1),
			RuleName:  event.RuleName,
			Asset:     event.Asset,
			Action:    string(event.Action),
			Reason:    event.Reason,
			Timestamp: at,
		}

		content, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal risk event: %w", err)
		}

		key := riskKeyPrefix + strconv.FormatInt(record.ID, 10)
		if _, _, err := tx.Set(key, string(content), nil); err != nil {
			return fmt.Errorf("failed to store risk event: %w", err)
		}
		return nil
	})
}

// RiskEvents returns every recorded risk event in timestamp order.
func (b *BuntStorage) RiskEvents(_ context.Context) ([]RiskEventRecord, error) {
	records := make([]RiskEventRecord, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(riskIndexName, func(key, value string) bool {
			var record RiskEventRecord
			if err := json.Unmarshal([]byte(value), &record); err != nil {
				return true
			}
			records = append(records, record)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}

	return records, nil
}
