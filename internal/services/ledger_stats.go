// internal/services/ledger_stats.go
package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/javajoker/traceledger/internal/models"
)

// LedgerStats summarizes ledger traffic as recorded in the operation ledger.
// Entries removed by the reconciler's purge are not counted.
type LedgerStats struct {
	Network           string                        `json:"network"`
	LastBlockNumber   uint64                        `json:"last_block_number"`
	TotalTransactions int                           `json:"total_transactions"`
	TotalGasUsed      uint64                        `json:"total_gas_used"`
	Operations        map[models.OperationStage]int `json:"operations"`
	RecentActivity    []LedgerActivity              `json:"recent_activity"`
}

type LedgerActivity struct {
	Key       string                `json:"key"`
	Kind      models.OperationKind  `json:"kind"`
	Stage     models.OperationStage `json:"stage"`
	TxHash    string                `json:"tx_hash,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

var statsStages = []models.OperationStage{
	models.StageStarted,
	models.StageLedgerConfirmed,
	models.StageStoreConfirmed,
	models.StageCompleted,
	models.StageFailed,
}

func (s *SyncService) LedgerStats(ctx context.Context) (*LedgerStats, error) {
	stats := &LedgerStats{
		Network:    s.ledger.Network(),
		Operations: make(map[models.OperationStage]int, len(statsStages)),
	}

	var all []models.OperationEntry
	for _, stage := range statsStages {
		entries, err := s.ops.ListByStage(ctx, stage, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
		}
		stats.Operations[stage] = len(entries)
		all = append(all, entries...)
	}

	for _, e := range all {
		ref := e.LedgerRef
		if !ref.Confirmed() {
			continue
		}
		stats.TotalTransactions++
		stats.TotalGasUsed += ref.GasUsed
		if ref.BlockNumber > stats.LastBlockNumber {
			stats.LastBlockNumber = ref.BlockNumber
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if len(all) > recentActivityLimit {
		all = all[:recentActivityLimit]
	}
	stats.RecentActivity = make([]LedgerActivity, 0, len(all))
	for _, e := range all {
		tx := e.LedgerRef.TxHash
		if tx == "" {
			tx = e.PendingTxHash
		}
		stats.RecentActivity = append(stats.RecentActivity, LedgerActivity{
			Key:       e.Key,
			Kind:      e.Kind,
			Stage:     e.Stage,
			TxHash:    tx,
			UpdatedAt: e.UpdatedAt,
		})
	}
	return stats, nil
}
