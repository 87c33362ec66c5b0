// internal/models/operation.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// OperationEntry tracks one create or append through the ledger-first protocol.
// It is keyed by the idempotency key and guarded by Version for compare-and-set.
type OperationEntry struct {
	Key           string         `json:"key" gorm:"column:idempotency_key;size:255;primaryKey"`
	Kind          OperationKind  `json:"kind" gorm:"type:varchar(32);not null"`
	QRCode        string         `json:"qr_code" gorm:"size:128;not null;index"`
	PayloadHash   string         `json:"payload_hash" gorm:"size:64;not null"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Stage         OperationStage `json:"stage" gorm:"type:varchar(32);not null;index"`
	LedgerRef     LedgerRef      `json:"ledger_ref" gorm:"embedded;embeddedPrefix:ledger_"`
	PendingTxHash string         `json:"pending_tx_hash,omitempty" gorm:"size:80"`
	ResultID      string         `json:"result_id,omitempty" gorm:"size:36"`
	Attempts      int            `json:"attempts" gorm:"not null;default:0"`
	LastError     string         `json:"last_error,omitempty" gorm:"type:text"`
	Halted        bool           `json:"halted" gorm:"not null;default:false"`
	LeaseOwner    string         `json:"lease_owner,omitempty" gorm:"size:64"`
	LeaseUntil    time.Time      `json:"lease_until" gorm:"index"`
	NextRetryAt   time.Time      `json:"next_retry_at" gorm:"index"`
	Version       int64          `json:"version" gorm:"not null;default:0"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (OperationEntry) TableName() string {
	return "operation_entries"
}

// Leased reports whether another attempt currently owns the entry.
func (e OperationEntry) Leased(now time.Time) bool {
	return e.LeaseOwner != "" && now.Before(e.LeaseUntil)
}

// DueAt is the earliest time a background pass may pick the entry up.
func (e OperationEntry) DueAt() time.Time {
	if e.NextRetryAt.After(e.LeaseUntil) {
		return e.NextRetryAt
	}
	return e.LeaseUntil
}
