// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}

	return json.Unmarshal(bytes, j)
}

// LedgerRef is the on-chain confirmation of a write. A zero value means unconfirmed.
type LedgerRef struct {
	TxHash      string `json:"tx_hash,omitempty" gorm:"size:80" bson:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty" bson:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty" bson:"gas_used,omitempty"`
	Network     string `json:"network,omitempty" gorm:"size:50" bson:"network,omitempty"`
}

func (r LedgerRef) Confirmed() bool {
	return r.TxHash != ""
}

// Enums
type ProductStatus string

const (
	ProductStatusActive    ProductStatus = "active"
	ProductStatusCompleted ProductStatus = "completed"
	ProductStatusRecalled  ProductStatus = "recalled"
)

func (s ProductStatus) Valid() bool {
	switch s {
	case ProductStatusActive, ProductStatusCompleted, ProductStatusRecalled:
		return true
	}
	return false
}

type OperationKind string

const (
	OperationCreateProduct OperationKind = "create_product"
	OperationAppendStep    OperationKind = "append_step"
)

type OperationStage string

const (
	StageStarted         OperationStage = "started"
	StageLedgerConfirmed OperationStage = "ledger_confirmed"
	StageStoreConfirmed  OperationStage = "store_confirmed"
	StageCompleted       OperationStage = "completed"
	StageFailed          OperationStage = "failed"
)

// InFlight reports whether the stage still needs work before it is terminal.
func (s OperationStage) InFlight() bool {
	switch s {
	case StageStarted, StageLedgerConfirmed, StageStoreConfirmed:
		return true
	}
	return false
}

// InFlightStages lists the non-terminal stages in protocol order.
var InFlightStages = []OperationStage{StageStarted, StageLedgerConfirmed, StageStoreConfirmed}
