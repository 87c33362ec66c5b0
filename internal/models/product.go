// internal/models/product.go
package models

import (
	"time"
)

type Product struct {
	ID           string        `json:"id" gorm:"type:varchar(36);primaryKey" bson:"_id"`
	QRCode       string        `json:"qr_code" gorm:"size:128;not null;uniqueIndex" bson:"qr_code"`
	Name         string        `json:"name" gorm:"size:255;not null" bson:"name"`
	Description  string        `json:"description" gorm:"type:text" bson:"description"`
	Category     string        `json:"category" gorm:"size:100;index" bson:"category"`
	Manufacturer string        `json:"manufacturer" gorm:"size:255" bson:"manufacturer"`
	BatchNumber  string        `json:"batch_number" gorm:"size:100" bson:"batch_number"`
	Status       ProductStatus `json:"status" gorm:"type:varchar(20);default:'active';index" bson:"status"`
	ScanCount    int64         `json:"scan_count" gorm:"not null;default:0" bson:"scan_count"`
	StepCount    int           `json:"step_count" gorm:"not null;default:0" bson:"step_count"`
	CreatedBy    string        `json:"created_by" gorm:"size:64;not null;index" bson:"created_by"`
	LedgerRef    LedgerRef     `json:"ledger_ref" gorm:"embedded;embeddedPrefix:ledger_" bson:"ledger_ref"`
	CreatedAt    time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" bson:"updated_at"`

	// Relationships
	Steps []Step `json:"steps" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" bson:"steps"`
}

// Step is one custody event. Position is assigned by the record store in arrival order.
type Step struct {
	ID            string    `json:"id" gorm:"type:varchar(36);primaryKey" bson:"id"`
	ProductID     string    `json:"-" gorm:"type:varchar(36);not null;uniqueIndex:idx_steps_product_position,priority:1" bson:"-"`
	Position      int       `json:"position" gorm:"not null;uniqueIndex:idx_steps_product_position,priority:2" bson:"position"`
	StepType      string    `json:"step_type" gorm:"size:100;not null" bson:"step_type"`
	Description   string    `json:"description" gorm:"type:text;not null" bson:"description"`
	Location      string    `json:"location" gorm:"size:255;not null" bson:"location"`
	Certification string    `json:"certification,omitempty" gorm:"size:255" bson:"certification,omitempty"`
	Metadata      JSONB     `json:"metadata,omitempty" gorm:"type:jsonb" bson:"metadata,omitempty"`
	Timestamp     time.Time `json:"timestamp" gorm:"not null" bson:"timestamp"`
	LedgerRef     LedgerRef `json:"ledger_ref" gorm:"embedded;embeddedPrefix:ledger_" bson:"ledger_ref"`
}

// Pending reports whether the step has not been confirmed on the ledger yet.
func (s Step) Pending() bool {
	return !s.LedgerRef.Confirmed()
}

// ConfirmedStepCount counts steps that carry a ledger reference.
func (p *Product) ConfirmedStepCount() int {
	n := 0
	for _, s := range p.Steps {
		if !s.Pending() {
			n++
		}
	}
	return n
}

// FindStep returns the step with the given id, or nil.
func (p *Product) FindStep(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
