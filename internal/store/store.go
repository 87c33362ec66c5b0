// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/javajoker/traceledger/internal/models"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrTransient    = errors.New("record store temporarily unavailable")
	// ErrRefConflict is returned when attaching a ledger reference to a record
	// that already carries a different one.
	ErrRefConflict = errors.New("ledger reference already set")
)

// RecordStore is the queryable off-chain mirror of product custody data.
type RecordStore interface {
	// CreateProduct inserts p, assigning ID and timestamps. ErrDuplicateKey on qrCode collision.
	CreateProduct(ctx context.Context, p *models.Product) error
	// AppendStep atomically appends step at the next position. Appending a step
	// whose ID is already present returns the stored step unchanged.
	AppendStep(ctx context.Context, qrCode string, step *models.Step) (*models.Step, error)
	// AttachProductLedgerRef sets the product ref only if it is currently empty.
	AttachProductLedgerRef(ctx context.Context, qrCode string, ref models.LedgerRef) (*models.Product, error)
	// AttachStepLedgerRef sets the step ref only if it is currently empty.
	AttachStepLedgerRef(ctx context.Context, qrCode, stepID string, ref models.LedgerRef) (*models.Step, error)
	IncrementScanCount(ctx context.Context, qrCode string) (int64, error)
	UpdateStatus(ctx context.Context, id string, status models.ProductStatus) (*models.Product, error)
	FindByQRCode(ctx context.Context, qrCode string) (*models.Product, error)
	FindByID(ctx context.Context, id string) (*models.Product, error)
	ListAll(ctx context.Context, opts ListOptions) ([]models.Product, int64, error)
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Product, int64, error)
	Ping(ctx context.Context) error
}

// ListOptions pages list queries. Results are ordered newest first.
type ListOptions struct {
	Offset int
	Limit  int
}

func (o ListOptions) normalized() ListOptions {
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Limit <= 0 {
		o.Limit = 20
	}
	return o
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

// attachable reports whether ref may be written over current.
func attachable(current, ref models.LedgerRef) (bool, error) {
	if !current.Confirmed() {
		return true, nil
	}
	if current.TxHash == ref.TxHash {
		return false, nil
	}
	return false, ErrRefConflict
}
