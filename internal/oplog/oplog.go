// internal/oplog/oplog.go
package oplog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/javajoker/traceledger/internal/models"
)

var (
	ErrNotFound        = errors.New("operation entry not found")
	ErrExists          = errors.New("operation entry already exists")
	ErrVersionConflict = errors.New("operation entry version conflict")
)

// Store persists operation entries with compare-and-set semantics. Create is
// atomic per key and Update only succeeds against the version it read, so two
// attempts with the same key can never both advance the same stage.
type Store interface {
	Create(ctx context.Context, entry models.OperationEntry) error
	Get(ctx context.Context, key string) (models.OperationEntry, error)
	// Update writes entry if the stored version equals entry.Version and
	// returns the stored entry with its version incremented.
	Update(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error)
	Delete(ctx context.Context, key string) error
	// ListDue returns in-flight entries whose lease and retry delay have both passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.OperationEntry, error)
	ListByStage(ctx context.Context, stage models.OperationStage, limit int) ([]models.OperationEntry, error)
	ListByQRCode(ctx context.Context, qrCode string) ([]models.OperationEntry, error)
}

// CreateKey is the idempotency key of a product registration.
func CreateKey(qrCode string) string {
	return fmt.Sprintf("create:%s", qrCode)
}

// StepKey is the idempotency key of a step append, scoped by a caller nonce.
func StepKey(qrCode, nonce string) string {
	return fmt.Sprintf("step:%s:%s", qrCode, nonce)
}

func isDue(e models.OperationEntry, now time.Time) bool {
	return e.Stage.InFlight() && !e.DueAt().After(now)
}
