// internal/services/errors.go
package services

import (
	"errors"
	"fmt"

	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/utils"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrDuplicate            = errors.New("product already exists")
	ErrNotFound             = errors.New("product not found")
	ErrForbidden            = errors.New("not the owner of this product")
	ErrLedgerRejected       = errors.New("ledger rejected the operation")
	ErrLedgerTransient      = errors.New("ledger temporarily unavailable")
	ErrStoreTransient       = errors.New("record store temporarily unavailable")
	ErrConsistencyViolation = errors.New("consistency violation")
	ErrPending              = errors.New("operation pending")
	ErrOperationNotFound    = errors.New("operation not found")
)

// ValidationError lists the offending fields. It matches ErrValidation.
type ValidationError struct {
	Fields []utils.ValidationError
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed"
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationError(err error) error {
	return &ValidationError{Fields: utils.GetValidationErrors(err), Reason: err.Error()}
}

// PendingError reports an operation that has been accepted and will be
// completed by a retry with the same key or by the background reconciler.
type PendingError struct {
	Key   string
	Stage models.OperationStage
	Cause error
}

func (e *PendingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("operation %s pending at stage %s: %v", e.Key, e.Stage, e.Cause)
	}
	return fmt.Sprintf("operation %s pending at stage %s", e.Key, e.Stage)
}

func (e *PendingError) Is(target error) bool {
	return target == ErrPending
}

func (e *PendingError) Unwrap() error {
	return e.Cause
}

// Outcome is the caller-facing classification of an error.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomePending    Outcome = "pending"
	OutcomeRejected   Outcome = "rejected"
	OutcomeValidation Outcome = "validation"
)

// Classify collapses err into the four caller outcomes. Transient failures are
// retryable and reported as pending.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrValidation):
		return OutcomeValidation
	case errors.Is(err, ErrPending), errors.Is(err, ErrLedgerTransient), errors.Is(err, ErrStoreTransient):
		return OutcomePending
	default:
		return OutcomeRejected
	}
}
