// internal/services/verification_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/traceledger/internal/ledger"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/oplog"
	"github.com/javajoker/traceledger/internal/store"
)

type DivergenceClass string

const (
	DivergenceConsistent DivergenceClass = "consistent"
	DivergenceLedgerOnly DivergenceClass = "ledger-only"
	DivergenceStoreOnly  DivergenceClass = "store-only"
	DivergenceConflict   DivergenceClass = "conflict"
)

type DivergenceReport struct {
	Class  DivergenceClass `json:"class"`
	Reason string          `json:"reason,omitempty"`
	// PendingSteps lists local steps with no ledger reference.
	PendingSteps []string `json:"pending_steps,omitempty"`
	// UnsyncedOperations lists operations confirmed on the ledger but not yet stored.
	UnsyncedOperations []string `json:"unsynced_operations,omitempty"`
	LedgerStepCount    int      `json:"ledger_step_count"`
	StoreStepCount     int      `json:"store_step_count"`
}

type VerificationResult struct {
	QRCode      string               `json:"qr_code"`
	Authentic   bool                 `json:"authentic"`
	Divergence  DivergenceReport     `json:"divergence"`
	Product     *models.Product      `json:"product,omitempty"`
	LedgerState *ledger.ProductState `json:"ledger_state,omitempty"`
	VerifiedAt  time.Time            `json:"verified_at"`
}

type VerificationService struct {
	store   store.RecordStore
	ops     oplog.Store
	ledger  ledger.Client
	sync    *SyncService
	metrics *metrics.Metrics
}

func NewVerificationService(recordStore store.RecordStore, ops oplog.Store, ledgerClient ledger.Client, syncService *SyncService, m *metrics.Metrics) *VerificationService {
	if m == nil {
		m = metrics.NewNop()
	}
	return &VerificationService{
		store:   recordStore,
		ops:     ops,
		ledger:  ledgerClient,
		sync:    syncService,
		metrics: m,
	}
}

// Verify compares the local record of qrCode with the ledger. It never writes.
func (s *VerificationService) Verify(ctx context.Context, qrCode string) (*VerificationResult, error) {
	product, err := s.store.FindByQRCode(ctx, qrCode)
	if errors.Is(err, store.ErrNotFound) {
		product = nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}

	state, err := s.ledger.FetchProductState(ctx, qrCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerTransient, err)
	}

	if product == nil && !state.Exists {
		return nil, ErrNotFound
	}

	entries, err := s.ops.ListByQRCode(ctx, qrCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}

	result := &VerificationResult{
		QRCode:      qrCode,
		Authentic:   state.Exists && product != nil && product.LedgerRef.Confirmed(),
		Divergence:  classify(product, state, entries),
		Product:     product,
		LedgerState: state,
		VerifiedAt:  time.Now().UTC(),
	}
	s.metrics.VerificationsTotal.WithLabelValues(string(result.Divergence.Class)).Inc()
	return result, nil
}

func classify(product *models.Product, state *ledger.ProductState, entries []models.OperationEntry) DivergenceReport {
	report := DivergenceReport{LedgerStepCount: state.StepCount}

	var halted *models.OperationEntry
	for i := range entries {
		switch {
		case entries[i].Halted:
			halted = &entries[i]
		case entries[i].Stage == models.StageLedgerConfirmed:
			report.UnsyncedOperations = append(report.UnsyncedOperations, entries[i].Key)
		}
	}

	confirmed := 0
	if product != nil {
		report.StoreStepCount = len(product.Steps)
		for _, step := range product.Steps {
			if step.Pending() {
				report.PendingSteps = append(report.PendingSteps, step.ID)
			} else {
				confirmed++
			}
		}
	}

	switch {
	case product == nil:
		report.Class = DivergenceLedgerOnly
		report.Reason = "product is on the ledger but missing from the record store"
	case product.LedgerRef.Confirmed() && !state.Exists:
		report.Class = DivergenceConflict
		report.Reason = fmt.Sprintf("record references ledger tx %s but the ledger has no such product", product.LedgerRef.TxHash)
	case halted != nil:
		report.Class = DivergenceConflict
		report.Reason = fmt.Sprintf("operation %s halted: %s", halted.Key, halted.LastError)
	case !product.LedgerRef.Confirmed() && state.Exists:
		report.Class = DivergenceLedgerOnly
		report.Reason = "product is on the ledger but its record has no ledger reference"
	case !product.LedgerRef.Confirmed():
		report.Class = DivergenceStoreOnly
		report.Reason = "product was never registered on the ledger"
	case len(report.UnsyncedOperations) > 0:
		report.Class = DivergenceLedgerOnly
		report.Reason = fmt.Sprintf("%d ledger-confirmed operations not yet stored", len(report.UnsyncedOperations))
	case state.StepCount > confirmed:
		report.Class = DivergenceLedgerOnly
		report.Reason = fmt.Sprintf("ledger holds %d steps, record store confirms %d", state.StepCount, confirmed)
	case len(report.PendingSteps) > 0:
		report.Class = DivergenceStoreOnly
		report.Reason = fmt.Sprintf("%d steps were never anchored on the ledger", len(report.PendingSteps))
	case state.StepCount < confirmed:
		report.Class = DivergenceConflict
		report.Reason = fmt.Sprintf("record store confirms %d steps, ledger holds %d", confirmed, state.StepCount)
	default:
		report.Class = DivergenceConsistent
	}
	return report
}

// Repair brings qrCode back to consistent by replaying ledger-confirmed
// operations into the record store and anchoring drafts. An empty actor skips
// the ownership check.
func (s *VerificationService) Repair(ctx context.Context, actor, qrCode string) (*VerificationResult, error) {
	result, err := s.Verify(ctx, qrCode)
	if err != nil {
		return nil, err
	}
	if result.Product != nil && actor != "" && result.Product.CreatedBy != actor {
		return nil, ErrForbidden
	}

	log := logrus.WithFields(logrus.Fields{
		"qr_code": qrCode,
		"class":   result.Divergence.Class,
	})

	switch result.Divergence.Class {
	case DivergenceConsistent:
		return result, nil
	case DivergenceConflict:
		log.WithField("reason", result.Divergence.Reason).Error("Refusing to repair conflicting records")
		return result, fmt.Errorf("%w: %s", ErrConsistencyViolation, result.Divergence.Reason)
	}

	log.Info("Repairing product records")

	entries, err := s.ops.ListByQRCode(ctx, qrCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	for _, entry := range entries {
		if !resumable(entry) {
			continue
		}
		if _, err := s.sync.Resume(ctx, entry.Key); err != nil && !stillInFlight(err) {
			return nil, err
		}
	}

	product, err := s.store.FindByQRCode(ctx, qrCode)
	switch {
	case errors.Is(err, store.ErrNotFound):
		product = nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	if product != nil {
		if err := s.sync.RepairDraftProduct(ctx, product); err != nil {
			return nil, err
		}
		for i := range product.Steps {
			if !product.Steps[i].Pending() {
				continue
			}
			if err := s.sync.RepairDraftStep(ctx, qrCode, &product.Steps[i]); err != nil {
				return nil, err
			}
		}
	}

	result, err = s.Verify(ctx, qrCode)
	if err != nil {
		return nil, err
	}
	if result.Divergence.Class != DivergenceConsistent {
		if pending, err := s.inFlight(ctx, qrCode, result.Divergence.Reason); err != nil {
			return nil, err
		} else if pending != nil {
			log.WithField("operation_key", pending.Key).Info("Repair waiting on in-flight operation")
			return result, pending
		}
		log.WithField("reason", result.Divergence.Reason).Error("Repair left records divergent")
		return result, fmt.Errorf("%w: %s", ErrConsistencyViolation, result.Divergence.Reason)
	}
	log.Info("Product records repaired")
	return result, nil
}

// resumable reports whether Repair should drive entry: anything the ledger has
// confirmed, and registrations whose broadcast transaction awaits a receipt.
func resumable(entry models.OperationEntry) bool {
	switch entry.Stage {
	case models.StageLedgerConfirmed, models.StageStoreConfirmed:
		return true
	case models.StageStarted:
		return entry.PendingTxHash != ""
	}
	return false
}

func stillInFlight(err error) bool {
	return errors.Is(err, ErrPending) || errors.Is(err, ErrLedgerTransient) || errors.Is(err, ErrStoreTransient)
}

// inFlight returns a PendingError for the first operation on qrCode that has
// not settled yet, or nil when every operation is terminal.
func (s *VerificationService) inFlight(ctx context.Context, qrCode, reason string) (*PendingError, error) {
	entries, err := s.ops.ListByQRCode(ctx, qrCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	for _, entry := range entries {
		if entry.Stage.InFlight() && !entry.Halted {
			return &PendingError{Key: entry.Key, Stage: entry.Stage, Cause: errors.New(reason)}, nil
		}
	}
	return nil, nil
}
