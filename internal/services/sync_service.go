// internal/services/sync_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/ledger"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/oplog"
	"github.com/javajoker/traceledger/internal/store"
	"github.com/javajoker/traceledger/internal/utils"
)

const persistTimeout = 5 * time.Second

// SyncService drives every create and append through the ledger-first
// protocol, recording each stage in the operation ledger.
type SyncService struct {
	store   store.RecordStore
	ops     oplog.Store
	ledger  ledger.Client
	metrics *metrics.Metrics
	cfg     config.SyncConfig
	now     func() time.Time
	owner   string

	wg sync.WaitGroup
}

type SyncOption func(*SyncService)

func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *SyncService) { s.now = now }
}

func WithSyncMetrics(m *metrics.Metrics) SyncOption {
	return func(s *SyncService) { s.metrics = m }
}

// WithLeaseOwner names this process in lease tokens.
func WithLeaseOwner(owner string) SyncOption {
	return func(s *SyncService) { s.owner = owner }
}

type CreateProductRequest struct {
	QRCode       string `json:"qr_code" validate:"required,qrcode"`
	Name         string `json:"name" validate:"required,min=1,max=255"`
	Description  string `json:"description" validate:"required,max=5000"`
	Category     string `json:"category,omitempty" validate:"max=100"`
	Manufacturer string `json:"manufacturer,omitempty" validate:"max=255"`
	BatchNumber  string `json:"batch_number,omitempty" validate:"max=100"`
}

type AppendStepRequest struct {
	StepType      string                 `json:"step_type" validate:"required,max=100"`
	Description   string                 `json:"description" validate:"required,max=5000"`
	Location      string                 `json:"location" validate:"required,max=255"`
	Certification string                 `json:"certification,omitempty" validate:"max=255"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" validate:"omitempty,scalar_map"`
}

type UpdateStatusRequest struct {
	Status models.ProductStatus `json:"status" validate:"required,oneof=active completed recalled"`
}

// createPayload is what a create entry replays from.
type createPayload struct {
	Request   CreateProductRequest `json:"request"`
	CreatedBy string               `json:"created_by"`
}

// stepPayload carries the server-assigned identity of the step so that every
// attempt appends the same step.
type stepPayload struct {
	Request   AppendStepRequest `json:"request"`
	Actor     string            `json:"actor"`
	StepID    string            `json:"step_id"`
	Timestamp time.Time         `json:"timestamp"`
}

type stepFingerprint struct {
	QRCode  string            `json:"qr_code"`
	Actor   string            `json:"actor"`
	Request AppendStepRequest `json:"request"`
}

func NewSyncService(recordStore store.RecordStore, ops oplog.Store, ledgerClient ledger.Client, cfg config.SyncConfig, opts ...SyncOption) *SyncService {
	s := &SyncService{
		store:  recordStore,
		ops:    ops,
		ledger: ledgerClient,
		cfg:    cfg,
		now:    time.Now,
		owner:  "sync-" + uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.cfg.LedgerAttempts < 1 {
		s.cfg.LedgerAttempts = 1
	}
	if s.cfg.StoreAttempts < 1 {
		s.cfg.StoreAttempts = 1
	}
	if s.cfg.Lease <= 0 {
		s.cfg.Lease = 3 * time.Minute
	}
	return s
}

func (s *SyncService) CreateProduct(ctx context.Context, actor string, req CreateProductRequest) (*models.Product, error) {
	kind := string(models.OperationCreateProduct)
	if err := utils.ValidateStruct(&req); err != nil {
		s.metrics.OperationsTotal.WithLabelValues(kind, metrics.OutcomeInvalid).Inc()
		return nil, validationError(err)
	}

	payload := createPayload{Request: req, CreatedBy: actor}
	entry, err := newEntry(oplog.CreateKey(req.QRCode), models.OperationCreateProduct, req.QRCode, payload, payload)
	if err != nil {
		return nil, err
	}

	entry, replayed, err := s.reserve(ctx, entry)
	if err != nil {
		s.countOutcome(kind, err)
		return nil, err
	}
	if !replayed {
		entry, err = s.drive(ctx, entry)
		if err != nil {
			s.countOutcome(kind, err)
			return nil, err
		}
	}

	product, err := s.productResult(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.countSuccess(kind, replayed)
	return product, nil
}

// AppendStep appends a custody step to the product identified by qrCode.
// nonce scopes idempotency; an empty nonce makes the call non-repeatable.
func (s *SyncService) AppendStep(ctx context.Context, actor, qrCode string, req AppendStepRequest, nonce string) (*models.Step, error) {
	kind := string(models.OperationAppendStep)
	if err := utils.ValidateStruct(&req); err != nil {
		s.metrics.OperationsTotal.WithLabelValues(kind, metrics.OutcomeInvalid).Inc()
		return nil, validationError(err)
	}

	product, err := s.store.FindByQRCode(ctx, qrCode)
	if err != nil {
		return nil, s.lookupError(err)
	}
	if product.CreatedBy != actor {
		return nil, ErrForbidden
	}

	if nonce == "" {
		nonce = uuid.NewString()
	}
	payload := stepPayload{
		Request:   req,
		Actor:     actor,
		StepID:    uuid.NewString(),
		Timestamp: s.now().UTC(),
	}
	fingerprint := stepFingerprint{QRCode: qrCode, Actor: actor, Request: req}
	entry, err := newEntry(oplog.StepKey(qrCode, nonce), models.OperationAppendStep, qrCode, payload, fingerprint)
	if err != nil {
		return nil, err
	}

	entry, replayed, err := s.reserve(ctx, entry)
	if err != nil {
		s.countOutcome(kind, err)
		return nil, err
	}
	if !replayed {
		entry, err = s.drive(ctx, entry)
		if err != nil {
			s.countOutcome(kind, err)
			return nil, err
		}
	}

	step, err := s.stepResult(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.countSuccess(kind, replayed)
	return step, nil
}

// UpdateStatus changes the lifecycle status of a product. Status is not
// anchored on the ledger.
func (s *SyncService) UpdateStatus(ctx context.Context, actor, id string, status models.ProductStatus) (*models.Product, error) {
	if err := utils.ValidateStruct(&UpdateStatusRequest{Status: status}); err != nil {
		return nil, validationError(err)
	}

	product, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.lookupError(err)
	}
	if product.CreatedBy != actor {
		return nil, ErrForbidden
	}

	updated, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, s.lookupError(err)
	}

	logrus.WithFields(logrus.Fields{
		"qr_code": updated.QRCode,
		"status":  status,
	}).Info("Product status updated")
	return updated, nil
}

// Resume re-drives an in-flight entry. Terminal entries are returned as they are.
func (s *SyncService) Resume(ctx context.Context, key string) (models.OperationEntry, error) {
	entry, err := s.getEntry(ctx, key)
	if err != nil {
		return models.OperationEntry{}, err
	}
	if !entry.Stage.InFlight() {
		return entry, nil
	}
	if entry.Halted {
		return entry, s.failureError(entry)
	}

	entry, err = s.claim(ctx, entry)
	if err != nil {
		return entry, err
	}
	return s.drive(ctx, entry)
}

// Abandon marks an entry that never reached the ledger as failed. Entries past
// ledger confirmation, or with a broadcast transaction still awaiting its
// receipt, are never abandoned.
func (s *SyncService) Abandon(ctx context.Context, key, reason string) (models.OperationEntry, error) {
	entry, err := s.getEntry(ctx, key)
	if err != nil {
		return models.OperationEntry{}, err
	}
	if entry.Stage != models.StageStarted {
		return entry, fmt.Errorf("cannot abandon operation %s at stage %s", key, entry.Stage)
	}
	if entry.PendingTxHash != "" {
		return entry, &PendingError{
			Key:   key,
			Stage: entry.Stage,
			Cause: fmt.Errorf("%w: awaiting receipt for %s", ErrLedgerTransient, entry.PendingTxHash),
		}
	}
	if entry.Leased(s.now()) {
		return entry, &PendingError{Key: key, Stage: entry.Stage}
	}

	entry.Stage = models.StageFailed
	entry.LastError = reason
	entry.LeaseOwner = ""
	stored, err := s.ops.Update(ctx, entry)
	if err != nil {
		return entry, err
	}
	s.logger(stored).WithField("reason", reason).Warn("Operation abandoned")
	s.metrics.OperationsTotal.WithLabelValues(string(stored.Kind), metrics.OutcomeFailed).Inc()
	return stored, nil
}

// Replay resets a failed entry to started and drives it again. Halted entries
// need force.
func (s *SyncService) Replay(ctx context.Context, key string, force bool) (models.OperationEntry, error) {
	entry, err := s.getEntry(ctx, key)
	if err != nil {
		return models.OperationEntry{}, err
	}
	if entry.Stage != models.StageFailed {
		return entry, &ValidationError{Reason: fmt.Sprintf("operation %s is %s, only failed operations can be replayed", key, entry.Stage)}
	}
	if entry.Halted && !force {
		return entry, s.failureError(entry)
	}

	entry.Stage = models.StageStarted
	if entry.LedgerRef.Confirmed() {
		entry.Stage = models.StageLedgerConfirmed
	}
	entry.Halted = false
	entry.Attempts = 0
	entry.LastError = ""
	entry.NextRetryAt = time.Time{}
	entry, err = s.ops.Update(ctx, entry)
	if err != nil {
		return entry, err
	}
	return s.Resume(ctx, key)
}

// RepairDraftProduct anchors a product that exists only in the record store.
func (s *SyncService) RepairDraftProduct(ctx context.Context, product *models.Product) error {
	if product.LedgerRef.Confirmed() {
		return nil
	}
	key := oplog.CreateKey(product.QRCode)

	existing, err := s.ops.Get(ctx, key)
	switch {
	case err == nil:
		return s.repairFromEntry(ctx, existing, func(ref models.LedgerRef) error {
			_, err := s.store.AttachProductLedgerRef(ctx, product.QRCode, ref)
			return err
		})
	case !errors.Is(err, oplog.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}

	payload := createPayload{
		Request: CreateProductRequest{
			QRCode:       product.QRCode,
			Name:         product.Name,
			Description:  product.Description,
			Category:     product.Category,
			Manufacturer: product.Manufacturer,
			BatchNumber:  product.BatchNumber,
		},
		CreatedBy: product.CreatedBy,
	}
	entry, err := newEntry(key, models.OperationCreateProduct, product.QRCode, payload, payload)
	if err != nil {
		return err
	}
	return s.repairFresh(ctx, entry)
}

// RepairDraftStep anchors a step that exists only in the record store.
func (s *SyncService) RepairDraftStep(ctx context.Context, qrCode string, step *models.Step) error {
	if step.LedgerRef.Confirmed() {
		return nil
	}
	key := oplog.StepKey(qrCode, step.ID)

	existing, err := s.ops.Get(ctx, key)
	switch {
	case err == nil:
		return s.repairFromEntry(ctx, existing, func(ref models.LedgerRef) error {
			_, err := s.store.AttachStepLedgerRef(ctx, qrCode, step.ID, ref)
			return err
		})
	case !errors.Is(err, oplog.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}

	product, err := s.store.FindByQRCode(ctx, qrCode)
	if err != nil {
		return s.lookupError(err)
	}
	req := AppendStepRequest{
		StepType:      step.StepType,
		Description:   step.Description,
		Location:      step.Location,
		Certification: step.Certification,
		Metadata:      step.Metadata,
	}
	payload := stepPayload{Request: req, Actor: product.CreatedBy, StepID: step.ID, Timestamp: step.Timestamp}
	fingerprint := stepFingerprint{QRCode: qrCode, Actor: product.CreatedBy, Request: req}
	entry, err := newEntry(key, models.OperationAppendStep, qrCode, payload, fingerprint)
	if err != nil {
		return err
	}
	return s.repairFresh(ctx, entry)
}

// ListOperations returns up to limit entries at stage, oldest first.
func (s *SyncService) ListOperations(ctx context.Context, stage models.OperationStage, limit int) ([]models.OperationEntry, error) {
	entries, err := s.ops.ListByStage(ctx, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	return entries, nil
}

// Close waits for detached operations to finish or for ctx to end.
func (s *SyncService) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SyncService) repairFromEntry(ctx context.Context, entry models.OperationEntry, attach func(models.LedgerRef) error) error {
	switch {
	case entry.Stage.InFlight():
		_, err := s.Resume(ctx, entry.Key)
		return err
	case entry.Stage == models.StageCompleted && entry.LedgerRef.Confirmed():
		if err := attach(entry.LedgerRef); err != nil {
			return s.attachError(entry, err)
		}
		return nil
	default:
		return s.failureError(entry)
	}
}

func (s *SyncService) repairFresh(ctx context.Context, entry models.OperationEntry) error {
	entry, replayed, err := s.reserve(ctx, entry)
	if err != nil || replayed {
		return err
	}
	_, err = s.drive(ctx, entry)
	return err
}

func (s *SyncService) getEntry(ctx context.Context, key string) (models.OperationEntry, error) {
	entry, err := s.ops.Get(ctx, key)
	if errors.Is(err, oplog.ErrNotFound) {
		return entry, ErrOperationNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("%w: %v", ErrStoreTransient, err)
	}
	return entry, nil
}

func newEntry(key string, kind models.OperationKind, qrCode string, payload, fingerprint interface{}) (models.OperationEntry, error) {
	hash, err := utils.HashPayload(fingerprint)
	if err != nil {
		return models.OperationEntry{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.OperationEntry{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return models.OperationEntry{
		Key:         key,
		Kind:        kind,
		QRCode:      qrCode,
		PayloadHash: hash,
		Payload:     datatypes.JSON(raw),
		Stage:       models.StageStarted,
	}, nil
}

// reserve claims the idempotency slot for entry. It reports replayed=true with
// the stored entry when the key already completed.
func (s *SyncService) reserve(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, bool, error) {
	now := s.now()
	entry.LeaseOwner = s.leaseToken()
	entry.LeaseUntil = now.Add(s.cfg.Lease)
	entry.NextRetryAt = now

	err := s.ops.Create(ctx, entry)
	if err == nil {
		entry.Version = 1
		return entry, false, nil
	}
	if !errors.Is(err, oplog.ErrExists) {
		return entry, false, fmt.Errorf("%w: reserve %s: %v", ErrStoreTransient, entry.Key, err)
	}

	existing, err := s.ops.Get(ctx, entry.Key)
	if errors.Is(err, oplog.ErrNotFound) {
		return entry, false, &PendingError{Key: entry.Key, Stage: models.StageStarted}
	}
	if err != nil {
		return entry, false, fmt.Errorf("%w: reserve %s: %v", ErrStoreTransient, entry.Key, err)
	}

	if existing.PayloadHash != entry.PayloadHash {
		if entry.Kind == models.OperationCreateProduct {
			return existing, false, ErrDuplicate
		}
		s.logger(existing).Error("Idempotency key reused with a different payload")
		return existing, false, fmt.Errorf("%w: idempotency key %s reused with a different payload", ErrConsistencyViolation, entry.Key)
	}

	switch existing.Stage {
	case models.StageCompleted:
		return existing, true, nil
	case models.StageFailed:
		return existing, false, s.failureError(existing)
	}
	if existing.Halted {
		return existing, false, s.failureError(existing)
	}
	claimed, err := s.claim(ctx, existing)
	return claimed, false, err
}

// claim takes the lease on an in-flight entry through CAS.
func (s *SyncService) claim(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	now := s.now()
	if entry.Leased(now) {
		return entry, &PendingError{Key: entry.Key, Stage: entry.Stage}
	}
	entry.LeaseOwner = s.leaseToken()
	entry.LeaseUntil = now.Add(s.cfg.Lease)

	stored, err := s.ops.Update(ctx, entry)
	if errors.Is(err, oplog.ErrVersionConflict) {
		return entry, &PendingError{Key: entry.Key, Stage: entry.Stage}
	}
	if err != nil {
		return entry, fmt.Errorf("%w: claim %s: %v", ErrStoreTransient, entry.Key, err)
	}
	return stored, nil
}

// drive advances entry on a goroutine detached from the caller. If the caller
// stops waiting first it gets a PendingError and the goroutine carries on.
func (s *SyncService) drive(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	type result struct {
		entry models.OperationEntry
		err   error
	}
	done := make(chan result, 1)

	s.wg.Add(1)
	s.metrics.InFlightOperations.Inc()
	go func() {
		defer s.wg.Done()
		defer s.metrics.InFlightOperations.Dec()

		opCtx := context.WithoutCancel(ctx)
		if s.cfg.OperationBudget > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(opCtx, s.cfg.OperationBudget)
			defer cancel()
		}
		e, err := s.advance(opCtx, entry)
		done <- result{entry: e, err: err}
	}()

	select {
	case r := <-done:
		return r.entry, r.err
	case <-ctx.Done():
		s.logger(entry).Info("Caller stopped waiting, operation continues in background")
		s.metrics.OperationsTotal.WithLabelValues(string(entry.Kind), metrics.OutcomeInterrupted).Inc()
		return entry, &PendingError{Key: entry.Key, Stage: entry.Stage, Cause: ctx.Err()}
	}
}

func (s *SyncService) advance(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	var err error
	for {
		switch entry.Stage {
		case models.StageStarted:
			entry, err = s.submitToLedger(ctx, entry)
		case models.StageLedgerConfirmed:
			entry, err = s.writeStore(ctx, entry)
		case models.StageStoreConfirmed:
			return s.complete(ctx, entry), nil
		case models.StageCompleted:
			return entry, nil
		default:
			return entry, s.failureError(entry)
		}
		if err != nil {
			return entry, err
		}
	}
}

func (s *SyncService) submitToLedger(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	if entry.Kind == models.OperationCreateProduct && entry.PendingTxHash == "" {
		done, err := s.checkExistingProduct(ctx, entry)
		if err != nil || done.Stage != models.StageStarted {
			return done, err
		}
	}

	kind := string(entry.Kind)
	log := s.logger(entry)
	start := time.Now()

	var receipt *ledger.Receipt
	operation := func() error {
		var err error
		if entry.PendingTxHash != "" {
			receipt, err = s.ledger.AwaitReceipt(ctx, entry.PendingTxHash)
			if errors.Is(err, ledger.ErrTxNotFound) {
				log.WithField("tx_hash", entry.PendingTxHash).Warn("Pending transaction dropped, resubmitting")
				entry.PendingTxHash = ""
				receipt, err = s.submit(ctx, entry)
			}
		} else {
			receipt, err = s.submit(ctx, entry)
		}
		if err == nil {
			return nil
		}

		var already *ledger.AlreadyRegisteredError
		if errors.As(err, &already) {
			if already.Receipt != nil {
				receipt = already.Receipt
				return nil
			}
			return backoff.Permanent(&ledger.RejectedError{Reason: "product registered on ledger without a recoverable receipt"})
		}
		if errors.Is(err, ledger.ErrConfirmationTimeout) || !ledger.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(operation, s.policy(ctx, s.cfg.LedgerAttempts), func(err error, wait time.Duration) {
		s.metrics.LedgerRetriesTotal.WithLabelValues(kind).Inc()
		log.WithError(err).WithField("retry_in", wait).Warn("Ledger submission failed, retrying")
	})

	var pending *ledger.PendingTxError
	switch {
	case err == nil:
		s.metrics.LedgerSubmitDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		entry.Stage = models.StageLedgerConfirmed
		entry.LedgerRef = receipt.Ref()
		entry.PendingTxHash = ""
		entry.LastError = ""
		log.WithField("tx_hash", entry.LedgerRef.TxHash).Info("Ledger confirmed operation")
		return s.transition(ctx, entry)

	case errors.As(err, &pending):
		entry.PendingTxHash = pending.TxHash
		cause := fmt.Errorf("%w: %v", ErrLedgerTransient, err)
		return s.park(ctx, entry, cause)

	case errors.Is(err, ledger.ErrRejected):
		entry.Stage = models.StageFailed
		entry.LastError = err.Error()
		entry.LeaseOwner = ""
		if _, uerr := s.transition(ctx, entry); uerr != nil {
			log.WithError(uerr).Warn("Failed to record ledger rejection")
		}
		log.WithError(err).Warn("Ledger rejected operation")
		return entry, fmt.Errorf("%w: %s", ErrLedgerRejected, rejectionReason(err))

	default:
		parked, _ := s.park(ctx, entry, err)
		return parked, fmt.Errorf("%w: %v", ErrLedgerTransient, err)
	}
}

// checkExistingProduct handles a registration whose qrCode already has a local
// record. It returns the entry unchanged when the protocol should proceed.
func (s *SyncService) checkExistingProduct(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	existing, err := s.store.FindByQRCode(ctx, entry.QRCode)
	if errors.Is(err, store.ErrNotFound) {
		return entry, nil
	}
	if err != nil {
		return s.parkTransient(ctx, entry, err)
	}

	var payload createPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return entry, fmt.Errorf("failed to decode payload of %s: %w", entry.Key, err)
	}
	sameOwner := existing.CreatedBy == payload.CreatedBy

	switch {
	case !existing.LedgerRef.Confirmed() && sameOwner:
		return entry, nil
	case existing.LedgerRef.Confirmed() && sameOwner && sameAttributes(existing, payload.Request):
		// An earlier attempt finished both writes but lost the stage updates.
		entry.Stage = models.StageStoreConfirmed
		entry.LedgerRef = existing.LedgerRef
		entry.ResultID = existing.ID
		return s.transition(ctx, entry)
	}

	if err := s.ops.Delete(ctx, entry.Key); err != nil {
		s.logger(entry).WithError(err).Warn("Failed to release reservation")
	}
	return entry, ErrDuplicate
}

func sameAttributes(p *models.Product, req CreateProductRequest) bool {
	return p.Name == req.Name &&
		p.Description == req.Description &&
		p.Category == req.Category &&
		p.Manufacturer == req.Manufacturer &&
		p.BatchNumber == req.BatchNumber
}

func (s *SyncService) submit(ctx context.Context, entry models.OperationEntry) (*ledger.Receipt, error) {
	switch entry.Kind {
	case models.OperationCreateProduct:
		var payload createPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode payload of %s: %w", entry.Key, err))
		}
		return s.ledger.RegisterProduct(ctx, ledger.RegisterProductRequest{
			QRCode:      entry.QRCode,
			Name:        payload.Request.Name,
			Description: payload.Request.Description,
		})
	case models.OperationAppendStep:
		var payload stepPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode payload of %s: %w", entry.Key, err))
		}
		return s.ledger.AppendStep(ctx, ledger.AppendStepRequest{
			QRCode:      entry.QRCode,
			StepType:    payload.Request.StepType,
			Description: payload.Request.Description,
			Location:    payload.Request.Location,
		})
	}
	return nil, backoff.Permanent(fmt.Errorf("unknown operation kind %q", entry.Kind))
}

func (s *SyncService) writeStore(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	kind := string(entry.Kind)
	log := s.logger(entry)

	var resultID string
	operation := func() error {
		id, err := s.applyToStore(ctx, entry)
		if err == nil {
			resultID = id
			return nil
		}
		if errors.Is(err, store.ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.RetryNotify(operation, s.policy(ctx, s.cfg.StoreAttempts), func(err error, wait time.Duration) {
		s.metrics.StoreRetriesTotal.WithLabelValues(kind).Inc()
		log.WithError(err).WithField("retry_in", wait).Warn("Record store write failed, retrying")
	})

	switch {
	case err == nil:
		entry.Stage = models.StageStoreConfirmed
		entry.ResultID = resultID
		entry.LastError = ""
		return s.transition(ctx, entry)

	case errors.Is(err, ErrConsistencyViolation):
		entry.Stage = models.StageFailed
		entry.Halted = true
		entry.LastError = err.Error()
		entry.LeaseOwner = ""
		if _, uerr := s.transition(ctx, entry); uerr != nil {
			log.WithError(uerr).Warn("Failed to record consistency violation")
		}
		log.WithError(err).Error("Consistency violation, automated repair halted")
		return entry, err

	default:
		return s.parkTransient(ctx, entry, err)
	}
}

// applyToStore writes the confirmed operation and returns the record ID.
func (s *SyncService) applyToStore(ctx context.Context, entry models.OperationEntry) (string, error) {
	if entry.Kind == models.OperationAppendStep {
		return s.applyStep(ctx, entry)
	}

	var payload createPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return "", fmt.Errorf("failed to decode payload of %s: %w", entry.Key, err)
	}
	product := &models.Product{
		QRCode:       entry.QRCode,
		Name:         payload.Request.Name,
		Description:  payload.Request.Description,
		Category:     payload.Request.Category,
		Manufacturer: payload.Request.Manufacturer,
		BatchNumber:  payload.Request.BatchNumber,
		Status:       models.ProductStatusActive,
		CreatedBy:    payload.CreatedBy,
		LedgerRef:    entry.LedgerRef,
	}
	err := s.store.CreateProduct(ctx, product)
	if err == nil {
		return product.ID, nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return "", err
	}

	existing, err := s.store.FindByQRCode(ctx, entry.QRCode)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: product %s vanished after duplicate insert", store.ErrTransient, entry.QRCode)
	}
	if err != nil {
		return "", err
	}
	if existing.LedgerRef.TxHash == entry.LedgerRef.TxHash {
		return existing.ID, nil
	}
	if existing.LedgerRef.Confirmed() {
		return "", fmt.Errorf("%w: product %s carries ledger tx %s, operation confirmed tx %s",
			ErrConsistencyViolation, entry.QRCode, existing.LedgerRef.TxHash, entry.LedgerRef.TxHash)
	}
	attached, err := s.store.AttachProductLedgerRef(ctx, entry.QRCode, entry.LedgerRef)
	if err != nil {
		return "", s.attachError(entry, err)
	}
	return attached.ID, nil
}

func (s *SyncService) applyStep(ctx context.Context, entry models.OperationEntry) (string, error) {
	var payload stepPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return "", fmt.Errorf("failed to decode payload of %s: %w", entry.Key, err)
	}
	step := &models.Step{
		ID:            payload.StepID,
		StepType:      payload.Request.StepType,
		Description:   payload.Request.Description,
		Location:      payload.Request.Location,
		Certification: payload.Request.Certification,
		Metadata:      models.JSONB(payload.Request.Metadata),
		Timestamp:     payload.Timestamp,
		LedgerRef:     entry.LedgerRef,
	}

	stored, err := s.store.AppendStep(ctx, entry.QRCode, step)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: ledger holds step %s for product %s missing from the record store",
			ErrConsistencyViolation, step.ID, entry.QRCode)
	}
	if err != nil {
		return "", err
	}
	if stored.LedgerRef.TxHash == entry.LedgerRef.TxHash {
		return stored.ID, nil
	}
	if stored.LedgerRef.Confirmed() {
		return "", fmt.Errorf("%w: step %s carries ledger tx %s, operation confirmed tx %s",
			ErrConsistencyViolation, stored.ID, stored.LedgerRef.TxHash, entry.LedgerRef.TxHash)
	}
	attached, err := s.store.AttachStepLedgerRef(ctx, entry.QRCode, stored.ID, entry.LedgerRef)
	if err != nil {
		return "", s.attachError(entry, err)
	}
	return attached.ID, nil
}

// complete records the terminal stage. A failed write leaves the entry at
// store_confirmed for the reconciler; the caller still sees success.
func (s *SyncService) complete(ctx context.Context, entry models.OperationEntry) models.OperationEntry {
	entry.Stage = models.StageCompleted
	entry.LeaseOwner = ""
	entry.LeaseUntil = s.now()

	stored, err := s.transition(ctx, entry)
	if err != nil {
		s.logger(entry).WithError(err).Warn("Failed to record completion")
		return entry
	}
	s.logger(stored).Info("Operation completed")
	return stored
}

// transition persists entry. Transient failures are retried on the store
// policy; losing the CAS race means another attempt now owns the entry.
func (s *SyncService) transition(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	ctx, cancel := persistContext(ctx)
	defer cancel()

	var stored models.OperationEntry
	operation := func() error {
		var err error
		stored, err = s.ops.Update(ctx, entry)
		if errors.Is(err, oplog.ErrVersionConflict) || errors.Is(err, oplog.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, s.policy(ctx, s.cfg.StoreAttempts)); err != nil {
		return entry, &PendingError{Key: entry.Key, Stage: entry.Stage, Cause: err}
	}
	return stored, nil
}

// park releases the lease and schedules the entry for a later attempt.
func (s *SyncService) park(ctx context.Context, entry models.OperationEntry, cause error) (models.OperationEntry, error) {
	now := s.now()
	entry.Attempts++
	entry.LastError = cause.Error()
	entry.LeaseOwner = ""
	entry.LeaseUntil = now
	entry.NextRetryAt = now.Add(retryDelay(s.cfg, entry.Attempts))

	ctx, cancel := persistContext(ctx)
	defer cancel()
	stored, err := s.ops.Update(ctx, entry)
	if err != nil {
		s.logger(entry).WithError(err).Warn("Failed to park operation")
		stored = entry
	}
	s.logger(stored).WithError(cause).WithField("next_retry_at", stored.NextRetryAt).Warn("Operation parked for retry")
	return stored, &PendingError{Key: entry.Key, Stage: entry.Stage, Cause: cause}
}

func (s *SyncService) parkTransient(ctx context.Context, entry models.OperationEntry, err error) (models.OperationEntry, error) {
	return s.park(ctx, entry, fmt.Errorf("%w: %v", ErrStoreTransient, err))
}

// persistContext outlives an exhausted operation budget so that the outcome of
// the attempt is still recorded.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (s *SyncService) policy(ctx context.Context, attempts int) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retryDelay is the reconciler delay after n parked attempts: InitialBackoff
// doubled per attempt, capped at ten times MaxBackoff.
func retryDelay(cfg config.SyncConfig, attempts int) time.Duration {
	base := cfg.InitialBackoff
	if base <= 0 {
		base = time.Second
	}
	limit := 10 * cfg.MaxBackoff
	if limit <= 0 {
		limit = 10 * time.Minute
	}
	delay := base
	for i := 1; i < attempts && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

func (s *SyncService) productResult(ctx context.Context, entry models.OperationEntry) (*models.Product, error) {
	product, err := s.store.FindByQRCode(ctx, entry.QRCode)
	if err != nil {
		return nil, s.lookupError(err)
	}
	return product, nil
}

func (s *SyncService) stepResult(ctx context.Context, entry models.OperationEntry) (*models.Step, error) {
	product, err := s.store.FindByQRCode(ctx, entry.QRCode)
	if err != nil {
		return nil, s.lookupError(err)
	}
	step := product.FindStep(entry.ResultID)
	if step == nil {
		return nil, fmt.Errorf("%w: step %s of completed operation %s not in record store",
			ErrConsistencyViolation, entry.ResultID, entry.Key)
	}
	return step, nil
}

func (s *SyncService) failureError(entry models.OperationEntry) error {
	if entry.Halted {
		return fmt.Errorf("%w: %s", ErrConsistencyViolation, entry.LastError)
	}
	return fmt.Errorf("%w: %s", ErrLedgerRejected, entry.LastError)
}

func (s *SyncService) attachError(entry models.OperationEntry, err error) error {
	if errors.Is(err, store.ErrRefConflict) {
		return fmt.Errorf("%w: record for %s already anchored to a different ledger tx", ErrConsistencyViolation, entry.Key)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: record for %s disappeared before anchoring", ErrConsistencyViolation, entry.Key)
	}
	return err
}

func (s *SyncService) lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreTransient, err)
}

func (s *SyncService) countOutcome(kind string, err error) {
	outcome := metrics.OutcomeRejected
	switch {
	case errors.Is(err, ErrDuplicate):
		outcome = metrics.OutcomeDuplicate
	case errors.Is(err, ErrConsistencyViolation):
		outcome = metrics.OutcomeViolation
	case errors.Is(err, ErrLedgerTransient), errors.Is(err, ErrStoreTransient):
		outcome = metrics.OutcomeTransient
	case errors.Is(err, ErrPending):
		outcome = metrics.OutcomePending
	}
	s.metrics.OperationsTotal.WithLabelValues(kind, outcome).Inc()
}

func (s *SyncService) countSuccess(kind string, replayed bool) {
	outcome := metrics.OutcomeCompleted
	if replayed {
		outcome = metrics.OutcomeReplayed
	}
	s.metrics.OperationsTotal.WithLabelValues(kind, outcome).Inc()
}

func (s *SyncService) leaseToken() string {
	return s.owner + "/" + uuid.NewString()[:8]
}

func (s *SyncService) logger(entry models.OperationEntry) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"operation_key": entry.Key,
		"qr_code":       entry.QRCode,
		"stage":         entry.Stage,
	})
}

func rejectionReason(err error) string {
	var rejected *ledger.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return err.Error()
}
