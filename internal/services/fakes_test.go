// internal/services/fakes_test.go
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/ledger"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/store"
)

// countingLedger wraps the simulated ledger, counting submissions and
// failing or blocking them on demand.
type countingLedger struct {
	*ledger.SimulatedLedger

	mu           sync.Mutex
	registers    int
	appends      int
	registerErrs []error
	appendErrs   []error
	block        chan struct{}
	onRegister   func(req ledger.RegisterProductRequest)
}

func newCountingLedger() *countingLedger {
	return &countingLedger{SimulatedLedger: ledger.NewSimulatedLedger(config.NetworkSimulated)}
}

func (l *countingLedger) RegisterProduct(ctx context.Context, req ledger.RegisterProductRequest) (*ledger.Receipt, error) {
	l.mu.Lock()
	l.registers++
	err := pop(&l.registerErrs)
	block, hook := l.block, l.onRegister
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := wait(ctx, block); err != nil {
		return nil, err
	}
	receipt, err := l.SimulatedLedger.RegisterProduct(ctx, req)
	if err == nil && hook != nil {
		hook(req)
	}
	return receipt, err
}

func (l *countingLedger) AppendStep(ctx context.Context, req ledger.AppendStepRequest) (*ledger.Receipt, error) {
	l.mu.Lock()
	l.appends++
	err := pop(&l.appendErrs)
	block := l.block
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := wait(ctx, block); err != nil {
		return nil, err
	}
	return l.SimulatedLedger.AppendStep(ctx, req)
}

func (l *countingLedger) counts() (registers, appends int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registers, l.appends
}

func (l *countingLedger) failRegister(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registerErrs = append(l.registerErrs, errs...)
}

func (l *countingLedger) failAppend(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErrs = append(l.appendErrs, errs...)
}

// flakyStore fails record store writes on demand.
type flakyStore struct {
	store.RecordStore

	mu         sync.Mutex
	createErrs []error
	appendErrs []error
}

func (s *flakyStore) CreateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	err := pop(&s.createErrs)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.RecordStore.CreateProduct(ctx, p)
}

func (s *flakyStore) AppendStep(ctx context.Context, qrCode string, step *models.Step) (*models.Step, error) {
	s.mu.Lock()
	err := pop(&s.appendErrs)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.RecordStore.AppendStep(ctx, qrCode, step)
}

func (s *flakyStore) failCreate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.createErrs = append(s.createErrs, storeDown())
	}
}

func (s *flakyStore) failAppend(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.appendErrs = append(s.appendErrs, storeDown())
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func wait(ctx context.Context, block chan struct{}) error {
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ledger.ErrTransient, ctx.Err())
	}
}

func ledgerDown() error {
	return fmt.Errorf("%w: connection refused", ledger.ErrTransient)
}

func storeDown() error {
	return fmt.Errorf("%w: connection reset", store.ErrTransient)
}
