// internal/worker/reconciler_test.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/ledger"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/oplog"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/store"
)

// outageLedger fails the next n registrations with a transient error.
type outageLedger struct {
	*ledger.SimulatedLedger

	mu       sync.Mutex
	failures int
}

func (l *outageLedger) RegisterProduct(ctx context.Context, req ledger.RegisterProductRequest) (*ledger.Receipt, error) {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: connection refused", ledger.ErrTransient)
	}
	return l.SimulatedLedger.RegisterProduct(ctx, req)
}

func (l *outageLedger) down(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []models.OperationEntry
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, entry models.OperationEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, entry)
	return nil
}

func (a *recordingArchiver) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.archived))
	for _, e := range a.archived {
		keys = append(keys, e.Key)
	}
	return keys
}

type ReconcilerTestSuite struct {
	suite.Suite
	ctx        context.Context
	ledger     *outageLedger
	store      *store.MemoryStore
	ops        *oplog.MemoryStore
	metrics    *metrics.Metrics
	sync       *services.SyncService
	archiver   *recordingArchiver
	reconciler *Reconciler
}

func (suite *ReconcilerTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.ledger = &outageLedger{SimulatedLedger: ledger.NewSimulatedLedger(config.NetworkSimulated)}
	suite.store = store.NewMemoryStore()
	suite.ops = oplog.NewMemoryStore()
	suite.metrics = metrics.New(prometheus.NewRegistry())
	suite.sync = services.NewSyncService(suite.store, suite.ops, suite.ledger, config.SyncConfig{
		LedgerAttempts:  1,
		StoreAttempts:   1,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		Lease:           time.Minute,
		OperationBudget: 5 * time.Second,
	}, services.WithSyncMetrics(suite.metrics), services.WithLeaseOwner("test"))
	suite.archiver = &recordingArchiver{}
	suite.reconciler = NewReconciler(suite.ops, suite.sync, suite.archiver, suite.metrics, config.ReconcilerConfig{
		Enabled:            true,
		Interval:           5 * time.Millisecond,
		BatchSize:          10,
		MaxAttempts:        3,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	})
}

func (suite *ReconcilerTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	suite.NoError(suite.sync.Close(ctx))
}

// parked submits a create that the ledger turns away, leaving the entry at started.
func (suite *ReconcilerTestSuite) parked(qr string) string {
	suite.ledger.down(1)
	_, err := suite.sync.CreateProduct(suite.ctx, "user-1", services.CreateProductRequest{
		QRCode:      qr,
		Name:        "Huila Coffee",
		Description: "Single origin washed arabica",
	})
	suite.Require().Error(err)

	key := oplog.CreateKey(qr)
	entry, err := suite.ops.Get(suite.ctx, key)
	suite.Require().NoError(err)
	suite.Require().Equal(models.StageStarted, entry.Stage)
	return key
}

func (suite *ReconcilerTestSuite) at(offset time.Duration) {
	suite.reconciler.now = func() time.Time { return time.Now().Add(offset) }
}

func (suite *ReconcilerTestSuite) TestResumesParkedOperation() {
	key := suite.parked("TRACE-001")
	suite.at(time.Minute)

	stats := suite.reconciler.RunOnce(suite.ctx)
	assert.Equal(suite.T(), 1, stats.Resumed)
	assert.Zero(suite.T(), stats.Errors)

	entry, err := suite.ops.Get(suite.ctx, key)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.StageCompleted, entry.Stage)

	product, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), entry.LedgerRef.TxHash, product.LedgerRef.TxHash)
	assert.Equal(suite.T(), float64(1), testutil.ToFloat64(suite.metrics.ReconcilerRunsTotal.WithLabelValues("resumed")))
}

func (suite *ReconcilerTestSuite) TestSkipsOperationsNotYetDue() {
	suite.parked("TRACE-001")
	suite.at(-time.Minute)

	stats := suite.reconciler.RunOnce(suite.ctx)
	assert.Equal(suite.T(), RunStats{}, stats)
}

func (suite *ReconcilerTestSuite) TestOperationStillFailingStaysPending() {
	key := suite.parked("TRACE-001")
	suite.ledger.down(1)
	suite.at(time.Minute)

	stats := suite.reconciler.RunOnce(suite.ctx)
	assert.Equal(suite.T(), 1, stats.Pending)

	entry, err := suite.ops.Get(suite.ctx, key)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.StageStarted, entry.Stage)
	assert.Equal(suite.T(), 2, entry.Attempts)
}

func (suite *ReconcilerTestSuite) TestAbandonsAfterMaxAttempts() {
	suite.reconciler.cfg.MaxAttempts = 1
	key := suite.parked("TRACE-001")
	suite.at(time.Minute)

	stats := suite.reconciler.RunOnce(suite.ctx)
	assert.Equal(suite.T(), 1, stats.Abandoned)

	entry, err := suite.ops.Get(suite.ctx, key)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.StageFailed, entry.Stage)
	assert.Contains(suite.T(), entry.LastError, "max attempts")

	_, err = suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	assert.True(suite.T(), errors.Is(err, store.ErrNotFound))
}

func (suite *ReconcilerTestSuite) TestBroadcastTransactionIsNeverAbandoned() {
	slow := ledger.NewSimulatedLedger(config.NetworkSimulated, ledger.WithConfirmationDelay(300*time.Millisecond))
	slowSync := services.NewSyncService(suite.store, suite.ops, slow, config.SyncConfig{
		LedgerAttempts:  1,
		StoreAttempts:   1,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		Lease:           time.Minute,
		OperationBudget: 20 * time.Millisecond,
	}, services.WithSyncMetrics(suite.metrics), services.WithLeaseOwner("slow"))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		suite.NoError(slowSync.Close(ctx))
	}()
	reconciler := NewReconciler(suite.ops, slowSync, suite.archiver, suite.metrics, config.ReconcilerConfig{
		Enabled:     true,
		Interval:    5 * time.Millisecond,
		BatchSize:   10,
		MaxAttempts: 1,
	})
	reconciler.now = func() time.Time { return time.Now().Add(time.Minute) }

	_, err := slowSync.CreateProduct(suite.ctx, "user-1", services.CreateProductRequest{
		QRCode:      "TRACE-001",
		Name:        "Huila Coffee",
		Description: "Single origin washed arabica",
	})
	require.True(suite.T(), errors.Is(err, services.ErrPending))

	key := oplog.CreateKey("TRACE-001")
	entry, err := suite.ops.Get(suite.ctx, key)
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), models.StageStarted, entry.Stage)
	require.NotEmpty(suite.T(), entry.PendingTxHash)
	require.Equal(suite.T(), 1, entry.Attempts)

	_, err = slowSync.Abandon(suite.ctx, key, "operator gave up")
	assert.True(suite.T(), errors.Is(err, services.ErrPending))

	stats := reconciler.RunOnce(suite.ctx)
	assert.Zero(suite.T(), stats.Abandoned)
	assert.Equal(suite.T(), 1, stats.Pending)

	entry, err = suite.ops.Get(suite.ctx, key)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.StageStarted, entry.Stage)
	txHash := entry.PendingTxHash

	assert.Eventually(suite.T(), func() bool {
		reconciler.RunOnce(suite.ctx)
		entry, err := suite.ops.Get(suite.ctx, key)
		return err == nil && entry.Stage == models.StageCompleted
	}, 3*time.Second, 50*time.Millisecond)

	entry, err = suite.ops.Get(suite.ctx, key)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), txHash, entry.LedgerRef.TxHash)
	assert.Len(suite.T(), slow.Blocks(), 2)

	product, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), txHash, product.LedgerRef.TxHash)
}

func (suite *ReconcilerTestSuite) TestPurgeArchivesExpiredEntries() {
	_, err := suite.sync.CreateProduct(suite.ctx, "user-1", services.CreateProductRequest{
		QRCode:      "TRACE-001",
		Name:        "Huila Coffee",
		Description: "Single origin washed arabica",
	})
	require.NoError(suite.T(), err)

	suite.reconciler.cfg.MaxAttempts = 1
	failedKey := suite.parked("TRACE-002")
	suite.at(time.Minute)
	require.Equal(suite.T(), 1, suite.reconciler.RunOnce(suite.ctx).Abandoned)

	// Within both retention windows nothing is purged.
	suite.at(time.Hour)
	assert.Zero(suite.T(), suite.reconciler.RunOnce(suite.ctx).Archived)

	suite.at(48 * time.Hour)
	stats := suite.reconciler.RunOnce(suite.ctx)
	assert.Equal(suite.T(), 1, stats.Archived)
	assert.Equal(suite.T(), []string{"create:TRACE-001"}, suite.archiver.keys())

	_, err = suite.ops.Get(suite.ctx, "create:TRACE-001")
	assert.True(suite.T(), errors.Is(err, oplog.ErrNotFound))
	_, err = suite.ops.Get(suite.ctx, failedKey)
	assert.NoError(suite.T(), err)

	suite.at(8 * 24 * time.Hour)
	stats = suite.reconciler.RunOnce(suite.ctx)
	assert.Equal(suite.T(), 1, stats.Archived)
	assert.Equal(suite.T(), []string{"create:TRACE-001", failedKey}, suite.archiver.keys())

	// The record store keeps the product after its operation is purged.
	_, err = suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	assert.NoError(suite.T(), err)
}

func (suite *ReconcilerTestSuite) TestArchiveFailureKeepsEntry() {
	_, err := suite.sync.CreateProduct(suite.ctx, "user-1", services.CreateProductRequest{
		QRCode:      "TRACE-001",
		Name:        "Huila Coffee",
		Description: "Single origin washed arabica",
	})
	require.NoError(suite.T(), err)
	suite.archiver.err = errors.New("bucket unavailable")
	suite.at(48 * time.Hour)

	stats := suite.reconciler.RunOnce(suite.ctx)
	assert.Zero(suite.T(), stats.Archived)
	assert.Equal(suite.T(), 1, stats.Errors)

	_, err = suite.ops.Get(suite.ctx, "create:TRACE-001")
	assert.NoError(suite.T(), err)
}

func (suite *ReconcilerTestSuite) TestStartRunsUntilCancelled() {
	key := suite.parked("TRACE-001")
	suite.at(time.Minute)

	ctx, cancel := context.WithCancel(suite.ctx)
	done := suite.reconciler.Start(ctx)

	assert.Eventually(suite.T(), func() bool {
		entry, err := suite.ops.Get(suite.ctx, key)
		return err == nil && entry.Stage == models.StageCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.Fail("reconciler did not stop")
	}
}

func TestReconcilerTestSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerTestSuite))
}

func TestNewReconcilerDefaults(t *testing.T) {
	r := NewReconciler(oplog.NewMemoryStore(), nil, nil, nil, config.ReconcilerConfig{})
	assert.Equal(t, 50, r.cfg.BatchSize)
	assert.Equal(t, 30*time.Second, r.cfg.Interval)
	assert.NotNil(t, r.archiver)
	assert.NotNil(t, r.metrics)
}
