// internal/store/store_test.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/traceledger/internal/models"
)

// RecordStoreSuite exercises the RecordStore contract. Each backend runs it
// with its own constructor.
type RecordStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) RecordStore
	store    RecordStore
	ctx      context.Context
}

func (suite *RecordStoreSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = suite.newStore(suite.T())
}

func (suite *RecordStoreSuite) product(qr, owner string) *models.Product {
	return &models.Product{
		QRCode:      qr,
		Name:        "Coffee " + qr,
		Description: "Single origin",
		CreatedBy:   owner,
	}
}

func (suite *RecordStoreSuite) step(stepType string) *models.Step {
	return &models.Step{
		StepType:    stepType,
		Description: stepType + " step",
		Location:    "Huila",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func (suite *RecordStoreSuite) TestCreateAndFind() {
	p := suite.product("TRACE-001", "user-1")
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, p))
	assert.NotEmpty(suite.T(), p.ID)
	assert.Equal(suite.T(), models.ProductStatusActive, p.Status)

	byQR, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), p.ID, byQR.ID)
	assert.Equal(suite.T(), "user-1", byQR.CreatedBy)
	assert.False(suite.T(), byQR.LedgerRef.Confirmed())

	byID, err := suite.store.FindByID(suite.ctx, p.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "TRACE-001", byID.QRCode)
}

func (suite *RecordStoreSuite) TestCreateDuplicateQRCode() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))

	err := suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-2"))
	assert.True(suite.T(), errors.Is(err, ErrDuplicateKey))
}

func (suite *RecordStoreSuite) TestFindMissing() {
	_, err := suite.store.FindByQRCode(suite.ctx, "MISSING")
	assert.True(suite.T(), errors.Is(err, ErrNotFound))

	_, err = suite.store.FindByID(suite.ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(suite.T(), errors.Is(err, ErrNotFound))
}

func (suite *RecordStoreSuite) TestAppendStepAssignsPositions() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))

	for i, stepType := range []string{"harvest", "roast", "ship"} {
		s, err := suite.store.AppendStep(suite.ctx, "TRACE-001", suite.step(stepType))
		require.NoError(suite.T(), err)
		assert.NotEmpty(suite.T(), s.ID)
		assert.Equal(suite.T(), i+1, s.Position)
	}

	p, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	require.Len(suite.T(), p.Steps, 3)
	assert.Equal(suite.T(), 3, p.StepCount)
	assert.Equal(suite.T(), "harvest", p.Steps[0].StepType)
	assert.Equal(suite.T(), "ship", p.Steps[2].StepType)
	assert.Equal(suite.T(), 0, p.ConfirmedStepCount())
}

func (suite *RecordStoreSuite) TestAppendStepIsIdempotentByID() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))

	step := suite.step("harvest")
	step.ID = "7d8f1f7e-1a4b-4d55-9a61-2a3c6f6a0001"
	first, err := suite.store.AppendStep(suite.ctx, "TRACE-001", step)
	require.NoError(suite.T(), err)

	second, err := suite.store.AppendStep(suite.ctx, "TRACE-001", step)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), first.ID, second.ID)
	assert.Equal(suite.T(), first.Position, second.Position)

	p, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Len(suite.T(), p.Steps, 1)
}

func (suite *RecordStoreSuite) TestAppendStepMissingProduct() {
	_, err := suite.store.AppendStep(suite.ctx, "MISSING", suite.step("harvest"))
	assert.True(suite.T(), errors.Is(err, ErrNotFound))
}

func (suite *RecordStoreSuite) TestConcurrentAppendsGetDistinctPositions() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := suite.store.AppendStep(suite.ctx, "TRACE-001", suite.step(fmt.Sprintf("step-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(suite.T(), err)
	}

	p, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	require.Len(suite.T(), p.Steps, n)
	assert.Equal(suite.T(), n, p.StepCount)

	positions := make(map[int]bool)
	for _, s := range p.Steps {
		positions[s.Position] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(suite.T(), positions[i], "missing position %d", i)
	}
}

func (suite *RecordStoreSuite) TestConcurrentScansAreCounted() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = suite.store.IncrementScanCount(suite.ctx, "TRACE-001")
		}()
	}
	wg.Wait()

	count, err := suite.store.IncrementScanCount(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(n+1), count)

	_, err = suite.store.IncrementScanCount(suite.ctx, "MISSING")
	assert.True(suite.T(), errors.Is(err, ErrNotFound))
}

func (suite *RecordStoreSuite) TestAttachProductLedgerRef() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))

	ref := models.LedgerRef{TxHash: "0xaaa", BlockNumber: 7, GasUsed: 21000, Network: "simulated"}
	p, err := suite.store.AttachProductLedgerRef(suite.ctx, "TRACE-001", ref)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), ref, p.LedgerRef)

	// Same ref again is a no-op.
	p, err = suite.store.AttachProductLedgerRef(suite.ctx, "TRACE-001", ref)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "0xaaa", p.LedgerRef.TxHash)

	_, err = suite.store.AttachProductLedgerRef(suite.ctx, "TRACE-001", models.LedgerRef{TxHash: "0xbbb"})
	assert.True(suite.T(), errors.Is(err, ErrRefConflict))

	stored, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "0xaaa", stored.LedgerRef.TxHash)

	_, err = suite.store.AttachProductLedgerRef(suite.ctx, "MISSING", ref)
	assert.True(suite.T(), errors.Is(err, ErrNotFound))
}

func (suite *RecordStoreSuite) TestAttachStepLedgerRef() {
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product("TRACE-001", "user-1")))
	s, err := suite.store.AppendStep(suite.ctx, "TRACE-001", suite.step("harvest"))
	require.NoError(suite.T(), err)

	ref := models.LedgerRef{TxHash: "0xccc", BlockNumber: 9, Network: "simulated"}
	attached, err := suite.store.AttachStepLedgerRef(suite.ctx, "TRACE-001", s.ID, ref)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "0xccc", attached.LedgerRef.TxHash)

	_, err = suite.store.AttachStepLedgerRef(suite.ctx, "TRACE-001", s.ID, models.LedgerRef{TxHash: "0xddd"})
	assert.True(suite.T(), errors.Is(err, ErrRefConflict))

	_, err = suite.store.AttachStepLedgerRef(suite.ctx, "TRACE-001", "00000000-0000-0000-0000-000000000000", ref)
	assert.True(suite.T(), errors.Is(err, ErrNotFound))

	p, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, p.ConfirmedStepCount())
}

func (suite *RecordStoreSuite) TestUpdateStatus() {
	p := suite.product("TRACE-001", "user-1")
	require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, p))

	updated, err := suite.store.UpdateStatus(suite.ctx, p.ID, models.ProductStatusRecalled)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.ProductStatusRecalled, updated.Status)

	_, err = suite.store.UpdateStatus(suite.ctx, "00000000-0000-0000-0000-000000000000", models.ProductStatusActive)
	assert.True(suite.T(), errors.Is(err, ErrNotFound))
}

func (suite *RecordStoreSuite) TestListPagination() {
	for i := 1; i <= 5; i++ {
		owner := "user-1"
		if i%2 == 0 {
			owner = "user-2"
		}
		require.NoError(suite.T(), suite.store.CreateProduct(suite.ctx, suite.product(fmt.Sprintf("TRACE-%03d", i), owner)))
		time.Sleep(2 * time.Millisecond)
	}

	all, total, err := suite.store.ListAll(suite.ctx, ListOptions{Limit: 2})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(5), total)
	require.Len(suite.T(), all, 2)
	assert.Equal(suite.T(), "TRACE-005", all[0].QRCode)

	rest, _, err := suite.store.ListAll(suite.ctx, ListOptions{Offset: 4, Limit: 2})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), rest, 1)
	assert.Equal(suite.T(), "TRACE-001", rest[0].QRCode)

	mine, total, err := suite.store.ListByOwner(suite.ctx, "user-2", ListOptions{})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), total)
	for _, p := range mine {
		assert.Equal(suite.T(), "user-2", p.CreatedBy)
	}

	empty, total, err := suite.store.ListByOwner(suite.ctx, "nobody", ListOptions{})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), total)
	assert.Empty(suite.T(), empty)
}

func (suite *RecordStoreSuite) TestPing() {
	assert.NoError(suite.T(), suite.store.Ping(suite.ctx))
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &RecordStoreSuite{
		newStore: func(*testing.T) RecordStore { return NewMemoryStore() },
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateProduct(ctx, &models.Product{QRCode: "TRACE-001", Name: "Coffee", CreatedBy: "user-1"}))

	p, err := s.FindByQRCode(ctx, "TRACE-001")
	require.NoError(t, err)
	p.Name = "Changed"
	p.Steps = append(p.Steps, models.Step{ID: "local"})

	again, err := s.FindByQRCode(ctx, "TRACE-001")
	require.NoError(t, err)
	assert.Equal(t, "Coffee", again.Name)
	assert.Empty(t, again.Steps)
}

func TestListOptionsNormalized(t *testing.T) {
	o := ListOptions{Offset: -3, Limit: 0}.normalized()
	assert.Equal(t, 0, o.Offset)
	assert.Equal(t, 20, o.Limit)
}

func TestAttachable(t *testing.T) {
	write, err := attachable(models.LedgerRef{}, models.LedgerRef{TxHash: "0x1"})
	assert.NoError(t, err)
	assert.True(t, write)

	write, err = attachable(models.LedgerRef{TxHash: "0x1"}, models.LedgerRef{TxHash: "0x1"})
	assert.NoError(t, err)
	assert.False(t, write)

	_, err = attachable(models.LedgerRef{TxHash: "0x1"}, models.LedgerRef{TxHash: "0x2"})
	assert.True(t, errors.Is(err, ErrRefConflict))
}
