// internal/services/scan_service_test.go
package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/traceledger/internal/models"
)

type ScanServiceTestSuite struct {
	engineSuite
	scans *ScanService
}

func (suite *ScanServiceTestSuite) SetupTest() {
	suite.engineSuite.SetupTest()
	suite.scans = NewScanService(suite.store, suite.metrics)
}

func (suite *ScanServiceTestSuite) TestRecordScan() {
	_, err := suite.sync.CreateProduct(suite.ctx, "user-1", coffeeRequest("TRACE-001"))
	require.NoError(suite.T(), err)

	count, err := suite.scans.RecordScan(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), count)

	product, err := suite.scans.ScanProduct(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), product.ScanCount)
	assert.Equal(suite.T(), float64(2), testutil.ToFloat64(suite.metrics.ScansTotal))
}

func (suite *ScanServiceTestSuite) TestScanUnknownProduct() {
	_, err := suite.scans.RecordScan(suite.ctx, "MISSING")
	assert.True(suite.T(), errors.Is(err, ErrNotFound))

	_, err = suite.scans.ScanProduct(suite.ctx, "MISSING")
	assert.True(suite.T(), errors.Is(err, ErrNotFound))
}

func (suite *ScanServiceTestSuite) TestConcurrentScansAreNotLost() {
	_, err := suite.sync.CreateProduct(suite.ctx, "user-1", coffeeRequest("TRACE-001"))
	require.NoError(suite.T(), err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.scans.RecordScan(suite.ctx, "TRACE-001")
			assert.NoError(suite.T(), err)
		}()
	}
	wg.Wait()

	product, err := suite.store.FindByQRCode(suite.ctx, "TRACE-001")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(40), product.ScanCount)
}

func (suite *ScanServiceTestSuite) TestOwnerStats() {
	for i := 1; i <= 3; i++ {
		qr := fmt.Sprintf("TRACE-%03d", i)
		_, err := suite.sync.CreateProduct(suite.ctx, "user-1", coffeeRequest(qr))
		require.NoError(suite.T(), err)
		for n := 0; n < 3; n++ {
			_, err := suite.sync.AppendStep(suite.ctx, "user-1", qr, harvestRequest(), fmt.Sprintf("%s-%d", qr, n))
			require.NoError(suite.T(), err)
			time.Sleep(2 * time.Millisecond)
		}
		_, err = suite.scans.RecordScan(suite.ctx, qr)
		require.NoError(suite.T(), err)
	}
	_, err := suite.sync.CreateProduct(suite.ctx, "user-2", coffeeRequest("OTHER-001"))
	require.NoError(suite.T(), err)

	recalled, err := suite.store.FindByQRCode(suite.ctx, "TRACE-002")
	require.NoError(suite.T(), err)
	_, err = suite.sync.UpdateStatus(suite.ctx, "user-1", recalled.ID, models.ProductStatusRecalled)
	require.NoError(suite.T(), err)

	_, err = suite.store.RecordStore.AppendStep(suite.ctx, "TRACE-003", &models.Step{
		StepType:    "inspect",
		Description: "Not anchored yet",
		Location:    "Warehouse 4",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(suite.T(), err)

	stats, err := suite.scans.OwnerStats(suite.ctx, "user-1")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(3), stats.TotalProducts)
	assert.Equal(suite.T(), int64(2), stats.ActiveProducts)
	assert.Equal(suite.T(), int64(10), stats.TotalSteps)
	assert.Equal(suite.T(), int64(1), stats.PendingSteps)
	assert.Equal(suite.T(), int64(3), stats.TotalScans)

	require.Len(suite.T(), stats.RecentActivity, recentActivityLimit)
	assert.Equal(suite.T(), ActivityAddStep, stats.RecentActivity[0].Action)
	assert.Equal(suite.T(), "TRACE-003", stats.RecentActivity[0].QRCode)
	for i := 1; i < len(stats.RecentActivity); i++ {
		assert.False(suite.T(), stats.RecentActivity[i].Timestamp.After(stats.RecentActivity[i-1].Timestamp))
	}
}

func (suite *ScanServiceTestSuite) TestOwnerStatsWithoutProducts() {
	stats, err := suite.scans.OwnerStats(suite.ctx, "nobody")
	require.NoError(suite.T(), err)
	assert.Zero(suite.T(), stats.TotalProducts)
	assert.NotNil(suite.T(), stats.RecentActivity)
	assert.Empty(suite.T(), stats.RecentActivity)
}

func TestScanServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ScanServiceTestSuite))
}
