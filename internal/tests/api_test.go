// internal/tests/api_test.go
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/ledger"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/middleware"
	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/oplog"
	"github.com/javajoker/traceledger/internal/router"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/store"
	"github.com/javajoker/traceledger/internal/utils"
)

// gatedLedger holds registrations until the gate is closed.
type gatedLedger struct {
	*ledger.SimulatedLedger

	mu   sync.Mutex
	gate chan struct{}
}

func (l *gatedLedger) RegisterProduct(ctx context.Context, req ledger.RegisterProductRequest) (*ledger.Receipt, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.SimulatedLedger.RegisterProduct(ctx, req)
}

func (l *gatedLedger) hold() func() {
	gate := make(chan struct{})
	l.mu.Lock()
	l.gate = gate
	l.mu.Unlock()
	return func() { close(gate) }
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type APITestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	ledger *gatedLedger
	store  *store.MemoryStore
	sync   *services.SyncService
	router *gin.Engine

	ownerToken string
	otherToken string
	adminToken string
}

func (suite *APITestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	suite.ctx, suite.cancel = context.WithCancel(context.Background())

	cfg := &config.Config{
		Environment: "test",
		JWT:         config.JWTConfig{SecretKey: "api-test-secret", AccessTokenTTL: 1},
		Blockchain:  config.BlockchainConfig{Network: config.NetworkSimulated},
		Sync: config.SyncConfig{
			LedgerAttempts:  2,
			StoreAttempts:   2,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
			Lease:           time.Minute,
			OperationBudget: 5 * time.Second,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Metrics:   config.MetricsConfig{Enabled: true},
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	recordStore := store.NewMemoryStore()
	suite.store = recordStore
	ops := oplog.NewMemoryStore()
	suite.ledger = &gatedLedger{SimulatedLedger: ledger.NewSimulatedLedger(config.NetworkSimulated)}

	suite.sync = services.NewSyncService(recordStore, ops, suite.ledger, cfg.Sync, services.WithSyncMetrics(m))
	suite.router = router.Initialize(suite.ctx, router.Services{
		Products:     services.NewProductService(recordStore),
		Sync:         suite.sync,
		Verification: services.NewVerificationService(recordStore, ops, suite.ledger, suite.sync, m),
		Scans:        services.NewScanService(recordStore, m),
		Metrics:      m,
		Gatherer:     registry,
	}, cfg)

	suite.ownerToken = suite.token("user-1", middleware.RoleManufacturer)
	suite.otherToken = suite.token("user-2", middleware.RoleManufacturer)
	suite.adminToken = suite.token("admin-1", middleware.RoleAdmin)
}

func (suite *APITestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	suite.NoError(suite.sync.Close(ctx))
	suite.cancel()
}

func (suite *APITestSuite) token(userID, role string) string {
	token, err := utils.GenerateJWT(userID, userID, role, 1)
	suite.Require().NoError(err)
	return token
}

func (suite *APITestSuite) do(method, path, token string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	return suite.doContext(context.Background(), method, path, token, body, headers...)
}

func (suite *APITestSuite) doContext(ctx context.Context, method, path, token string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		suite.Require().NoError(err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)

	var resp envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (suite *APITestSuite) decode(resp envelope, v interface{}) {
	suite.Require().NoError(json.Unmarshal(resp.Data, v))
}

func productBody(qr, name string) map[string]interface{} {
	return map[string]interface{}{
		"qr_code":      qr,
		"name":         name,
		"description":  "Single origin washed arabica",
		"manufacturer": "Finca La Esperanza",
	}
}

func stepBody() map[string]interface{} {
	return map[string]interface{}{
		"step_type":   "roast",
		"description": "Medium roast",
		"location":    "Bogota",
		"metadata":    map[string]interface{}{"temperature_c": 210},
	}
}

type productData struct {
	Product models.Product `json:"product"`
}

type stepData struct {
	Step models.Step `json:"step"`
}

func (suite *APITestSuite) create(qr string) models.Product {
	w, resp := suite.do(http.MethodPost, "/v1/products", suite.ownerToken, productBody(qr, "Huila Coffee"))
	suite.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var data productData
	suite.decode(resp, &data)
	return data.Product
}

func (suite *APITestSuite) TestHealth() {
	w, _ := suite.do(http.MethodGet, "/health", "", nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *APITestSuite) TestCreateProduct() {
	product := suite.create("TRACE-001")
	assert.Equal(suite.T(), "TRACE-001", product.QRCode)
	assert.Equal(suite.T(), "user-1", product.CreatedBy)
	assert.True(suite.T(), product.LedgerRef.Confirmed())

	// Retrying the same request replays the original outcome.
	again := suite.create("TRACE-001")
	assert.Equal(suite.T(), product.ID, again.ID)
	assert.Equal(suite.T(), product.LedgerRef.TxHash, again.LedgerRef.TxHash)

	w, resp := suite.do(http.MethodPost, "/v1/products", suite.ownerToken, productBody("TRACE-001", "Something else"))
	assert.Equal(suite.T(), http.StatusConflict, w.Code)
	assert.Equal(suite.T(), "CONFLICT", resp.Error.Code)
}

func (suite *APITestSuite) TestCreateProductValidation() {
	w, resp := suite.do(http.MethodPost, "/v1/products", suite.ownerToken, productBody("bad qr!", "Huila Coffee"))
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)
	assert.Equal(suite.T(), "VALIDATION_ERROR", resp.Error.Code)

	w, resp = suite.do(http.MethodPost, "/v1/products", suite.ownerToken, "{not json")
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)
	assert.Equal(suite.T(), "BAD_REQUEST", resp.Error.Code)
}

func (suite *APITestSuite) TestAuthentication() {
	w, resp := suite.do(http.MethodPost, "/v1/products", "", productBody("TRACE-001", "Huila Coffee"))
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)
	assert.Equal(suite.T(), "UNAUTHORIZED", resp.Error.Code)

	w, _ = suite.do(http.MethodPost, "/v1/products", "garbage", productBody("TRACE-001", "Huila Coffee"))
	assert.Equal(suite.T(), http.StatusUnauthorized, w.Code)

	w, _ = suite.do(http.MethodGet, "/v1/admin/stats", suite.ownerToken, nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)
}

func (suite *APITestSuite) TestAppendStep() {
	suite.create("TRACE-001")

	w, resp := suite.do(http.MethodPost, "/v1/products/TRACE-001/steps", suite.ownerToken, stepBody(), "Idempotency-Key", "roast-1")
	require.Equal(suite.T(), http.StatusCreated, w.Code, w.Body.String())
	var first stepData
	suite.decode(resp, &first)
	assert.Equal(suite.T(), 1, first.Step.Position)
	assert.True(suite.T(), first.Step.LedgerRef.Confirmed())

	w, resp = suite.do(http.MethodPost, "/v1/products/TRACE-001/steps", suite.ownerToken, stepBody(), "Idempotency-Key", "roast-1")
	require.Equal(suite.T(), http.StatusCreated, w.Code)
	var replayed stepData
	suite.decode(resp, &replayed)
	assert.Equal(suite.T(), first.Step.ID, replayed.Step.ID)

	w, _ = suite.do(http.MethodPost, "/v1/products/TRACE-001/steps", suite.otherToken, stepBody())
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/products/MISSING/steps", suite.ownerToken, stepBody())
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)

	w, resp = suite.do(http.MethodGet, "/v1/products/qr/TRACE-001", "", nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var traced productData
	suite.decode(resp, &traced)
	assert.Len(suite.T(), traced.Product.Steps, 1)
	assert.Equal(suite.T(), int64(1), traced.Product.ScanCount)
}

func (suite *APITestSuite) TestScanAndVerify() {
	suite.create("TRACE-001")

	w, resp := suite.do(http.MethodPatch, "/v1/products/scan/TRACE-001", "", nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var scan struct {
		ScanCount int64 `json:"scan_count"`
	}
	suite.decode(resp, &scan)
	assert.Equal(suite.T(), int64(1), scan.ScanCount)

	w, resp = suite.do(http.MethodGet, "/v1/products/verify/TRACE-001", "", nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var result services.VerificationResult
	suite.decode(resp, &result)
	assert.True(suite.T(), result.Authentic)
	assert.Equal(suite.T(), services.DivergenceConsistent, result.Divergence.Class)

	w, _ = suite.do(http.MethodGet, "/v1/products/verify/MISSING", "", nil)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
	w, _ = suite.do(http.MethodPatch, "/v1/products/scan/MISSING", "", nil)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/products/verify/TRACE-001/repair", suite.otherToken, nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)
	w, _ = suite.do(http.MethodPost, "/v1/products/verify/TRACE-001/repair", suite.adminToken, nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *APITestSuite) TestVerifyShowsDraftStepsToOwnerOnly() {
	suite.create("TRACE-001")
	draft, err := suite.store.AppendStep(context.Background(), "TRACE-001", &models.Step{
		StepType:    "inspect",
		Description: "Recorded offline",
		Location:    "Warehouse 4",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(suite.T(), err)

	verify := func(token string) services.VerificationResult {
		w, resp := suite.do(http.MethodGet, "/v1/products/verify/TRACE-001", token, nil)
		require.Equal(suite.T(), http.StatusOK, w.Code, w.Body.String())
		var result services.VerificationResult
		suite.decode(resp, &result)
		assert.Equal(suite.T(), services.DivergenceStoreOnly, result.Divergence.Class)
		return result
	}

	assert.Empty(suite.T(), verify("").Divergence.PendingSteps)
	assert.Empty(suite.T(), verify(suite.otherToken).Divergence.PendingSteps)
	assert.Empty(suite.T(), verify("garbage").Divergence.PendingSteps)
	assert.Equal(suite.T(), []string{draft.ID}, verify(suite.ownerToken).Divergence.PendingSteps)
	assert.Equal(suite.T(), []string{draft.ID}, verify(suite.adminToken).Divergence.PendingSteps)
}

func (suite *APITestSuite) TestUpdateStatus() {
	product := suite.create("TRACE-001")
	path := "/v1/products/" + product.ID + "/status"

	w, _ := suite.do(http.MethodPatch, path, suite.otherToken, map[string]string{"status": "recalled"})
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, _ = suite.do(http.MethodPatch, path, suite.ownerToken, map[string]string{"status": "lost"})
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)

	w, resp := suite.do(http.MethodPatch, path, suite.ownerToken, map[string]string{"status": "recalled"})
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var data productData
	suite.decode(resp, &data)
	assert.Equal(suite.T(), models.ProductStatusRecalled, data.Product.Status)
}

func (suite *APITestSuite) TestListProducts() {
	suite.create("TRACE-001")
	suite.create("TRACE-002")

	w, resp := suite.do(http.MethodGet, "/v1/products?limit=1", "", nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Equal(suite.T(), "2", w.Header().Get("X-Total-Count"))
	var products []models.Product
	suite.decode(resp, &products)
	assert.Len(suite.T(), products, 1)

	w, _ = suite.do(http.MethodGet, "/v1/products/my-products", suite.otherToken, nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Equal(suite.T(), "0", w.Header().Get("X-Total-Count"))
}

func (suite *APITestSuite) TestSlowLedgerReturnsAccepted() {
	release := suite.ledger.hold()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w, resp := suite.doContext(ctx, http.MethodPost, "/v1/products", suite.ownerToken, productBody("TRACE-001", "Huila Coffee"))
	require.Equal(suite.T(), http.StatusAccepted, w.Code, w.Body.String())
	var pending struct {
		Status       string `json:"status"`
		OperationKey string `json:"operation_key"`
	}
	suite.decode(resp, &pending)
	assert.Equal(suite.T(), "pending", pending.Status)
	assert.Equal(suite.T(), "create:TRACE-001", pending.OperationKey)

	release()
	assert.Eventually(suite.T(), func() bool {
		w, _ := suite.do(http.MethodGet, "/v1/products/verify/TRACE-001", "", nil)
		return w.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func (suite *APITestSuite) TestAdminOperations() {
	suite.create("TRACE-001")

	w, resp := suite.do(http.MethodGet, "/v1/admin/operations?stage=completed", suite.adminToken, nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	var listed struct {
		Operations []models.OperationEntry `json:"operations"`
	}
	suite.decode(resp, &listed)
	require.Len(suite.T(), listed.Operations, 1)
	assert.Equal(suite.T(), "create:TRACE-001", listed.Operations[0].Key)

	w, _ = suite.do(http.MethodGet, "/v1/admin/operations?stage=bogus", suite.adminToken, nil)
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/admin/operations/create:MISSING/replay", suite.adminToken, nil)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)

	w, _ = suite.do(http.MethodPost, "/v1/admin/operations/create:TRACE-001/replay", suite.adminToken, nil)
	assert.Equal(suite.T(), http.StatusBadRequest, w.Code)

	w, _ = suite.do(http.MethodGet, "/v1/admin/stats", suite.adminToken, nil)
	assert.Equal(suite.T(), http.StatusOK, w.Code)
}

func (suite *APITestSuite) TestAdminBlockchainStats() {
	product := suite.create("TRACE-001")

	w, _ := suite.do(http.MethodGet, "/v1/admin/blockchain-stats", suite.ownerToken, nil)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w, resp := suite.do(http.MethodGet, "/v1/admin/blockchain-stats", suite.adminToken, nil)
	require.Equal(suite.T(), http.StatusOK, w.Code, w.Body.String())
	var stats services.LedgerStats
	suite.decode(resp, &stats)
	assert.Equal(suite.T(), config.NetworkSimulated, stats.Network)
	assert.Equal(suite.T(), product.LedgerRef.BlockNumber, stats.LastBlockNumber)
	assert.Equal(suite.T(), 1, stats.TotalTransactions)
	assert.Equal(suite.T(), 1, stats.Operations[models.StageCompleted])
	require.Len(suite.T(), stats.RecentActivity, 1)
	assert.Equal(suite.T(), "create:TRACE-001", stats.RecentActivity[0].Key)
	assert.Equal(suite.T(), product.LedgerRef.TxHash, stats.RecentActivity[0].TxHash)
}

func (suite *APITestSuite) TestMetricsEndpoint() {
	suite.create("TRACE-001")

	w, _ := suite.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Contains(suite.T(), w.Body.String(), "traceledger_operations_total")
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}
