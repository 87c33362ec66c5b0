// internal/handlers/admin.go
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/utils"
)

type AdminHandler struct {
	scanService *services.ScanService
	syncService *services.SyncService
}

func NewAdminHandler(scanService *services.ScanService, syncService *services.SyncService) *AdminHandler {
	return &AdminHandler{
		scanService: scanService,
		syncService: syncService,
	}
}

// GET /admin/stats
// Statistics cover the products created by the calling admin.
func (h *AdminHandler) GetStats(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	stats, err := h.scanService.OwnerStats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, stats)
}

// GET /admin/operations?stage=failed
func (h *AdminHandler) GetOperations(c *gin.Context) {
	stage := models.OperationStage(c.DefaultQuery("stage", string(models.StageFailed)))
	switch stage {
	case models.StageStarted, models.StageLedgerConfirmed, models.StageStoreConfirmed,
		models.StageCompleted, models.StageFailed:
	default:
		utils.BadRequestResponse(c, "Unknown operation stage", nil)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	entries, err := h.syncService.ListOperations(c.Request.Context(), stage, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"stage":      stage,
		"operations": entries,
	})
}

// GET /admin/blockchain-stats
func (h *AdminHandler) GetBlockchainStats(c *gin.Context) {
	stats, err := h.syncService.LedgerStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, stats)
}

// POST /admin/operations/:key/replay?force=true
func (h *AdminHandler) ReplayOperation(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))

	entry, err := h.syncService.Replay(c.Request.Context(), c.Param("key"), force)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":   "Operation replayed",
		"operation": entry,
	})
}
