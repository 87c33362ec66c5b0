// internal/handlers/product.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/traceledger/internal/models"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/utils"
)

const idempotencyKeyHeader = "Idempotency-Key"

type ProductHandler struct {
	productService *services.ProductService
	syncService    *services.SyncService
	scanService    *services.ScanService
}

func NewProductHandler(productService *services.ProductService, syncService *services.SyncService, scanService *services.ScanService) *ProductHandler {
	return &ProductHandler{
		productService: productService,
		syncService:    syncService,
		scanService:    scanService,
	}
}

// GET /products
func (h *ProductHandler) GetProducts(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	products, total, err := h.productService.ListProducts(c.Request.Context(), params)
	if err != nil {
		respondError(c, err)
		return
	}

	result := utils.CreatePaginationResult(products, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /products/my-products
func (h *ProductHandler) GetMyProducts(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}
	params := utils.GetPaginationParams(c)

	products, total, err := h.productService.ListOwnerProducts(c.Request.Context(), userID, params)
	if err != nil {
		respondError(c, err)
		return
	}

	result := utils.CreatePaginationResult(products, total, params)
	utils.PaginatedResponse(c, result)
}

// POST /products
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req services.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	product, err := h.syncService.CreateProduct(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": "Product created and registered on the ledger",
		"product": product,
	})
}

// GET /products/:id
func (h *ProductHandler) GetProduct(c *gin.Context) {
	product, err := h.productService.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"product": product,
	})
}

// GET /products/qr/:qrCode
// Counts as a scan.
func (h *ProductHandler) GetProductByQRCode(c *gin.Context) {
	product, err := h.scanService.ScanProduct(c.Request.Context(), c.Param("qrCode"))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"product": product,
	})
}

// PATCH /products/scan/:qrCode
func (h *ProductHandler) RecordScan(c *gin.Context) {
	qrCode := c.Param("qrCode")
	count, err := h.scanService.RecordScan(c.Request.Context(), qrCode)
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"qr_code":    qrCode,
		"scan_count": count,
	})
}

// PATCH /products/:id/status
func (h *ProductHandler) UpdateStatus(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req services.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	product, err := h.syncService.UpdateStatus(c.Request.Context(), userID, c.Param("id"), models.ProductStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": "Product status updated",
		"product": product,
	})
}

// POST /products/:id/steps
// The :id segment is the product QR code.
func (h *ProductHandler) AppendStep(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}

	var req services.AppendStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid input", err.Error())
		return
	}

	qrCode := c.Param("id")
	step, err := h.syncService.AppendStep(c.Request.Context(), userID, qrCode, req, c.GetHeader(idempotencyKeyHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": "Step recorded on the ledger",
		"qr_code": qrCode,
		"step":    step,
	})
}
