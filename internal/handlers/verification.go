// internal/handlers/verification.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/traceledger/internal/middleware"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/utils"
)

type VerificationHandler struct {
	verificationService *services.VerificationService
}

func NewVerificationHandler(verificationService *services.VerificationService) *VerificationHandler {
	return &VerificationHandler{
		verificationService: verificationService,
	}
}

// GET /products/verify/:qrCode
// Anyone may verify. Operation keys and draft step IDs are only shown to the
// product's owner and to admins.
func (h *VerificationHandler) VerifyProduct(c *gin.Context) {
	result, err := h.verificationService.Verify(c.Request.Context(), c.Param("qrCode"))
	if err != nil {
		respondError(c, err)
		return
	}

	if !canSeeOperations(c, result) {
		result.Divergence.PendingSteps = nil
		result.Divergence.UnsyncedOperations = nil
	}
	utils.SuccessResponse(c, result)
}

func canSeeOperations(c *gin.Context, result *services.VerificationResult) bool {
	if role, _ := utils.GetRoleFromContext(c); role == middleware.RoleAdmin {
		return true
	}
	userID, exists := utils.GetUserIDFromContext(c)
	return exists && result.Product != nil && result.Product.CreatedBy == userID
}

// POST /products/verify/:qrCode/repair
// Owners may repair their own products; admins may repair any.
func (h *VerificationHandler) RepairProduct(c *gin.Context) {
	userID, exists := utils.GetUserIDFromContext(c)
	if !exists {
		utils.UnauthorizedResponse(c, "")
		return
	}
	if role, _ := utils.GetRoleFromContext(c); role == middleware.RoleAdmin {
		userID = ""
	}

	result, err := h.verificationService.Repair(c.Request.Context(), userID, c.Param("qrCode"))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message":      "Product records repaired",
		"verification": result,
	})
}
