// internal/handlers/errors.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/utils"
)

// respondError maps service errors onto the response envelope.
func respondError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	var pendingErr *services.PendingError

	switch {
	case errors.As(err, &validationErr):
		if len(validationErr.Fields) > 0 {
			utils.ValidationErrorResponse(c, validationErr.Fields)
			return
		}
		utils.BadRequestResponse(c, validationErr.Error(), nil)
	case errors.As(err, &pendingErr):
		utils.AcceptedResponse(c, gin.H{
			"status":        "pending",
			"operation_key": pendingErr.Key,
			"stage":         pendingErr.Stage,
			"message":       "Operation accepted and will complete in the background",
		})
	case errors.Is(err, services.ErrDuplicate):
		utils.ConflictResponse(c, err.Error())
	case errors.Is(err, services.ErrNotFound):
		utils.NotFoundResponse(c, "Product")
	case errors.Is(err, services.ErrOperationNotFound):
		utils.NotFoundResponse(c, "Operation")
	case errors.Is(err, services.ErrForbidden):
		utils.ForbiddenResponse(c, err.Error())
	case errors.Is(err, services.ErrLedgerRejected):
		utils.UnprocessableResponse(c, "LEDGER_REJECTED", err.Error())
	case errors.Is(err, services.ErrLedgerTransient), errors.Is(err, services.ErrStoreTransient):
		logrus.WithError(err).Warn("Dependency unavailable")
		utils.ServiceUnavailableResponse(c, err.Error())
	case errors.Is(err, services.ErrConsistencyViolation):
		logrus.WithError(err).Error("Consistency violation")
		utils.ErrorResponse(c, http.StatusInternalServerError, "CONSISTENCY_VIOLATION", err.Error(), nil)
	default:
		logrus.WithError(err).Error("Unhandled service error")
		utils.InternalErrorResponse(c, "")
	}
}
