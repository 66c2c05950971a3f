package gateway

import (
	"errors"
	"net/http"

	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/duchieu205/bookworld/pkg/settlement"
	"github.com/gin-gonic/gin"
)

var statusByCode = map[string]int{
	models.ErrCodeInvalidRequest:      http.StatusBadRequest,
	models.ErrCodeInvalidSignature:    http.StatusBadRequest,
	models.ErrCodeForbidden:           http.StatusForbidden,
	models.ErrCodeVariantNotFound:     http.StatusNotFound,
	models.ErrCodeWalletNotFound:      http.StatusNotFound,
	models.ErrCodeDiscountNotFound:    http.StatusNotFound,
	models.ErrCodeOrderNotFound:       http.StatusNotFound,
	models.ErrCodeTransactionNotFound: http.StatusNotFound,

	models.ErrCodeInsufficientStock:    http.StatusConflict,
	models.ErrCodeDiscountExhausted:    http.StatusConflict,
	models.ErrCodeInvalidTransition:    http.StatusConflict,
	models.ErrCodeAlreadySettled:       http.StatusConflict,
	models.ErrCodeSettlementInProgress: http.StatusConflict,
	models.ErrCodeOrderExpired:         http.StatusConflict,

	models.ErrCodeInsufficientFunds: http.StatusPaymentRequired,
	models.ErrCodePaymentDeclined:   http.StatusPaymentRequired,
	models.ErrCodeWalletLocked:      http.StatusLocked,

	models.ErrCodeVariantInactive:      http.StatusUnprocessableEntity,
	models.ErrCodeDiscountInactive:     http.StatusUnprocessableEntity,
	models.ErrCodeDiscountNotStarted:   http.StatusUnprocessableEntity,
	models.ErrCodeDiscountExpired:      http.StatusUnprocessableEntity,
	models.ErrCodeDiscountGlobalLimit:  http.StatusUnprocessableEntity,
	models.ErrCodeDiscountPerUserLimit: http.StatusUnprocessableEntity,
	models.ErrCodeDiscountBelowMinimum: http.StatusUnprocessableEntity,
	models.ErrCodeReturnWindowClosed:   http.StatusUnprocessableEntity,
	models.ErrCodeAmountMismatch:       http.StatusUnprocessableEntity,

	models.ErrCodeLedgerAudit: http.StatusInternalServerError,
}

// abortWithError writes the error body for err. Unknown errors are reported
// as internal without their detail.
func abortWithError(c *gin.Context, err error) {
	var voided *settlement.VoidedOrderError
	if errors.As(err, &voided) {
		code := "PAYMENT_VOIDED"
		var cause *models.DomainError
		if errors.As(voided.Cause, &cause) {
			code = cause.Code
		}
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":    code,
				"message": voided.Error(),
			},
			"order_id":         voided.OrderID.Hex(),
			"payment_captured": voided.PaymentCaptured,
			"refunded":         voided.Refunded,
		})
		return
	}

	var de *models.DomainError
	if errors.As(err, &de) {
		status, ok := statusByCode[de.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": de.Code, "message": de.Message}})
		return
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"code":    "INTERNAL",
		"message": "internal server error",
	}})
}

func badRequest(c *gin.Context, format string, args ...any) {
	abortWithError(c, models.Errorf(models.ErrCodeInvalidRequest, format, args...))
}
