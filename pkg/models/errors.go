package models

import "fmt"

// Error codes returned to API clients.
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeInsufficientStock    = "INSUFFICIENT_STOCK"
	ErrCodeVariantNotFound      = "VARIANT_NOT_FOUND"
	ErrCodeVariantInactive      = "VARIANT_INACTIVE"
	ErrCodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	ErrCodeWalletLocked         = "WALLET_LOCKED"
	ErrCodeWalletNotFound       = "WALLET_NOT_FOUND"
	ErrCodeDiscountNotFound     = "DISCOUNT_NOT_FOUND"
	ErrCodeDiscountInactive     = "DISCOUNT_INACTIVE"
	ErrCodeDiscountNotStarted   = "DISCOUNT_NOT_STARTED"
	ErrCodeDiscountExpired      = "DISCOUNT_EXPIRED"
	ErrCodeDiscountGlobalLimit  = "DISCOUNT_GLOBAL_LIMIT"
	ErrCodeDiscountPerUserLimit = "DISCOUNT_PER_USER_LIMIT"
	ErrCodeDiscountBelowMinimum = "DISCOUNT_BELOW_MINIMUM"
	ErrCodeDiscountExhausted    = "DISCOUNT_EXHAUSTED"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeReturnWindowClosed   = "RETURN_WINDOW_CLOSED"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeAmountMismatch       = "AMOUNT_MISMATCH"
	ErrCodeAlreadySettled       = "ALREADY_SETTLED"
	ErrCodePaymentDeclined      = "PAYMENT_DECLINED"
	ErrCodeSettlementInProgress = "SETTLEMENT_IN_PROGRESS"
	ErrCodeOrderExpired         = "ORDER_EXPIRED"
	ErrCodeOrderNotFound        = "ORDER_NOT_FOUND"
	ErrCodeTransactionNotFound  = "TRANSACTION_NOT_FOUND"
	ErrCodeLedgerAudit          = "LEDGER_AUDIT_FAILURE"
)

// DomainError carries a stable code and a message naming the violated rule.
// Two domain errors match under errors.Is when their codes are equal, so
// detailed instances built with Errorf still match the sentinels below.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == e.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a domain error with a formatted message.
func Errorf(code, format string, args ...any) *DomainError {
	return NewDomainError(code, fmt.Sprintf(format, args...))
}

var (
	ErrInvalidRequest       = NewDomainError(ErrCodeInvalidRequest, "invalid request")
	ErrForbidden            = NewDomainError(ErrCodeForbidden, "not allowed to access this resource")
	ErrInsufficientStock    = NewDomainError(ErrCodeInsufficientStock, "not enough stock")
	ErrVariantNotFound      = NewDomainError(ErrCodeVariantNotFound, "variant not found")
	ErrVariantInactive      = NewDomainError(ErrCodeVariantInactive, "variant is not for sale")
	ErrInsufficientFunds    = NewDomainError(ErrCodeInsufficientFunds, "wallet balance is too low")
	ErrWalletLocked         = NewDomainError(ErrCodeWalletLocked, "wallet is locked")
	ErrWalletNotFound       = NewDomainError(ErrCodeWalletNotFound, "wallet not found")
	ErrDiscountNotFound     = NewDomainError(ErrCodeDiscountNotFound, "discount code does not exist")
	ErrDiscountInactive     = NewDomainError(ErrCodeDiscountInactive, "discount code is disabled")
	ErrDiscountNotStarted   = NewDomainError(ErrCodeDiscountNotStarted, "discount code is not active yet")
	ErrDiscountExpired      = NewDomainError(ErrCodeDiscountExpired, "discount code has expired")
	ErrDiscountGlobalLimit  = NewDomainError(ErrCodeDiscountGlobalLimit, "discount code has been fully redeemed")
	ErrDiscountPerUserLimit = NewDomainError(ErrCodeDiscountPerUserLimit, "discount code already used the maximum number of times")
	ErrDiscountBelowMinimum = NewDomainError(ErrCodeDiscountBelowMinimum, "order is below the discount minimum")
	ErrDiscountExhausted    = NewDomainError(ErrCodeDiscountExhausted, "discount code ran out before payment completed")
	ErrInvalidTransition    = NewDomainError(ErrCodeInvalidTransition, "order status change is not allowed")
	ErrReturnWindowClosed   = NewDomainError(ErrCodeReturnWindowClosed, "return window has closed")
	ErrInvalidSignature     = NewDomainError(ErrCodeInvalidSignature, "payment signature is invalid")
	ErrAmountMismatch       = NewDomainError(ErrCodeAmountMismatch, "paid amount does not match order total")
	ErrAlreadySettled       = NewDomainError(ErrCodeAlreadySettled, "payment already settled")
	ErrPaymentDeclined      = NewDomainError(ErrCodePaymentDeclined, "payment was declined")
	ErrSettlementInProgress = NewDomainError(ErrCodeSettlementInProgress, "payment is being settled")
	ErrOrderExpired         = NewDomainError(ErrCodeOrderExpired, "order expired before payment arrived")
	ErrOrderNotFound        = NewDomainError(ErrCodeOrderNotFound, "order not found")
	ErrTransactionNotFound  = NewDomainError(ErrCodeTransactionNotFound, "wallet transaction not found")
	ErrLedgerAudit          = NewDomainError(ErrCodeLedgerAudit, "wallet balance changed without an audit row")
)
