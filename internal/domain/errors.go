package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrOrderNotCancellable  = errors.New("order_not_cancellable")
	ErrNotOrderOwner        = errors.New("not_order_owner")
	ErrCreditTypeNotFound   = errors.New("credit_type_not_found")
	ErrCreditTypeExists     = errors.New("credit_type_already_exists")
	ErrInsufficientHoldings = errors.New("insufficient_holdings")
	ErrWebhookNotFound      = errors.New("webhook_not_found")
	ErrSettlementNotFound   = errors.New("settlement_not_found")

	// ErrBusy is returned when the credit type's book could not be acquired
	// within the configured lock timeout. Callers may retry.
	ErrBusy = errors.New("busy")

	// ErrConsistency marks a broken ledger or book invariant. The operation
	// that hit it is aborted as a whole and never retried.
	ErrConsistency = errors.New("consistency_violation")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
