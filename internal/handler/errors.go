package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// busyRetryAfter is the Retry-After hint, in seconds, sent with 503s.
const busyRetryAfter = "1"

// writeServiceError maps service and domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "order_not_found", "Order not found")
	case errors.Is(err, domain.ErrCreditTypeNotFound):
		WriteError(w, http.StatusNotFound, "credit_type_not_found", "Credit type not found")
	case errors.Is(err, domain.ErrWebhookNotFound):
		WriteError(w, http.StatusNotFound, "webhook_not_found", "Webhook not found")
	case errors.Is(err, domain.ErrSettlementNotFound):
		WriteError(w, http.StatusNotFound, "settlement_not_found", "No pending settlement for this trade")
	case errors.Is(err, domain.ErrNotOrderOwner):
		WriteError(w, http.StatusForbidden, "not_order_owner", "Order belongs to another account")
	case errors.Is(err, domain.ErrOrderNotCancellable):
		WriteError(w, http.StatusConflict, "order_not_cancellable", "Order is no longer resting on the book")
	case errors.Is(err, domain.ErrInsufficientHoldings):
		WriteError(w, http.StatusConflict, "insufficient_holdings", "Available balance does not cover the sell quantity")
	case errors.Is(err, domain.ErrCreditTypeExists):
		WriteError(w, http.StatusConflict, "credit_type_already_exists", "Credit type already exists")
	case errors.Is(err, domain.ErrBusy), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", busyRetryAfter)
		WriteError(w, http.StatusServiceUnavailable, "busy", "The market is busy, retry shortly")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
