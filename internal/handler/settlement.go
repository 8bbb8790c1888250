package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/outbox"
	"github.com/efreitasn/carbonexchange/internal/service"
)

// SettlementHandler serves the chain bridge's view of the outbox.
type SettlementHandler struct {
	settlements *service.SettlementService
}

// NewSettlementHandler creates a new SettlementHandler.
func NewSettlementHandler(settlements *service.SettlementService) *SettlementHandler {
	return &SettlementHandler{settlements: settlements}
}

type settlementResponse struct {
	TradeID      string          `json:"trade_id"`
	CreditTypeID string          `json:"credit_type_id"`
	SellerID     string          `json:"seller_id"`
	BuyerID      string          `json:"buyer_id"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	ExecutedAt   string          `json:"executed_at"`
	State        string          `json:"state"`
	Retries      uint32          `json:"retries"`
	LastAttempt  *string         `json:"last_attempt"`
}

// Get handles GET /settlements/{trade_id}.
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.settlements.Get(r.Context(), chi.URLParam(r, "trade_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildSettlementResponse(rec))
}

// Ack handles POST /settlements/{trade_id}/ack.
func (h *SettlementHandler) Ack(w http.ResponseWriter, r *http.Request) {
	if err := h.settlements.Ack(r.Context(), chi.URLParam(r, "trade_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /settlements/{trade_id}/retry.
func (h *SettlementHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.settlements.Retry(r.Context(), chi.URLParam(r, "trade_id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func buildSettlementResponse(rec outbox.Record) settlementResponse {
	resp := settlementResponse{
		TradeID:      rec.Instruction.TradeID,
		CreditTypeID: rec.Instruction.CreditTypeID,
		SellerID:     rec.Instruction.SellerID,
		BuyerID:      rec.Instruction.BuyerID,
		Quantity:     rec.Instruction.Quantity,
		Price:        rec.Instruction.Price,
		ExecutedAt:   formatTime(rec.Instruction.ExecutedAt),
		State:        rec.State.String(),
		Retries:      rec.Retries,
	}
	if !rec.LastAttempt.IsZero() {
		resp.LastAttempt = formatTimePtr(&rec.LastAttempt)
	}
	return resp
}
