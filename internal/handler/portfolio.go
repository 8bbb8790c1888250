package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/service"
)

// PortfolioHandler handles balance queries and deposits.
type PortfolioHandler struct {
	portfolios *service.PortfolioService
}

// NewPortfolioHandler creates a new PortfolioHandler.
func NewPortfolioHandler(portfolios *service.PortfolioService) *PortfolioHandler {
	return &PortfolioHandler{portfolios: portfolios}
}

// depositRequest is the JSON request body for
// POST /portfolios/{owner_id}/deposits.
type depositRequest struct {
	CreditTypeID string `json:"credit_type_id"`
	Quantity     int64  `json:"quantity"`
}

type portfolioEntryResponse struct {
	CreditTypeID string `json:"credit_type_id"`
	Balance      int64  `json:"balance"`
	Reserved     int64  `json:"reserved"`
	Available    int64  `json:"available"`
	UpdatedAt    string `json:"updated_at"`
}

type portfolioResponse struct {
	OwnerID string                   `json:"owner_id"`
	Entries []portfolioEntryResponse `json:"entries"`
}

// Get handles GET /portfolio.
func (h *PortfolioHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := accountID(r)
	entries, err := h.portfolios.Portfolio(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := portfolioResponse{OwnerID: owner, Entries: make([]portfolioEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = buildEntryResponse(e)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Deposit handles POST /portfolios/{owner_id}/deposits.
func (h *PortfolioHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	owner := chi.URLParam(r, "owner_id")
	entry, err := h.portfolios.Deposit(r.Context(), service.DepositRequest{
		OwnerID:      owner,
		CreditTypeID: req.CreditTypeID,
		Quantity:     req.Quantity,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, portfolioResponse{
		OwnerID: owner,
		Entries: []portfolioEntryResponse{buildEntryResponse(entry)},
	})
}

func buildEntryResponse(e *domain.PortfolioEntry) portfolioEntryResponse {
	return portfolioEntryResponse{
		CreditTypeID: e.CreditTypeID,
		Balance:      e.Balance,
		Reserved:     e.Reserved,
		Available:    e.Available(),
		UpdatedAt:    formatTime(e.UpdatedAt),
	}
}
