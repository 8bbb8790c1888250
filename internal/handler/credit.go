package handler

import (
	"net/http"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/service"
)

// CreditTypeHandler handles the credit type catalogue.
type CreditTypeHandler struct {
	creditTypes *service.CreditTypeService
}

// NewCreditTypeHandler creates a new CreditTypeHandler.
func NewCreditTypeHandler(creditTypes *service.CreditTypeService) *CreditTypeHandler {
	return &CreditTypeHandler{creditTypes: creditTypes}
}

type registerCreditTypeRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Registry string `json:"registry"`
	Vintage  int    `json:"vintage"`
}

type creditTypeResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Registry  string `json:"registry"`
	Vintage   int    `json:"vintage"`
	CreatedAt string `json:"created_at"`
}

type creditTypeListResponse struct {
	CreditTypes []creditTypeResponse `json:"credit_types"`
}

// Register handles POST /credit-types.
func (h *CreditTypeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerCreditTypeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ct, err := h.creditTypes.Register(r.Context(), service.RegisterCreditTypeRequest{
		ID:       req.ID,
		Name:     req.Name,
		Registry: req.Registry,
		Vintage:  req.Vintage,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildCreditTypeResponse(ct))
}

// List handles GET /credit-types.
func (h *CreditTypeHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.creditTypes.List()
	resp := creditTypeListResponse{CreditTypes: make([]creditTypeResponse, len(list))}
	for i, ct := range list {
		resp.CreditTypes[i] = buildCreditTypeResponse(ct)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func buildCreditTypeResponse(ct *domain.CreditType) creditTypeResponse {
	return creditTypeResponse{
		ID:        ct.ID,
		Name:      ct.Name,
		Registry:  ct.Registry,
		Vintage:   ct.Vintage,
		CreatedAt: formatTime(ct.CreatedAt),
	}
}
