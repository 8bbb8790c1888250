package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/service"
)

// timeFormat keeps sub-second precision, since arrival time decides
// priority within a price level.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	router *service.OrderRouter
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(router *service.OrderRouter) *OrderHandler {
	return &OrderHandler{router: router}
}

// submitOrderRequest is the JSON request body for POST /orders.
type submitOrderRequest struct {
	CreditTypeID string  `json:"credit_type_id"`
	Side         string  `json:"side"`
	Price        string  `json:"price"`
	Quantity     int64   `json:"quantity"`
	ExpiresAt    *string `json:"expires_at"`
}

// orderResponse is the JSON representation of an order.
// All fields are always present; nullable fields use pointers.
type orderResponse struct {
	OrderID           string          `json:"order_id"`
	OwnerID           string          `json:"owner_id"`
	CreditTypeID      string          `json:"credit_type_id"`
	Side              string          `json:"side"`
	Price             decimal.Decimal `json:"price"`
	Quantity          int64           `json:"quantity"`
	FilledQuantity    int64           `json:"filled_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	Status            string          `json:"status"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
	ExpiresAt         *string         `json:"expires_at"`
	CancelledAt       *string         `json:"cancelled_at"`
	ExpiredAt         *string         `json:"expired_at"`
}

// submitOrderResponse is the order after matching plus the trades it
// produced.
type submitOrderResponse struct {
	orderResponse
	AveragePrice *decimal.Decimal `json:"average_price"`
	Trades       []tradeResponse  `json:"trades"`
}

// tradeResponse is a trade as seen by one of its parties.
type tradeResponse struct {
	TradeID      string          `json:"trade_id"`
	CreditTypeID string          `json:"credit_type_id"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TotalValue   decimal.Decimal `json:"total_value"`
	ExecutedAt   string          `json:"executed_at"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

type tradeListResponse struct {
	Trades []tradeResponse `json:"trades"`
}

// SubmitOrder handles POST /orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Parse expires_at if provided.
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "expires_at must be a valid RFC 3339 timestamp")
			return
		}
		expiresAt = &t
	}

	order, trades, err := h.router.Submit(r.Context(), service.SubmitOrderRequest{
		OwnerID:      accountID(r),
		CreditTypeID: req.CreditTypeID,
		Side:         domain.OrderSide(req.Side),
		Price:        req.Price,
		Quantity:     req.Quantity,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := submitOrderResponse{
		orderResponse: buildOrderResponse(order),
		Trades:        buildTradeResponses(trades),
	}
	if avg, ok := domain.AveragePrice(trades); ok {
		avg = avg.Round(domain.PriceScale)
		resp.AveragePrice = &avg
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.router.GetOrder(r.Context(), chi.URLParam(r, "order_id"), accountID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles DELETE /orders/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.router.Cancel(r.Context(), chi.URLParam(r, "order_id"), accountID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// ListOrders handles GET /orders?status=&page=&limit=.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status *domain.OrderStatus
	if s := q.Get("status"); s != "" {
		st := domain.OrderStatus(s)
		status = &st
	}
	page, ok := intParam(w, q.Get("page"), "page", 1)
	if !ok {
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit", 20)
	if !ok {
		return
	}

	orders, total, err := h.router.ListOrders(r.Context(), accountID(r), status, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := orderListResponse{
		Orders: make([]orderResponse, len(orders)),
		Total:  total,
		Page:   page,
		Limit:  limit,
	}
	for i, o := range orders {
		resp.Orders[i] = buildOrderResponse(o)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListTrades handles GET /trades?credit_type_id=&limit=.
func (h *OrderHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, q.Get("limit"), "limit", 0)
	if !ok {
		return
	}

	trades, err := h.router.ListTrades(r.Context(), accountID(r), q.Get("credit_type_id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, tradeListResponse{Trades: buildTradeResponses(trades)})
}

// intParam parses an optional integer query parameter, writing a 400 when
// it is malformed.
func intParam(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", name+" must be an integer")
		return 0, false
	}
	return n, true
}

func buildOrderResponse(o *domain.Order) orderResponse {
	return orderResponse{
		OrderID:           o.OrderID,
		OwnerID:           o.OwnerID,
		CreditTypeID:      o.CreditTypeID,
		Side:              string(o.Side),
		Price:             o.LimitPrice,
		Quantity:          o.Quantity,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity(),
		Status:            string(o.Status),
		CreatedAt:         formatTime(o.CreatedAt),
		UpdatedAt:         formatTime(o.UpdatedAt),
		ExpiresAt:         formatTimePtr(o.ExpiresAt),
		CancelledAt:       formatTimePtr(o.CancelledAt),
		ExpiredAt:         formatTimePtr(o.ExpiredAt),
	}
}

// buildTradeResponses converts domain trades to response trades.
func buildTradeResponses(trades []*domain.Trade) []tradeResponse {
	result := make([]tradeResponse, len(trades))
	for i, t := range trades {
		result[i] = tradeResponse{
			TradeID:      t.TradeID,
			CreditTypeID: t.CreditTypeID,
			BuyOrderID:   t.BuyOrderID,
			SellOrderID:  t.SellOrderID,
			BuyerID:      t.BuyerID,
			SellerID:     t.SellerID,
			Quantity:     t.Quantity,
			Price:        t.Price,
			TotalValue:   t.TotalValue,
			ExecutedAt:   formatTime(t.CreatedAt),
		}
	}
	return result
}
