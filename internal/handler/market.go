package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/engine"
	"github.com/efreitasn/carbonexchange/internal/service"
)

// MarketHandler handles the public market data endpoints.
type MarketHandler struct {
	market *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(market *service.MarketService) *MarketHandler {
	return &MarketHandler{market: market}
}

// priceResponse is the JSON response for GET /markets/{credit_type_id}/price.
type priceResponse struct {
	CreditTypeID string           `json:"credit_type_id"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	Window       string           `json:"window"`
	TradesInWin  int              `json:"trades_in_window"`
	LastTradeAt  *string          `json:"last_trade_at"`
}

// bookLevelResponse is a single price level in the book response.
type bookLevelResponse struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

// bookResponse is the JSON response for GET /markets/{credit_type_id}/book.
type bookResponse struct {
	CreditTypeID string              `json:"credit_type_id"`
	Bids         []bookLevelResponse `json:"bids"`
	Asks         []bookLevelResponse `json:"asks"`
	Spread       *decimal.Decimal    `json:"spread"`
	SnapshotAt   string              `json:"snapshot_at"`
}

type publicTradeResponse struct {
	TradeID    string          `json:"trade_id"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt string          `json:"executed_at"`
}

type tapeResponse struct {
	CreditTypeID string                `json:"credit_type_id"`
	Trades       []publicTradeResponse `json:"trades"`
}

// GetPrice handles GET /markets/{credit_type_id}/price.
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.market.GetPrice(r.Context(), chi.URLParam(r, "credit_type_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, priceResponse{
		CreditTypeID: price.CreditTypeID,
		CurrentPrice: price.CurrentPrice,
		Window:       price.Window,
		TradesInWin:  price.TradesInWindow,
		LastTradeAt:  formatTimePtr(price.LastTradeAt),
	})
}

// GetBook handles GET /markets/{credit_type_id}/book.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	// Default 10, max 50.
	depth, ok := intParam(w, r.URL.Query().Get("depth"), "depth", 10)
	if !ok {
		return
	}

	book, err := h.market.GetBook(r.Context(), chi.URLParam(r, "credit_type_id"), depth)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, bookResponse{
		CreditTypeID: book.CreditTypeID,
		Bids:         buildLevels(book.Bids),
		Asks:         buildLevels(book.Asks),
		Spread:       book.Spread,
		SnapshotAt:   formatTime(book.SnapshotAt),
	})
}

// GetTrades handles GET /markets/{credit_type_id}/trades.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit", 50)
	if !ok {
		return
	}

	ct := chi.URLParam(r, "credit_type_id")
	trades, err := h.market.GetTrades(r.Context(), ct, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := tapeResponse{CreditTypeID: ct, Trades: make([]publicTradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = publicTradeResponse{
			TradeID:    t.TradeID,
			Quantity:   t.Quantity,
			Price:      t.Price,
			ExecutedAt: formatTime(t.ExecutedAt),
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func buildLevels(levels []engine.PriceLevel) []bookLevelResponse {
	out := make([]bookLevelResponse, len(levels))
	for i, l := range levels {
		out[i] = bookLevelResponse{
			Price:         l.Price,
			TotalQuantity: l.TotalQuantity,
			OrderCount:    l.OrderCount,
		}
	}
	return out
}
