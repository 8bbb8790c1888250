// Package event carries order, trade and portfolio notifications from the
// matching core to its subscribers.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// Type names an event kind. Webhook subscriptions use the same names.
type Type string

const (
	TypeOrderUpdated     Type = "order.updated"
	TypeTradeExecuted    Type = "trade.executed"
	TypePortfolioChanged Type = "portfolio.changed"
)

// ValidTypes lists the event types a subscriber can ask for.
var ValidTypes = map[Type]bool{
	TypeOrderUpdated:     true,
	TypeTradeExecuted:    true,
	TypePortfolioChanged: true,
}

// OrderUpdated reports an order's new status and fill.
type OrderUpdated struct {
	OrderID           string          `json:"order_id"`
	OwnerID           string          `json:"owner_id"`
	CreditTypeID      string          `json:"credit_type_id"`
	Side              string          `json:"side"`
	LimitPrice        decimal.Decimal `json:"limit_price"`
	Status            string          `json:"status"`
	Quantity          int64           `json:"quantity"`
	FilledQuantity    int64           `json:"filled_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
}

// TradeExecuted reports one matching event.
type TradeExecuted struct {
	TradeID      string          `json:"trade_id"`
	CreditTypeID string          `json:"credit_type_id"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TotalValue   decimal.Decimal `json:"total_value"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// PortfolioChanged reports an owner's committed balance after a change.
type PortfolioChanged struct {
	OwnerID      string `json:"owner_id"`
	CreditTypeID string `json:"credit_type_id"`
	NewBalance   int64  `json:"new_balance"`
	Reserved     int64  `json:"reserved"`
	Available    int64  `json:"available"`
}

// Event is the envelope delivered to every publisher. Exactly one of
// Order, Trade and Portfolio is set, matching Type.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	CreditTypeID string    `json:"credit_type_id"`
	OccurredAt   time.Time `json:"occurred_at"`

	Order     *OrderUpdated     `json:"order,omitempty"`
	Trade     *TradeExecuted    `json:"trade,omitempty"`
	Portfolio *PortfolioChanged `json:"portfolio,omitempty"`
}

// NewOrderUpdated builds an order.updated event.
func NewOrderUpdated(o *domain.Order, at time.Time) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         TypeOrderUpdated,
		CreditTypeID: o.CreditTypeID,
		OccurredAt:   at,
		Order: &OrderUpdated{
			OrderID:           o.OrderID,
			OwnerID:           o.OwnerID,
			CreditTypeID:      o.CreditTypeID,
			Side:              string(o.Side),
			LimitPrice:        o.LimitPrice,
			Status:            string(o.Status),
			Quantity:          o.Quantity,
			FilledQuantity:    o.FilledQuantity,
			RemainingQuantity: o.RemainingQuantity(),
		},
	}
}

// NewTradeExecuted builds a trade.executed event.
func NewTradeExecuted(t *domain.Trade) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         TypeTradeExecuted,
		CreditTypeID: t.CreditTypeID,
		OccurredAt:   t.CreatedAt,
		Trade: &TradeExecuted{
			TradeID:      t.TradeID,
			CreditTypeID: t.CreditTypeID,
			BuyOrderID:   t.BuyOrderID,
			SellOrderID:  t.SellOrderID,
			BuyerID:      t.BuyerID,
			SellerID:     t.SellerID,
			Quantity:     t.Quantity,
			Price:        t.Price,
			TotalValue:   t.TotalValue,
			ExecutedAt:   t.CreatedAt,
		},
	}
}

// NewPortfolioChanged builds a portfolio.changed event.
func NewPortfolioChanged(e *domain.PortfolioEntry, at time.Time) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         TypePortfolioChanged,
		CreditTypeID: e.CreditTypeID,
		OccurredAt:   at,
		Portfolio: &PortfolioChanged{
			OwnerID:      e.OwnerID,
			CreditTypeID: e.CreditTypeID,
			NewBalance:   e.Balance,
			Reserved:     e.Reserved,
			Available:    e.Available(),
		},
	}
}

// Recipients returns the accounts an event concerns.
func (e Event) Recipients() []string {
	switch {
	case e.Order != nil:
		return []string{e.Order.OwnerID}
	case e.Trade != nil:
		if e.Trade.BuyerID == e.Trade.SellerID {
			return []string{e.Trade.BuyerID}
		}
		return []string{e.Trade.BuyerID, e.Trade.SellerID}
	case e.Portfolio != nil:
		return []string{e.Portfolio.OwnerID}
	}
	return nil
}

// Concerns reports whether accountID is one of the event's recipients.
func (e Event) Concerns(accountID string) bool {
	for _, r := range e.Recipients() {
		if r == accountID {
			return true
		}
	}
	return false
}
