package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one matching event between a buy order and a sell order.
type Trade struct {
	TradeID      string
	CreditTypeID string
	BuyOrderID   string
	SellOrderID  string
	BuyerID      string
	SellerID     string
	Quantity     int64
	Price        decimal.Decimal // maker's limit price
	TotalValue   decimal.Decimal
	CreatedAt    time.Time
}

// NewTrade builds a trade between taker and maker at the maker's price.
func NewTrade(id string, taker, maker *Order, qty int64, at time.Time) *Trade {
	buy, sell := taker, maker
	if taker.Side == OrderSideSell {
		buy, sell = maker, taker
	}
	return &Trade{
		TradeID:      id,
		CreditTypeID: taker.CreditTypeID,
		BuyOrderID:   buy.OrderID,
		SellOrderID:  sell.OrderID,
		BuyerID:      buy.OwnerID,
		SellerID:     sell.OwnerID,
		Quantity:     qty,
		Price:        maker.LimitPrice,
		TotalValue:   maker.LimitPrice.Mul(decimal.NewFromInt(qty)),
		CreatedAt:    at,
	}
}

// Involves reports whether ownerID is the buyer or the seller.
func (t *Trade) Involves(ownerID string) bool {
	return t.BuyerID == ownerID || t.SellerID == ownerID
}

// AveragePrice computes the volume-weighted average execution price of
// trades. Returns (zero, false) when trades is empty.
func AveragePrice(trades []*Trade) (decimal.Decimal, bool) {
	var qty int64
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.TotalValue)
		qty += t.Quantity
	}
	if qty == 0 {
		return decimal.Zero, false
	}
	return total.Div(decimal.NewFromInt(qty)), true
}
