package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewTrade_SidesAndMakerPrice(t *testing.T) {
	maker := &Order{OrderID: "ask", OwnerID: "seller", Side: OrderSideSell, CreditTypeID: "VCS", LimitPrice: decimal.NewFromInt(20)}
	taker := &Order{OrderID: "bid", OwnerID: "buyer", Side: OrderSideBuy, CreditTypeID: "VCS", LimitPrice: decimal.NewFromInt(25)}

	tr := NewTrade("t1", taker, maker, 60, time.Now())

	if tr.BuyOrderID != "bid" || tr.SellOrderID != "ask" {
		t.Errorf("order ids = %s/%s", tr.BuyOrderID, tr.SellOrderID)
	}
	if tr.BuyerID != "buyer" || tr.SellerID != "seller" {
		t.Errorf("owners = %s/%s", tr.BuyerID, tr.SellerID)
	}
	if !tr.Price.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Price = %s, want maker price 20", tr.Price)
	}
	if !tr.TotalValue.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("TotalValue = %s, want 1200", tr.TotalValue)
	}
	if !tr.Involves("buyer") || !tr.Involves("seller") || tr.Involves("other") {
		t.Error("Involves mismatch")
	}
}

func TestNewTrade_IncomingSell(t *testing.T) {
	maker := &Order{OrderID: "bid", OwnerID: "buyer", Side: OrderSideBuy, LimitPrice: decimal.NewFromInt(22)}
	taker := &Order{OrderID: "ask", OwnerID: "seller", Side: OrderSideSell, LimitPrice: decimal.NewFromInt(18)}

	tr := NewTrade("t1", taker, maker, 5, time.Now())
	if tr.BuyOrderID != "bid" || tr.SellerID != "seller" {
		t.Errorf("unexpected sides: %+v", tr)
	}
	if !tr.Price.Equal(decimal.NewFromInt(22)) {
		t.Errorf("Price = %s, want resting bid 22", tr.Price)
	}
}

func TestAveragePrice(t *testing.T) {
	trades := []*Trade{
		{Quantity: 30, TotalValue: decimal.NewFromInt(570)},  // 30 @ 19
		{Quantity: 50, TotalValue: decimal.NewFromInt(1000)}, // 50 @ 20
	}
	avg, ok := AveragePrice(trades)
	if !ok {
		t.Fatal("AveragePrice() returned false")
	}
	if !avg.Equal(decimal.RequireFromString("19.625")) {
		t.Errorf("AveragePrice() = %s, want 19.625", avg)
	}
	if _, ok := AveragePrice(nil); ok {
		t.Error("AveragePrice(nil) returned true")
	}
}
