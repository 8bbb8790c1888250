package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

func newTestTrade(id, creditTypeID, buyer, seller string, at time.Time) *domain.Trade {
	return &domain.Trade{
		TradeID:      id,
		CreditTypeID: creditTypeID,
		BuyerID:      buyer,
		SellerID:     seller,
		Quantity:     10,
		Price:        decimal.NewFromInt(20),
		TotalValue:   decimal.NewFromInt(200),
		CreatedAt:    at,
	}
}

func TestTradeStore_AppendAndList(t *testing.T) {
	s := NewTradeStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Append(newTestTrade("t1", "VCS", "b", "s", base))
	s.Append(newTestTrade("t2", "VCS", "b", "s", base.Add(time.Second)))
	s.Append(newTestTrade("t3", "GS", "x", "y", base.Add(500*time.Millisecond)))

	vcs := s.List(TradeFilter{CreditTypeID: "VCS"})
	if len(vcs) != 2 || vcs[0].TradeID != "t1" || vcs[1].TradeID != "t2" {
		t.Fatalf("VCS trades = %+v", vcs)
	}

	all := s.List(TradeFilter{})
	if len(all) != 3 || all[0].TradeID != "t1" || all[1].TradeID != "t3" || all[2].TradeID != "t2" {
		t.Fatalf("all trades out of chronological order")
	}

	if got := s.List(TradeFilter{CreditTypeID: "NONE"}); len(got) != 0 {
		t.Errorf("unknown credit type returned %d trades", len(got))
	}
}

func TestTradeStore_AppendRejectsDuplicateID(t *testing.T) {
	s := NewTradeStore()
	now := time.Now()
	if !s.Append(newTestTrade("t1", "VCS", "b", "s", now)) {
		t.Fatal("first Append returned false")
	}
	if s.Append(newTestTrade("t1", "VCS", "b", "s", now)) {
		t.Fatal("duplicate Append returned true")
	}
	if !s.Exists("t1") || s.Exists("t2") {
		t.Error("Exists mismatch")
	}
}

func TestTradeStore_ListFilters(t *testing.T) {
	s := NewTradeStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Append(newTestTrade("t1", "VCS", "alice", "bob", base))
	s.Append(newTestTrade("t2", "VCS", "carol", "alice", base.Add(time.Minute)))
	s.Append(newTestTrade("t3", "VCS", "carol", "bob", base.Add(2*time.Minute)))

	if got := s.List(TradeFilter{OwnerID: "alice"}); len(got) != 2 {
		t.Errorf("alice trades = %d, want 2", len(got))
	}
	if got := s.List(TradeFilter{CreditTypeID: "VCS", Since: base.Add(time.Minute)}); len(got) != 2 || got[0].TradeID != "t2" {
		t.Errorf("since filter returned %d trades", len(got))
	}
	last := s.List(TradeFilter{CreditTypeID: "VCS", Limit: 2})
	if len(last) != 2 || last[0].TradeID != "t2" || last[1].TradeID != "t3" {
		t.Errorf("limit should keep the most recent trades in order")
	}
}

func TestTradeStore_ListReturnsCopies(t *testing.T) {
	s := NewTradeStore()
	s.Append(newTestTrade("t1", "VCS", "b", "s", time.Now()))
	got := s.List(TradeFilter{})
	got[0].Quantity = 999
	if s.List(TradeFilter{})[0].Quantity != 10 {
		t.Error("List leaked internal trade")
	}
}
