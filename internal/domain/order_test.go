package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newOrder(qty int64) *Order {
	return &Order{
		OrderID:    "o1",
		Side:       OrderSideBuy,
		LimitPrice: decimal.NewFromInt(20),
		Quantity:   qty,
		Status:     OrderStatusOpen,
	}
}

func TestOrder_Fill_Partial(t *testing.T) {
	o := newOrder(100)
	if err := o.Fill(40, time.Now()); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if o.Status != OrderStatusPartiallyFilled {
		t.Errorf("Status = %s, want partially_filled", o.Status)
	}
	if o.RemainingQuantity() != 60 {
		t.Errorf("RemainingQuantity() = %d, want 60", o.RemainingQuantity())
	}
}

func TestOrder_Fill_Complete(t *testing.T) {
	o := newOrder(100)
	_ = o.Fill(40, time.Now())
	if err := o.Fill(60, time.Now()); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("Status = %s, want filled", o.Status)
	}
}

func TestOrder_Fill_RejectsDegenerate(t *testing.T) {
	tests := []struct {
		name string
		qty  int64
	}{
		{"zero", 0},
		{"negative", -5},
		{"overfill", 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrder(100)
			err := o.Fill(tt.qty, time.Now())
			if !errors.Is(err, ErrConsistency) {
				t.Fatalf("Fill(%d) err = %v, want ErrConsistency", tt.qty, err)
			}
			if o.FilledQuantity != 0 || o.Status != OrderStatusOpen {
				t.Errorf("order mutated on rejected fill: %+v", o)
			}
		})
	}
}

func TestOrder_Fill_TerminalRejected(t *testing.T) {
	o := newOrder(100)
	_ = o.Cancel(time.Now())
	if err := o.Fill(1, time.Now()); !errors.Is(err, ErrConsistency) {
		t.Fatalf("Fill on cancelled order err = %v, want ErrConsistency", err)
	}
}

func TestOrder_CancelTwiceRejected(t *testing.T) {
	o := newOrder(10)
	if err := o.Cancel(time.Now()); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if o.CancelledAt == nil {
		t.Error("CancelledAt not set")
	}
	if err := o.Cancel(time.Now()); !errors.Is(err, ErrOrderNotCancellable) {
		t.Fatalf("second Cancel err = %v, want ErrOrderNotCancellable", err)
	}
}

func TestOrder_ExpireUsesExpiresAt(t *testing.T) {
	o := newOrder(10)
	expiresAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o.ExpiresAt = &expiresAt

	if !o.ExpiredBy(expiresAt) {
		t.Error("ExpiredBy(expiresAt) = false, want true")
	}
	if o.ExpiredBy(expiresAt.Add(-time.Second)) {
		t.Error("ExpiredBy(before) = true, want false")
	}

	if err := o.Expire(expiresAt.Add(time.Minute)); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if o.Status != OrderStatusExpired || !o.ExpiredAt.Equal(expiresAt) {
		t.Errorf("after Expire: status=%s expired_at=%v", o.Status, o.ExpiredAt)
	}
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := newOrder(10)
	exp := time.Now()
	o.ExpiresAt = &exp
	c := o.Clone()
	c.FilledQuantity = 5
	*c.ExpiresAt = exp.Add(time.Hour)
	if o.FilledQuantity != 0 || !o.ExpiresAt.Equal(exp) {
		t.Error("mutating clone changed original")
	}
}

func TestCrosses(t *testing.T) {
	p := decimal.NewFromInt
	tests := []struct {
		name    string
		side    OrderSide
		price   int64
		resting int64
		want    bool
	}{
		{"buy above ask", OrderSideBuy, 25, 20, true},
		{"buy at ask", OrderSideBuy, 20, 20, true},
		{"buy below ask", OrderSideBuy, 15, 16, false},
		{"sell below bid", OrderSideSell, 15, 20, true},
		{"sell at bid", OrderSideSell, 20, 20, true},
		{"sell above bid", OrderSideSell, 16, 15, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Crosses(tt.side, p(tt.price), p(tt.resting)); got != tt.want {
				t.Errorf("Crosses = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrderSide_Opposite(t *testing.T) {
	if OrderSideBuy.Opposite() != OrderSideSell || OrderSideSell.Opposite() != OrderSideBuy {
		t.Error("Opposite() mismatch")
	}
	if OrderSide("hold").Valid() {
		t.Error("Valid() = true for unknown side")
	}
}
