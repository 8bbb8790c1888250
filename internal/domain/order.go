package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether an order buys or sells credits.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side an order of this side matches against.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid reports whether s is one of the known sides.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// ValidOrderStatuses lists all valid order status values.
var ValidOrderStatuses = map[OrderStatus]bool{
	OrderStatusOpen:            true,
	OrderStatusPartiallyFilled: true,
	OrderStatusFilled:          true,
	OrderStatusCancelled:       true,
	OrderStatusExpired:         true,
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a buy or sell intent for a single credit type.
type Order struct {
	OrderID        string
	CreditTypeID   string
	OwnerID        string
	Side           OrderSide
	LimitPrice     decimal.Decimal
	Quantity       int64
	FilledQuantity int64
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
	CancelledAt    *time.Time
	ExpiredAt      *time.Time
}

// RemainingQuantity returns the unfilled part of the order.
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// Resting reports whether the order belongs on the book.
func (o *Order) Resting() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// ExpiredBy reports whether the order carries an expiry at or before now.
func (o *Order) ExpiredBy(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Fill records qty units executed against the order and recomputes the
// status. It refuses non-positive quantities, overfills and fills on
// terminal orders, leaving the order untouched.
func (o *Order) Fill(qty int64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("%w: fill quantity %d on order %s", ErrConsistency, qty, o.OrderID)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: fill on %s order %s", ErrConsistency, o.Status, o.OrderID)
	}
	if qty > o.RemainingQuantity() {
		return fmt.Errorf("%w: fill %d exceeds remaining %d on order %s",
			ErrConsistency, qty, o.RemainingQuantity(), o.OrderID)
	}
	o.FilledQuantity += qty
	if o.FilledQuantity == o.Quantity {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = at
	return nil
}

// Cancel moves a resting order to cancelled.
func (o *Order) Cancel(at time.Time) error {
	if !o.Resting() {
		return ErrOrderNotCancellable
	}
	o.Status = OrderStatusCancelled
	o.CancelledAt = &at
	o.UpdatedAt = at
	return nil
}

// Expire moves a resting order to expired. The expiry timestamp is the
// order's own ExpiresAt when set.
func (o *Order) Expire(at time.Time) error {
	if !o.Resting() {
		return ErrOrderNotCancellable
	}
	expiredAt := at
	if o.ExpiresAt != nil {
		expiredAt = *o.ExpiresAt
	}
	o.Status = OrderStatusExpired
	o.ExpiredAt = &expiredAt
	o.UpdatedAt = at
	return nil
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.ExpiredAt != nil {
		t := *o.ExpiredAt
		c.ExpiredAt = &t
	}
	return &c
}

// Crosses reports whether a resting order priced at restingPrice can trade
// with an incoming order of side priced at price.
func Crosses(side OrderSide, price, restingPrice decimal.Decimal) bool {
	if side == OrderSideBuy {
		return restingPrice.LessThanOrEqual(price)
	}
	return restingPrice.GreaterThanOrEqual(price)
}
