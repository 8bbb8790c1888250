// Package ledger records the durable effects of matching: orders, trades
// and portfolio balances. Every write is one atomic commit.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/store"
)

// Settlement is everything one order submission changed.
type Settlement struct {
	// Order is the incoming order in its post-match state.
	Order *domain.Order
	// Makers are the resting orders that traded, in their post-match state.
	Makers []*domain.Order
	// Expired are resting orders found past their expiry during the sweep.
	Expired []*domain.Order
	// Trades in execution order.
	Trades []*domain.Trade
	At     time.Time
}

// OrderFilter selects one page of an owner's orders.
type OrderFilter struct {
	OwnerID string
	Status  *domain.OrderStatus
	Page    int // 1-based
	Limit   int
}

// TradeFilter narrows a trade listing.
type TradeFilter = store.TradeFilter

// Ledger is the settlement ledger. Implementations must apply each
// write in full or not at all, and readers must never observe a partial
// write.
type Ledger interface {
	// Settle commits a submission: the new order, the sell-side
	// reservation, every trade, every maker update, expirations and the
	// resulting portfolio movements. It returns the portfolio entries it
	// changed, in their committed state.
	Settle(ctx context.Context, s Settlement) ([]*domain.PortfolioEntry, error)
	// CloseOrder persists a cancelled or expired order and releases what
	// it still had reserved. A stored order that is no longer resting is
	// rejected with domain.ErrOrderNotCancellable.
	CloseOrder(ctx context.Context, order *domain.Order) ([]*domain.PortfolioEntry, error)
	// Deposit credits qty to an owner's balance.
	Deposit(ctx context.Context, ownerID, creditTypeID string, qty int64, at time.Time) (*domain.PortfolioEntry, error)

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*domain.Order, int, error)
	// OpenOrders returns every resting order in arrival order.
	OpenOrders(ctx context.Context) ([]*domain.Order, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]*domain.Trade, error)
	Portfolio(ctx context.Context, ownerID string) ([]*domain.PortfolioEntry, error)
	// PortfolioEntry returns the owner's entry, or a zero entry if the
	// owner never held the credit type.
	PortfolioEntry(ctx context.Context, ownerID, creditTypeID string) (*domain.PortfolioEntry, error)

	SaveCreditType(ctx context.Context, ct *domain.CreditType) error
	CreditTypes(ctx context.Context) ([]*domain.CreditType, error)

	Close() error
}

// Validate checks the settlement's internal consistency before anything
// is written.
func (s Settlement) Validate() error {
	if s.Order == nil {
		return fmt.Errorf("%w: settlement without order", domain.ErrConsistency)
	}
	orders := map[string]*domain.Order{s.Order.OrderID: s.Order}
	for _, group := range [][]*domain.Order{s.Makers, s.Expired} {
		for _, o := range group {
			if o.CreditTypeID != s.Order.CreditTypeID {
				return fmt.Errorf("%w: order %s in %s settlement for %s",
					domain.ErrConsistency, o.OrderID, o.CreditTypeID, s.Order.CreditTypeID)
			}
			orders[o.OrderID] = o
		}
	}
	for id, o := range orders {
		if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
			return fmt.Errorf("%w: order %s filled %d of %d", domain.ErrConsistency, id, o.FilledQuantity, o.Quantity)
		}
		if (o.Status == domain.OrderStatusFilled) != (o.FilledQuantity == o.Quantity) {
			return fmt.Errorf("%w: order %s is %s with %d of %d filled",
				domain.ErrConsistency, id, o.Status, o.FilledQuantity, o.Quantity)
		}
	}
	for _, t := range s.Trades {
		if t.Quantity <= 0 {
			return fmt.Errorf("%w: trade %s quantity %d", domain.ErrConsistency, t.TradeID, t.Quantity)
		}
		if _, ok := orders[t.BuyOrderID]; !ok {
			return fmt.Errorf("%w: trade %s references unknown buy order %s", domain.ErrConsistency, t.TradeID, t.BuyOrderID)
		}
		if _, ok := orders[t.SellOrderID]; !ok {
			return fmt.Errorf("%w: trade %s references unknown sell order %s", domain.ErrConsistency, t.TradeID, t.SellOrderID)
		}
	}
	return nil
}

// movements applies a settlement's balance effects to entries obtained
// from load, in a fixed order: the incoming sell reservation, releases for
// expired sell orders, then seller debit and buyer credit per trade.
func (s Settlement) movements(load func(ownerID, creditTypeID string) (*domain.PortfolioEntry, error)) error {
	ct := s.Order.CreditTypeID

	if s.Order.Side == domain.OrderSideSell {
		e, err := load(s.Order.OwnerID, ct)
		if err != nil {
			return err
		}
		if err := e.Reserve(s.Order.Quantity); err != nil {
			return err
		}
		e.UpdatedAt = s.At
	}

	for _, o := range s.Expired {
		if o.Side != domain.OrderSideSell {
			continue
		}
		e, err := load(o.OwnerID, ct)
		if err != nil {
			return err
		}
		if err := e.Release(o.RemainingQuantity()); err != nil {
			return err
		}
		e.UpdatedAt = s.At
	}

	for _, t := range s.Trades {
		seller, err := load(t.SellerID, ct)
		if err != nil {
			return err
		}
		if err := seller.Debit(t.Quantity); err != nil {
			return err
		}
		seller.UpdatedAt = s.At

		buyer, err := load(t.BuyerID, ct)
		if err != nil {
			return err
		}
		if err := buyer.Credit(t.Quantity); err != nil {
			return err
		}
		buyer.UpdatedAt = s.At
	}
	return nil
}

// closeMovement releases the remaining reservation of a closed sell order.
func closeMovement(order *domain.Order, e *domain.PortfolioEntry) error {
	if order.Side != domain.OrderSideSell || order.RemainingQuantity() == 0 {
		return nil
	}
	if err := e.Release(order.RemainingQuantity()); err != nil {
		return err
	}
	e.UpdatedAt = order.UpdatedAt
	return nil
}

func checkClosable(stored, closing *domain.Order) error {
	if !stored.Resting() {
		return domain.ErrOrderNotCancellable
	}
	if closing.Status != domain.OrderStatusCancelled && closing.Status != domain.OrderStatusExpired {
		return fmt.Errorf("%w: close of order %s with status %s", domain.ErrConsistency, closing.OrderID, closing.Status)
	}
	if closing.FilledQuantity != stored.FilledQuantity {
		return fmt.Errorf("%w: order %s closed at fill %d, ledger has %d",
			domain.ErrConsistency, closing.OrderID, closing.FilledQuantity, stored.FilledQuantity)
	}
	return nil
}
