package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// Sweep is the outcome of matching one incoming order against a book:
// the trades in execution order, the resting orders they touched, and
// the resting orders found expired along the way.
//
// The book and every order referenced by a Sweep have already been
// mutated. Rollback restores them if the caller fails to commit.
type Sweep struct {
	Taker   *domain.Order
	Trades  []*domain.Trade
	Makers  []*domain.Order
	Expired []*domain.Order

	before map[string]*domain.Order // order_id → state before the sweep
	order  []string                 // snapshot order, for deterministic rollback
}

func newSweep(taker *domain.Order) *Sweep {
	s := &Sweep{
		Taker:  taker,
		Trades: []*domain.Trade{},
		before: make(map[string]*domain.Order),
	}
	s.snapshot(taker)
	return s
}

func (s *Sweep) snapshot(o *domain.Order) {
	if _, ok := s.before[o.OrderID]; ok {
		return
	}
	s.before[o.OrderID] = o.Clone()
	s.order = append(s.order, o.OrderID)
}

// Filled returns the quantity the taker executed in this sweep.
func (s *Sweep) Filled() int64 {
	var n int64
	for _, t := range s.Trades {
		n += t.Quantity
	}
	return n
}

// Rollback restores every order touched by the sweep to its prior state
// and puts the book back as it was: touched makers return to their
// original position and the taker is taken off the book if it rested.
func (s *Sweep) Rollback(book *OrderBook) {
	book.Remove(s.Taker.OrderID)
	for _, id := range s.order {
		prev := s.before[id]
		var cur *domain.Order
		if id == s.Taker.OrderID {
			cur = s.Taker
		} else {
			cur = s.find(id)
		}
		if cur == nil {
			continue
		}
		*cur = *prev.Clone()
		if cur != s.Taker {
			// Makers were resting before the sweep, so re-inserting them
			// cannot conflict.
			_ = book.Upsert(cur)
		}
	}
	s.Trades = []*domain.Trade{}
	s.Makers = nil
	s.Expired = nil
}

func (s *Sweep) find(orderID string) *domain.Order {
	for _, o := range s.Makers {
		if o.OrderID == orderID {
			return o
		}
	}
	for _, o := range s.Expired {
		if o.OrderID == orderID {
			return o
		}
	}
	return nil
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock sets the source of trade and expiry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// WithIDGenerator sets the trade ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(m *Matcher) { m.newID = newID }
}

// Matcher runs incoming limit orders against an order book under
// price/time priority. It holds no state of its own; the caller must
// hold the book's exclusive access for the whole call.
type Matcher struct {
	now   func() time.Time
	newID func() string
}

// NewMatcher creates a Matcher. Without options it uses time.Now and
// random UUIDs.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match sweeps taker through the opposite side of book until the taker is
// exhausted or nothing crosses its limit price. Each step trades the
// smaller of the two remaining quantities at the resting order's price;
// fully filled resting orders leave the book, partially filled ones keep
// their position. Resting orders whose expiry has passed are expired and
// skipped.
//
// Match does not rest the taker's remainder; the caller decides that.
// On ErrConsistency every mutation made so far is undone and no sweep is
// returned.
func (m *Matcher) Match(book *OrderBook, taker *domain.Order) (*Sweep, error) {
	if taker.CreditTypeID != book.CreditTypeID() {
		return nil, fmt.Errorf("%w: order %s for %s routed to book %s",
			domain.ErrConsistency, taker.OrderID, taker.CreditTypeID, book.CreditTypeID())
	}

	sweep := newSweep(taker)
	now := m.now()

	for taker.Resting() && taker.RemainingQuantity() > 0 {
		maker, ok := book.BestOpposing(taker.Side, taker.LimitPrice)
		if !ok {
			break
		}

		if maker.ExpiredBy(now) {
			sweep.snapshot(maker)
			if err := maker.Expire(now); err != nil {
				sweep.Rollback(book)
				return nil, fmt.Errorf("%w: expire resting order %s: %v", domain.ErrConsistency, maker.OrderID, err)
			}
			book.Remove(maker.OrderID)
			sweep.Expired = append(sweep.Expired, maker)
			continue
		}

		matched := min(taker.RemainingQuantity(), maker.RemainingQuantity())
		if matched <= 0 {
			sweep.Rollback(book)
			return nil, fmt.Errorf("%w: matched quantity %d between %s and %s",
				domain.ErrConsistency, matched, taker.OrderID, maker.OrderID)
		}

		sweep.snapshot(maker)
		if err := taker.Fill(matched, now); err != nil {
			sweep.Rollback(book)
			return nil, err
		}
		if err := maker.Fill(matched, now); err != nil {
			sweep.Rollback(book)
			return nil, err
		}

		sweep.Trades = append(sweep.Trades, domain.NewTrade(m.newID(), taker, maker, matched, now))
		if !containsOrder(sweep.Makers, maker.OrderID) {
			sweep.Makers = append(sweep.Makers, maker)
		}

		if maker.RemainingQuantity() == 0 {
			book.Remove(maker.OrderID)
		}
	}

	return sweep, nil
}

func containsOrder(orders []*domain.Order, orderID string) bool {
	for _, o := range orders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}
