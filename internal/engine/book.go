package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// OrderBookEntry represents a single order resting on the book. The key
// fields are copied out of the order so that a later fill never changes
// an entry's position in the tree.
type OrderBookEntry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	OrderID   string
	Side      domain.OrderSide
	Order     *domain.Order
}

// PriceLevel represents an aggregated price level in the order book.
type PriceLevel struct {
	Price         decimal.Decimal
	TotalQuantity int64
	OrderCount    int
}

// bidLess defines ordering for the bid side: price descending, then
// created_at ascending, then order_id ascending. This means Min()
// returns the best bid (highest price, earliest time).
func bidLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess defines ordering for the ask side: price ascending, then
// created_at ascending, then order_id ascending. Min() returns the
// best ask (lowest price, earliest time).
func askLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// OrderBook maintains the bid and ask sides for a single credit type using
// B-trees with a secondary index for O(log n) removal by order ID.
//
// The book is not safe for concurrent use on its own. Every read or
// mutation must happen between Acquire and Release.
type OrderBook struct {
	creditTypeID string
	sem          chan struct{}
	bids         *btree.BTreeG[OrderBookEntry]
	asks         *btree.BTreeG[OrderBookEntry]
	index        map[string]OrderBookEntry // order_id → entry
}

// NewOrderBook creates an order book for the given credit type.
func NewOrderBook(creditTypeID string) *OrderBook {
	const degree = 32
	return &OrderBook{
		creditTypeID: creditTypeID,
		sem:          make(chan struct{}, 1),
		bids:         btree.NewG[OrderBookEntry](degree, bidLess),
		asks:         btree.NewG[OrderBookEntry](degree, askLess),
		index:        make(map[string]OrderBookEntry),
	}
}

// CreditTypeID returns the credit type the book serves.
func (ob *OrderBook) CreditTypeID() string {
	return ob.creditTypeID
}

// Acquire takes exclusive access to the book. It blocks until the book is
// free or ctx is done, in which case ctx.Err() is returned.
func (ob *OrderBook) Acquire(ctx context.Context) error {
	select {
	case ob.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case ob.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives up exclusive access taken by Acquire.
func (ob *OrderBook) Release() {
	select {
	case <-ob.sem:
	default:
		panic("engine: release of unacquired order book " + ob.creditTypeID)
	}
}

func (ob *OrderBook) tree(side domain.OrderSide) *btree.BTreeG[OrderBookEntry] {
	if side == domain.OrderSideBuy {
		return ob.bids
	}
	return ob.asks
}

// Upsert inserts a resting order or repositions it when its price or
// arrival time changed. An order that is no longer resting is removed
// instead. An order already indexed on the other side is a consistency
// violation and leaves the book untouched.
func (ob *OrderBook) Upsert(order *domain.Order) error {
	if !order.Resting() {
		ob.Remove(order.OrderID)
		return nil
	}
	if order.RemainingQuantity() <= 0 {
		return fmt.Errorf("%w: resting order %s has no remaining quantity", domain.ErrConsistency, order.OrderID)
	}

	if existing, ok := ob.index[order.OrderID]; ok {
		if existing.Side != order.Side {
			return fmt.Errorf("%w: order %s already rests on the %s side",
				domain.ErrConsistency, order.OrderID, existing.Side)
		}
		ob.tree(existing.Side).Delete(existing)
	}

	entry := OrderBookEntry{
		Price:     order.LimitPrice,
		CreatedAt: order.CreatedAt,
		OrderID:   order.OrderID,
		Side:      order.Side,
		Order:     order,
	}
	ob.tree(order.Side).ReplaceOrInsert(entry)
	ob.index[order.OrderID] = entry
	return nil
}

// Remove deletes an order from the book by order ID using the secondary
// index. It reports whether the order was on the book.
func (ob *OrderBook) Remove(orderID string) bool {
	entry, ok := ob.index[orderID]
	if !ok {
		return false
	}
	delete(ob.index, orderID)
	ob.tree(entry.Side).Delete(entry)
	return true
}

// Get returns the resting order with the given ID.
func (ob *OrderBook) Get(orderID string) (*domain.Order, bool) {
	entry, ok := ob.index[orderID]
	if !ok {
		return nil, false
	}
	return entry.Order, true
}

// Contains reports whether the order is resting on the book.
func (ob *OrderBook) Contains(orderID string) bool {
	_, ok := ob.index[orderID]
	return ok
}

// BestOpposing returns the highest-priority resting order that an incoming
// order of side at price can trade with, if any.
func (ob *OrderBook) BestOpposing(side domain.OrderSide, price decimal.Decimal) (*domain.Order, bool) {
	best, ok := ob.tree(side.Opposite()).Min()
	if !ok || !domain.Crosses(side, price, best.Price) {
		return nil, false
	}
	return best.Order, true
}

// BestBid returns the highest-priority bid (highest price, earliest time).
func (ob *OrderBook) BestBid() (OrderBookEntry, bool) {
	return ob.bids.Min()
}

// BestAsk returns the highest-priority ask (lowest price, earliest time).
func (ob *OrderBook) BestAsk() (OrderBookEntry, bool) {
	return ob.asks.Min()
}

// Depth returns up to n aggregated price levels per side, bids by price
// descending and asks by price ascending.
func (ob *OrderBook) Depth(n int) (bids, asks []PriceLevel) {
	return topLevels(ob.bids, n), topLevels(ob.asks, n)
}

// topLevels iterates the B-tree in order and aggregates entries into
// at most n price levels.
func topLevels(tree *btree.BTreeG[OrderBookEntry], n int) []PriceLevel {
	levels := make([]PriceLevel, 0)
	if n <= 0 {
		return levels
	}
	tree.Ascend(func(entry OrderBookEntry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(entry.Price) {
			levels[len(levels)-1].TotalQuantity += entry.Order.RemainingQuantity()
			levels[len(levels)-1].OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, PriceLevel{
			Price:         entry.Price,
			TotalQuantity: entry.Order.RemainingQuantity(),
			OrderCount:    1,
		})
		return true
	})
	return levels
}

// WalkBids iterates bids in priority order. The callback returns true to
// continue, false to stop.
func (ob *OrderBook) WalkBids(fn func(OrderBookEntry) bool) {
	ob.bids.Ascend(fn)
}

// WalkAsks iterates asks in priority order. The callback returns true to
// continue, false to stop.
func (ob *OrderBook) WalkAsks(fn func(OrderBookEntry) bool) {
	ob.asks.Ascend(fn)
}

// BidCount returns the number of individual bid orders on the book.
func (ob *OrderBook) BidCount() int {
	return ob.bids.Len()
}

// AskCount returns the number of individual ask orders on the book.
func (ob *OrderBook) AskCount() int {
	return ob.asks.Len()
}

// Len returns the number of resting orders on both sides.
func (ob *OrderBook) Len() int {
	return len(ob.index)
}

// BookManager is a thread-safe map of credit type → OrderBook.
type BookManager struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewBookManager creates a new BookManager.
func NewBookManager() *BookManager {
	return &BookManager{
		books: make(map[string]*OrderBook),
	}
}

// GetOrCreate returns the order book for the given credit type, creating
// one if it doesn't already exist.
func (bm *BookManager) GetOrCreate(creditTypeID string) *OrderBook {
	bm.mu.RLock()
	book, ok := bm.books[creditTypeID]
	bm.mu.RUnlock()
	if ok {
		return book
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	// Double-check after acquiring write lock.
	if book, ok = bm.books[creditTypeID]; ok {
		return book
	}
	book = NewOrderBook(creditTypeID)
	bm.books[creditTypeID] = book
	return book
}

// Get returns the order book for the credit type if one exists.
func (bm *BookManager) Get(creditTypeID string) (*OrderBook, bool) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	book, ok := bm.books[creditTypeID]
	return book, ok
}
