package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/store"
)

// Memory is an in-process Ledger. Writes stage every change on copies and
// apply them under one lock, so a failed commit leaves nothing behind.
type Memory struct {
	mu          sync.RWMutex
	orders      *store.OrderStore
	trades      *store.TradeStore
	portfolios  *store.PortfolioStore
	creditTypes map[string]*domain.CreditType
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		orders:      store.NewOrderStore(),
		trades:      store.NewTradeStore(),
		portfolios:  store.NewPortfolioStore(),
		creditTypes: make(map[string]*domain.CreditType),
	}
}

var _ Ledger = (*Memory)(nil)

// staging collects portfolio entries touched by one commit.
type staging struct {
	src     *store.PortfolioStore
	entries map[string]*domain.PortfolioEntry
	order   []string
}

func newStaging(src *store.PortfolioStore) *staging {
	return &staging{src: src, entries: make(map[string]*domain.PortfolioEntry)}
}

func (st *staging) load(ownerID, creditTypeID string) (*domain.PortfolioEntry, error) {
	key := ownerID + "\x00" + creditTypeID
	if e, ok := st.entries[key]; ok {
		return e, nil
	}
	e, ok := st.src.Get(ownerID, creditTypeID)
	if !ok {
		e = &domain.PortfolioEntry{OwnerID: ownerID, CreditTypeID: creditTypeID}
	}
	st.entries[key] = e
	st.order = append(st.order, key)
	return e, nil
}

func (st *staging) changed() []*domain.PortfolioEntry {
	out := make([]*domain.PortfolioEntry, 0, len(st.order))
	for _, k := range st.order {
		c := *st.entries[k]
		out = append(out, &c)
	}
	return out
}

func (st *staging) apply() {
	for _, k := range st.order {
		st.src.Put(st.entries[k])
	}
}

// Settle implements Ledger.
func (m *Memory) Settle(ctx context.Context, s Settlement) ([]*domain.PortfolioEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.orders.Get(s.Order.OrderID); err == nil {
		return nil, fmt.Errorf("%w: order %s already recorded", domain.ErrConsistency, s.Order.OrderID)
	}
	for _, o := range append(append([]*domain.Order{}, s.Makers...), s.Expired...) {
		stored, err := m.orders.Get(o.OrderID)
		if err != nil {
			return nil, fmt.Errorf("%w: resting order %s not in ledger", domain.ErrConsistency, o.OrderID)
		}
		if !stored.Resting() {
			return nil, fmt.Errorf("%w: resting order %s is %s in ledger", domain.ErrConsistency, o.OrderID, stored.Status)
		}
	}
	for _, t := range s.Trades {
		if m.trades.Exists(t.TradeID) {
			return nil, fmt.Errorf("%w: trade %s already recorded", domain.ErrConsistency, t.TradeID)
		}
	}

	st := newStaging(m.portfolios)
	if err := s.movements(st.load); err != nil {
		return nil, err
	}

	// Nothing below can fail.
	st.apply()
	m.orders.Put(s.Order)
	for _, o := range s.Makers {
		m.orders.Put(o)
	}
	for _, o := range s.Expired {
		m.orders.Put(o)
	}
	for _, t := range s.Trades {
		m.trades.Append(t)
	}
	return st.changed(), nil
}

// CloseOrder implements Ledger.
func (m *Memory) CloseOrder(ctx context.Context, order *domain.Order) ([]*domain.PortfolioEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.orders.Get(order.OrderID)
	if err != nil {
		return nil, err
	}
	if err := checkClosable(stored, order); err != nil {
		return nil, err
	}

	st := newStaging(m.portfolios)
	if order.Side == domain.OrderSideSell {
		e, _ := st.load(order.OwnerID, order.CreditTypeID)
		if err := closeMovement(order, e); err != nil {
			return nil, err
		}
	}

	st.apply()
	m.orders.Put(order)
	return st.changed(), nil
}

// Deposit implements Ledger.
func (m *Memory) Deposit(ctx context.Context, ownerID, creditTypeID string, qty int64, at time.Time) (*domain.PortfolioEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := newStaging(m.portfolios)
	e, _ := st.load(ownerID, creditTypeID)
	if err := e.Credit(qty); err != nil {
		return nil, err
	}
	e.UpdatedAt = at
	st.apply()
	c := *e
	return &c, nil
}

// GetOrder implements Ledger.
func (m *Memory) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders.Get(orderID)
}

// ListOrders implements Ledger.
func (m *Memory) ListOrders(_ context.Context, f OrderFilter) ([]*domain.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders, total := m.orders.ListByOwner(f.OwnerID, f.Status, f.Page, f.Limit)
	return orders, total, nil
}

// OpenOrders implements Ledger.
func (m *Memory) OpenOrders(_ context.Context) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders.Resting(), nil
}

// ListTrades implements Ledger.
func (m *Memory) ListTrades(_ context.Context, f TradeFilter) ([]*domain.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trades.List(f), nil
}

// Portfolio implements Ledger.
func (m *Memory) Portfolio(_ context.Context, ownerID string) ([]*domain.PortfolioEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolios.ListByOwner(ownerID), nil
}

// PortfolioEntry implements Ledger.
func (m *Memory) PortfolioEntry(_ context.Context, ownerID, creditTypeID string) (*domain.PortfolioEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.portfolios.Get(ownerID, creditTypeID); ok {
		return e, nil
	}
	return &domain.PortfolioEntry{OwnerID: ownerID, CreditTypeID: creditTypeID}, nil
}

// TotalBalance sums all balances of a credit type.
func (m *Memory) TotalBalance(creditTypeID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolios.TotalBalance(creditTypeID)
}

// SaveCreditType implements Ledger.
func (m *Memory) SaveCreditType(_ context.Context, ct *domain.CreditType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creditTypes[ct.ID]; ok {
		return domain.ErrCreditTypeExists
	}
	c := *ct
	m.creditTypes[ct.ID] = &c
	return nil
}

// CreditTypes implements Ledger.
func (m *Memory) CreditTypes(_ context.Context) ([]*domain.CreditType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.CreditType, 0, len(m.creditTypes))
	for _, ct := range m.creditTypes {
		c := *ct
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close implements Ledger.
func (m *Memory) Close() error { return nil }
