package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// OrderStore is a thread-safe in-memory store for orders, with a primary
// index by order_id and a secondary index by owner_id. It stores and
// returns copies so callers never share an order with the store.
type OrderStore struct {
	mu          sync.RWMutex
	orders      map[string]*domain.Order
	ownerOrders map[string][]string // owner_id → order ids (insertion order)
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:      make(map[string]*domain.Order),
		ownerOrders: make(map[string][]string),
	}
}

// Put inserts or replaces an order.
func (s *OrderStore) Put(o *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.OrderID]; !ok {
		s.ownerOrders[o.OwnerID] = append(s.ownerOrders[o.OwnerID], o.OrderID)
	}
	s.orders[o.OrderID] = o.Clone()
}

// Get retrieves an order by ID. It returns domain.ErrOrderNotFound if the
// order does not exist.
func (s *OrderStore) Get(id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// ListByOwner returns orders for an owner in reverse chronological order
// (newest first). If status is non-nil, only orders matching that status
// are included. Pagination is 1-based. Returns the matching orders for the
// requested page and the total count of matching orders (before
// pagination).
func (s *OrderStore) ListByOwner(ownerID string, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.ownerOrders[ownerID]

	filtered := make([]*domain.Order, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		o := s.orders[ids[i]]
		if status != nil && o.Status != *status {
			continue
		}
		filtered = append(filtered, o)
	}

	total := len(filtered)

	start := (page - 1) * limit
	if start >= total || start < 0 {
		return []*domain.Order{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}

	result := make([]*domain.Order, 0, end-start)
	for _, o := range filtered[start:end] {
		result = append(result, o.Clone())
	}
	return result, total
}

// Resting returns every open or partially filled order ordered by arrival.
func (s *OrderStore) Resting() []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if o.Resting() {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].OrderID < result[j].OrderID
	})
	return result
}
