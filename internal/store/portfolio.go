package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

type portfolioKey struct {
	ownerID      string
	creditTypeID string
}

// PortfolioStore is a thread-safe in-memory store for portfolio entries,
// unique per (owner_id, credit_type_id).
type PortfolioStore struct {
	mu      sync.RWMutex
	entries map[portfolioKey]*domain.PortfolioEntry
}

// NewPortfolioStore creates an empty PortfolioStore.
func NewPortfolioStore() *PortfolioStore {
	return &PortfolioStore{
		entries: make(map[portfolioKey]*domain.PortfolioEntry),
	}
}

// Get returns a copy of the entry, or false if the owner never held the
// credit type.
func (s *PortfolioStore) Get(ownerID, creditTypeID string) (*domain.PortfolioEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[portfolioKey{ownerID, creditTypeID}]
	if !ok {
		return nil, false
	}
	c := *e
	return &c, true
}

// Put inserts or replaces an entry.
func (s *PortfolioStore) Put(e *domain.PortfolioEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *e
	s.entries[portfolioKey{e.OwnerID, e.CreditTypeID}] = &c
}

// ListByOwner returns the owner's entries ordered by credit type.
func (s *PortfolioStore) ListByOwner(ownerID string) []*domain.PortfolioEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.PortfolioEntry, 0)
	for k, e := range s.entries {
		if k.ownerID == ownerID {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreditTypeID < result[j].CreditTypeID })
	return result
}

// TotalBalance sums every owner's balance in a credit type.
func (s *PortfolioStore) TotalBalance(creditTypeID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for k, e := range s.entries {
		if k.creditTypeID == creditTypeID {
			total += e.Balance
		}
	}
	return total
}
