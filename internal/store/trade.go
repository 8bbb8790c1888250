package store

import (
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// TradeFilter narrows a trade listing. Zero values match everything.
type TradeFilter struct {
	CreditTypeID string
	OwnerID      string    // buyer or seller
	Since        time.Time // inclusive
	Limit        int       // most recent Limit trades; 0 for all
}

// Match reports whether t satisfies the filter, ignoring Limit.
func (f TradeFilter) Match(t *domain.Trade) bool {
	if f.CreditTypeID != "" && t.CreditTypeID != f.CreditTypeID {
		return false
	}
	if f.OwnerID != "" && !t.Involves(f.OwnerID) {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// TradeStore is a thread-safe in-memory store for trades, keyed by credit
// type. Trades are append-only and chronological.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string][]*domain.Trade // credit_type_id → trades (chronological)
	ids    map[string]struct{}
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[string][]*domain.Trade),
		ids:    make(map[string]struct{}),
	}
}

// Append adds a trade to its credit type's chronological list. It reports
// false without storing anything if the trade ID is already known.
func (s *TradeStore) Append(t *domain.Trade) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[t.TradeID]; dup {
		return false
	}
	c := *t
	s.ids[t.TradeID] = struct{}{}
	s.trades[t.CreditTypeID] = append(s.trades[t.CreditTypeID], &c)
	return true
}

// Exists reports whether a trade with the ID was stored.
func (s *TradeStore) Exists(tradeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[tradeID]
	return ok
}

// List returns the trades matching f in chronological order. Returns an
// empty slice if nothing matches.
func (s *TradeStore) List(f TradeFilter) []*domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sources [][]*domain.Trade
	if f.CreditTypeID != "" {
		sources = append(sources, s.trades[f.CreditTypeID])
	} else {
		for _, ts := range s.trades {
			sources = append(sources, ts)
		}
	}

	result := make([]*domain.Trade, 0)
	for _, ts := range sources {
		for _, t := range ts {
			if f.Match(t) {
				c := *t
				result = append(result, &c)
			}
		}
	}
	if len(sources) > 1 {
		sortTrades(result)
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// sortTrades orders trades by execution time. The sort is stable so
// trades of one sweep, which share a timestamp, keep execution order.
func sortTrades(trades []*domain.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].CreatedAt.Before(trades[j].CreatedAt)
	})
}
