package domain

import (
	"sort"
	"sync"
	"time"
)

// CreditType describes a fungible class of carbon credits that can be
// traded, e.g. one registry's methodology and vintage.
type CreditType struct {
	ID        string
	Name      string
	Registry  string
	Vintage   int
	CreatedAt time.Time
}

// CreditTypeRegistry tracks the credit types open for trading in a
// thread-safe manner.
type CreditTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*CreditType
}

// NewCreditTypeRegistry creates an empty CreditTypeRegistry.
func NewCreditTypeRegistry() *CreditTypeRegistry {
	return &CreditTypeRegistry{
		types: make(map[string]*CreditType),
	}
}

// Register adds a credit type. It returns ErrCreditTypeExists if the ID is
// already registered.
func (r *CreditTypeRegistry) Register(ct *CreditType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[ct.ID]; ok {
		return ErrCreditTypeExists
	}
	r.types[ct.ID] = ct
	return nil
}

// Exists returns true if the credit type has been registered.
func (r *CreditTypeRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[id]
	return ok
}

// Get returns the credit type or ErrCreditTypeNotFound.
func (r *CreditTypeRegistry) Get(id string) (*CreditType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[id]
	if !ok {
		return nil, ErrCreditTypeNotFound
	}
	return ct, nil
}

// List returns all credit types ordered by ID.
func (r *CreditTypeRegistry) List() []*CreditType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CreditType, 0, len(r.types))
	for _, ct := range r.types {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
