package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// WebhookStore is a thread-safe in-memory store for webhook subscriptions.
// An owner has at most one subscription per event.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook            // webhook_id → webhook
	byOwner  map[string]map[string]*domain.Webhook // owner_id → event → webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byOwner:  make(map[string]map[string]*domain.Webhook),
	}
}

// Upsert stores a subscription keyed by (owner_id, event). An existing
// subscription for the pair keeps its webhook_id and takes the new URL.
// It returns the stored subscription and whether it was newly created.
func (s *WebhookStore) Upsert(w *domain.Webhook) (*domain.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byOwner[w.OwnerID][w.Event]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		c := *existing
		return &c, false
	}

	stored := *w
	s.webhooks[w.WebhookID] = &stored
	if s.byOwner[w.OwnerID] == nil {
		s.byOwner[w.OwnerID] = make(map[string]*domain.Webhook)
	}
	s.byOwner[w.OwnerID][w.Event] = &stored

	c := stored
	return &c, true
}

// Get retrieves a webhook by ID. It returns domain.ErrWebhookNotFound if
// the webhook does not exist.
func (s *WebhookStore) Get(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	c := *w
	return &c, nil
}

// ListByOwner returns the owner's subscriptions ordered by event.
func (s *WebhookStore) ListByOwner(ownerID string) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byOwner[ownerID]
	result := make([]*domain.Webhook, 0, len(events))
	for _, w := range events {
		c := *w
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Event < result[j].Event })
	return result
}

// Delete removes the owner's webhook by ID. A webhook owned by someone else
// is reported as domain.ErrWebhookNotFound.
func (s *WebhookStore) Delete(ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok || w.OwnerID != ownerID {
		return domain.ErrWebhookNotFound
	}

	delete(s.webhooks, id)
	if events, ok := s.byOwner[w.OwnerID]; ok {
		delete(events, w.Event)
		if len(events) == 0 {
			delete(s.byOwner, w.OwnerID)
		}
	}
	return nil
}

// Lookup returns the owner's subscription for event, if any.
func (s *WebhookStore) Lookup(ownerID, event string) (*domain.Webhook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.byOwner[ownerID][event]
	if !ok {
		return nil, false
	}
	c := *w
	return &c, true
}
