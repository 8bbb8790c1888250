package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

func newTestWebhook(id, ownerID, event, url string) *domain.Webhook {
	now := time.Now()
	return &domain.Webhook{
		WebhookID: id,
		OwnerID:   ownerID,
		Event:     event,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWebhookStore_Upsert_NewSubscription(t *testing.T) {
	s := NewWebhookStore()

	got, created := s.Upsert(newTestWebhook("wh-1", "acct-1", "trade.executed", "https://example.com/hook"))
	if !created {
		t.Fatal("expected Upsert to report a new subscription")
	}
	if got.WebhookID != "wh-1" {
		t.Fatalf("expected webhook ID wh-1, got %s", got.WebhookID)
	}
	if _, err := s.Get("wh-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestWebhookStore_Upsert_SameOwnerEventKeepsID(t *testing.T) {
	s := NewWebhookStore()
	s.Upsert(newTestWebhook("wh-1", "acct-1", "trade.executed", "https://example.com/old"))

	got, created := s.Upsert(newTestWebhook("wh-2", "acct-1", "trade.executed", "https://example.com/new"))
	if created {
		t.Fatal("expected Upsert to update the existing subscription")
	}
	if got.WebhookID != "wh-1" || got.URL != "https://example.com/new" {
		t.Fatalf("got %+v, want wh-1 with the new URL", got)
	}
	if _, err := s.Get("wh-2"); err != domain.ErrWebhookNotFound {
		t.Fatalf("wh-2 should not exist, err = %v", err)
	}
}

func TestWebhookStore_ListByOwner_SortedByEvent(t *testing.T) {
	s := NewWebhookStore()
	s.Upsert(newTestWebhook("wh-1", "acct-1", "trade.executed", "https://example.com/t"))
	s.Upsert(newTestWebhook("wh-2", "acct-1", "order.updated", "https://example.com/o"))
	s.Upsert(newTestWebhook("wh-3", "acct-2", "order.updated", "https://example.com/x"))

	list := s.ListByOwner("acct-1")
	if len(list) != 2 {
		t.Fatalf("expected 2 webhooks, got %d", len(list))
	}
	if list[0].Event != "order.updated" || list[1].Event != "trade.executed" {
		t.Errorf("unexpected order: %s, %s", list[0].Event, list[1].Event)
	}
	if len(s.ListByOwner("nobody")) != 0 {
		t.Error("expected empty list for unknown owner")
	}
}

func TestWebhookStore_Delete(t *testing.T) {
	s := NewWebhookStore()
	s.Upsert(newTestWebhook("wh-1", "acct-1", "trade.executed", "https://example.com/hook"))

	if err := s.Delete("acct-2", "wh-1"); err != domain.ErrWebhookNotFound {
		t.Fatalf("deleting someone else's webhook: err = %v", err)
	}
	if err := s.Delete("acct-1", "wh-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Lookup("acct-1", "trade.executed"); ok {
		t.Error("secondary index not cleaned up")
	}
	if err := s.Delete("acct-1", "wh-1"); err != domain.ErrWebhookNotFound {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestWebhookStore_Lookup(t *testing.T) {
	s := NewWebhookStore()
	s.Upsert(newTestWebhook("wh-1", "acct-1", "portfolio.changed", "https://example.com/p"))

	w, ok := s.Lookup("acct-1", "portfolio.changed")
	if !ok || w.URL != "https://example.com/p" || w.WebhookID != "wh-1" {
		t.Errorf("Lookup = %+v, %v", w, ok)
	}
	if _, ok := s.Lookup("acct-1", "trade.executed"); ok {
		t.Error("Lookup found an unsubscribed event")
	}
}

func TestWebhookStore_ConcurrentUpserts(t *testing.T) {
	s := NewWebhookStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("acct-%d", i%5)
			s.Upsert(newTestWebhook(fmt.Sprintf("wh-%d", i), owner, "trade.executed", "https://example.com"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		if n := len(s.ListByOwner(fmt.Sprintf("acct-%d", i))); n != 1 {
			t.Errorf("acct-%d has %d subscriptions, want 1", i, n)
		}
	}
}
