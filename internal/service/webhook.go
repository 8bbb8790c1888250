package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/event"
	"github.com/efreitasn/carbonexchange/internal/store"
)

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	OwnerID string
	URL     string
	Events  []string
}

// WebhookService handles webhook CRUD and delivers events to the
// subscribed accounts. It implements event.Publisher.
type WebhookService struct {
	store  *store.WebhookStore
	client *http.Client
	logger *slog.Logger

	// OnFailure is called after a delivery that failed or got a non-2xx
	// response.
	OnFailure func()

	wg sync.WaitGroup
}

// NewWebhookService creates a new WebhookService. A nil logger uses
// slog.Default().
func NewWebhookService(webhookStore *store.WebhookStore, webhookTimeout time.Duration, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		store: webhookStore,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		logger: logger,
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if !domain.ValidAccountID(req.OwnerID) {
		return nil, false, &domain.ValidationError{Message: "account id must match " + domain.AccountIDPattern}
	}

	// Validate URL.
	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order and validating.
	seen := make(map[string]bool, len(req.Events))
	deduped := make([]string, 0, len(req.Events))
	for _, e := range req.Events {
		if !event.ValidTypes[event.Type(e)] {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + e + ". Must be one of: order.updated, trade.executed, portfolio.changed",
			}
		}
		if !seen[e] {
			seen[e] = true
			deduped = append(deduped, e)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(deduped))

	for _, e := range deduped {
		stored, created := s.store.Upsert(&domain.Webhook{
			WebhookID: uuid.New().String(),
			OwnerID:   req.OwnerID,
			Event:     e,
			URL:       req.URL,
			CreatedAt: now,
			UpdatedAt: now,
		})
		anyCreated = anyCreated || created
		webhooks = append(webhooks, stored)
	}

	return webhooks, anyCreated, nil
}

// List returns the owner's webhook subscriptions.
func (s *WebhookService) List(ownerID string) []*domain.Webhook {
	return s.store.ListByOwner(ownerID)
}

// Delete removes one of the owner's webhook subscriptions.
func (s *WebhookService) Delete(ownerID, webhookID string) error {
	return s.store.Delete(ownerID, webhookID)
}

// webhookPayload is the JSON body of every webhook delivery.
type webhookPayload struct {
	Event     string `json:"event"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

func payloadFor(e event.Event) webhookPayload {
	p := webhookPayload{
		Event:     string(e.Type),
		EventID:   e.ID,
		Timestamp: e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	switch {
	case e.Order != nil:
		p.Data = e.Order
	case e.Trade != nil:
		p.Data = e.Trade
	case e.Portfolio != nil:
		p.Data = e.Portfolio
	}
	return p
}

// Publish implements event.Publisher. Each event goes to every recipient
// subscribed to its type. Deliveries run in the background and failures
// are logged, never returned.
func (s *WebhookService) Publish(_ context.Context, events []event.Event) error {
	for _, e := range events {
		for _, owner := range e.Recipients() {
			wh, ok := s.store.Lookup(owner, string(e.Type))
			if !ok {
				continue
			}
			s.wg.Add(1)
			go func(wh *domain.Webhook, p webhookPayload) {
				defer s.wg.Done()
				s.deliver(wh, p)
			}(wh, payloadFor(e))
		}
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (s *WebhookService) Wait() {
	s.wg.Wait()
}

// deliver sends the webhook payload via HTTP POST with the required headers.
func (s *WebhookService) deliver(wh *domain.Webhook, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.fail(wh, payload, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		s.fail(wh, payload, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", payload.Event)

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(wh, payload, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.fail(wh, payload, &statusError{code: resp.StatusCode})
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }

func (s *WebhookService) fail(wh *domain.Webhook, payload webhookPayload, err error) {
	s.logger.Warn("webhook delivery failed",
		"webhook_id", wh.WebhookID,
		"owner_id", wh.OwnerID,
		"event", payload.Event,
		"event_id", payload.EventID,
		"error", err,
	)
	if s.OnFailure != nil {
		s.OnFailure()
	}
}
