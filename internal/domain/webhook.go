package domain

import "time"

// Webhook represents an account's subscription to an event notification.
type Webhook struct {
	WebhookID string
	OwnerID   string
	Event     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}
