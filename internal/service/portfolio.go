package service

import (
	"context"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/event"
	"github.com/efreitasn/carbonexchange/internal/ledger"
)

// DepositRequest represents credits issued to an account by the chain
// bridge.
type DepositRequest struct {
	OwnerID      string
	CreditTypeID string
	Quantity     int64
}

// PortfolioService handles deposits and balance queries.
type PortfolioService struct {
	ledger      ledger.Ledger
	creditTypes *domain.CreditTypeRegistry
	events      EventSink
	now         func() time.Time
}

// NewPortfolioService creates a PortfolioService.
func NewPortfolioService(l ledger.Ledger, creditTypes *domain.CreditTypeRegistry, events EventSink) *PortfolioService {
	return &PortfolioService{
		ledger:      l,
		creditTypes: creditTypes,
		events:      events,
		now:         time.Now,
	}
}

// Deposit validates the request and credits the owner's balance.
func (s *PortfolioService) Deposit(ctx context.Context, req DepositRequest) (*domain.PortfolioEntry, error) {
	if !domain.ValidAccountID(req.OwnerID) {
		return nil, &domain.ValidationError{Message: "owner_id must match " + domain.AccountIDPattern}
	}
	if req.Quantity <= 0 {
		return nil, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}
	if !s.creditTypes.Exists(req.CreditTypeID) {
		return nil, domain.ErrCreditTypeNotFound
	}

	now := s.now().UTC()
	entry, err := s.ledger.Deposit(ctx, req.OwnerID, req.CreditTypeID, req.Quantity, now)
	if err != nil {
		return nil, err
	}
	s.events.Enqueue([]event.Event{event.NewPortfolioChanged(entry, now)})
	return entry, nil
}

// Portfolio returns the owner's entries ordered by credit type.
func (s *PortfolioService) Portfolio(ctx context.Context, ownerID string) ([]*domain.PortfolioEntry, error) {
	return s.ledger.Portfolio(ctx, ownerID)
}
