package service

import (
	"context"
	"log/slog"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/outbox"
)

// SettlementService exposes the on-chain settlement outbox to the bridge.
type SettlementService struct {
	outbox *outbox.Store
	logger *slog.Logger
}

// NewSettlementService creates a SettlementService. A nil logger uses
// slog.Default().
func NewSettlementService(o *outbox.Store, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{outbox: o, logger: logger}
}

// Get returns the pending instruction for a trade.
func (s *SettlementService) Get(_ context.Context, tradeID string) (outbox.Record, error) {
	if tradeID == "" {
		return outbox.Record{}, domain.ErrSettlementNotFound
	}
	return s.outbox.Get(tradeID)
}

// Ack records that the bridge settled a trade on-chain and drops its
// instruction.
func (s *SettlementService) Ack(_ context.Context, tradeID string) error {
	rec, err := s.outbox.Get(tradeID)
	if err != nil {
		return err
	}
	if err := s.outbox.Ack(tradeID); err != nil {
		return err
	}
	s.logger.Info("settlement acknowledged",
		"trade_id", tradeID,
		"state", rec.State.String(),
		"retries", rec.Retries,
	)
	return nil
}

// Retry puts a FAILED instruction back in the relay queue.
func (s *SettlementService) Retry(_ context.Context, tradeID string) error {
	rec, err := s.outbox.Get(tradeID)
	if err != nil {
		return err
	}
	if rec.State != outbox.StateFailed {
		return &domain.ValidationError{Message: "only failed settlements can be retried, state is " + rec.State.String()}
	}
	return s.outbox.Requeue(tradeID)
}
