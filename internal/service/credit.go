package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/ledger"
)

var creditTypeIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// RegisterCreditTypeRequest represents the input for credit type
// registration.
type RegisterCreditTypeRequest struct {
	ID       string
	Name     string
	Registry string
	Vintage  int
}

// CreditTypeService manages the credit types open for trading. The
// registry is the in-process view; the ledger persists it.
type CreditTypeService struct {
	registry *domain.CreditTypeRegistry
	ledger   ledger.Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// NewCreditTypeService creates a CreditTypeService. A nil logger uses
// slog.Default().
func NewCreditTypeService(registry *domain.CreditTypeRegistry, l ledger.Ledger, logger *slog.Logger) *CreditTypeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditTypeService{
		registry: registry,
		ledger:   l,
		logger:   logger,
		now:      time.Now,
	}
}

// Register validates and persists a new credit type.
func (s *CreditTypeService) Register(ctx context.Context, req RegisterCreditTypeRequest) (*domain.CreditType, error) {
	if !creditTypeIDRegex.MatchString(req.ID) {
		return nil, &domain.ValidationError{Message: "id must match ^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$"}
	}
	if len(req.Name) > 256 {
		return nil, &domain.ValidationError{Message: "name must be at most 256 characters"}
	}
	if req.Vintage != 0 && (req.Vintage < 1900 || req.Vintage > 9999) {
		return nil, &domain.ValidationError{Message: "vintage must be a four-digit year"}
	}
	if s.registry.Exists(req.ID) {
		return nil, domain.ErrCreditTypeExists
	}

	ct := &domain.CreditType{
		ID:        req.ID,
		Name:      req.Name,
		Registry:  req.Registry,
		Vintage:   req.Vintage,
		CreatedAt: s.now().UTC(),
	}
	if err := s.ledger.SaveCreditType(ctx, ct); err != nil {
		return nil, err
	}
	if err := s.registry.Register(ct); err != nil {
		return nil, err
	}
	return ct, nil
}

// List returns every credit type ordered by ID.
func (s *CreditTypeService) List() []*domain.CreditType {
	return s.registry.List()
}

// Load fills the registry from the ledger and then registers each
// configured ID not yet known.
func (s *CreditTypeService) Load(ctx context.Context, configured []string) error {
	stored, err := s.ledger.CreditTypes(ctx)
	if err != nil {
		return fmt.Errorf("load credit types: %w", err)
	}
	for _, ct := range stored {
		if err := s.registry.Register(ct); err != nil && !errors.Is(err, domain.ErrCreditTypeExists) {
			return err
		}
	}

	for _, id := range configured {
		if s.registry.Exists(id) {
			continue
		}
		if _, err := s.Register(ctx, RegisterCreditTypeRequest{ID: id, Name: id}); err != nil {
			return fmt.Errorf("register configured credit type %q: %w", id, err)
		}
		s.logger.Info("credit type registered from config", "credit_type_id", id)
	}
	return nil
}
