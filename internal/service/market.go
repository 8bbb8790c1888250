package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/engine"
	"github.com/efreitasn/carbonexchange/internal/ledger"
)

// PriceResponse is the reference price of a credit type.
type PriceResponse struct {
	CreditTypeID   string
	CurrentPrice   *decimal.Decimal // nil when no trades ever
	Window         string           // e.g. "5m"
	TradesInWindow int
	LastTradeAt    *time.Time // nil when no trades ever
}

// BookResponse is an aggregated snapshot of a credit type's book.
type BookResponse struct {
	CreditTypeID string
	Bids         []engine.PriceLevel
	Asks         []engine.PriceLevel
	Spread       *decimal.Decimal // nil if either side is empty
	SnapshotAt   time.Time
}

// PublicTrade is a trade on the public tape, without counterparties.
type PublicTrade struct {
	TradeID    string
	Quantity   int64
	Price      decimal.Decimal
	ExecutedAt time.Time
}

// MarketService serves public, anonymised market data.
type MarketService struct {
	books       *engine.BookManager
	ledger      ledger.Ledger
	creditTypes *domain.CreditTypeRegistry
	vwapWindow  time.Duration
	now         func() time.Time
}

// NewMarketService creates a MarketService.
func NewMarketService(
	books *engine.BookManager,
	l ledger.Ledger,
	creditTypes *domain.CreditTypeRegistry,
	vwapWindow time.Duration,
) *MarketService {
	return &MarketService{
		books:       books,
		ledger:      l,
		creditTypes: creditTypes,
		vwapWindow:  vwapWindow,
		now:         time.Now,
	}
}

// GetPrice returns the VWAP of the trades inside the configured window.
// With no trades in the window it falls back to the last trade's price,
// and with no trades at all the price is nil.
func (s *MarketService) GetPrice(ctx context.Context, creditTypeID string) (*PriceResponse, error) {
	if !s.creditTypes.Exists(creditTypeID) {
		return nil, domain.ErrCreditTypeNotFound
	}

	resp := &PriceResponse{
		CreditTypeID: creditTypeID,
		Window:       formatDuration(s.vwapWindow),
	}

	last, err := s.ledger.ListTrades(ctx, ledger.TradeFilter{CreditTypeID: creditTypeID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(last) == 0 {
		return resp, nil
	}
	lastTrade := last[0]
	resp.LastTradeAt = &lastTrade.CreatedAt

	inWindow, err := s.ledger.ListTrades(ctx, ledger.TradeFilter{
		CreditTypeID: creditTypeID,
		Since:        s.now().Add(-s.vwapWindow),
	})
	if err != nil {
		return nil, err
	}
	resp.TradesInWindow = len(inWindow)

	if vwap, ok := domain.AveragePrice(inWindow); ok {
		vwap = vwap.Round(domain.PriceScale)
		resp.CurrentPrice = &vwap
	} else {
		p := lastTrade.Price
		resp.CurrentPrice = &p
	}
	return resp, nil
}

// GetBook returns the top depth price levels of each side.
func (s *MarketService) GetBook(ctx context.Context, creditTypeID string, depth int) (*BookResponse, error) {
	if !s.creditTypes.Exists(creditTypeID) {
		return nil, domain.ErrCreditTypeNotFound
	}
	if depth < 1 || depth > 50 {
		return nil, &domain.ValidationError{Message: "depth must be between 1 and 50"}
	}

	book := s.books.GetOrCreate(creditTypeID)
	if err := book.Acquire(ctx); err != nil {
		return nil, err
	}
	bids, asks := book.Depth(depth)
	book.Release()

	resp := &BookResponse{
		CreditTypeID: creditTypeID,
		Bids:         bids,
		Asks:         asks,
		SnapshotAt:   s.now(),
	}
	if len(bids) > 0 && len(asks) > 0 {
		spread := asks[0].Price.Sub(bids[0].Price)
		resp.Spread = &spread
	}
	return resp, nil
}

// GetTrades returns the most recent trades of a credit type, newest first,
// without buyer or seller identities.
func (s *MarketService) GetTrades(ctx context.Context, creditTypeID string, limit int) ([]PublicTrade, error) {
	if !s.creditTypes.Exists(creditTypeID) {
		return nil, domain.ErrCreditTypeNotFound
	}
	if limit < 1 || limit > 100 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}

	trades, err := s.ledger.ListTrades(ctx, ledger.TradeFilter{CreditTypeID: creditTypeID, Limit: limit})
	if err != nil {
		return nil, err
	}
	tape := make([]PublicTrade, len(trades))
	for i, t := range trades {
		tape[len(trades)-1-i] = PublicTrade{
			TradeID:    t.TradeID,
			Quantity:   t.Quantity,
			Price:      t.Price,
			ExecutedAt: t.CreatedAt,
		}
	}
	return tape, nil
}

// formatDuration converts a time.Duration to a human-readable string
// like "5m" for the window field.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	minutes := int(d.Minutes())
	if d == time.Duration(minutes)*time.Minute && minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return d.String()
}
