package domain

import (
	"fmt"
	"math"
	"time"
)

// PortfolioEntry is an owner's off-chain balance in one credit type.
type PortfolioEntry struct {
	OwnerID      string
	CreditTypeID string
	Balance      int64
	Reserved     int64 // committed to the owner's resting sell orders
	UpdatedAt    time.Time
}

// Available returns the balance not committed to resting sell orders.
func (p *PortfolioEntry) Available() int64 {
	return p.Balance - p.Reserved
}

// Reserve commits qty of the available balance to a sell order.
func (p *PortfolioEntry) Reserve(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reserve %d for %s/%s", ErrConsistency, qty, p.OwnerID, p.CreditTypeID)
	}
	if p.Available() < qty {
		return ErrInsufficientHoldings
	}
	p.Reserved += qty
	return nil
}

// Release returns qty of reserved balance to the available pool.
func (p *PortfolioEntry) Release(qty int64) error {
	if qty <= 0 || qty > p.Reserved {
		return fmt.Errorf("%w: release %d of reserved %d for %s/%s",
			ErrConsistency, qty, p.Reserved, p.OwnerID, p.CreditTypeID)
	}
	p.Reserved -= qty
	return nil
}

// Debit removes qty sold by a resting or incoming sell order. The quantity
// must already be reserved.
func (p *PortfolioEntry) Debit(qty int64) error {
	if qty <= 0 || qty > p.Balance || qty > p.Reserved {
		return fmt.Errorf("%w: debit %d from balance %d reserved %d for %s/%s",
			ErrConsistency, qty, p.Balance, p.Reserved, p.OwnerID, p.CreditTypeID)
	}
	p.Balance -= qty
	p.Reserved -= qty
	return nil
}

// Credit adds qty to the balance. A credit that would overflow the
// balance is rejected and leaves the entry unchanged.
func (p *PortfolioEntry) Credit(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: credit %d to %s/%s", ErrConsistency, qty, p.OwnerID, p.CreditTypeID)
	}
	if qty > math.MaxInt64-p.Balance {
		return fmt.Errorf("%w: credit %d overflows balance %d for %s/%s",
			ErrConsistency, qty, p.Balance, p.OwnerID, p.CreditTypeID)
	}
	p.Balance += qty
	return nil
}
