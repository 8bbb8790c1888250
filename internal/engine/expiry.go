package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

// Expirer transitions a resting order to expired. The engine layer calls
// it without depending on the service layer directly.
type Expirer interface {
	Expire(ctx context.Context, orderID string) (*domain.Order, error)
}

type expiryItem struct {
	orderID   string
	expiresAt time.Time
}

// ExpiryManager tracks resting orders sorted by expires_at and
// periodically expires orders whose expiration time has passed.
type ExpiryManager struct {
	interval time.Duration
	expirer  Expirer
	logger   *slog.Logger
	active   []expiryItem // sorted by expiresAt ASC
	mu       sync.Mutex   // protects active
}

// NewExpiryManager creates a new ExpiryManager. A nil logger uses
// slog.Default().
func NewExpiryManager(interval time.Duration, expirer Expirer, logger *slog.Logger) *ExpiryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryManager{
		interval: interval,
		expirer:  expirer,
		logger:   logger,
		active:   make([]expiryItem, 0),
	}
}

// SetExpirer wires the expirer after construction, for when the expirer
// itself depends on the manager.
func (e *ExpiryManager) SetExpirer(expirer Expirer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expirer = expirer
}

// Add starts tracking an order that carries an expiry. Orders without
// one are ignored. Adding an already tracked order is a no-op.
func (e *ExpiryManager) Add(order *domain.Order) {
	if order.ExpiresAt == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, it := range e.active {
		if it.orderID == order.OrderID {
			return
		}
	}

	e.insertLocked(expiryItem{orderID: order.OrderID, expiresAt: *order.ExpiresAt})
}

func (e *ExpiryManager) insertLocked(it expiryItem) {
	// Binary search for the insertion point.
	idx := sort.Search(len(e.active), func(i int) bool {
		return e.active[i].expiresAt.After(it.expiresAt)
	})
	e.active = append(e.active, expiryItem{})
	copy(e.active[idx+1:], e.active[idx:])
	e.active[idx] = it
}

// Remove stops tracking an order, e.g. once it filled or was cancelled.
func (e *ExpiryManager) Remove(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, it := range e.active {
		if it.orderID == orderID {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

// Start launches a background goroutine that ticks at the configured
// interval and expires orders. It stops when ctx is cancelled; the
// returned channel is closed once any in-flight tick has returned.
func (e *ExpiryManager) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				e.Tick(ctx, t)
			}
		}
	}()
	return done
}

// Tick expires every tracked order whose expires_at is at or before now
// and returns how many were expired. Orders that are already terminal
// are dropped silently. Once ctx is done the remaining due orders stay
// tracked.
func (e *ExpiryManager) Tick(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	cutoff := 0
	for cutoff < len(e.active) && !e.active[cutoff].expiresAt.After(now) {
		cutoff++
	}
	due := make([]expiryItem, cutoff)
	copy(due, e.active[:cutoff])
	e.active = e.active[cutoff:]
	expirer := e.expirer
	e.mu.Unlock()

	if expirer == nil {
		return 0
	}

	expired := 0
	var retry []expiryItem
	for i, it := range due {
		if ctx.Err() != nil {
			retry = append(retry, due[i:]...)
			break
		}
		_, err := expirer.Expire(ctx, it.orderID)
		switch {
		case err == nil:
			expired++
		case isSkippable(err):
			// Filled or cancelled since it was tracked.
		default:
			e.logger.Error("order expiry failed",
				"order_id", it.orderID,
				"error", err,
			)
			retry = append(retry, it)
		}
	}

	if len(retry) > 0 {
		// Retry on the next tick.
		e.mu.Lock()
		for _, it := range retry {
			e.insertLocked(it)
		}
		e.mu.Unlock()
	}
	return expired
}

func isSkippable(err error) bool {
	return errors.Is(err, domain.ErrOrderNotCancellable) || errors.Is(err, domain.ErrOrderNotFound)
}

// ActiveOrderCount returns the number of orders currently tracked for
// expiration.
func (e *ExpiryManager) ActiveOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
