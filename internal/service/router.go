package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/carbonexchange/internal/domain"
	"github.com/efreitasn/carbonexchange/internal/engine"
	"github.com/efreitasn/carbonexchange/internal/event"
	"github.com/efreitasn/carbonexchange/internal/ledger"
	"github.com/efreitasn/carbonexchange/internal/metrics"
)

// EventSink accepts batches of events for asynchronous delivery.
// *event.Dispatcher implements it.
type EventSink interface {
	Enqueue(events []event.Event)
}

// SubmitOrderRequest represents the input for order submission.
type SubmitOrderRequest struct {
	OwnerID      string
	CreditTypeID string
	Side         domain.OrderSide
	Price        string // decimal, at most domain.PriceScale places
	Quantity     int64
	ExpiresAt    *time.Time
}

// RouterOption configures an OrderRouter.
type RouterOption func(*OrderRouter)

// WithLockTimeout bounds how long a request waits for a credit type's
// book. Zero waits indefinitely.
func WithLockTimeout(d time.Duration) RouterOption {
	return func(r *OrderRouter) { r.lockTimeout = d }
}

// WithRouterClock sets the wall clock used for arrival, cancel and expiry
// timestamps.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *OrderRouter) { r.now = now }
}

// OrderRouter is the entry point for order flow. It serialises work per
// credit type on the book's exclusive lock, runs the matcher, commits the
// outcome through the ledger and emits events.
type OrderRouter struct {
	books       *engine.BookManager
	matcher     *engine.Matcher
	ledger      ledger.Ledger
	creditTypes *domain.CreditTypeRegistry
	expiry      *engine.ExpiryManager
	events      EventSink
	metrics     *metrics.Metrics
	logger      *slog.Logger

	lockTimeout time.Duration
	now         func() time.Time
	clock       *domain.ArrivalClock
}

// NewOrderRouter creates an OrderRouter. A nil logger uses slog.Default()
// and nil metrics get a private registry.
func NewOrderRouter(
	books *engine.BookManager,
	matcher *engine.Matcher,
	l ledger.Ledger,
	creditTypes *domain.CreditTypeRegistry,
	expiry *engine.ExpiryManager,
	events EventSink,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...RouterOption,
) *OrderRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	r := &OrderRouter{
		books:       books,
		matcher:     matcher,
		ledger:      l,
		creditTypes: creditTypes,
		expiry:      expiry,
		events:      events,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = domain.NewArrivalClock(r.now)
	return r
}

// acquire takes the book, waiting at most the lock timeout. A timeout is
// reported as domain.ErrBusy; a cancelled caller gets its own ctx error.
func (r *OrderRouter) acquire(ctx context.Context, book *engine.OrderBook) error {
	start := time.Now()
	waitCtx := ctx
	if r.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.lockTimeout)
		defer cancel()
	}

	err := book.Acquire(waitCtx)
	r.metrics.LockWait.Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		r.metrics.LockTimeouts.Inc()
		return fmt.Errorf("%w: credit type %s", domain.ErrBusy, book.CreditTypeID())
	}
	return err
}

func (r *OrderRouter) validateSubmit(req SubmitOrderRequest) (*domain.Order, error) {
	if !domain.ValidAccountID(req.OwnerID) {
		return nil, &domain.ValidationError{Message: "owner_id must match " + domain.AccountIDPattern}
	}
	if !req.Side.Valid() {
		return nil, &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	price, err := domain.ParsePrice(req.Price)
	if err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	if req.Quantity <= 0 {
		return nil, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(r.now()) {
		return nil, &domain.ValidationError{Message: "expires_at must be a future timestamp"}
	}
	if !r.creditTypes.Exists(req.CreditTypeID) {
		return nil, domain.ErrCreditTypeNotFound
	}

	order := &domain.Order{
		OrderID:      uuid.New().String(),
		CreditTypeID: req.CreditTypeID,
		OwnerID:      req.OwnerID,
		Side:         req.Side,
		LimitPrice:   price,
		Quantity:     req.Quantity,
		Status:       domain.OrderStatusOpen,
	}
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		order.ExpiresAt = &t
	}
	return order, nil
}

// Submit validates and matches a new limit order, rests any remainder and
// commits the result. It returns the order in its post-match state and
// the trades it produced, in execution order.
func (r *OrderRouter) Submit(ctx context.Context, req SubmitOrderRequest) (*domain.Order, []*domain.Trade, error) {
	order, err := r.validateSubmit(req)
	if err != nil {
		r.reject(err)
		return nil, nil, err
	}

	book := r.books.GetOrCreate(order.CreditTypeID)
	if err := r.acquire(ctx, book); err != nil {
		r.reject(err)
		return nil, nil, err
	}
	defer book.Release()

	// Arrival time is assigned under the lock so time priority follows
	// lock order.
	order.CreatedAt = r.clock.Next()
	order.UpdatedAt = order.CreatedAt

	if order.Side == domain.OrderSideSell {
		entry, err := r.ledger.PortfolioEntry(ctx, order.OwnerID, order.CreditTypeID)
		if err != nil {
			return nil, nil, err
		}
		if entry.Available() < order.Quantity {
			r.reject(domain.ErrInsufficientHoldings)
			return nil, nil, domain.ErrInsufficientHoldings
		}
	}

	sweep, err := r.matcher.Match(book, order)
	if err != nil {
		r.logger.Error("matching aborted",
			"order_id", order.OrderID,
			"credit_type_id", order.CreditTypeID,
			"error", err,
		)
		return nil, nil, err
	}

	if order.Resting() {
		if err := book.Upsert(order); err != nil {
			sweep.Rollback(book)
			r.logger.Error("resting order rejected by book", "order_id", order.OrderID, "error", err)
			return nil, nil, err
		}
	}

	start := time.Now()
	changed, err := r.ledger.Settle(ctx, ledger.Settlement{
		Order:   order,
		Makers:  sweep.Makers,
		Expired: sweep.Expired,
		Trades:  sweep.Trades,
		At:      order.UpdatedAt,
	})
	r.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		trades := len(sweep.Trades)
		sweep.Rollback(book)
		if errors.Is(err, domain.ErrInsufficientHoldings) {
			r.reject(err)
		} else {
			r.logger.Error("settlement failed, sweep rolled back",
				"order_id", order.OrderID,
				"credit_type_id", order.CreditTypeID,
				"trades", trades,
				"error", err,
			)
		}
		return nil, nil, err
	}

	if order.Resting() {
		r.expiry.Add(order)
	}
	for _, m := range sweep.Makers {
		if !m.Resting() {
			r.expiry.Remove(m.OrderID)
		}
	}
	for _, o := range sweep.Expired {
		r.expiry.Remove(o.OrderID)
	}

	r.events.Enqueue(submitEvents(sweep, changed, order.UpdatedAt))
	r.recordSubmit(book, sweep)

	return order.Clone(), sweep.Trades, nil
}

// submitEvents lists a submission's events in commit order: the taker's
// update, then each trade followed by the maker it filled, then in-sweep
// expirations and finally the portfolio changes.
func submitEvents(sweep *engine.Sweep, changed []*domain.PortfolioEntry, at time.Time) []event.Event {
	events := make([]event.Event, 0, 1+2*len(sweep.Trades)+len(sweep.Expired)+len(changed))
	events = append(events, event.NewOrderUpdated(sweep.Taker, at))

	makers := make(map[string]*domain.Order, len(sweep.Makers))
	for _, m := range sweep.Makers {
		makers[m.OrderID] = m
	}
	for _, t := range sweep.Trades {
		events = append(events, event.NewTradeExecuted(t))
		makerID := t.SellOrderID
		if makerID == sweep.Taker.OrderID {
			makerID = t.BuyOrderID
		}
		// A maker is reported once, after its last trade in the sweep.
		if m, ok := makers[makerID]; ok && lastTradeWith(sweep.Trades, t, makerID) {
			events = append(events, event.NewOrderUpdated(m, at))
		}
	}
	for _, o := range sweep.Expired {
		events = append(events, event.NewOrderUpdated(o, at))
	}
	for _, e := range changed {
		events = append(events, event.NewPortfolioChanged(e, at))
	}
	return events
}

func lastTradeWith(trades []*domain.Trade, current *domain.Trade, orderID string) bool {
	seen := false
	for _, t := range trades {
		if t == current {
			seen = true
			continue
		}
		if seen && (t.BuyOrderID == orderID || t.SellOrderID == orderID) {
			return false
		}
	}
	return true
}

func (r *OrderRouter) recordSubmit(book *engine.OrderBook, sweep *engine.Sweep) {
	ct := book.CreditTypeID()
	r.metrics.OrdersSubmitted.WithLabelValues(ct, string(sweep.Taker.Side)).Inc()
	if n := len(sweep.Trades); n > 0 {
		r.metrics.Trades.WithLabelValues(ct).Add(float64(n))
		r.metrics.TradedQuantity.WithLabelValues(ct).Add(float64(sweep.Filled()))
	}
	if n := len(sweep.Expired); n > 0 {
		r.metrics.OrdersClosed.WithLabelValues(string(domain.OrderStatusExpired)).Add(float64(n))
	}
	r.metrics.RestingOrders.WithLabelValues(ct).Set(float64(book.Len()))
}

func (r *OrderRouter) reject(err error) {
	reason := "internal"
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		reason = "validation"
	case errors.Is(err, domain.ErrCreditTypeNotFound):
		reason = "unknown_credit_type"
	case errors.Is(err, domain.ErrInsufficientHoldings):
		reason = "insufficient_holdings"
	case errors.Is(err, domain.ErrBusy):
		reason = "busy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "cancelled"
	}
	r.metrics.OrdersRejected.WithLabelValues(reason).Inc()
}

// Cancel cancels a resting order on behalf of its owner. An order that
// finished matching before the book was acquired is not cancellable.
func (r *OrderRouter) Cancel(ctx context.Context, orderID, requesterID string) (*domain.Order, error) {
	stored, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if stored.OwnerID != requesterID {
		return nil, domain.ErrNotOrderOwner
	}
	return r.close(ctx, stored, domain.OrderStatusCancelled)
}

// Expire expires a resting order whose expiry has passed. It implements
// engine.Expirer.
func (r *OrderRouter) Expire(ctx context.Context, orderID string) (*domain.Order, error) {
	stored, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return r.close(ctx, stored, domain.OrderStatusExpired)
}

var _ engine.Expirer = (*OrderRouter)(nil)

func (r *OrderRouter) close(ctx context.Context, stored *domain.Order, status domain.OrderStatus) (*domain.Order, error) {
	book := r.books.GetOrCreate(stored.CreditTypeID)
	if err := r.acquire(ctx, book); err != nil {
		return nil, err
	}
	defer book.Release()

	live, ok := book.Get(stored.OrderID)
	if !ok {
		current, err := r.ledger.GetOrder(ctx, stored.OrderID)
		if err != nil {
			return nil, err
		}
		if current.Resting() {
			r.logger.Error("resting order missing from book", "order_id", stored.OrderID)
			return nil, fmt.Errorf("%w: resting order %s is not on the book", domain.ErrConsistency, stored.OrderID)
		}
		return nil, domain.ErrOrderNotCancellable
	}

	now := r.now()
	closed := live.Clone()
	var err error
	if status == domain.OrderStatusExpired {
		err = closed.Expire(now)
	} else {
		err = closed.Cancel(now)
	}
	if err != nil {
		return nil, err
	}

	changed, err := r.ledger.CloseOrder(ctx, closed)
	if err != nil {
		if errors.Is(err, domain.ErrConsistency) {
			r.logger.Error("closing order failed", "order_id", closed.OrderID, "status", string(status), "error", err)
		}
		return nil, err
	}

	*live = *closed
	book.Remove(live.OrderID)
	r.expiry.Remove(live.OrderID)

	events := []event.Event{event.NewOrderUpdated(closed, now)}
	for _, e := range changed {
		events = append(events, event.NewPortfolioChanged(e, now))
	}
	r.events.Enqueue(events)

	r.metrics.OrdersClosed.WithLabelValues(string(status)).Inc()
	r.metrics.RestingOrders.WithLabelValues(book.CreditTypeID()).Set(float64(book.Len()))
	return closed.Clone(), nil
}

// GetOrder returns one of the requester's orders. Orders of other owners
// are reported as not found.
func (r *OrderRouter) GetOrder(ctx context.Context, orderID, requesterID string) (*domain.Order, error) {
	o, err := r.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != requesterID {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// ListOrders returns a page of the requester's orders, newest first, with
// an optional status filter.
func (r *OrderRouter) ListOrders(ctx context.Context, requesterID string, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int, error) {
	if status != nil && !domain.ValidOrderStatuses[*status] {
		return nil, 0, &domain.ValidationError{
			Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: open, partially_filled, filled, cancelled, expired", *status),
		}
	}
	if page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}
	return r.ledger.ListOrders(ctx, ledger.OrderFilter{
		OwnerID: requesterID,
		Status:  status,
		Page:    page,
		Limit:   limit,
	})
}

// ListTrades returns the requester's trades, optionally narrowed to one
// credit type, oldest first.
func (r *OrderRouter) ListTrades(ctx context.Context, requesterID, creditTypeID string, limit int) ([]*domain.Trade, error) {
	if limit < 0 || limit > 1000 {
		return nil, &domain.ValidationError{Message: "limit must be between 0 and 1000"}
	}
	if creditTypeID != "" && !r.creditTypes.Exists(creditTypeID) {
		return nil, domain.ErrCreditTypeNotFound
	}
	return r.ledger.ListTrades(ctx, ledger.TradeFilter{
		CreditTypeID: creditTypeID,
		OwnerID:      requesterID,
		Limit:        limit,
	})
}

// Restore rebuilds the books from the ledger's resting orders and resumes
// tracking their expiry. It returns the number of orders restored.
func (r *OrderRouter) Restore(ctx context.Context) (int, error) {
	open, err := r.ledger.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open orders: %w", err)
	}

	for _, o := range open {
		r.clock.Observe(o.CreatedAt)
		book := r.books.GetOrCreate(o.CreditTypeID)
		if err := book.Acquire(ctx); err != nil {
			return 0, err
		}
		err := book.Upsert(o)
		n := book.Len()
		book.Release()
		if err != nil {
			return 0, fmt.Errorf("restore order %s: %w", o.OrderID, err)
		}
		r.expiry.Add(o)
		r.metrics.RestingOrders.WithLabelValues(o.CreditTypeID).Set(float64(n))
	}
	return len(open), nil
}
