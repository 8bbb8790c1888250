package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/efreitasn/carbonexchange/internal/domain"
)

type orderModel struct {
	OrderID        string          `gorm:"primaryKey;size:36"`
	CreditTypeID   string          `gorm:"size:64;not null;index:idx_orders_book,priority:1"`
	OwnerID        string          `gorm:"size:128;not null;index:idx_orders_owner,priority:1"`
	Side           string          `gorm:"size:4;not null"`
	LimitPrice     decimal.Decimal `gorm:"type:numeric(38,8);not null"`
	Quantity       int64           `gorm:"not null"`
	FilledQuantity int64           `gorm:"not null"`
	Status         string          `gorm:"size:20;not null;index:idx_orders_book,priority:2"`
	CreatedAt      time.Time       `gorm:"not null;autoCreateTime:false;index:idx_orders_owner,priority:2"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime:false"`
	ExpiresAt      *time.Time
	CancelledAt    *time.Time
	ExpiredAt      *time.Time
}

func (orderModel) TableName() string { return "orders" }

type tradeModel struct {
	Seq          int64           `gorm:"primaryKey;autoIncrement"`
	TradeID      string          `gorm:"size:36;not null;uniqueIndex"`
	CreditTypeID string          `gorm:"size:64;not null;index"`
	BuyOrderID   string          `gorm:"size:36;not null"`
	SellOrderID  string          `gorm:"size:36;not null"`
	BuyerID      string          `gorm:"size:128;not null;index"`
	SellerID     string          `gorm:"size:128;not null;index"`
	Quantity     int64           `gorm:"not null"`
	Price        decimal.Decimal `gorm:"type:numeric(38,8);not null"`
	TotalValue   decimal.Decimal `gorm:"type:numeric(38,8);not null"`
	CreatedAt    time.Time       `gorm:"not null;autoCreateTime:false;index"`
}

func (tradeModel) TableName() string { return "trades" }

type portfolioModel struct {
	OwnerID      string    `gorm:"primaryKey;size:128"`
	CreditTypeID string    `gorm:"primaryKey;size:64"`
	Balance      int64     `gorm:"not null"`
	Reserved     int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (portfolioModel) TableName() string { return "portfolio_entries" }

type creditTypeModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Registry  string `gorm:"size:64"`
	Vintage   int
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (creditTypeModel) TableName() string { return "credit_types" }

func toOrderModel(o *domain.Order) *orderModel {
	return &orderModel{
		OrderID:        o.OrderID,
		CreditTypeID:   o.CreditTypeID,
		OwnerID:        o.OwnerID,
		Side:           string(o.Side),
		LimitPrice:     o.LimitPrice,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		ExpiresAt:      o.ExpiresAt,
		CancelledAt:    o.CancelledAt,
		ExpiredAt:      o.ExpiredAt,
	}
}

func (m *orderModel) toDomain() *domain.Order {
	return &domain.Order{
		OrderID:        m.OrderID,
		CreditTypeID:   m.CreditTypeID,
		OwnerID:        m.OwnerID,
		Side:           domain.OrderSide(m.Side),
		LimitPrice:     m.LimitPrice,
		Quantity:       m.Quantity,
		FilledQuantity: m.FilledQuantity,
		Status:         domain.OrderStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		ExpiresAt:      m.ExpiresAt,
		CancelledAt:    m.CancelledAt,
		ExpiredAt:      m.ExpiredAt,
	}
}

func toTradeModel(t *domain.Trade) *tradeModel {
	return &tradeModel{
		TradeID:      t.TradeID,
		CreditTypeID: t.CreditTypeID,
		BuyOrderID:   t.BuyOrderID,
		SellOrderID:  t.SellOrderID,
		BuyerID:      t.BuyerID,
		SellerID:     t.SellerID,
		Quantity:     t.Quantity,
		Price:        t.Price,
		TotalValue:   t.TotalValue,
		CreatedAt:    t.CreatedAt,
	}
}

func (m *tradeModel) toDomain() *domain.Trade {
	return &domain.Trade{
		TradeID:      m.TradeID,
		CreditTypeID: m.CreditTypeID,
		BuyOrderID:   m.BuyOrderID,
		SellOrderID:  m.SellOrderID,
		BuyerID:      m.BuyerID,
		SellerID:     m.SellerID,
		Quantity:     m.Quantity,
		Price:        m.Price,
		TotalValue:   m.TotalValue,
		CreatedAt:    m.CreatedAt,
	}
}

func (m *portfolioModel) toDomain() *domain.PortfolioEntry {
	return &domain.PortfolioEntry{
		OwnerID:      m.OwnerID,
		CreditTypeID: m.CreditTypeID,
		Balance:      m.Balance,
		Reserved:     m.Reserved,
		UpdatedAt:    m.UpdatedAt,
	}
}

// SQL is a Ledger backed by a relational database through gorm. Each
// write runs in one database transaction with the touched portfolio rows
// locked for update.
type SQL struct {
	db *gorm.DB
}

var _ Ledger = (*SQL)(nil)

// Open connects to the database for driver ("postgres" or "sqlite") and
// migrates the schema.
func Open(driver, dsn string) (*SQL, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; an in-memory database also exists
		// per connection.
		sqlDB.SetMaxOpenConns(1)
	}

	return NewSQL(db)
}

// NewSQL wraps an open gorm handle and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&orderModel{}, &tradeModel{}, &portfolioModel{}, &creditTypeModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

// txStaging loads portfolio rows inside a transaction, locking each one
// the first time it is touched.
type txStaging struct {
	tx      *gorm.DB
	entries map[string]*domain.PortfolioEntry
	order   []string
}

func newTxStaging(tx *gorm.DB) *txStaging {
	return &txStaging{tx: tx, entries: make(map[string]*domain.PortfolioEntry)}
}

func (st *txStaging) load(ownerID, creditTypeID string) (*domain.PortfolioEntry, error) {
	key := ownerID + "\x00" + creditTypeID
	if e, ok := st.entries[key]; ok {
		return e, nil
	}

	// Create the row first so that the lock below always has a row to
	// hold; two transactions touching a new entry then serialize on it.
	empty := portfolioModel{OwnerID: ownerID, CreditTypeID: creditTypeID}
	if err := st.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&empty).Error; err != nil {
		return nil, err
	}

	var row portfolioModel
	err := st.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND credit_type_id = ?", ownerID, creditTypeID).
		Take(&row).Error
	if err != nil {
		return nil, err
	}

	e := row.toDomain()
	st.entries[key] = e
	st.order = append(st.order, key)
	return e, nil
}

func (st *txStaging) save() ([]*domain.PortfolioEntry, error) {
	out := make([]*domain.PortfolioEntry, 0, len(st.order))
	for _, k := range st.order {
		e := st.entries[k]
		res := st.tx.Model(&portfolioModel{}).
			Where("owner_id = ? AND credit_type_id = ?", e.OwnerID, e.CreditTypeID).
			Updates(map[string]any{
				"balance":    e.Balance,
				"reserved":   e.Reserved,
				"updated_at": e.UpdatedAt,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected != 1 {
			return nil, fmt.Errorf("%w: portfolio %s/%s not locked", domain.ErrConsistency, e.OwnerID, e.CreditTypeID)
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func lockOrder(tx *gorm.DB, orderID string) (*domain.Order, error) {
	var row orderModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// Settle implements Ledger.
func (l *SQL) Settle(ctx context.Context, s Settlement) ([]*domain.PortfolioEntry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var changed []*domain.PortfolioEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&orderModel{}).Where("order_id = ?", s.Order.OrderID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: order %s already recorded", domain.ErrConsistency, s.Order.OrderID)
		}

		for _, o := range append(append([]*domain.Order{}, s.Makers...), s.Expired...) {
			stored, err := lockOrder(tx, o.OrderID)
			if errors.Is(err, domain.ErrOrderNotFound) {
				return fmt.Errorf("%w: resting order %s not in ledger", domain.ErrConsistency, o.OrderID)
			}
			if err != nil {
				return err
			}
			if !stored.Resting() {
				return fmt.Errorf("%w: resting order %s is %s in ledger", domain.ErrConsistency, o.OrderID, stored.Status)
			}
		}

		st := newTxStaging(tx)
		if err := s.movements(st.load); err != nil {
			return err
		}
		var err error
		if changed, err = st.save(); err != nil {
			return err
		}

		if err := tx.Create(toOrderModel(s.Order)).Error; err != nil {
			return err
		}
		for _, o := range append(append([]*domain.Order{}, s.Makers...), s.Expired...) {
			if err := tx.Save(toOrderModel(o)).Error; err != nil {
				return err
			}
		}
		for _, t := range s.Trades {
			if err := tx.Create(toTradeModel(t)).Error; err != nil {
				return fmt.Errorf("%w: insert trade %s: %v", domain.ErrConsistency, t.TradeID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// CloseOrder implements Ledger.
func (l *SQL) CloseOrder(ctx context.Context, order *domain.Order) ([]*domain.PortfolioEntry, error) {
	var changed []*domain.PortfolioEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := lockOrder(tx, order.OrderID)
		if err != nil {
			return err
		}
		if err := checkClosable(stored, order); err != nil {
			return err
		}

		st := newTxStaging(tx)
		if order.Side == domain.OrderSideSell {
			e, err := st.load(order.OwnerID, order.CreditTypeID)
			if err != nil {
				return err
			}
			if err := closeMovement(order, e); err != nil {
				return err
			}
		}
		if changed, err = st.save(); err != nil {
			return err
		}
		return tx.Save(toOrderModel(order)).Error
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Deposit implements Ledger.
func (l *SQL) Deposit(ctx context.Context, ownerID, creditTypeID string, qty int64, at time.Time) (*domain.PortfolioEntry, error) {
	var entry *domain.PortfolioEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st := newTxStaging(tx)
		e, err := st.load(ownerID, creditTypeID)
		if err != nil {
			return err
		}
		if err := e.Credit(qty); err != nil {
			return err
		}
		e.UpdatedAt = at
		changed, err := st.save()
		if err != nil {
			return err
		}
		entry = changed[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetOrder implements Ledger.
func (l *SQL) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderModel
	err := l.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// ListOrders implements Ledger.
func (l *SQL) ListOrders(ctx context.Context, f OrderFilter) ([]*domain.Order, int, error) {
	q := l.db.WithContext(ctx).Model(&orderModel{}).Where("owner_id = ?", f.OwnerID)
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []orderModel
	err := q.Order("created_at DESC").Order("order_id DESC").
		Offset((f.Page - 1) * f.Limit).Limit(f.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	orders := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toDomain())
	}
	return orders, int(total), nil
}

// OpenOrders implements Ledger.
func (l *SQL) OpenOrders(ctx context.Context) ([]*domain.Order, error) {
	var rows []orderModel
	err := l.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.OrderStatusOpen), string(domain.OrderStatusPartiallyFilled)}).
		Order("created_at ASC").Order("order_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	orders := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toDomain())
	}
	return orders, nil
}

// ListTrades implements Ledger.
func (l *SQL) ListTrades(ctx context.Context, f TradeFilter) ([]*domain.Trade, error) {
	q := l.db.WithContext(ctx).Model(&tradeModel{})
	if f.CreditTypeID != "" {
		q = q.Where("credit_type_id = ?", f.CreditTypeID)
	}
	if f.OwnerID != "" {
		q = q.Where("buyer_id = ? OR seller_id = ?", f.OwnerID, f.OwnerID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}

	var rows []tradeModel
	if f.Limit > 0 {
		// Most recent f.Limit rows, returned oldest first.
		if err := q.Order("seq DESC").Limit(f.Limit).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	} else if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	trades := make([]*domain.Trade, 0, len(rows))
	for i := range rows {
		trades = append(trades, rows[i].toDomain())
	}
	return trades, nil
}

// Portfolio implements Ledger.
func (l *SQL) Portfolio(ctx context.Context, ownerID string) ([]*domain.PortfolioEntry, error) {
	var rows []portfolioModel
	err := l.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("credit_type_id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	entries := make([]*domain.PortfolioEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].toDomain())
	}
	return entries, nil
}

// PortfolioEntry implements Ledger.
func (l *SQL) PortfolioEntry(ctx context.Context, ownerID, creditTypeID string) (*domain.PortfolioEntry, error) {
	var row portfolioModel
	err := l.db.WithContext(ctx).
		Where("owner_id = ? AND credit_type_id = ?", ownerID, creditTypeID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.PortfolioEntry{OwnerID: ownerID, CreditTypeID: creditTypeID}, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// SaveCreditType implements Ledger.
func (l *SQL) SaveCreditType(ctx context.Context, ct *domain.CreditType) error {
	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&creditTypeModel{
			ID:        ct.ID,
			Name:      ct.Name,
			Registry:  ct.Registry,
			Vintage:   ct.Vintage,
			CreatedAt: ct.CreatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrCreditTypeExists
	}
	return nil
}

// CreditTypes implements Ledger.
func (l *SQL) CreditTypes(ctx context.Context) ([]*domain.CreditType, error) {
	var rows []creditTypeModel
	if err := l.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.CreditType, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.CreditType{
			ID:        r.ID,
			Name:      r.Name,
			Registry:  r.Registry,
			Vintage:   r.Vintage,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Close implements Ledger.
func (l *SQL) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
