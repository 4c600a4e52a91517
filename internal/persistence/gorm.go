// Package persistence implements the core's repository port on gorm.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
)

// NewPostgres opens a pooled postgres connection for the store.
func NewPostgres(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// Row types keep storage tags out of the core model.

type accountRow struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Balance   decimal.Decimal `gorm:"type:numeric"`
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (accountRow) TableName() string { return "accounts" }

type orderRow struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID      uuid.UUID `gorm:"type:uuid;index"`
	Instrument     string    `gorm:"index"`
	Side           string
	Type           string
	Quantity       decimal.Decimal `gorm:"type:numeric"`
	Price          decimal.Decimal `gorm:"type:numeric"`
	FilledQuantity decimal.Decimal `gorm:"type:numeric"`
	AvgFillPrice   decimal.Decimal `gorm:"type:numeric"`
	Status         string          `gorm:"index"`
	RejectReason   string
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (orderRow) TableName() string { return "orders" }

type fillRow struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OrderID   uuid.UUID       `gorm:"type:uuid;index:idx_fills_order_seq,unique"`
	Seq       int64           `gorm:"index:idx_fills_order_seq,unique"`
	Quantity  decimal.Decimal `gorm:"type:numeric"`
	Price     decimal.Decimal `gorm:"type:numeric"`
	CreatedAt time.Time
}

func (fillRow) TableName() string { return "fills" }

type positionRow struct {
	AccountID     uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Instrument    string          `gorm:"primaryKey"`
	Quantity      decimal.Decimal `gorm:"type:numeric"`
	AvgEntryPrice decimal.Decimal `gorm:"type:numeric"`
	RealizedPnL   decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt     time.Time
}

func (positionRow) TableName() string { return "positions" }

type riskLimitRow struct {
	AccountID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Scope              string          `gorm:"primaryKey"`
	MaxPositionSize    decimal.Decimal `gorm:"type:numeric"`
	MaxOrderNotional   decimal.Decimal `gorm:"type:numeric"`
	MaxAccountExposure decimal.Decimal `gorm:"type:numeric"`
}

func (riskLimitRow) TableName() string { return "risk_limits" }

// Store is the gorm-backed repository.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStore migrates the schema and returns the repository.
func NewStore(logger *zap.Logger, db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&accountRow{}, &orderRow{}, &fillRow{}, &positionRow{}, &riskLimitRow{}); err != nil {
		return nil, err
	}
	return &Store{logger: logger, db: db}, nil
}

func (s *Store) LoadAccount(ctx context.Context, accountID uuid.UUID) (*model.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("unknown account %s", accountID)
		}
		return nil, err
	}
	return &model.Account{
		ID: row.ID, Balance: row.Balance, Currency: row.Currency,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *Store) SaveAccount(ctx context.Context, account *model.Account) error {
	row := accountRow{
		ID: account.ID, Balance: account.Balance, Currency: account.Currency,
		CreatedAt: account.CreatedAt, UpdatedAt: account.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) SaveOrder(ctx context.Context, order *model.Order) error {
	row := orderRow{
		ID: order.ID, AccountID: order.AccountID, Instrument: order.Instrument,
		Side: order.Side, Type: order.Type,
		Quantity: order.Quantity, Price: order.Price,
		FilledQuantity: order.FilledQuantity, AvgFillPrice: order.AvgFillPrice,
		Status: order.Status, RejectReason: order.RejectReason,
		CreatedAt: order.CreatedAt, UpdatedAt: order.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) LoadOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var row orderRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("unknown order %s", orderID)
		}
		return nil, err
	}
	return rowToOrder(&row), nil
}

func (s *Store) ListOrders(ctx context.Context, accountID uuid.UUID, status string) ([]*model.Order, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []orderRow
	if err := q.Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Order, 0, len(rows))
	for i := range rows {
		out = append(out, rowToOrder(&rows[i]))
	}
	return out, nil
}

// AppendFill inserts a fill record; the unique (order, seq) index turns a
// duplicate venue callback into a no-op.
func (s *Store) AppendFill(ctx context.Context, fill *model.Fill) error {
	row := fillRow{
		ID: fill.ID, OrderID: fill.OrderID, Seq: fill.Seq,
		Quantity: fill.Quantity, Price: fill.Price, CreatedAt: fill.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		s.logger.Debug("duplicate fill row skipped",
			zap.String("order_id", fill.OrderID.String()), zap.Int64("seq", fill.Seq))
		return nil
	}
	return err
}

func (s *Store) ListFills(ctx context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	var rows []fillRow
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Fill, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.Fill{
			ID: r.ID, OrderID: r.OrderID, Seq: r.Seq,
			Quantity: r.Quantity, Price: r.Price, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) LoadLimits(ctx context.Context, accountID uuid.UUID) ([]*model.RiskLimit, error) {
	var rows []riskLimitRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.RiskLimit, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.RiskLimit{
			AccountID: r.AccountID, Scope: r.Scope,
			MaxPositionSize:    r.MaxPositionSize,
			MaxOrderNotional:   r.MaxOrderNotional,
			MaxAccountExposure: r.MaxAccountExposure,
		})
	}
	return out, nil
}

func (s *Store) SaveLimit(ctx context.Context, limit *model.RiskLimit) error {
	row := riskLimitRow{
		AccountID: limit.AccountID, Scope: limit.Scope,
		MaxPositionSize:    limit.MaxPositionSize,
		MaxOrderNotional:   limit.MaxOrderNotional,
		MaxAccountExposure: limit.MaxAccountExposure,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) SavePosition(ctx context.Context, position *model.Position) error {
	row := positionRow{
		AccountID: position.AccountID, Instrument: position.Instrument,
		Quantity: position.Quantity, AvgEntryPrice: position.AvgEntryPrice,
		RealizedPnL: position.RealizedPnL, UpdatedAt: position.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) LoadPositions(ctx context.Context, accountID uuid.UUID) ([]*model.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.Position{
			AccountID: r.AccountID, Instrument: r.Instrument,
			Quantity: r.Quantity, AvgEntryPrice: r.AvgEntryPrice,
			RealizedPnL: r.RealizedPnL, UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func rowToOrder(row *orderRow) *model.Order {
	return &model.Order{
		ID: row.ID, AccountID: row.AccountID, Instrument: row.Instrument,
		Side: row.Side, Type: row.Type,
		Quantity: row.Quantity, Price: row.Price,
		FilledQuantity: row.FilledQuantity, AvgFillPrice: row.AvgFillPrice,
		Status: row.Status, RejectReason: row.RejectReason,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}
