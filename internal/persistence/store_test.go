package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	s.Require().NoError(err)
	store, err := NewStore(zaptest.NewLogger(s.T()), db)
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) TestAccountRoundTrip() {
	account := &model.Account{
		ID:       uuid.New(),
		Balance:  decimal.NewFromInt(50000),
		Currency: "USD",
	}
	s.Require().NoError(s.store.SaveAccount(s.ctx, account))

	got, err := s.store.LoadAccount(s.ctx, account.ID)
	s.Require().NoError(err)
	s.True(got.Balance.Equal(account.Balance))
	s.Equal("USD", got.Currency)
}

func (s *StoreSuite) TestLoadAccountNotFound() {
	_, err := s.store.LoadAccount(s.ctx, uuid.New())
	s.Require().Error(err)
	s.Equal(errs.CodeNotFound, errs.CodeOf(err))
}

func (s *StoreSuite) TestOrderRoundTripAndListFilter() {
	accountID := uuid.New()
	routed := &model.Order{
		ID: uuid.New(), AccountID: accountID, Instrument: "BTC-USD",
		Side: model.OrderSideBuy, Type: model.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		Status:    model.OrderStatusRouted,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	filled := &model.Order{
		ID: uuid.New(), AccountID: accountID, Instrument: "BTC-USD",
		Side: model.OrderSideSell, Type: model.OrderTypeMarket,
		Quantity:       decimal.NewFromInt(5),
		Status:         model.OrderStatusFilled,
		FilledQuantity: decimal.NewFromInt(5),
		AvgFillPrice:   decimal.NewFromInt(101),
		CreatedAt:      time.Now(),
	}
	s.Require().NoError(s.store.SaveOrder(s.ctx, routed))
	s.Require().NoError(s.store.SaveOrder(s.ctx, filled))

	got, err := s.store.LoadOrder(s.ctx, routed.ID)
	s.Require().NoError(err)
	s.Equal(model.OrderStatusRouted, got.Status)
	s.True(got.Quantity.Equal(decimal.NewFromInt(10)))

	all, err := s.store.ListOrders(s.ctx, accountID, "")
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(filled.ID, all[0].ID, "newest first")

	onlyFilled, err := s.store.ListOrders(s.ctx, accountID, model.OrderStatusFilled)
	s.Require().NoError(err)
	s.Require().Len(onlyFilled, 1)
	s.Equal(filled.ID, onlyFilled[0].ID)
}

func (s *StoreSuite) TestSaveOrderUpdatesInPlace() {
	order := &model.Order{
		ID: uuid.New(), AccountID: uuid.New(), Instrument: "ETH-USD",
		Side: model.OrderSideBuy, Type: model.OrderTypeLimit,
		Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(3000),
		Status:    model.OrderStatusRouted,
		CreatedAt: time.Now(),
	}
	s.Require().NoError(s.store.SaveOrder(s.ctx, order))

	order.Status = model.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	s.Require().NoError(s.store.SaveOrder(s.ctx, order))

	got, err := s.store.LoadOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(model.OrderStatusFilled, got.Status)

	all, err := s.store.ListOrders(s.ctx, order.AccountID, "")
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *StoreSuite) TestAppendFillAbsorbsDuplicates() {
	orderID := uuid.New()
	fill := &model.Fill{
		ID: uuid.New(), OrderID: orderID, Seq: 1,
		Quantity: decimal.NewFromInt(4), Price: decimal.NewFromInt(100),
		CreatedAt: time.Now(),
	}
	s.Require().NoError(s.store.AppendFill(s.ctx, fill))

	dup := *fill
	dup.ID = uuid.New()
	s.Require().NoError(s.store.AppendFill(s.ctx, &dup))

	fills, err := s.store.ListFills(s.ctx, orderID)
	s.Require().NoError(err)
	s.Len(fills, 1)
}

func (s *StoreSuite) TestFillsListedBySequence() {
	orderID := uuid.New()
	for _, seq := range []int64{2, 1, 3} {
		s.Require().NoError(s.store.AppendFill(s.ctx, &model.Fill{
			ID: uuid.New(), OrderID: orderID, Seq: seq,
			Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
		}))
	}
	fills, err := s.store.ListFills(s.ctx, orderID)
	s.Require().NoError(err)
	s.Require().Len(fills, 3)
	s.Equal(int64(1), fills[0].Seq)
	s.Equal(int64(3), fills[2].Seq)
}

func (s *StoreSuite) TestLimitsAndPositions() {
	accountID := uuid.New()
	s.Require().NoError(s.store.SaveLimit(s.ctx, &model.RiskLimit{
		AccountID: accountID, Scope: model.LimitScopeAccount,
		MaxPositionSize: decimal.NewFromInt(100),
	}))
	s.Require().NoError(s.store.SaveLimit(s.ctx, &model.RiskLimit{
		AccountID: accountID, Scope: "BTC-USD",
		MaxPositionSize: decimal.NewFromInt(10),
	}))

	limits, err := s.store.LoadLimits(s.ctx, accountID)
	s.Require().NoError(err)
	s.Len(limits, 2)

	pos := &model.Position{
		AccountID: accountID, Instrument: "BTC-USD",
		Quantity: decimal.NewFromInt(5), AvgEntryPrice: decimal.NewFromInt(100),
		UpdatedAt: time.Now(),
	}
	s.Require().NoError(s.store.SavePosition(s.ctx, pos))
	pos.Quantity = decimal.NewFromInt(7)
	s.Require().NoError(s.store.SavePosition(s.ctx, pos))

	positions, err := s.store.LoadPositions(s.ctx, accountID)
	s.Require().NoError(err)
	s.Require().Len(positions, 1)
	s.True(positions[0].Quantity.Equal(decimal.NewFromInt(7)))
}

func TestMemoryListOrdersFilter(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	accountID := uuid.New()

	for i, status := range []string{model.OrderStatusRouted, model.OrderStatusFilled} {
		require.NoError(t, repo.SaveOrder(ctx, &model.Order{
			ID: uuid.New(), AccountID: accountID, Status: status,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := repo.ListOrders(ctx, accountID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, model.OrderStatusFilled, all[0].Status, "newest first")

	routed, err := repo.ListOrders(ctx, accountID, model.OrderStatusRouted)
	require.NoError(t, err)
	assert.Len(t, routed, 1)
}

func TestMemoryAppendFillDeduplicates(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	orderID := uuid.New()

	fill := &model.Fill{ID: uuid.New(), OrderID: orderID, Seq: 1, Quantity: decimal.NewFromInt(1)}
	require.NoError(t, repo.AppendFill(ctx, fill))
	require.NoError(t, repo.AppendFill(ctx, fill))

	fills, err := repo.ListFills(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}
