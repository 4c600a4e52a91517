package orders

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
)

func newTestOrder() model.Order {
	return model.Order{
		ID:         uuid.New(),
		AccountID:  uuid.New(),
		Instrument: "BTC-USD",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		Price:      decimal.NewFromInt(100),
	}
}

func routedOrder(t *testing.T, b *Book) model.Order {
	t.Helper()
	order := newTestOrder()
	require.NoError(t, b.Add(order))
	_, err := b.MarkPendingRisk(order.ID)
	require.NoError(t, err)
	routed, err := b.MarkRouted(order.ID)
	require.NoError(t, err)
	return routed
}

func TestAddStartsInNew(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := newTestOrder()
	order.Status = model.OrderStatusFilled // callers cannot smuggle a status in

	require.NoError(t, b.Add(order))
	got, err := b.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, got.Status)
	assert.Equal(t, 0, b.LiveCount(order.AccountID))
}

func TestAddRejectsDuplicateID(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := newTestOrder()
	require.NoError(t, b.Add(order))

	err := b.Add(order)
	require.Error(t, err)
	assert.Equal(t, errs.CodeIntegrity, errs.CodeOf(err))
}

func TestRouteRequiresPendingRisk(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := newTestOrder()
	require.NoError(t, b.Add(order))

	_, err := b.MarkRouted(order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))
}

func TestRoutedOrderIsIndexed(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := routedOrder(t, b)

	assert.Equal(t, 1, b.LiveCount(order.AccountID))
	byInstrument := b.InstrumentOrders("BTC-USD")
	require.Len(t, byInstrument, 1)
	assert.Equal(t, order.ID, byInstrument[0].ID)
	byAccount := b.AccountOrders(order.AccountID)
	require.Len(t, byAccount, 1)
	assert.Equal(t, order.ID, byAccount[0].ID)
}

func TestPartialThenFullFill(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := routedOrder(t, b)

	got, err := b.ApplyFill(order.ID, decimal.NewFromInt(4), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 1, b.LiveCount(order.AccountID))

	got, err = b.ApplyFill(order.ID, decimal.NewFromInt(6), decimal.NewFromInt(110))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.AvgFillPrice.Equal(decimal.NewFromInt(106)))
	assert.Equal(t, 0, b.LiveCount(order.AccountID))
}

func TestFillCannotExceedRemaining(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := routedOrder(t, b)

	_, err := b.ApplyFill(order.ID, decimal.NewFromInt(11), decimal.NewFromInt(100))
	require.Error(t, err)
	assert.Equal(t, errs.CodeIntegrity, errs.CodeOf(err))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := routedOrder(t, b)

	_, err := b.ApplyFill(order.ID, decimal.NewFromInt(10), decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = b.MarkCancelled(order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))

	_, err = b.MarkRejected(order.ID, "VENUE_TIMEOUT")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))

	got, err := b.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestCancelRemovesFromIndices(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := routedOrder(t, b)

	got, err := b.MarkCancelled(order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, 0, b.LiveCount(order.AccountID))
	assert.Empty(t, b.InstrumentOrders("BTC-USD"))
}

func TestRejectBeforeRoutingSkipsIndices(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	order := newTestOrder()
	require.NoError(t, b.Add(order))
	_, err := b.MarkPendingRisk(order.ID)
	require.NoError(t, err)

	got, err := b.MarkRejected(order.ID, "POSITION_LIMIT_EXCEEDED")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, got.Status)
	assert.Equal(t, "POSITION_LIMIT_EXCEEDED", got.RejectReason)
	assert.Equal(t, 0, b.LiveCount(order.AccountID))
}

func TestEventsEmittedInTransitionOrder(t *testing.T) {
	var statuses []string
	b := NewBook(zaptest.NewLogger(t), func(evt model.OrderEvent) {
		statuses = append(statuses, evt.Status)
	})
	order := newTestOrder()
	require.NoError(t, b.Add(order))
	_, err := b.MarkPendingRisk(order.ID)
	require.NoError(t, err)
	_, err = b.MarkRouted(order.ID)
	require.NoError(t, err)
	_, err = b.ApplyFill(order.ID, decimal.NewFromInt(4), decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = b.ApplyFill(order.ID, decimal.NewFromInt(6), decimal.NewFromInt(100))
	require.NoError(t, err)

	assert.Equal(t, []string{
		model.OrderStatusPendingRisk,
		model.OrderStatusRouted,
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
	}, statuses)
}

func TestGetUnknownOrder(t *testing.T) {
	b := NewBook(zaptest.NewLogger(t), nil)
	_, err := b.Get(uuid.New())
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}
