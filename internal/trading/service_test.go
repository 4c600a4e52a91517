package trading

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
	"github.com/meridianex/tradecore/internal/marketdata"
	"github.com/meridianex/tradecore/internal/persistence"
	"github.com/meridianex/tradecore/internal/risk"
	"github.com/meridianex/tradecore/internal/ws"
)

type scriptVenue struct {
	mu        sync.Mutex
	submitErr error
	handles   map[uuid.UUID]string
	cancels   []string
}

func newScriptVenue() *scriptVenue {
	return &scriptVenue{handles: make(map[uuid.UUID]string)}
}

func (v *scriptVenue) Submit(_ context.Context, order *model.Order) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.submitErr != nil {
		return "", v.submitErr
	}
	handle := "h-" + order.ID.String()
	v.handles[order.ID] = handle
	return handle, nil
}

func (v *scriptVenue) Cancel(_ context.Context, handle string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, handle)
	return nil
}

func (v *scriptVenue) handleFor(orderID uuid.UUID) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.handles[orderID]
}

func (v *scriptVenue) cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancels...)
}

type captureBroadcaster struct {
	mu     sync.Mutex
	topics []string
	events []model.OrderEvent
}

func (c *captureBroadcaster) Publish(topic string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var evt model.OrderEvent
	if err := json.Unmarshal(data, &evt); err == nil && evt.Type == "order_update" {
		c.topics = append(c.topics, topic)
		c.events = append(c.events, evt)
	}
}

func (c *captureBroadcaster) statuses(orderID uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, evt := range c.events {
		if evt.OrderID == orderID {
			out = append(out, evt.Status)
		}
	}
	return out
}

type harness struct {
	svc       *Service
	venue     *scriptVenue
	repo      *persistence.Memory
	events    *captureBroadcaster
	accountID uuid.UUID
	md        *marketdata.Hub
}

func newHarness(t *testing.T, ackTimeout time.Duration) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	repo := persistence.NewMemory()
	accountID := uuid.New()
	ctx := context.Background()

	require.NoError(t, repo.SaveAccount(ctx, &model.Account{
		ID: accountID, Balance: decimal.NewFromInt(1000000), Currency: "USD",
	}))
	require.NoError(t, repo.SaveLimit(ctx, &model.RiskLimit{
		AccountID:       accountID,
		Scope:           model.LimitScopeAccount,
		MaxPositionSize: decimal.NewFromInt(100),
	}))

	md := marketdata.NewHub(log, nil)
	md.Publish(model.PriceTick{
		Instrument: "BTC-USD",
		Price:      decimal.NewFromInt(100),
		Timestamp:  time.Now(),
	})

	venue := newScriptVenue()
	events := &captureBroadcaster{}
	svc := NewService(log, repo, risk.NewEngine(log, md, repo), md, venue, events, nil, ackTimeout)

	return &harness{svc: svc, venue: venue, repo: repo, events: events, accountID: accountID, md: md}
}

func (h *harness) place(t *testing.T, qty string) *model.Order {
	t.Helper()
	q, err := decimal.NewFromString(qty)
	require.NoError(t, err)
	order, err := h.svc.PlaceOrder(context.Background(), h.accountID, PlaceOrderRequest{
		Instrument: "BTC-USD",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Quantity:   q,
		Price:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return order
}

func TestPlaceOrderRoutes(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")

	assert.Equal(t, model.OrderStatusRouted, order.Status)
	assert.NotEmpty(t, h.venue.handleFor(order.ID))

	persisted, err := h.repo.LoadOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRouted, persisted.Status)
}

func TestPlaceOrderValidation(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.svc.PlaceOrder(context.Background(), h.accountID, PlaceOrderRequest{
		Instrument: "BTC-USD",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(-1),
		Price:      decimal.NewFromInt(100),
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestPlaceOrderRiskRejection(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.svc.PlaceOrder(context.Background(), h.accountID, PlaceOrderRequest{
		Instrument: "BTC-USD",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(500),
		Price:      decimal.NewFromInt(100),
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeRiskRejected, errs.CodeOf(err))

	// The rejected order is persisted with its reason and never reached the
	// venue.
	orders, listErr := h.repo.ListOrders(context.Background(), h.accountID, model.OrderStatusRejected)
	require.NoError(t, listErr)
	require.Len(t, orders, 1)
	assert.Equal(t, errs.ReasonPositionLimitExceeded, orders[0].RejectReason)
	assert.Empty(t, h.venue.handleFor(orders[0].ID))
}

func TestPlaceOrderVenueUnavailable(t *testing.T) {
	h := newHarness(t, 0)
	h.venue.submitErr = context.DeadlineExceeded

	_, err := h.svc.PlaceOrder(context.Background(), h.accountID, PlaceOrderRequest{
		Instrument: "BTC-USD",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		Price:      decimal.NewFromInt(100),
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeVenueUnavailable, errs.CodeOf(err))

	orders, listErr := h.repo.ListOrders(context.Background(), h.accountID, model.OrderStatusRejected)
	require.NoError(t, listErr)
	require.Len(t, orders, 1)

	// The reservation is released, so the next order may use the full limit.
	h.venue.submitErr = nil
	h.place(t, "100")
}

func TestFillLifecycleAndEventOrder(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")
	handle := h.venue.handleFor(order.ID)

	h.svc.Router().OnFill(handle, decimal.NewFromInt(4), decimal.NewFromInt(100), 1)
	h.svc.Router().OnFill(handle, decimal.NewFromInt(6), decimal.NewFromInt(100), 2)

	got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(10)))

	assert.Equal(t, []string{
		model.OrderStatusPendingRisk,
		model.OrderStatusRouted,
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
	}, h.events.statuses(order.ID))

	h.events.mu.Lock()
	for _, topic := range h.events.topics {
		assert.Equal(t, ws.OrdersTopic(h.accountID), topic)
	}
	h.events.mu.Unlock()
}

func TestDuplicateFillCallbacksApplyOnce(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")
	handle := h.venue.handleFor(order.ID)

	h.svc.Router().OnFill(handle, decimal.NewFromInt(4), decimal.NewFromInt(100), 1)
	h.svc.Router().OnFill(handle, decimal.NewFromInt(4), decimal.NewFromInt(100), 1)
	h.svc.Router().OnFill(handle, decimal.NewFromInt(6), decimal.NewFromInt(100), 2)

	got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(10)))

	fills, err := h.repo.ListFills(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	view, err := h.svc.GetPositionRisk(context.Background(), h.accountID, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, view.Quantity.Equal(decimal.NewFromInt(10)))
}

func TestCancelBeforeFill(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "100")
	handle := h.venue.handleFor(order.ID)

	require.NoError(t, h.svc.CancelOrder(context.Background(), h.accountID, order.ID))
	require.Equal(t, []string{handle}, h.venue.cancelled())

	h.svc.Router().OnCancelAck(handle)

	got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)

	// Reservation released on cancel: the limit is free again.
	h.place(t, "100")
}

func TestFillBeatsCancel(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")
	handle := h.venue.handleFor(order.ID)

	require.NoError(t, h.svc.CancelOrder(context.Background(), h.accountID, order.ID))
	h.svc.Router().OnFill(handle, decimal.NewFromInt(10), decimal.NewFromInt(100), 1)
	h.svc.Router().OnCancelAck(handle)

	got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
}

func TestCancelChecksOwnershipAndState(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")

	err := h.svc.CancelOrder(context.Background(), uuid.New(), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	handle := h.venue.handleFor(order.ID)
	h.svc.Router().OnFill(handle, decimal.NewFromInt(10), decimal.NewFromInt(100), 1)

	err = h.svc.CancelOrder(context.Background(), h.accountID, order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))
}

func TestVenueTimeoutRejectsOrder(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	order := h.place(t, "10")

	require.Eventually(t, func() bool {
		got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
		return err == nil && got.Status == model.OrderStatusRejected
	}, time.Second, 5*time.Millisecond)

	got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, string(errs.CodeVenueTimeout), got.RejectReason)

	// Late fill after the timeout must not resurrect the order.
	h.svc.Router().OnFill(h.venue.handleFor(order.ID), decimal.NewFromInt(10), decimal.NewFromInt(100), 1)
	got, err = h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, got.Status)
}

func TestVenueRejectFinalizesOrder(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")

	h.svc.Router().OnReject(h.venue.handleFor(order.ID), "INSUFFICIENT_LIQUIDITY")

	got, err := h.svc.GetOrder(context.Background(), h.accountID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, got.Status)
	assert.Equal(t, "INSUFFICIENT_LIQUIDITY", got.RejectReason)
}

func TestGetOrderOwnership(t *testing.T) {
	h := newHarness(t, 0)
	order := h.place(t, "10")

	_, err := h.svc.GetOrder(context.Background(), uuid.New(), order.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestAccountRiskIncludesOpenOrders(t *testing.T) {
	h := newHarness(t, 0)
	h.place(t, "10")

	view, err := h.svc.GetAccountRisk(context.Background(), h.accountID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.OpenOrders)
	assert.Equal(t, 1, view.PendingOrders)
}

func TestMarketDataEndpointsReadHub(t *testing.T) {
	h := newHarness(t, 0)

	tick, err := h.svc.MarketData("BTC-USD")
	require.NoError(t, err)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(100)))

	_, err = h.svc.MarketData("XRP-USD")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	assert.Len(t, h.svc.MarketDataSnapshot(), 1)
}
