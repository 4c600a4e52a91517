// Package trading orchestrates order intake, risk evaluation, venue routing
// and realtime fan-out.
package trading

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
	"github.com/meridianex/tradecore/internal/execution"
	"github.com/meridianex/tradecore/internal/marketdata"
	"github.com/meridianex/tradecore/internal/orders"
	"github.com/meridianex/tradecore/internal/risk"
	"github.com/meridianex/tradecore/internal/ws"
	"github.com/meridianex/tradecore/pkg/metrics"
)

// Broadcaster is the realtime fan-out the service publishes into. Publish
// must not block.
type Broadcaster interface {
	Publish(topic string, data []byte)
}

// Service is the trading core facade: it owns the order book and execution
// router and coordinates the risk engine, market data hub and broadcast hub.
type Service struct {
	logger *zap.Logger
	repo   model.Repository
	risk   *risk.Engine
	md     *marketdata.Hub
	book   *orders.Book
	router *execution.Router
	sink   Broadcaster
	mirror marketdata.PubSubBackend // optional out-of-process event mirror
}

// NewService wires the core together. sink and mirror may be nil.
func NewService(
	logger *zap.Logger,
	repo model.Repository,
	riskEngine *risk.Engine,
	md *marketdata.Hub,
	venue execution.Venue,
	sink Broadcaster,
	mirror marketdata.PubSubBackend,
	ackTimeout time.Duration,
) *Service {
	s := &Service{
		logger: logger,
		repo:   repo,
		risk:   riskEngine,
		md:     md,
		sink:   sink,
		mirror: mirror,
	}
	s.book = orders.NewBook(logger, s.broadcastOrderEvent)
	s.router = execution.NewRouter(logger, venue, s, ackTimeout)
	return s
}

// Router exposes the execution router for venue adapters that deliver
// callbacks directly.
func (s *Service) Router() *execution.Router { return s.router }

// PlaceOrderRequest is a validated order intent.
type PlaceOrderRequest struct {
	Instrument string
	Side       string
	Type       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
}

// PlaceOrder runs intake: validation, atomic risk evaluation, then venue
// submission. Validation and risk failures are terminal and returned
// synchronously with their reason code.
func (s *Service) PlaceOrder(ctx context.Context, accountID uuid.UUID, req PlaceOrderRequest) (*model.Order, error) {
	if err := validateRequest(req); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(errs.CodeValidation)).Inc()
		return nil, err
	}

	order := model.Order{
		ID:         uuid.New(),
		AccountID:  accountID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		Price:      req.Price,
	}
	if err := s.book.Add(order); err != nil {
		return nil, err
	}
	stored, err := s.book.Get(order.ID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveOrder(ctx, &stored); err != nil {
		return nil, err
	}

	if _, err := s.book.MarkPendingRisk(order.ID); err != nil {
		return nil, err
	}
	if err := s.risk.Evaluate(ctx, &stored); err != nil {
		return s.rejectLocally(ctx, order.ID, err)
	}

	// State is settled before the venue call; the submit itself happens
	// with no core lock held.
	if err := s.router.Submit(ctx, &stored); err != nil {
		s.risk.Release(accountID, order.ID)
		return s.rejectLocally(ctx, order.ID, err)
	}
	routed, err := s.book.MarkRouted(order.ID)
	if err != nil {
		return nil, err
	}
	s.persist(ctx, &routed)
	metrics.OrdersSubmitted.WithLabelValues(routed.Side).Inc()

	s.logger.Info("order routed",
		zap.String("order_id", routed.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.String("instrument", routed.Instrument),
		zap.String("side", routed.Side),
		zap.String("quantity", routed.Quantity.String()))
	return &routed, nil
}

// rejectLocally finalizes an order that failed before routing and returns
// the original failure to the caller.
func (s *Service) rejectLocally(ctx context.Context, orderID uuid.UUID, cause error) (*model.Order, error) {
	reason := errs.ReasonOf(cause)
	if reason == "" {
		reason = string(errs.CodeValidation)
	}
	rejected, err := s.book.MarkRejected(orderID, reason)
	if err != nil {
		s.logger.Error("local reject transition failed",
			zap.String("order_id", orderID.String()), zap.Error(err))
		return nil, cause
	}
	s.persist(ctx, &rejected)
	s.router.Retire(orderID)
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
	s.logger.Info("order rejected",
		zap.String("order_id", orderID.String()),
		zap.String("reason", reason))
	return nil, cause
}

// CancelOrder forwards a cancel request for one of the account's live
// orders. The venue's cancel-ack (or a racing fill) decides the outcome.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID uuid.UUID) error {
	order, err := s.book.Get(orderID)
	if err != nil {
		return err
	}
	if order.AccountID != accountID {
		return errs.NotFound("unknown order %s", orderID)
	}
	if model.IsTerminalStatus(order.Status) {
		return errs.InvalidTransition("order already %s", order.Status)
	}
	return s.router.Cancel(ctx, orderID)
}

// GetOrder returns one of the account's orders.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.book.Get(orderID)
	if err != nil {
		loaded, repoErr := s.repo.LoadOrder(ctx, orderID)
		if repoErr != nil {
			return nil, err
		}
		order = *loaded
	}
	if order.AccountID != accountID {
		return nil, errs.NotFound("unknown order %s", orderID)
	}
	return &order, nil
}

// ListOrders returns the account's orders newest first, optionally filtered
// by status.
func (s *Service) ListOrders(ctx context.Context, accountID uuid.UUID, status string) ([]*model.Order, error) {
	return s.repo.ListOrders(ctx, accountID, status)
}

// AccountRiskView extends the engine snapshot with the live order count.
type AccountRiskView struct {
	risk.AccountRisk
	OpenOrders int `json:"open_orders"`
}

// GetAccountRisk returns the account-level risk snapshot.
func (s *Service) GetAccountRisk(ctx context.Context, accountID uuid.UUID) (*AccountRiskView, error) {
	snap, err := s.risk.AccountRisk(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountRiskView{AccountRisk: *snap, OpenOrders: s.book.LiveCount(accountID)}, nil
}

// GetPositionRisk returns the per-instrument risk snapshot.
func (s *Service) GetPositionRisk(ctx context.Context, accountID uuid.UUID, instrument string) (*risk.PositionRisk, error) {
	return s.risk.PositionRisk(ctx, accountID, instrument)
}

// GetLimits returns the account's risk limits.
func (s *Service) GetLimits(ctx context.Context, accountID uuid.UUID) ([]*model.RiskLimit, error) {
	return s.risk.Limits(ctx, accountID)
}

// SetLimit installs or replaces one of the account's risk limits.
func (s *Service) SetLimit(ctx context.Context, limit *model.RiskLimit) error {
	return s.risk.SetLimit(ctx, limit)
}

// MarketData returns the latest tick for an instrument.
func (s *Service) MarketData(instrument string) (model.PriceTick, error) {
	tick, ok := s.md.Latest(instrument)
	if !ok {
		return model.PriceTick{}, errs.NotFound("no market data for %s", instrument)
	}
	return tick, nil
}

// MarketDataSnapshot returns the latest tick for every known instrument.
func (s *Service) MarketDataSnapshot() []model.PriceTick {
	return s.md.Snapshot()
}

// HandleFill applies one deduplicated venue fill: order state first, then
// the risk engine's position, then persistence. Reports whether the order
// completed.
func (s *Service) HandleFill(orderID uuid.UUID, seq int64, qty, price decimal.Decimal) bool {
	ctx := context.Background()

	order, err := s.applyFillWithRetry(orderID, qty, price)
	if err != nil {
		current, getErr := s.book.Get(orderID)
		if getErr == nil && model.IsTerminalStatus(current.Status) {
			s.logger.Warn("fill after terminal state ignored",
				zap.String("order_id", orderID.String()),
				zap.Int64("seq", seq))
			return true
		}
		s.logger.Error("fill application failed",
			zap.String("order_id", orderID.String()),
			zap.Int64("seq", seq), zap.Error(err))
		return false
	}

	signedQty := qty
	if order.Side == model.OrderSideSell {
		signedQty = qty.Neg()
	}
	if err := s.risk.ApplyFill(ctx, order.AccountID, orderID, seq, order.Instrument, signedQty, price); err != nil {
		s.logger.Error("risk fill application failed",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	fill := model.Fill{
		ID:        uuid.New(),
		OrderID:   orderID,
		Seq:       seq,
		Quantity:  qty,
		Price:     price,
		CreatedAt: time.Now(),
	}
	if err := s.repo.AppendFill(ctx, &fill); err != nil {
		s.logger.Error("fill persistence failed",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}
	s.persist(ctx, &order)

	if order.Status == model.OrderStatusFilled {
		s.risk.Release(order.AccountID, orderID)
		return true
	}
	return false
}

// applyFillWithRetry absorbs the benign race where a venue callback lands
// in the instant between a successful submit and the ROUTED transition.
func (s *Service) applyFillWithRetry(orderID uuid.UUID, qty, price decimal.Decimal) (model.Order, error) {
	var order model.Order
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		order, err = s.book.ApplyFill(orderID, qty, price)
		if errs.CodeOf(err) != errs.CodeInvalidStateTransition || order.Status != model.OrderStatusPendingRisk {
			return order, err
		}
		time.Sleep(time.Millisecond)
	}
	return order, err
}

// HandleReject finalizes an order the venue refused.
func (s *Service) HandleReject(orderID uuid.UUID, reason string) {
	s.finalize(orderID, func() (model.Order, error) {
		return s.book.MarkRejected(orderID, reason)
	}, reason)
}

// HandleCancelAck finalizes an order the venue confirmed cancelled. A fill
// that raced the cancel wins: the order is already FILLED and the ack is
// logged as a no-op.
func (s *Service) HandleCancelAck(orderID uuid.UUID) {
	order, err := s.book.MarkCancelled(orderID)
	if err != nil {
		s.logger.Warn("cancel-ack on non-cancellable order",
			zap.String("order_id", orderID.String()),
			zap.String("status", order.Status), zap.Error(err))
		return
	}
	s.risk.Release(order.AccountID, orderID)
	s.persist(context.Background(), &order)
	s.logger.Info("order cancelled", zap.String("order_id", orderID.String()))
}

// HandleTimeout rejects an order whose venue acknowledgment never arrived.
func (s *Service) HandleTimeout(orderID uuid.UUID) {
	s.finalize(orderID, func() (model.Order, error) {
		return s.book.MarkRejected(orderID, string(errs.CodeVenueTimeout))
	}, string(errs.CodeVenueTimeout))
}

func (s *Service) finalize(orderID uuid.UUID, transition func() (model.Order, error), reason string) {
	order, err := transition()
	if err != nil {
		s.logger.Warn("terminal transition skipped",
			zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}
	s.risk.Release(order.AccountID, orderID)
	s.persist(context.Background(), &order)
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
	s.logger.Info("order rejected by venue path",
		zap.String("order_id", orderID.String()),
		zap.String("reason", reason))
}

// persist saves an order snapshot; failures after intake are logged, not
// propagated, so venue callbacks are never lost to storage hiccups.
func (s *Service) persist(ctx context.Context, order *model.Order) {
	if err := s.repo.SaveOrder(ctx, order); err != nil {
		s.logger.Error("order persistence failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

// broadcastOrderEvent pushes one transition event to the account's realtime
// topic and, when configured, mirrors it out of process.
func (s *Service) broadcastOrderEvent(evt model.OrderEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if s.sink != nil {
		s.sink.Publish(ws.OrdersTopic(evt.AccountID), data)
	}
	if s.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.mirror.Publish(ctx, "order-events", evt); err != nil {
				s.logger.Warn("event mirror publish failed", zap.Error(err))
			}
		}()
	}
}

func validateRequest(req PlaceOrderRequest) error {
	if req.Instrument == "" {
		return errs.Validation("instrument is required")
	}
	if req.Side != model.OrderSideBuy && req.Side != model.OrderSideSell {
		return errs.Validation("invalid side %q", req.Side)
	}
	if req.Type != model.OrderTypeMarket && req.Type != model.OrderTypeLimit {
		return errs.Validation("invalid order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return errs.Validation("quantity must be positive")
	}
	if req.Type == model.OrderTypeLimit && !req.Price.IsPositive() {
		return errs.Validation("limit orders require a positive price")
	}
	if req.Type == model.OrderTypeMarket && !req.Price.IsZero() {
		return errs.Validation("market orders must not carry a price")
	}
	return nil
}
