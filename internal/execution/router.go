// Package execution routes validated orders to the external venue and
// turns its asynchronous callbacks into exactly-once notifications.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
	"github.com/meridianex/tradecore/pkg/metrics"
)

// Venue is the abstract execution collaborator. Submit blocks on I/O and
// must never be called under core locks.
type Venue interface {
	Submit(ctx context.Context, order *model.Order) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
}

// Sink receives deduplicated venue callbacks. HandleFill reports whether
// the fill completed the order so the router can retire its tracking state.
type Sink interface {
	HandleFill(orderID uuid.UUID, seq int64, qty, price decimal.Decimal) (terminal bool)
	HandleReject(orderID uuid.UUID, reason string)
	HandleCancelAck(orderID uuid.UUID)
	HandleTimeout(orderID uuid.UUID)
}

type routedOrder struct {
	orderID       uuid.UUID
	handle        string
	seen          map[int64]struct{}
	acked         bool
	done          bool
	cancelPending bool
	timer         *time.Timer
}

// Router tracks in-flight venue orders. Callbacks are forwarded to the sink
// exactly once per venue sequence number; duplicates and post-terminal
// deliveries are absorbed and logged.
type Router struct {
	logger     *zap.Logger
	venue      Venue
	sink       Sink
	ackTimeout time.Duration

	mu       sync.Mutex
	byHandle map[string]*routedOrder
	byOrder  map[uuid.UUID]*routedOrder
}

func NewRouter(logger *zap.Logger, venue Venue, sink Sink, ackTimeout time.Duration) *Router {
	return &Router{
		logger:     logger,
		venue:      venue,
		sink:       sink,
		ackTimeout: ackTimeout,
		byHandle:   make(map[string]*routedOrder),
		byOrder:    make(map[uuid.UUID]*routedOrder),
	}
}

// Submit forwards an order to the venue. On venue failure the order never
// routes and the caller rejects it locally with VENUE_UNAVAILABLE. A cancel
// that raced the submit is forwarded as soon as the handle exists.
func (r *Router) Submit(ctx context.Context, order *model.Order) error {
	ro := &routedOrder{orderID: order.ID, seen: make(map[int64]struct{})}

	r.mu.Lock()
	r.byOrder[order.ID] = ro
	r.mu.Unlock()

	handle, err := r.venue.Submit(ctx, order)
	if err != nil {
		r.mu.Lock()
		delete(r.byOrder, order.ID)
		r.mu.Unlock()
		r.logger.Warn("venue submit failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return errs.New(errs.CodeVenueUnavailable, "venue unreachable: %v", err)
	}

	r.mu.Lock()
	ro.handle = handle
	r.byHandle[handle] = ro
	cancelNow := ro.cancelPending
	if r.ackTimeout > 0 {
		ro.timer = time.AfterFunc(r.ackTimeout, func() { r.onAckTimeout(order.ID) })
	}
	r.mu.Unlock()

	if cancelNow {
		if err := r.venue.Cancel(ctx, handle); err != nil {
			r.logger.Warn("queued cancel forward failed",
				zap.String("order_id", order.ID.String()),
				zap.String("handle", handle), zap.Error(err))
		}
	}
	return nil
}

// Cancel forwards a cancel request for a routed order. Before a venue
// handle exists the request is queued and applied once Submit completes.
func (r *Router) Cancel(ctx context.Context, orderID uuid.UUID) error {
	r.mu.Lock()
	ro, ok := r.byOrder[orderID]
	if !ok || ro.done {
		r.mu.Unlock()
		return errs.NotFound("order %s is not in flight", orderID)
	}
	handle := ro.handle
	if handle == "" {
		ro.cancelPending = true
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.venue.Cancel(ctx, handle)
}

// OnFill delivers a venue fill callback. Deduplicated by (order, seq).
func (r *Router) OnFill(handle string, qty, price decimal.Decimal, seq int64) {
	r.mu.Lock()
	ro, ok := r.byHandle[handle]
	if !ok || ro.done {
		r.mu.Unlock()
		r.logAnomaly("fill", handle, seq)
		return
	}
	if _, dup := ro.seen[seq]; dup {
		r.mu.Unlock()
		metrics.DuplicateCallbacks.Inc()
		r.logger.Debug("duplicate fill callback absorbed",
			zap.String("handle", handle), zap.Int64("seq", seq))
		return
	}
	ro.seen[seq] = struct{}{}
	r.markAcked(ro)
	orderID := ro.orderID
	r.mu.Unlock()

	if r.sink.HandleFill(orderID, seq, qty, price) {
		r.retire(orderID)
	}
}

// OnReject delivers a venue reject callback.
func (r *Router) OnReject(handle string, reason string) {
	orderID, ok := r.takeTerminal(handle, "reject")
	if !ok {
		return
	}
	r.sink.HandleReject(orderID, reason)
}

// OnCancelAck delivers a venue cancel acknowledgment.
func (r *Router) OnCancelAck(handle string) {
	orderID, ok := r.takeTerminal(handle, "cancel-ack")
	if !ok {
		return
	}
	r.sink.HandleCancelAck(orderID)
}

// Retire drops tracking state for an order that went terminal outside the
// callback path (risk rejection never routes, local timeout already fired).
func (r *Router) Retire(orderID uuid.UUID) {
	r.retire(orderID)
}

func (r *Router) retire(orderID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ro, ok := r.byOrder[orderID]
	if !ok {
		return
	}
	ro.done = true
	if ro.timer != nil {
		ro.timer.Stop()
	}
	delete(r.byOrder, orderID)
	if ro.handle != "" {
		delete(r.byHandle, ro.handle)
	}
}

// takeTerminal marks the routed order done and returns its ID, or absorbs
// the callback when the order is unknown or already terminal.
func (r *Router) takeTerminal(handle, kind string) (uuid.UUID, bool) {
	r.mu.Lock()
	ro, ok := r.byHandle[handle]
	if !ok || ro.done {
		r.mu.Unlock()
		r.logAnomaly(kind, handle, 0)
		return uuid.Nil, false
	}
	ro.done = true
	r.markAcked(ro)
	if ro.timer != nil {
		ro.timer.Stop()
	}
	delete(r.byOrder, ro.orderID)
	delete(r.byHandle, handle)
	orderID := ro.orderID
	r.mu.Unlock()
	return orderID, true
}

// onAckTimeout fires when the venue stayed silent past the ack window.
func (r *Router) onAckTimeout(orderID uuid.UUID) {
	r.mu.Lock()
	ro, ok := r.byOrder[orderID]
	if !ok || ro.done || ro.acked {
		r.mu.Unlock()
		return
	}
	ro.done = true
	delete(r.byOrder, orderID)
	if ro.handle != "" {
		delete(r.byHandle, ro.handle)
	}
	handle := ro.handle
	r.mu.Unlock()

	r.logger.Warn("venue acknowledgment timeout",
		zap.String("order_id", orderID.String()), zap.String("handle", handle))
	r.sink.HandleTimeout(orderID)
}

// markAcked records the first callback arrival; caller holds r.mu.
func (r *Router) markAcked(ro *routedOrder) {
	if ro.acked {
		return
	}
	ro.acked = true
	if ro.timer != nil {
		ro.timer.Stop()
	}
}

// logAnomaly records a callback that arrived for an unknown or already
// terminal order, kept for reconciliation.
func (r *Router) logAnomaly(kind, handle string, seq int64) {
	r.logger.Warn("late venue callback ignored",
		zap.String("kind", kind),
		zap.String("handle", handle),
		zap.Int64("seq", seq))
}
