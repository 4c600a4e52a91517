// Package orders owns order lifecycle state and the account/instrument
// indices over live orders.
package orders

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
)

// EventFunc receives one event per state transition. Events for the same
// order arrive in transition order; it must not block.
type EventFunc func(model.OrderEvent)

// managedOrder is the authoritative copy of one order. Its mutex serializes
// all transitions for that order.
type managedOrder struct {
	mu    sync.Mutex
	order model.Order
}

// Book holds every order the core has seen plus non-owning indices of live
// (routed, non-terminal) orders by account and by instrument. Index updates
// happen under the order's lock so a transition and its index effect are
// observed atomically.
type Book struct {
	logger *zap.Logger
	emit   EventFunc

	mu           sync.RWMutex
	orders       map[uuid.UUID]*managedOrder
	byAccount    map[uuid.UUID]map[uuid.UUID]struct{}
	byInstrument map[string]map[uuid.UUID]struct{}
}

func NewBook(logger *zap.Logger, emit EventFunc) *Book {
	if emit == nil {
		emit = func(model.OrderEvent) {}
	}
	return &Book{
		logger:       logger,
		emit:         emit,
		orders:       make(map[uuid.UUID]*managedOrder),
		byAccount:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byInstrument: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Add registers a new order at intake. The order enters in status NEW and
// is not indexed until it reaches ROUTED.
func (b *Book) Add(order model.Order) error {
	order.Status = model.OrderStatusNew
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.orders[order.ID]; exists {
		return errs.Integrity("order %s already registered", order.ID)
	}
	b.orders[order.ID] = &managedOrder{order: order}
	return nil
}

// Get returns a snapshot of an order.
func (b *Book) Get(orderID uuid.UUID) (model.Order, error) {
	mo, err := b.lookup(orderID)
	if err != nil {
		return model.Order{}, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.order, nil
}

// MarkPendingRisk moves NEW -> PENDING_RISK.
func (b *Book) MarkPendingRisk(orderID uuid.UUID) (model.Order, error) {
	return b.transition(orderID, func(o *model.Order) (indexOp, error) {
		if o.Status != model.OrderStatusNew {
			return indexNone, errs.InvalidTransition("cannot enter risk from %s", o.Status)
		}
		o.Status = model.OrderStatusPendingRisk
		return indexNone, nil
	})
}

// MarkRouted moves PENDING_RISK -> ROUTED and inserts the order into the
// live indices.
func (b *Book) MarkRouted(orderID uuid.UUID) (model.Order, error) {
	return b.transition(orderID, func(o *model.Order) (indexOp, error) {
		if o.Status != model.OrderStatusPendingRisk {
			return indexNone, errs.InvalidTransition("cannot route from %s", o.Status)
		}
		o.Status = model.OrderStatusRouted
		return indexInsert, nil
	})
}

// MarkRejected moves any non-terminal state -> REJECTED with the reason
// attached, removing the order from the indices if it was live.
func (b *Book) MarkRejected(orderID uuid.UUID, reason string) (model.Order, error) {
	return b.transition(orderID, func(o *model.Order) (indexOp, error) {
		if model.IsTerminalStatus(o.Status) {
			return indexNone, errs.InvalidTransition("order already %s", o.Status)
		}
		wasLive := o.Status == model.OrderStatusRouted || o.Status == model.OrderStatusPartiallyFilled
		o.Status = model.OrderStatusRejected
		o.RejectReason = reason
		if wasLive {
			return indexRemove, nil
		}
		return indexNone, nil
	})
}

// ApplyFill adds an executed quantity to a live order. The order becomes
// FILLED when the cumulative fill reaches the requested quantity, otherwise
// PARTIALLY_FILLED.
func (b *Book) ApplyFill(orderID uuid.UUID, qty, price decimal.Decimal) (model.Order, error) {
	return b.transition(orderID, func(o *model.Order) (indexOp, error) {
		if o.Status != model.OrderStatusRouted && o.Status != model.OrderStatusPartiallyFilled {
			return indexNone, errs.InvalidTransition("cannot fill order in %s", o.Status)
		}
		if qty.GreaterThan(o.Remaining()) {
			return indexNone, errs.Integrity(
				"fill %s exceeds remaining %s on order %s", qty, o.Remaining(), o.ID)
		}

		filledNotional := o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
		o.FilledQuantity = o.FilledQuantity.Add(qty)
		o.AvgFillPrice = filledNotional.Div(o.FilledQuantity)

		if o.FilledQuantity.Equal(o.Quantity) {
			o.Status = model.OrderStatusFilled
			return indexRemove, nil
		}
		o.Status = model.OrderStatusPartiallyFilled
		return indexNone, nil
	})
}

// MarkCancelled moves a live order -> CANCELLED on venue cancel-ack. Fills
// that raced the cancel have already been applied by then, so a fully
// filled order reports INVALID_STATE_TRANSITION here and keeps FILLED.
func (b *Book) MarkCancelled(orderID uuid.UUID) (model.Order, error) {
	return b.transition(orderID, func(o *model.Order) (indexOp, error) {
		if o.Status != model.OrderStatusRouted && o.Status != model.OrderStatusPartiallyFilled {
			return indexNone, errs.InvalidTransition("cannot cancel order in %s", o.Status)
		}
		o.Status = model.OrderStatusCancelled
		return indexRemove, nil
	})
}

// AccountOrders returns snapshots of the account's live orders.
func (b *Book) AccountOrders(accountID uuid.UUID) []model.Order {
	b.mu.RLock()
	ids := make([]uuid.UUID, 0, len(b.byAccount[accountID]))
	for id := range b.byAccount[accountID] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	return b.snapshots(ids)
}

// InstrumentOrders returns snapshots of the instrument's live orders.
func (b *Book) InstrumentOrders(instrument string) []model.Order {
	b.mu.RLock()
	ids := make([]uuid.UUID, 0, len(b.byInstrument[instrument]))
	for id := range b.byInstrument[instrument] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	return b.snapshots(ids)
}

// LiveCount returns how many live orders an account has.
func (b *Book) LiveCount(accountID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byAccount[accountID])
}

type indexOp int

const (
	indexNone indexOp = iota
	indexInsert
	indexRemove
)

func (b *Book) lookup(orderID uuid.UUID) (*managedOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mo, ok := b.orders[orderID]
	if !ok {
		return nil, errs.NotFound("unknown order %s", orderID)
	}
	return mo, nil
}

// transition applies fn under the order's lock, updates the indices while
// the lock is still held, then emits the state-change event. Lock order is
// always order lock first, index lock second; readers never hold both.
func (b *Book) transition(orderID uuid.UUID, fn func(*model.Order) (indexOp, error)) (model.Order, error) {
	mo, err := b.lookup(orderID)
	if err != nil {
		return model.Order{}, err
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	op, err := fn(&mo.order)
	if err != nil {
		return mo.order, err
	}
	mo.order.UpdatedAt = time.Now()

	switch op {
	case indexInsert:
		b.indexInsert(&mo.order)
	case indexRemove:
		if err := b.indexRemove(&mo.order); err != nil {
			b.logger.Error("order index integrity violation",
				zap.String("order_id", mo.order.ID.String()), zap.Error(err))
			return mo.order, err
		}
	}

	b.emit(model.NewOrderEvent(&mo.order))
	return mo.order, nil
}

func (b *Book) indexInsert(o *model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byAccount[o.AccountID] == nil {
		b.byAccount[o.AccountID] = make(map[uuid.UUID]struct{})
	}
	b.byAccount[o.AccountID][o.ID] = struct{}{}
	if b.byInstrument[o.Instrument] == nil {
		b.byInstrument[o.Instrument] = make(map[uuid.UUID]struct{})
	}
	b.byInstrument[o.Instrument][o.ID] = struct{}{}
}

func (b *Book) indexRemove(o *model.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byAccount[o.AccountID][o.ID]; !ok {
		return errs.Integrity("order %s missing from account index", o.ID)
	}
	if _, ok := b.byInstrument[o.Instrument][o.ID]; !ok {
		return errs.Integrity("order %s missing from instrument index", o.ID)
	}
	delete(b.byAccount[o.AccountID], o.ID)
	delete(b.byInstrument[o.Instrument], o.ID)
	return nil
}

// snapshots reads the listed orders one at a time, skipping any that went
// terminal between the index read and the order read.
func (b *Book) snapshots(ids []uuid.UUID) []model.Order {
	out := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		mo, err := b.lookup(id)
		if err != nil {
			continue
		}
		mo.mu.Lock()
		o := mo.order
		mo.mu.Unlock()
		if !model.IsTerminalStatus(o.Status) {
			out = append(out, o)
		}
	}
	return out
}
