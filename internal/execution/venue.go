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
)

// Callbacks is the receiving side of venue notifications; the router
// implements it.
type Callbacks interface {
	OnFill(handle string, qty, price decimal.Decimal, seq int64)
	OnReject(handle string, reason string)
	OnCancelAck(handle string)
}

// SimVenue is an in-process venue used for local runs and demos. It fills
// every order in two partial executions after a configurable latency, at
// the limit price or the latest hub price for market orders. A cancel that
// arrives before the order finished executing stops the remainder and is
// acknowledged.
type SimVenue struct {
	logger  *zap.Logger
	prices  model.PriceSource
	latency time.Duration

	mu        sync.Mutex
	callbacks Callbacks
	pending   map[string]*simOrder
}

type simOrder struct {
	order     model.Order
	remaining decimal.Decimal
	price     decimal.Decimal
	nextSeq   int64
	cancelled bool
}

func NewSimVenue(logger *zap.Logger, prices model.PriceSource, latency time.Duration) *SimVenue {
	return &SimVenue{
		logger:  logger,
		prices:  prices,
		latency: latency,
		pending: make(map[string]*simOrder),
	}
}

// Bind attaches the callback receiver. Must be called before Submit.
func (v *SimVenue) Bind(cb Callbacks) {
	v.mu.Lock()
	v.callbacks = cb
	v.mu.Unlock()
}

func (v *SimVenue) Submit(ctx context.Context, order *model.Order) (string, error) {
	price := order.Price
	if order.Type == model.OrderTypeMarket {
		tick, ok := v.prices.Latest(order.Instrument)
		if !ok {
			return "", errs.New(errs.CodeVenueUnavailable, "no executable price for %s", order.Instrument)
		}
		price = tick.Price
	}

	handle := uuid.New().String()
	v.mu.Lock()
	v.pending[handle] = &simOrder{
		order:     *order,
		remaining: order.Quantity,
		price:     price,
		nextSeq:   1,
	}
	v.mu.Unlock()

	go v.execute(handle)
	return handle, nil
}

func (v *SimVenue) Cancel(ctx context.Context, handle string) error {
	v.mu.Lock()
	so, ok := v.pending[handle]
	if !ok {
		v.mu.Unlock()
		// Already fully executed; fills took precedence.
		return nil
	}
	so.cancelled = true
	v.mu.Unlock()

	go func() {
		time.Sleep(v.latency)
		v.mu.Lock()
		so, ok := v.pending[handle]
		cb := v.callbacks
		if ok && so.remaining.IsPositive() {
			delete(v.pending, handle)
		} else {
			ok = false
		}
		v.mu.Unlock()
		if ok && cb != nil {
			cb.OnCancelAck(handle)
		}
	}()
	return nil
}

// execute runs the two-step fill schedule for one order.
func (v *SimVenue) execute(handle string) {
	firstFill := true
	for {
		time.Sleep(v.latency)

		v.mu.Lock()
		so, ok := v.pending[handle]
		if !ok || so.cancelled {
			v.mu.Unlock()
			return
		}
		qty := so.remaining
		if firstFill {
			half := so.order.Quantity.Div(decimal.NewFromInt(2)).Round(8)
			if half.IsPositive() && half.LessThan(qty) {
				qty = half
			}
			firstFill = false
		}
		so.remaining = so.remaining.Sub(qty)
		seq := so.nextSeq
		so.nextSeq++
		price := so.price
		done := so.remaining.IsZero()
		if done {
			delete(v.pending, handle)
		}
		cb := v.callbacks
		v.mu.Unlock()

		if cb != nil {
			cb.OnFill(handle, qty, price, seq)
		}
		if done {
			return
		}
	}
}
