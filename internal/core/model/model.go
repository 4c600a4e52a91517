package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order types, sides and statuses
const (
	// Order types
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"

	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order statuses
	OrderStatusNew             = "NEW"
	OrderStatusPendingRisk     = "PENDING_RISK"
	OrderStatusRouted          = "ROUTED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// IsTerminalStatus reports whether no further transition can occur.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order represents a trading order. The order book owns the authoritative
// copy; everything else works with snapshots.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Instrument     string          `json:"instrument"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price,omitempty"` // limit price, zero for market orders
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Status         string          `json:"status"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SignedQuantity returns the remaining-to-request quantity with buy positive
// and sell negative.
func (o *Order) SignedQuantity() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fill is an immutable execution record, append-only per order. Seq is the
// venue-assigned sequence number used for deduplication.
type Fill struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	Seq       int64           `json:"seq"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Account holds cash balance; positions and limits are owned by the risk
// engine and keyed by account ID.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position is the signed holding of an account in one instrument. Created
// on first fill and never deleted; zero quantity is a valid state.
type Position struct {
	AccountID     uuid.UUID       `json:"account_id"`
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"` // signed, buy positive
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Notional returns |quantity| * avg entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgEntryPrice)
}

// LimitScopeAccount marks a risk limit that applies account-wide rather
// than to a single instrument.
const LimitScopeAccount = "ACCOUNT"

// RiskLimit holds the limits for one (account, scope) pair. Scope is either
// LimitScopeAccount or an instrument identifier. Zero values mean unlimited.
type RiskLimit struct {
	AccountID          uuid.UUID       `json:"account_id"`
	Scope              string          `json:"scope"`
	MaxPositionSize    decimal.Decimal `json:"max_position_size"`
	MaxOrderNotional   decimal.Decimal `json:"max_order_notional"`
	MaxAccountExposure decimal.Decimal `json:"max_account_exposure"`
}

// PriceTick is the latest known price for an instrument. Bid/Ask may be
// zero when the upstream feed does not supply them.
type PriceTick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Bid        decimal.Decimal `json:"bid,omitempty"`
	Ask        decimal.Decimal `json:"ask,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OrderEvent is broadcast to the account's realtime topic on every state
// transition. Events for one order are emitted in transition order.
type OrderEvent struct {
	Type           string          `json:"type"` // always "order_update"
	OrderID        uuid.UUID       `json:"order_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Instrument     string          `json:"instrument"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewOrderEvent snapshots an order into its broadcast form.
func NewOrderEvent(o *Order) OrderEvent {
	return OrderEvent{
		Type:           "order_update",
		OrderID:        o.ID,
		AccountID:      o.AccountID,
		Instrument:     o.Instrument,
		Status:         o.Status,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		RejectReason:   o.RejectReason,
		Timestamp:      o.UpdatedAt,
	}
}
