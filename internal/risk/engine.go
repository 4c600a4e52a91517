// Package risk holds per-account limits and live position state and decides
// whether order intents may proceed.
package risk

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

// Engine evaluates order intents against account limits and applies fills
// to positions. Operations for one account are serialized; different
// accounts proceed in parallel.
//
// Evaluation accounts for exposure already reserved by pending orders, so
// two concurrent orders cannot both pass against a limit only one of them
// can satisfy.
type Engine struct {
	logger *zap.Logger
	prices model.PriceSource
	repo   model.Repository

	mu       sync.RWMutex
	accounts map[uuid.UUID]*accountState
	defaults model.RiskLimit
}

// reservation tracks the not-yet-filled remainder of an approved order.
type reservation struct {
	instrument string
	signedQty  decimal.Decimal // remaining unfilled, buy positive
	price      decimal.Decimal // price used at evaluation time
}

func (r *reservation) notional() decimal.Decimal {
	return r.signedQty.Abs().Mul(r.price)
}

type fillKey struct {
	orderID uuid.UUID
	seq     int64
}

type accountState struct {
	mu        sync.Mutex
	defaults  model.RiskLimit
	account   model.Account
	limits    map[string]*model.RiskLimit // keyed by scope
	positions map[string]*model.Position
	pending   map[uuid.UUID]*reservation
	applied   map[fillKey]struct{}
}

// AccountRisk is the account-level risk snapshot.
type AccountRisk struct {
	AccountID          uuid.UUID       `json:"account_id"`
	Balance            decimal.Decimal `json:"balance"`
	TotalExposure      decimal.Decimal `json:"total_exposure"`
	ExposureRatio      decimal.Decimal `json:"exposure_ratio"`
	MaxAccountExposure decimal.Decimal `json:"max_account_exposure"`
	PendingOrders      int             `json:"pending_orders"`
}

// PositionRisk is the per-instrument risk snapshot.
type PositionRisk struct {
	AccountID     uuid.UUID       `json:"account_id"`
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	PositionValue decimal.Decimal `json:"position_value"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// NewEngine creates a risk engine. prices must be a non-blocking point
// reader; it is consulted before the account lock is taken.
func NewEngine(logger *zap.Logger, prices model.PriceSource, repo model.Repository) *Engine {
	return &Engine{
		logger:   logger,
		prices:   prices,
		repo:     repo,
		accounts: make(map[uuid.UUID]*accountState),
	}
}

// SetDefaults installs operator-wide fallback limits for accounts that have
// no limit rows of their own. Call before serving traffic.
func (e *Engine) SetDefaults(limit model.RiskLimit) {
	e.mu.Lock()
	e.defaults = limit
	e.mu.Unlock()
}

// ensureAccount returns the live state for an account, loading it from the
// repository on first touch. Repository reads happen outside the per-account
// lock.
func (e *Engine) ensureAccount(ctx context.Context, accountID uuid.UUID) (*accountState, error) {
	e.mu.RLock()
	st, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if ok {
		return st, nil
	}

	account, err := e.repo.LoadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limits, err := e.repo.LoadLimits(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := e.repo.LoadPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defaults := e.defaults
	e.mu.RUnlock()

	st = &accountState{
		defaults:  defaults,
		account:   *account,
		limits:    make(map[string]*model.RiskLimit, len(limits)),
		positions: make(map[string]*model.Position, len(positions)),
		pending:   make(map[uuid.UUID]*reservation),
		applied:   make(map[fillKey]struct{}),
	}
	for _, l := range limits {
		st.limits[l.Scope] = l
	}
	for _, p := range positions {
		st.positions[p.Instrument] = p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.accounts[accountID]; ok {
		return existing, nil
	}
	e.accounts[accountID] = st
	return st, nil
}

// Evaluate atomically checks an order intent against the account's limits
// and, on approval, reserves its projected exposure until the order goes
// terminal. Checks run in fixed order: position limit, order notional,
// account exposure. The position check needs no price, so a market order
// without a tick only reports NO_PRICE_AVAILABLE once the price-dependent
// checks are reached.
func (e *Engine) Evaluate(ctx context.Context, order *model.Order) error {
	// Price read happens before the account critical section to keep the
	// lock ordering between risk and market data acyclic. Missing prices
	// are surfaced inside the critical section, after the position check.
	price := order.Price
	priceKnown := order.Type != model.OrderTypeMarket
	if order.Type == model.OrderTypeMarket {
		if tick, ok := e.prices.Latest(order.Instrument); ok {
			price = tick.Price
			priceKnown = true
		}
	}

	st, err := e.ensureAccount(ctx, order.AccountID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	signedQty := order.SignedQuantity()

	maxPos := st.limitValue(order.Instrument, func(l *model.RiskLimit) decimal.Decimal { return l.MaxPositionSize })
	if maxPos.IsPositive() {
		projected := st.positionQty(order.Instrument).Add(st.pendingQty(order.Instrument)).Add(signedQty)
		if projected.Abs().GreaterThan(maxPos) {
			return errs.RiskRejected(errs.ReasonPositionLimitExceeded,
				"projected position %s exceeds limit %s on %s",
				projected.Abs(), maxPos, order.Instrument)
		}
	}

	if !priceKnown {
		return errs.RiskRejected(errs.ReasonNoPriceAvailable,
			"no price available for %s", order.Instrument)
	}
	notional := order.Quantity.Mul(price)

	maxNotional := st.limitValue(order.Instrument, func(l *model.RiskLimit) decimal.Decimal { return l.MaxOrderNotional })
	if maxNotional.IsPositive() && notional.GreaterThan(maxNotional) {
		return errs.RiskRejected(errs.ReasonNotionalLimitExceeded,
			"order notional %s exceeds limit %s", notional, maxNotional)
	}

	maxExposure := st.limitValue(model.LimitScopeAccount, func(l *model.RiskLimit) decimal.Decimal { return l.MaxAccountExposure })
	if maxExposure.IsPositive() {
		projected := st.totalExposure().Add(notional)
		if projected.GreaterThan(maxExposure) {
			return errs.RiskRejected(errs.ReasonAccountExposureExceeded,
				"projected account exposure %s exceeds limit %s", projected, maxExposure)
		}
	}

	st.pending[order.ID] = &reservation{
		instrument: order.Instrument,
		signedQty:  signedQty,
		price:      price,
	}
	return nil
}

// ApplyFill applies an executed quantity to the account's position and
// shrinks the order's pending reservation. Idempotent per (order, seq):
// duplicates are absorbed without effect.
func (e *Engine) ApplyFill(ctx context.Context, accountID, orderID uuid.UUID, seq int64, instrument string, signedQty, price decimal.Decimal) error {
	st, err := e.ensureAccount(ctx, accountID)
	if err != nil {
		return err
	}

	var snapshot model.Position

	st.mu.Lock()
	key := fillKey{orderID: orderID, seq: seq}
	if _, dup := st.applied[key]; dup {
		st.mu.Unlock()
		metrics.DuplicateCallbacks.Inc()
		e.logger.Debug("duplicate fill absorbed",
			zap.String("order_id", orderID.String()), zap.Int64("seq", seq))
		return nil
	}
	st.applied[key] = struct{}{}

	pos, ok := st.positions[instrument]
	if !ok {
		// Created on first fill, never deleted afterwards.
		pos = &model.Position{AccountID: accountID, Instrument: instrument}
		st.positions[instrument] = pos
	}
	applyToPosition(pos, signedQty, price)
	pos.UpdatedAt = time.Now()

	if res, ok := st.pending[orderID]; ok {
		res.signedQty = res.signedQty.Sub(signedQty)
		if res.signedQty.IsZero() {
			delete(st.pending, orderID)
		}
	}

	snapshot = *pos
	st.mu.Unlock()

	metrics.FillsApplied.Inc()

	// Persistence happens outside the account lock.
	if err := e.repo.SavePosition(ctx, &snapshot); err != nil {
		e.logger.Error("position save failed",
			zap.String("account_id", accountID.String()),
			zap.String("instrument", instrument), zap.Error(err))
		return err
	}
	return nil
}

// Release drops whatever reservation remains for an order. Called when the
// order reaches a terminal state.
func (e *Engine) Release(accountID, orderID uuid.UUID) {
	e.mu.RLock()
	st, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.pending, orderID)
	st.mu.Unlock()
}

// AccountRisk returns the account-level exposure snapshot.
func (e *Engine) AccountRisk(ctx context.Context, accountID uuid.UUID) (*AccountRisk, error) {
	st, err := e.ensureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	exposure := st.totalExposure()
	ratio := decimal.Zero
	if st.account.Balance.IsPositive() {
		ratio = exposure.Div(st.account.Balance)
	}
	return &AccountRisk{
		AccountID:          accountID,
		Balance:            st.account.Balance,
		TotalExposure:      exposure,
		ExposureRatio:      ratio,
		MaxAccountExposure: st.limitValue(model.LimitScopeAccount, func(l *model.RiskLimit) decimal.Decimal { return l.MaxAccountExposure }),
		PendingOrders:      len(st.pending),
	}, nil
}

// PositionRisk returns the per-instrument snapshot. Unrealized P&L uses the
// latest tick when one exists.
func (e *Engine) PositionRisk(ctx context.Context, accountID uuid.UUID, instrument string) (*PositionRisk, error) {
	// Price read outside the account lock, same ordering rule as Evaluate.
	var markPrice decimal.Decimal
	if tick, ok := e.prices.Latest(instrument); ok {
		markPrice = tick.Price
	}

	st, err := e.ensureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	pos, ok := st.positions[instrument]
	if !ok {
		return nil, errs.NotFound("no position for %s", instrument)
	}

	unrealized := decimal.Zero
	if markPrice.IsPositive() {
		unrealized = markPrice.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
	}
	return &PositionRisk{
		AccountID:     accountID,
		Instrument:    instrument,
		Quantity:      pos.Quantity,
		AvgEntryPrice: pos.AvgEntryPrice,
		PositionValue: pos.Notional(),
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: unrealized,
	}, nil
}

// Limits returns the account's configured limits, account scope first.
func (e *Engine) Limits(ctx context.Context, accountID uuid.UUID) ([]*model.RiskLimit, error) {
	st, err := e.ensureAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*model.RiskLimit, 0, len(st.limits))
	if l, ok := st.limits[model.LimitScopeAccount]; ok {
		cp := *l
		out = append(out, &cp)
	}
	for scope, l := range st.limits {
		if scope == model.LimitScopeAccount {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

// SetLimit installs or replaces a limit. Administrative path, out-of-band
// with respect to order flow.
func (e *Engine) SetLimit(ctx context.Context, limit *model.RiskLimit) error {
	st, err := e.ensureAccount(ctx, limit.AccountID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	cp := *limit
	st.limits[limit.Scope] = &cp
	st.mu.Unlock()

	return e.repo.SaveLimit(ctx, limit)
}

// limitValue resolves the effective limit for an instrument: instrument
// scope overrides account scope; zero means unlimited. Caller holds st.mu.
func (st *accountState) limitValue(scope string, get func(*model.RiskLimit) decimal.Decimal) decimal.Decimal {
	if scope != model.LimitScopeAccount {
		if l, ok := st.limits[scope]; ok {
			if v := get(l); v.IsPositive() {
				return v
			}
		}
	}
	if l, ok := st.limits[model.LimitScopeAccount]; ok {
		if v := get(l); v.IsPositive() {
			return v
		}
	}
	return get(&st.defaults)
}

func (st *accountState) positionQty(instrument string) decimal.Decimal {
	if pos, ok := st.positions[instrument]; ok {
		return pos.Quantity
	}
	return decimal.Zero
}

func (st *accountState) pendingQty(instrument string) decimal.Decimal {
	total := decimal.Zero
	for _, res := range st.pending {
		if res.instrument == instrument {
			total = total.Add(res.signedQty)
		}
	}
	return total
}

func (st *accountState) totalExposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range st.positions {
		total = total.Add(pos.Notional())
	}
	for _, res := range st.pending {
		total = total.Add(res.notional())
	}
	return total
}

// applyToPosition folds one fill into a position: extends average entry
// price when adding, realizes P&L when reducing, and re-opens at the fill
// price when crossing through zero.
func applyToPosition(pos *model.Position, signedQty, price decimal.Decimal) {
	if pos.Quantity.IsZero() || pos.Quantity.Sign() == signedQty.Sign() {
		oldAbs := pos.Quantity.Abs()
		newAbs := oldAbs.Add(signedQty.Abs())
		if newAbs.IsPositive() {
			pos.AvgEntryPrice = oldAbs.Mul(pos.AvgEntryPrice).
				Add(signedQty.Abs().Mul(price)).
				Div(newAbs)
		}
		pos.Quantity = pos.Quantity.Add(signedQty)
		return
	}

	closing := decimal.Min(pos.Quantity.Abs(), signedQty.Abs())
	direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
	pos.RealizedPnL = pos.RealizedPnL.Add(
		price.Sub(pos.AvgEntryPrice).Mul(closing).Mul(direction))

	pos.Quantity = pos.Quantity.Add(signedQty)
	if pos.Quantity.IsZero() {
		pos.AvgEntryPrice = decimal.Zero
	} else if pos.Quantity.Sign() != int(direction.IntPart()) {
		// Crossed through zero: the remainder opens at the fill price.
		pos.AvgEntryPrice = price
	}
}
