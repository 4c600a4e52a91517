package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/meridianex/tradecore/internal/core/errs"
	"github.com/meridianex/tradecore/internal/core/model"
)

type positionKey struct {
	accountID  uuid.UUID
	instrument string
}

type limitKey struct {
	accountID uuid.UUID
	scope     string
}

type memFillKey struct {
	orderID uuid.UUID
	seq     int64
}

// Memory is a map-backed repository for tests and sim-mode runs.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]model.Account
	orders    map[uuid.UUID]model.Order
	fills     map[uuid.UUID][]model.Fill
	fillSeen  map[memFillKey]struct{}
	positions map[positionKey]model.Position
	limits    map[limitKey]model.RiskLimit
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[uuid.UUID]model.Account),
		orders:    make(map[uuid.UUID]model.Order),
		fills:     make(map[uuid.UUID][]model.Fill),
		fillSeen:  make(map[memFillKey]struct{}),
		positions: make(map[positionKey]model.Position),
		limits:    make(map[limitKey]model.RiskLimit),
	}
}

func (m *Memory) LoadAccount(_ context.Context, accountID uuid.UUID) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, errs.NotFound("unknown account %s", accountID)
	}
	return &acct, nil
}

func (m *Memory) SaveAccount(_ context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = *account
	return nil
}

func (m *Memory) SaveOrder(_ context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = *order
	return nil
}

func (m *Memory) LoadOrder(_ context.Context, orderID uuid.UUID) (*model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, errs.NotFound("unknown order %s", orderID)
	}
	return &order, nil
}

func (m *Memory) ListOrders(_ context.Context, accountID uuid.UUID, status string) ([]*model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Order, 0)
	for id := range m.orders {
		order := m.orders[id]
		if order.AccountID != accountID {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		o := order
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendFill(_ context.Context, fill *model.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memFillKey{orderID: fill.OrderID, seq: fill.Seq}
	if _, dup := m.fillSeen[key]; dup {
		return nil
	}
	m.fillSeen[key] = struct{}{}
	m.fills[fill.OrderID] = append(m.fills[fill.OrderID], *fill)
	return nil
}

func (m *Memory) ListFills(_ context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fills := m.fills[orderID]
	out := make([]*model.Fill, 0, len(fills))
	for i := range fills {
		f := fills[i]
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) LoadLimits(_ context.Context, accountID uuid.UUID) ([]*model.RiskLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.RiskLimit, 0)
	for key := range m.limits {
		if key.accountID != accountID {
			continue
		}
		l := m.limits[key]
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

func (m *Memory) SaveLimit(_ context.Context, limit *model.RiskLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[limitKey{accountID: limit.AccountID, scope: limit.Scope}] = *limit
	return nil
}

func (m *Memory) SavePosition(_ context.Context, position *model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey{accountID: position.AccountID, instrument: position.Instrument}] = *position
	return nil
}

func (m *Memory) LoadPositions(_ context.Context, accountID uuid.UUID) ([]*model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Position, 0)
	for key := range m.positions {
		if key.accountID != accountID {
			continue
		}
		p := m.positions[key]
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}
