package model

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the narrow persistence port the core reads and writes
// through. It makes no assumption about the storage engine behind it.
type Repository interface {
	LoadAccount(ctx context.Context, accountID uuid.UUID) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error

	SaveOrder(ctx context.Context, order *Order) error
	LoadOrder(ctx context.Context, orderID uuid.UUID) (*Order, error)
	// ListOrders returns an account's orders newest first; status filters
	// when non-empty.
	ListOrders(ctx context.Context, accountID uuid.UUID, status string) ([]*Order, error)

	AppendFill(ctx context.Context, fill *Fill) error
	ListFills(ctx context.Context, orderID uuid.UUID) ([]*Fill, error)

	LoadLimits(ctx context.Context, accountID uuid.UUID) ([]*RiskLimit, error)
	SaveLimit(ctx context.Context, limit *RiskLimit) error

	SavePosition(ctx context.Context, position *Position) error
	LoadPositions(ctx context.Context, accountID uuid.UUID) ([]*Position, error)
}

// PriceSource is the read side of the market data hub, consumed by the
// risk engine. Latest must be a non-blocking point read.
type PriceSource interface {
	Latest(instrument string) (PriceTick, bool)
}
