// Package persistence provides durable state for the coordinator.
//
// The database is the only cross-cycle state: there is no in-memory throttle
// cache, and the order table is reconciled against the exchange's own
// open-orders response.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Repository defines the interface for coordinator state persistence.
type Repository interface {
	// Throttle state operations. RecordAccept mutates the throttle row and
	// appends the decision trace in one transaction.
	GetThrottleState(ctx context.Context, symbol string, side types.Side) (*types.ThrottleState, error)
	RecordAccept(ctx context.Context, state types.ThrottleState, trace types.DecisionTrace) error
	SetForceNext(ctx context.Context, symbol string, side types.Side, force bool) error
	ResetThrottleState(ctx context.Context, symbol string, side types.Side) error

	// Order operations
	SaveOrder(ctx context.Context, order types.ExchangeOrder) error
	GetOrder(ctx context.Context, exchangeOrderID string) (*types.ExchangeOrder, error)
	GetActiveEntryOrder(ctx context.Context, symbol string, side types.Side, since time.Time) (*types.ExchangeOrder, error)
	GetNonTerminalOrders(ctx context.Context) ([]types.ExchangeOrder, error)
	GetOrdersByGroup(ctx context.Context, ocoGroupID string) ([]types.ExchangeOrder, error)
	GetOrdersByParent(ctx context.Context, parentOrderID string) ([]types.ExchangeOrder, error)
	GetRecentProtectiveOrders(ctx context.Context, symbol string, side types.Side, role types.OrderRole, since time.Time) ([]types.ExchangeOrder, error)
	UpdateOrderStatus(ctx context.Context, exchangeOrderID string, status types.OrderStatus, executedQty decimal.Decimal) error
	UpdateProtection(ctx context.Context, exchangeOrderID string, state types.ProtectionState) error

	// Decision trace operations (append-only)
	SaveTrace(ctx context.Context, trace types.DecisionTrace) error
	GetTraces(ctx context.Context, symbol string, from, to time.Time) ([]types.DecisionTrace, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
