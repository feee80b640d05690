// Package types defines shared types used across the trading coordinator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a signal or order.
type Side int

const (
	SideNone Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// ParseSide parses a side string as reported by the exchange.
func ParseSide(s string) Side {
	switch s {
	case "BUY":
		return SideBuy
	case "SELL":
		return SideSell
	default:
		return SideNone
	}
}

// OrderStatus represents the exchange-reported state of an order.
type OrderStatus int

const (
	OrderStatusNew OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
// Terminal states are final: no further mutation is allowed.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// ParseOrderStatus parses an exchange status string.
func ParseOrderStatus(s string) OrderStatus {
	switch s {
	case "NEW", "ACTIVE", "PENDING":
		return OrderStatusNew
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "FILLED":
		return OrderStatusFilled
	case "CANCELLED", "CANCELED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED":
		return OrderStatusExpired
	default:
		return OrderStatusNew
	}
}

// OrderRole identifies an order's role within a protected position.
type OrderRole int

const (
	RoleEntry OrderRole = iota
	RoleStopLoss
	RoleTakeProfit
)

func (r OrderRole) String() string {
	switch r {
	case RoleEntry:
		return "ENTRY"
	case RoleStopLoss:
		return "STOP_LOSS"
	case RoleTakeProfit:
		return "TAKE_PROFIT"
	default:
		return "UNKNOWN"
	}
}

// Sibling returns the opposite protective role. Entry orders have no sibling.
func (r OrderRole) Sibling() OrderRole {
	switch r {
	case RoleStopLoss:
		return RoleTakeProfit
	case RoleTakeProfit:
		return RoleStopLoss
	default:
		return RoleEntry
	}
}

// ProtectionState tracks an entry order through the protective-order
// state machine.
type ProtectionState int

const (
	ProtectionNone ProtectionState = iota
	ProtectionEntryFilled
	ProtectionPending
	ProtectionProtected
	ProtectionSLTriggered
	ProtectionTPTriggered
	ProtectionClosed
)

func (p ProtectionState) String() string {
	switch p {
	case ProtectionEntryFilled:
		return "ENTRY_FILLED"
	case ProtectionPending:
		return "PROTECTIVE_ORDERS_PENDING"
	case ProtectionProtected:
		return "PROTECTED"
	case ProtectionSLTriggered:
		return "SL_TRIGGERED"
	case ProtectionTPTriggered:
		return "TP_TRIGGERED"
	case ProtectionClosed:
		return "CLOSED"
	default:
		return "NONE"
	}
}

// Signal represents an externally computed technical signal for one symbol.
// Indicator computation lives outside this repository; the coordinator only
// consumes the resulting direction and reference price.
type Signal struct {
	ID          string
	Timestamp   time.Time
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Reason      string
	VolumeKnown bool // false when the source could not obtain volume
}

// Decision is the throttle gate verdict for a signal.
type Decision int

const (
	DecisionBlock Decision = iota
	DecisionAccept
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "ACCEPT"
	}
	return "BLOCK"
}

// DecisionType classifies a recorded decision trace.
type DecisionType int

const (
	DecisionTypeAccept DecisionType = iota
	DecisionTypeBlocked
	DecisionTypeFailed
)

func (d DecisionType) String() string {
	switch d {
	case DecisionTypeAccept:
		return "ACCEPT"
	case DecisionTypeBlocked:
		return "BLOCKED"
	case DecisionTypeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ReasonCode enumerates the decision and failure taxonomy.
type ReasonCode string

const (
	ReasonAccepted              ReasonCode = "ACCEPTED"
	ReasonForced                ReasonCode = "FORCED"
	ReasonFirstSignal           ReasonCode = "FIRST_SIGNAL"
	ReasonThrottledCooldown     ReasonCode = "THROTTLED_COOLDOWN"
	ReasonThrottledPriceGate    ReasonCode = "THROTTLED_PRICE_GATE"
	ReasonStateUnavailable      ReasonCode = "STATE_UNAVAILABLE"
	ReasonDedupSkipped          ReasonCode = "DEDUP_SKIPPED"
	ReasonInsufficientFunds     ReasonCode = "INSUFFICIENT_FUNDS"
	ReasonExchangeRejected      ReasonCode = "EXCHANGE_REJECTED"
	ReasonAuthenticationError   ReasonCode = "AUTHENTICATION_ERROR"
	ReasonFillUnconfirmed       ReasonCode = "FILL_UNCONFIRMED"
	ReasonProtectiveOrderFailed ReasonCode = "PROTECTIVE_ORDER_FAILED"
)

// Critical reports whether the reason indicates a possibly unprotected
// position. Critical reasons take the high-priority notification path.
func (r ReasonCode) Critical() bool {
	return r == ReasonFillUnconfirmed || r == ReasonProtectiveOrderFailed
}

// ThrottleState is the single authoritative throttle record per
// (symbol, side). Created on first signal, mutated on every accepted
// emission, deleted only by explicit reset.
type ThrottleState struct {
	Symbol          string
	Side            Side
	LastPrice       decimal.Decimal
	LastEmitTime    time.Time
	EmitReason      string
	ForceNextSignal bool
	UpdatedAt       time.Time
}

// OrderIntent is the transient order request produced when the gate accepts
// a signal and trading is enabled. It lives for one evaluation cycle and is
// never persisted beyond the attempt.
type OrderIntent struct {
	CorrelationID     string
	Symbol            string
	Side              Side
	Price             decimal.Decimal
	RequestedNotional decimal.Decimal
	RequestedLeverage int
	IsMargin          bool
	CreatedAt         time.Time
}

// ExchangeOrder mirrors an order known to the exchange. The exchange order
// id is the external authority; ExecutedQuantity is only ever set from
// confirmed exchange state, never copied from RequestedQuantity.
type ExchangeOrder struct {
	ExchangeOrderID   string
	ClientOrderID     string
	Symbol            string
	Side              Side
	Status            OrderStatus
	Role              OrderRole
	ParentOrderID     string // entry order that owns this protective order
	OCOGroupID        string // groups SL+TP siblings
	RequestedQuantity decimal.Decimal
	ExecutedQuantity  decimal.Decimal
	Price             decimal.Decimal
	Leverage          int
	IsMargin          bool
	Protection        ProtectionState // meaningful on entry orders only
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AttemptRecord captures one placement attempt for the trace context.
type AttemptRecord struct {
	Mode     string `json:"mode"` // "margin" or "spot"
	Leverage int    `json:"leverage,omitempty"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// DecisionTrace is the immutable, queryable record of one decision point.
type DecisionTrace struct {
	CorrelationID string
	Timestamp     time.Time
	Symbol        string
	Side          Side
	Type          DecisionType
	Reason        ReasonCode
	Message       string
	Attempts      []AttemptRecord
}
