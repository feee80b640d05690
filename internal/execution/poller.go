package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Confirmation is the terminal fill state observed for an order.
type Confirmation struct {
	Status           types.OrderStatus
	ExecutedQuantity decimal.Decimal
	Attempts         int
}

// Poller confirms fills by polling the exchange until an order reaches a
// terminal state or the attempt budget is exhausted. The executed quantity
// it reports comes exclusively from exchange state — the requested quantity
// is never substituted, because protective orders sized from an unfilled
// quantity would mis-protect the position.
type Poller struct {
	api    exchange.API
	clock  Clock
	logger *slog.Logger

	Interval    time.Duration
	MaxAttempts int
}

// NewPoller creates a fill confirmation poller.
func NewPoller(api exchange.API, clock Clock, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Poller{
		api:         api,
		clock:       clock,
		logger:      logger,
		Interval:    2 * time.Second,
		MaxAttempts: 15,
	}
}

// Confirm drives an order to a confirmed terminal state.
//
// When the placement response already reports a terminal fill with a
// positive executed quantity it is accepted immediately. Otherwise open
// orders are polled first, then order history, as a bounded loop. Exhausting
// the budget returns ErrFillUnconfirmed: the position may exist unprotected,
// which the caller must surface as CRITICAL.
func (p *Poller) Confirm(ctx context.Context, placed *exchange.Order) (Confirmation, error) {
	if c, ok := confirmationFrom(placed); ok {
		return c, nil
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.clock.Sleep(ctx, p.Interval); err != nil {
				return Confirmation{Attempts: attempt}, err
			}
		}

		order, err := p.lookup(ctx, placed.OrderID, placed.Symbol)
		if err != nil {
			p.logger.Warn("fill confirmation poll failed",
				"order_id", placed.OrderID,
				"attempt", attempt,
				"err", err,
			)
			continue
		}
		if order == nil {
			continue
		}

		if c, ok := confirmationFrom(order); ok {
			c.Attempts = attempt
			return c, nil
		}
	}

	return Confirmation{Attempts: p.MaxAttempts},
		fmt.Errorf("%w: order %s after %d attempts", types.ErrFillUnconfirmed, placed.OrderID, p.MaxAttempts)
}

// lookup checks open orders first, then recent history.
func (p *Poller) lookup(ctx context.Context, orderID, symbol string) (*exchange.Order, error) {
	open, err := p.api.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].OrderID == orderID {
			return &open[i], nil
		}
	}

	history, err := p.api.OrderHistory(ctx, symbol, 50)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].OrderID == orderID {
			return &history[i], nil
		}
	}

	return nil, nil
}

// confirmationFrom extracts a terminal confirmation from exchange state.
// A cancelled order with a positive executed quantity confirms the executed
// part (partial fill then cancel); a cancelled or rejected order with no
// execution is terminal with zero quantity.
func confirmationFrom(order *exchange.Order) (Confirmation, bool) {
	if order == nil || !order.Status.IsFinal() {
		return Confirmation{}, false
	}
	switch order.Status {
	case types.OrderStatusFilled:
		if order.CumulativeQuantity.IsPositive() {
			return Confirmation{Status: order.Status, ExecutedQuantity: order.CumulativeQuantity}, true
		}
		// FILLED with no executed quantity is an exchange inconsistency;
		// keep polling rather than trust it.
		return Confirmation{}, false
	default:
		return Confirmation{Status: order.Status, ExecutedQuantity: order.CumulativeQuantity}, true
	}
}
