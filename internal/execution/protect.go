package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// ProtectionParams sizes the stop-loss and take-profit for one filled entry.
type ProtectionParams struct {
	CorrelationID string
	SLRatio       decimal.Decimal
	TPRatio       decimal.Decimal
}

// ProtectionResult reports the protective orders placed for an entry.
type ProtectionResult struct {
	StopLoss   *types.ExchangeOrder
	TakeProfit *types.ExchangeOrder
	OCOGroupID string
}

// Protector creates and manages stop-loss/take-profit pairs with
// one-cancels-other semantics.
type Protector struct {
	api    exchange.API
	repo   persistence.Repository
	clock  Clock
	logger *slog.Logger

	// SiblingWindow bounds the last-resort sibling search when neither the
	// OCO group nor the parent link resolves it.
	SiblingWindow time.Duration
}

// NewProtector creates a new protective order manager.
func NewProtector(api exchange.API, repo persistence.Repository, clock Clock, logger *slog.Logger) *Protector {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Protector{
		api:           api,
		repo:          repo,
		clock:         clock,
		logger:        logger.With("component", "protector"),
		SiblingWindow: 24 * time.Hour,
	}
}

// Protect places a stop-loss and a take-profit for a confirmed entry fill.
// Both are sized from the confirmed executed quantity, never the requested
// quantity. On success a nil trace is returned and the entry's protection
// state is PROTECTED.
//
// The stop-loss is placed first: if it fails, nothing is live and the
// failure trace is terminal. If the take-profit fails after the stop is
// live, the stop is kept; partial protection beats none.
func (p *Protector) Protect(ctx context.Context, entry *types.ExchangeOrder, fill Confirmation, params ProtectionParams) (*ProtectionResult, *types.DecisionTrace) {
	now := p.clock.Now()

	if !fill.ExecutedQuantity.IsPositive() {
		return nil, p.failedTrace(entry, params.CorrelationID, now,
			"confirmed executed quantity is not positive")
	}

	inst, err := p.api.Instrument(ctx, entry.Symbol)
	if err != nil {
		return nil, p.failedTrace(entry, params.CorrelationID, now,
			fmt.Sprintf("instrument lookup: %v", err))
	}

	quantity, err := inst.NormalizeQuantity(fill.ExecutedQuantity)
	if err != nil {
		return nil, p.failedTrace(entry, params.CorrelationID, now,
			fmt.Sprintf("normalize executed quantity %s: %v", fill.ExecutedQuantity, err))
	}

	if err := p.repo.UpdateProtection(ctx, entry.ExchangeOrderID, types.ProtectionPending); err != nil {
		p.logger.Error("failed to mark protection pending",
			"order_id", entry.ExchangeOrderID, "error", err)
	}

	exitSide := entry.Side.Opposite()
	groupID := uuid.New().String()

	stopTrigger := inst.StopPriceFor(entry.Side, entry.Price, params.SLRatio)
	sl, err := p.placeProtective(ctx, entry, exchange.ProtectiveRequest{
		Instrument:   entry.Symbol,
		Side:         exitSide,
		Role:         types.RoleStopLoss,
		Quantity:     quantity,
		TriggerPrice: stopTrigger,
		LimitPrice:   stopTrigger,
		ClientOID:    uuid.New().String(),
	}, groupID, now)
	if err != nil {
		return nil, p.failedTrace(entry, params.CorrelationID, now,
			fmt.Sprintf("stop-loss placement: %v", err))
	}

	tpPrice := inst.TakeProfitPriceFor(entry.Side, entry.Price, params.TPRatio)
	tp, err := p.placeProtective(ctx, entry, exchange.ProtectiveRequest{
		Instrument:   entry.Symbol,
		Side:         exitSide,
		Role:         types.RoleTakeProfit,
		Quantity:     quantity,
		TriggerPrice: tpPrice,
		LimitPrice:   tpPrice,
		ClientOID:    uuid.New().String(),
	}, groupID, now)
	if err != nil {
		p.logger.Error("take-profit placement failed, stop-loss remains live",
			"symbol", entry.Symbol,
			"entry_order_id", entry.ExchangeOrderID,
			"stop_loss_order_id", sl.ExchangeOrderID,
			"error", err)
		return &ProtectionResult{StopLoss: sl, OCOGroupID: groupID},
			p.failedTrace(entry, params.CorrelationID, now,
				fmt.Sprintf("take-profit placement (stop-loss %s live): %v", sl.ExchangeOrderID, err))
	}

	if err := p.repo.UpdateProtection(ctx, entry.ExchangeOrderID, types.ProtectionProtected); err != nil {
		p.logger.Error("failed to mark position protected",
			"order_id", entry.ExchangeOrderID, "error", err)
	}

	p.logger.Info("position protected",
		"symbol", entry.Symbol,
		"entry_order_id", entry.ExchangeOrderID,
		"oco_group", groupID,
		"stop_trigger", stopTrigger,
		"take_profit", tpPrice,
		"quantity", quantity)

	return &ProtectionResult{StopLoss: sl, TakeProfit: tp, OCOGroupID: groupID}, nil
}

func (p *Protector) placeProtective(ctx context.Context, entry *types.ExchangeOrder, req exchange.ProtectiveRequest, groupID string, now time.Time) (*types.ExchangeOrder, error) {
	placed, err := p.api.CreateProtectiveOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	order := types.ExchangeOrder{
		ExchangeOrderID:   placed.OrderID,
		ClientOrderID:     req.ClientOID,
		Symbol:            entry.Symbol,
		Side:              req.Side,
		Status:            placed.Status,
		Role:              req.Role,
		ParentOrderID:     entry.ExchangeOrderID,
		OCOGroupID:        groupID,
		RequestedQuantity: req.Quantity,
		Price:             req.LimitPrice,
		IsMargin:          entry.IsMargin,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.repo.SaveOrder(ctx, order); err != nil {
		// The order is live on the exchange regardless; reconciliation
		// re-discovers it from the open-order list.
		p.logger.Error("failed to persist protective order",
			"order_id", order.ExchangeOrderID,
			"role", req.Role.String(),
			"error", err)
	}
	return &order, nil
}

func (p *Protector) failedTrace(entry *types.ExchangeOrder, correlationID string, now time.Time, message string) *types.DecisionTrace {
	return &types.DecisionTrace{
		CorrelationID: correlationID,
		Timestamp:     now,
		Symbol:        entry.Symbol,
		Side:          entry.Side,
		Type:          types.DecisionTypeFailed,
		Reason:        types.ReasonProtectiveOrderFailed,
		Message:       message,
	}
}

// CloseOutcome describes how an OCO pair was resolved after one side filled.
type CloseOutcome struct {
	Entry        *types.ExchangeOrder
	Filled       types.ExchangeOrder
	Sibling      *types.ExchangeOrder
	AlreadyDone  bool
	CancelResult string // "cancelled", "already_gone", or "" when no sibling
}

// OnProtectiveFill handles one side of an OCO pair reaching FILLED: the
// sibling is cancelled, statuses are persisted, and the entry's protection
// state advances to CLOSED. The operation is idempotent; observing the
// same fill twice performs no further cancellation.
func (p *Protector) OnProtectiveFill(ctx context.Context, filled types.ExchangeOrder) (*CloseOutcome, error) {
	if filled.Role != types.RoleStopLoss && filled.Role != types.RoleTakeProfit {
		return nil, fmt.Errorf("order %s has role %s, not a protective order", filled.ExchangeOrderID, filled.Role)
	}

	var entry *types.ExchangeOrder
	if filled.ParentOrderID != "" {
		var err error
		entry, err = p.repo.GetOrder(ctx, filled.ParentOrderID)
		if err != nil {
			return nil, fmt.Errorf("load entry %s: %w", filled.ParentOrderID, err)
		}
	}

	if entry != nil && entry.Protection == types.ProtectionClosed {
		p.logger.Info("protective fill already handled",
			"order_id", filled.ExchangeOrderID,
			"entry_order_id", entry.ExchangeOrderID)
		return &CloseOutcome{Entry: entry, Filled: filled, AlreadyDone: true}, nil
	}

	if err := p.repo.UpdateOrderStatus(ctx, filled.ExchangeOrderID, types.OrderStatusFilled, filled.ExecutedQuantity); err != nil {
		p.logger.Error("failed to persist protective fill",
			"order_id", filled.ExchangeOrderID, "error", err)
	}

	outcome := &CloseOutcome{Entry: entry, Filled: filled}

	sibling, err := p.findSibling(ctx, filled)
	if err != nil {
		return nil, fmt.Errorf("locate sibling of %s: %w", filled.ExchangeOrderID, err)
	}
	if sibling != nil {
		result, err := p.cancelSibling(ctx, sibling)
		if err != nil {
			return nil, err
		}
		outcome.Sibling = sibling
		outcome.CancelResult = result
	} else {
		p.logger.Warn("no sibling found for protective fill",
			"order_id", filled.ExchangeOrderID,
			"oco_group", filled.OCOGroupID)
	}

	if entry != nil {
		triggered := types.ProtectionSLTriggered
		if filled.Role == types.RoleTakeProfit {
			triggered = types.ProtectionTPTriggered
		}
		if err := p.repo.UpdateProtection(ctx, entry.ExchangeOrderID, triggered); err != nil {
			p.logger.Error("failed to record trigger state",
				"order_id", entry.ExchangeOrderID, "error", err)
		}
		if err := p.repo.UpdateProtection(ctx, entry.ExchangeOrderID, types.ProtectionClosed); err != nil {
			p.logger.Error("failed to close position record",
				"order_id", entry.ExchangeOrderID, "error", err)
		}
	}

	p.logger.Info("position closed by protective fill",
		"symbol", filled.Symbol,
		"role", filled.Role.String(),
		"order_id", filled.ExchangeOrderID,
		"cancel_result", outcome.CancelResult)

	return outcome, nil
}

// findSibling resolves the other half of the OCO pair: by group id first,
// then by parent link, then by a role-scoped recency search.
func (p *Protector) findSibling(ctx context.Context, filled types.ExchangeOrder) (*types.ExchangeOrder, error) {
	if filled.OCOGroupID != "" {
		group, err := p.repo.GetOrdersByGroup(ctx, filled.OCOGroupID)
		if err != nil {
			return nil, err
		}
		for i := range group {
			if group[i].ExchangeOrderID != filled.ExchangeOrderID {
				return &group[i], nil
			}
		}
	}

	if filled.ParentOrderID != "" {
		children, err := p.repo.GetOrdersByParent(ctx, filled.ParentOrderID)
		if err != nil {
			return nil, err
		}
		for i := range children {
			if children[i].Role == filled.Role.Sibling() {
				return &children[i], nil
			}
		}
	}

	since := p.clock.Now().Add(-p.SiblingWindow)
	recent, err := p.repo.GetRecentProtectiveOrders(ctx, filled.Symbol, filled.Side, filled.Role.Sibling(), since)
	if err != nil {
		return nil, err
	}
	for i := range recent {
		if !recent[i].Status.IsFinal() {
			return &recent[i], nil
		}
	}
	return nil, nil
}

// cancelSibling cancels the surviving half of the pair. An unknown-order
// response means the exchange already removed it, which is success.
func (p *Protector) cancelSibling(ctx context.Context, sibling *types.ExchangeOrder) (string, error) {
	if sibling.Status.IsFinal() {
		return "already_gone", nil
	}

	result := "cancelled"
	if err := p.api.CancelOrder(ctx, sibling.Symbol, sibling.ExchangeOrderID); err != nil {
		if exchange.Classify(err) != exchange.KindNotFound {
			return "", fmt.Errorf("cancel sibling %s: %w", sibling.ExchangeOrderID, err)
		}
		result = "already_gone"
	}

	if err := p.repo.UpdateOrderStatus(ctx, sibling.ExchangeOrderID, types.OrderStatusCancelled, sibling.ExecutedQuantity); err != nil {
		p.logger.Error("failed to persist sibling cancellation",
			"order_id", sibling.ExchangeOrderID, "error", err)
	}
	return result, nil
}
