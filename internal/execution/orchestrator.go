// Package execution drives accepted signals to a terminal, protected order
// state: placement with leverage and spot fallbacks, fill confirmation, and
// stop-loss/take-profit creation with one-cancels-other semantics.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
	"github.com/ccruz0/crypto-2.0-sub006/internal/metrics"
	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// fallbackLeverages is the fixed descending rung sequence tried after the
// configured leverage is rejected for insufficient margin.
var fallbackLeverages = []int{3, 1}

// Orchestrator places entry orders for accepted signals.
type Orchestrator struct {
	api      exchange.API
	repo     persistence.Repository
	policy   RetryPolicy
	clock    Clock
	logger   *slog.Logger
	recorder *metrics.Recorder

	// DedupWindow bounds how recent a terminal entry order must be to still
	// suppress a new placement for the same (symbol, side).
	DedupWindow time.Duration
}

// NewOrchestrator creates a new order execution orchestrator.
func NewOrchestrator(api exchange.API, repo persistence.Repository, policy RetryPolicy, clock Clock, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Orchestrator{
		api:         api,
		repo:        repo,
		policy:      policy,
		clock:       clock,
		logger:      logger,
		recorder:    metrics.NewRecorder(),
		DedupWindow: 5 * time.Minute,
	}
}

// Execute attempts to place the entry order described by the intent.
//
// Exactly one of the return values is non-nil: the placed order on success,
// or a terminal trace (DEDUP_SKIPPED or FAILED with the full attempt
// history) when nothing was placed. A FAILED trace ends the cycle; no
// further retries are scheduled until the next independent signal.
func (o *Orchestrator) Execute(ctx context.Context, intent types.OrderIntent) (*types.ExchangeOrder, *types.DecisionTrace) {
	now := o.clock.Now()

	// Idempotency: a concurrent or immediately preceding evaluation may have
	// already placed this entry.
	existing, err := o.repo.GetActiveEntryOrder(ctx, intent.Symbol, intent.Side, now.Add(-o.DedupWindow))
	if err != nil {
		return nil, o.failed(intent, types.ReasonExchangeRejected, fmt.Sprintf("dedup check failed: %v", err), nil)
	}
	if existing != nil {
		o.logger.Info("skipping placement, entry order already exists",
			"symbol", intent.Symbol,
			"side", intent.Side.String(),
			"existing_order_id", existing.ExchangeOrderID,
		)
		return nil, &types.DecisionTrace{
			CorrelationID: intent.CorrelationID,
			Timestamp:     now,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Type:          types.DecisionTypeBlocked,
			Reason:        types.ReasonDedupSkipped,
			Message:       fmt.Sprintf("open/recent entry order %s", existing.ExchangeOrderID),
		}
	}

	inst, err := o.api.Instrument(ctx, intent.Symbol)
	if err != nil {
		return nil, o.failed(intent, reasonFor(err), fmt.Sprintf("instrument lookup: %v", err), nil)
	}

	quantity, err := o.quantityFor(intent, inst)
	if err != nil {
		return nil, o.failed(intent, types.ReasonExchangeRejected, err.Error(), nil)
	}

	var attempts []types.AttemptRecord

	if intent.IsMargin {
		order, trace := o.executeMargin(ctx, intent, quantity, &attempts)
		if order != nil || trace != nil {
			return order, trace
		}
		// Every leverage rung was rejected for insufficient margin; try spot.
		o.recorder.RecordSpotFallback(intent.Symbol)
	}

	return o.executeSpot(ctx, intent, quantity, inst, attempts)
}

// executeMargin walks the leverage ladder. It returns (nil, nil) when all
// rungs failed with insufficient margin and the spot fallback should run.
func (o *Orchestrator) executeMargin(ctx context.Context, intent types.OrderIntent, quantity decimal.Decimal, attempts *[]types.AttemptRecord) (*types.ExchangeOrder, *types.DecisionTrace) {
	ladder := leverageLadder(intent.RequestedLeverage)
	for i, lev := range ladder {
		req := exchange.MarginEntry{
			Instrument: intent.Symbol,
			Side:       intent.Side,
			Quantity:   quantity,
			ClientOID:  uuid.New().String(),
			Leverage:   lev,
		}

		placed, err := o.placeWithRetry(ctx, req)
		if err == nil {
			*attempts = append(*attempts, types.AttemptRecord{Mode: "margin", Leverage: lev, Outcome: "placed"})
			return o.recordPlaced(ctx, intent, placed, quantity, lev, true, *attempts), nil
		}

		*attempts = append(*attempts, types.AttemptRecord{
			Mode:     "margin",
			Leverage: lev,
			Outcome:  "failed",
			Error:    err.Error(),
		})

		switch o.policy.Classify(err) {
		case ActionFallback:
			o.logger.Warn("margin rejected for insufficient margin, reducing leverage",
				"symbol", intent.Symbol,
				"leverage", lev,
			)
			if i < len(ladder)-1 {
				o.recorder.RecordLeverageFallback(intent.Symbol)
			}
			continue
		default:
			return nil, o.failed(intent, reasonFor(err), err.Error(), *attempts)
		}
	}
	return nil, nil
}

// executeSpot runs the single non-margin attempt, gated on free balance in
// the relevant currency: quote for BUY, base for SELL.
func (o *Orchestrator) executeSpot(ctx context.Context, intent types.OrderIntent, quantity decimal.Decimal, inst exchange.Instrument, attempts []types.AttemptRecord) (*types.ExchangeOrder, *types.DecisionTrace) {
	eligible, detail, err := o.spotEligible(ctx, intent, quantity, inst)
	if err != nil {
		return nil, o.failed(intent, reasonFor(err), fmt.Sprintf("balance check: %v", err), attempts)
	}
	if !eligible {
		attempts = append(attempts, types.AttemptRecord{Mode: "spot", Outcome: "skipped", Error: detail})
		return nil, o.failed(intent, types.ReasonInsufficientFunds, detail, attempts)
	}

	req := exchange.SpotEntry{
		Instrument: intent.Symbol,
		Side:       intent.Side,
		Quantity:   quantity,
		ClientOID:  uuid.New().String(),
	}

	placed, err := o.placeWithRetry(ctx, req)
	if err != nil {
		attempts = append(attempts, types.AttemptRecord{Mode: "spot", Outcome: "failed", Error: err.Error()})
		return nil, o.failed(intent, reasonFor(err), err.Error(), attempts)
	}

	attempts = append(attempts, types.AttemptRecord{Mode: "spot", Outcome: "placed"})
	return o.recordPlaced(ctx, intent, placed, quantity, 0, false, attempts), nil
}

// placeWithRetry applies the retry policy to one placement request. Only
// ActionRetry consumes attempts; fallback and fatal return immediately.
func (o *Orchestrator) placeWithRetry(ctx context.Context, req exchange.EntryRequest) (*exchange.Order, error) {
	var lastErr error
	for attempt := 0; attempt < o.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.clock.Sleep(ctx, o.policy.Backoff); err != nil {
				return nil, err
			}
		}
		placed, err := o.api.CreateOrder(ctx, req)
		if err == nil {
			return placed, nil
		}
		lastErr = err
		if o.policy.Classify(err) != ActionRetry {
			return nil, err
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) spotEligible(ctx context.Context, intent types.OrderIntent, quantity decimal.Decimal, inst exchange.Instrument) (bool, string, error) {
	balances, err := o.api.Balances(ctx)
	if err != nil {
		return false, "", err
	}

	if intent.Side == types.SideBuy {
		free := balances[inst.QuoteCurrency].Available
		if free.LessThan(intent.RequestedNotional) {
			return false, fmt.Sprintf("free %s %s < notional %s",
				inst.QuoteCurrency, free, intent.RequestedNotional), nil
		}
		return true, "", nil
	}

	free := balances[inst.BaseCurrency].Available
	if free.LessThan(quantity) {
		return false, fmt.Sprintf("free %s %s < quantity %s",
			inst.BaseCurrency, free, quantity), nil
	}
	return true, "", nil
}

// quantityFor converts the requested notional into a step-normalized base
// quantity at the signal price.
func (o *Orchestrator) quantityFor(intent types.OrderIntent, inst exchange.Instrument) (decimal.Decimal, error) {
	if intent.Price.IsZero() {
		return decimal.Zero, fmt.Errorf("intent has no price")
	}
	raw := intent.RequestedNotional.Div(intent.Price)
	qty, err := inst.NormalizeQuantity(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("notional %s: %w", intent.RequestedNotional, err)
	}
	return qty, nil
}

func (o *Orchestrator) recordPlaced(ctx context.Context, intent types.OrderIntent, placed *exchange.Order, quantity decimal.Decimal, leverage int, margin bool, attempts []types.AttemptRecord) *types.ExchangeOrder {
	order := types.ExchangeOrder{
		ExchangeOrderID:   placed.OrderID,
		ClientOrderID:     placed.ClientOID,
		Symbol:            intent.Symbol,
		Side:              intent.Side,
		Status:            placed.Status,
		Role:              types.RoleEntry,
		RequestedQuantity: quantity,
		ExecutedQuantity:  placed.CumulativeQuantity,
		Price:             intent.Price,
		Leverage:          leverage,
		IsMargin:          margin,
		Protection:        types.ProtectionNone,
		CreatedAt:         o.clock.Now(),
	}

	if err := o.repo.SaveOrder(ctx, order); err != nil {
		// Placement already happened on the exchange; reconciliation will
		// observe the order even though the local insert failed.
		o.logger.Error("failed to persist placed order",
			"order_id", order.ExchangeOrderID,
			"err", err,
		)
	}

	o.logger.Info("entry order placed",
		"order_id", order.ExchangeOrderID,
		"symbol", order.Symbol,
		"side", order.Side.String(),
		"quantity", quantity.String(),
		"leverage", leverage,
		"margin", margin,
		"attempts", len(attempts),
	)

	return &order
}

func (o *Orchestrator) failed(intent types.OrderIntent, reason types.ReasonCode, msg string, attempts []types.AttemptRecord) *types.DecisionTrace {
	return &types.DecisionTrace{
		CorrelationID: intent.CorrelationID,
		Timestamp:     o.clock.Now(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          types.DecisionTypeFailed,
		Reason:        reason,
		Message:       msg,
		Attempts:      attempts,
	}
}

// leverageLadder returns the descending leverage sequence for a configured
// starting leverage, deduplicated.
func leverageLadder(configured int) []int {
	if configured <= 0 {
		configured = 1
	}
	ladder := []int{configured}
	for _, lev := range fallbackLeverages {
		if lev < configured {
			ladder = append(ladder, lev)
		}
	}
	return ladder
}

// reasonFor maps an exchange error to a failure reason code.
func reasonFor(err error) types.ReasonCode {
	switch exchange.Classify(err) {
	case exchange.KindAuth:
		return types.ReasonAuthenticationError
	case exchange.KindInsufficientBalance, exchange.KindInsufficientMargin:
		return types.ReasonInsufficientFunds
	default:
		return types.ReasonExchangeRejected
	}
}
