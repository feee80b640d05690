// Package throttle implements the signal throttle gate.
//
// The gate decides, per (symbol, side), whether a freshly computed signal may
// fire. The persisted throttle row is the single source of truth; there is
// no process-local cache to drift from it.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Rule holds the thresholds for one evaluation.
type Rule struct {
	Cooldown       time.Duration
	MinPriceChange decimal.Decimal // ratio, 0.01 = 1%
}

// Result is the outcome of one gate evaluation.
type Result struct {
	Decision types.Decision
	Reason   types.ReasonCode
	Elapsed  time.Duration
	DeltaPct decimal.Decimal
	Trace    types.DecisionTrace
}

// Accepted reports whether the signal may fire.
func (r Result) Accepted() bool {
	return r.Decision == types.DecisionAccept
}

// Gate evaluates signals against persisted throttle state.
type Gate struct {
	repo   persistence.Repository
	logger *slog.Logger
}

// NewGate creates a new throttle gate.
func NewGate(repo persistence.Repository, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{repo: repo, logger: logger}
}

// Evaluate applies the cooldown-AND-price-delta rule for (symbol, side).
//
// An absent row means no prior emission and accepts. Both conditions use >=
// so an exactly-equal elapsed time or delta accepts. When both conditions
// fail the cooldown is reported; a block always names the condition that
// failed. On accept the throttle row and the decision trace are written in
// one transaction.
//
// A store failure blocks the signal (fail-closed): an uncontrolled accept
// could duplicate orders, a missed one only delays them.
func (g *Gate) Evaluate(ctx context.Context, correlationID, symbol string, side types.Side, price decimal.Decimal, now time.Time, rule Rule) (Result, error) {
	state, err := g.repo.GetThrottleState(ctx, symbol, side)
	if err != nil {
		g.logger.Error("throttle state unavailable, blocking signal",
			"symbol", symbol,
			"side", side.String(),
			"err", err,
		)
		return g.blocked(correlationID, symbol, side, types.ReasonStateUnavailable, err.Error(), now),
			fmt.Errorf("%w: %v", types.ErrStateUnavailable, err)
	}

	if state == nil {
		return g.accept(ctx, correlationID, symbol, side, price, now, types.ReasonFirstSignal, "first signal for pair")
	}

	if state.ForceNextSignal {
		// One-shot override: accept unconditionally, clearing the flag in the
		// same transaction as the state update.
		return g.accept(ctx, correlationID, symbol, side, price, now, types.ReasonForced, "force_next_signal set")
	}

	elapsed := now.Sub(state.LastEmitTime)
	deltaPct := decimal.Zero
	if !state.LastPrice.IsZero() {
		deltaPct = price.Sub(state.LastPrice).Div(state.LastPrice).Abs()
	}

	if elapsed < rule.Cooldown {
		msg := fmt.Sprintf("elapsed %s < cooldown %s", elapsed.Truncate(time.Second), rule.Cooldown)
		res := g.blocked(correlationID, symbol, side, types.ReasonThrottledCooldown, msg, now)
		res.Elapsed = elapsed
		res.DeltaPct = deltaPct
		return res, nil
	}

	if deltaPct.LessThan(rule.MinPriceChange) {
		msg := fmt.Sprintf("price delta %s%% < required %s%%",
			deltaPct.Mul(decimal.NewFromInt(100)).StringFixed(4),
			rule.MinPriceChange.Mul(decimal.NewFromInt(100)).StringFixed(4))
		res := g.blocked(correlationID, symbol, side, types.ReasonThrottledPriceGate, msg, now)
		res.Elapsed = elapsed
		res.DeltaPct = deltaPct
		return res, nil
	}

	res, err := g.accept(ctx, correlationID, symbol, side, price, now, types.ReasonAccepted, "cooldown and price gate passed")
	res.Elapsed = elapsed
	res.DeltaPct = deltaPct
	return res, err
}

// SetForceNext arms or clears the one-shot override for (symbol, side).
func (g *Gate) SetForceNext(ctx context.Context, symbol string, side types.Side, force bool) error {
	return g.repo.SetForceNext(ctx, symbol, side, force)
}

// Reset removes the throttle row for (symbol, side).
func (g *Gate) Reset(ctx context.Context, symbol string, side types.Side) error {
	return g.repo.ResetThrottleState(ctx, symbol, side)
}

func (g *Gate) accept(ctx context.Context, correlationID, symbol string, side types.Side, price decimal.Decimal, now time.Time, reason types.ReasonCode, msg string) (Result, error) {
	trace := types.DecisionTrace{
		CorrelationID: correlationID,
		Timestamp:     now,
		Symbol:        symbol,
		Side:          side,
		Type:          types.DecisionTypeAccept,
		Reason:        reason,
		Message:       msg,
	}

	state := types.ThrottleState{
		Symbol:          symbol,
		Side:            side,
		LastPrice:       price,
		LastEmitTime:    now,
		EmitReason:      string(reason),
		ForceNextSignal: false,
	}

	if err := g.repo.RecordAccept(ctx, state, trace); err != nil {
		// The emission was not durably recorded: treat as blocked so a retry
		// cannot double-fire against stale state.
		g.logger.Error("failed to record accept, blocking signal",
			"symbol", symbol,
			"side", side.String(),
			"err", err,
		)
		return g.blocked(correlationID, symbol, side, types.ReasonStateUnavailable, err.Error(), now),
			fmt.Errorf("%w: %v", types.ErrStateUnavailable, err)
	}

	return Result{
		Decision: types.DecisionAccept,
		Reason:   reason,
		Trace:    trace,
	}, nil
}

func (g *Gate) blocked(correlationID, symbol string, side types.Side, reason types.ReasonCode, msg string, now time.Time) Result {
	return Result{
		Decision: types.DecisionBlock,
		Reason:   reason,
		Trace: types.DecisionTrace{
			CorrelationID: correlationID,
			Timestamp:     now,
			Symbol:        symbol,
			Side:          side,
			Type:          types.DecisionTypeBlocked,
			Reason:        reason,
			Message:       msg,
		},
	}
}
