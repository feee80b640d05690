// Package engine runs the coordinator's two cycles: signal evaluation,
// which drives the throttle gate and order execution, and reconciliation,
// which re-syncs local order state from the exchange.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccruz0/crypto-2.0-sub006/internal/alerting"
	"github.com/ccruz0/crypto-2.0-sub006/internal/config"
	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
	"github.com/ccruz0/crypto-2.0-sub006/internal/execution"
	"github.com/ccruz0/crypto-2.0-sub006/internal/metrics"
	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
	"github.com/ccruz0/crypto-2.0-sub006/internal/signal"
	"github.com/ccruz0/crypto-2.0-sub006/internal/throttle"
	"github.com/ccruz0/crypto-2.0-sub006/internal/trace"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Engine coordinates the throttle gate, order execution, fill
// confirmation, and protective order management for every watched symbol.
type Engine struct {
	cfg          *config.Config
	logger       *slog.Logger
	api          exchange.API
	repo         persistence.Repository
	source       signal.Source
	gate         *throttle.Gate
	orchestrator *execution.Orchestrator
	poller       *execution.Poller
	protector    *execution.Protector
	traces       *trace.Recorder
	recorder     *metrics.Recorder
	alerter      alerting.Alerter
	collector    *alerting.SummaryCollector
	clock        execution.Clock

	locks *keyedMutex

	mu      sync.Mutex
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Deps bundles the engine's collaborators.
type Deps struct {
	API          exchange.API
	Repo         persistence.Repository
	Source       signal.Source
	Gate         *throttle.Gate
	Orchestrator *execution.Orchestrator
	Poller       *execution.Poller
	Protector    *execution.Protector
	Traces       *trace.Recorder
	Recorder     *metrics.Recorder
	Alerter      alerting.Alerter
	Collector    *alerting.SummaryCollector
	Clock        execution.Clock
}

// New creates the coordinator engine.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = execution.RealClock()
	}

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		api:          deps.API,
		repo:         deps.Repo,
		source:       deps.Source,
		gate:         deps.Gate,
		orchestrator: deps.Orchestrator,
		poller:       deps.Poller,
		protector:    deps.Protector,
		traces:       deps.Traces,
		recorder:     deps.Recorder,
		alerter:      deps.Alerter,
		collector:    deps.Collector,
		clock:        clock,
		locks:        newKeyedMutex(),
		done:         make(chan struct{}),
	}
}

// Start recovers in-flight orders and launches the evaluation and
// reconciliation loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("starting coordinator",
		"symbols", len(e.cfg.Watchlist),
		"eval_interval", e.cfg.EvalInterval(),
		"sync_interval", e.cfg.SyncInterval())

	if err := e.recoverInFlight(ctx); err != nil {
		e.logger.Error("startup recovery failed", "error", err)
		e.recorder.RecordError("startup_recovery")
	}

	e.wg.Add(1)
	go e.evalLoop(ctx)

	e.wg.Add(1)
	go e.syncLoop(ctx)

	if e.collector != nil {
		e.wg.Add(1)
		go e.summaryLoop(ctx)
	}

	e.alert(ctx, alerting.EventBotStarted, "Coordinator started",
		"symbols", len(e.cfg.Watchlist))

	return nil
}

// Stop signals the loops to finish and waits for them.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.done)

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		e.logger.Info("coordinator stopped")
	case <-ctx.Done():
		e.logger.Warn("shutdown timeout elapsed before loops finished")
	}

	e.alert(context.WithoutCancel(ctx), alerting.EventBotStopped, "Coordinator stopped")
}

func (e *Engine) evalLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.EvalInterval())
	defer ticker.Stop()

	e.logger.Info("evaluation loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluation loop stopped: context cancelled")
			return
		case <-e.done:
			e.logger.Info("evaluation loop stopped: shutdown requested")
			return
		case <-ticker.C:
			e.evalCycle(ctx)
		}
	}
}

// evalCycle runs one evaluation pass over the watchlist. Symbols are
// processed sequentially; each gets its own deadline so one stuck symbol
// cannot starve the rest of the cycle indefinitely.
func (e *Engine) evalCycle(ctx context.Context) {
	timer := metrics.NewTimer()

	for _, sym := range e.cfg.Watchlist {
		symCtx, cancel := context.WithTimeout(ctx, e.cfg.SymbolBudget())
		if err := e.processSymbol(symCtx, sym); err != nil {
			e.logger.Error("symbol evaluation failed",
				"symbol", sym.Symbol,
				"error", err)
			e.recorder.RecordError("process_symbol")
		}
		cancel()

		select {
		case <-e.done:
			return
		default:
		}
	}

	e.recorder.RecordEvalCycle(timer.Elapsed())
}

// processSymbol pulls at most one signal for the symbol and drives it to a
// terminal outcome: throttled, blocked, failed, or a protected position.
func (e *Engine) processSymbol(ctx context.Context, sym config.SymbolConfig) error {
	sig, err := e.source.Next(ctx, sym.Symbol)
	if err != nil {
		return fmt.Errorf("signal source: %w", err)
	}
	if sig == nil {
		return nil
	}

	if !sig.VolumeKnown {
		// Volume does not participate in the gate rule; an unavailable
		// volume is noted and the signal proceeds.
		e.logger.Warn("signal volume unavailable, evaluating anyway",
			"symbol", sig.Symbol,
			"side", sig.Side.String())
	}

	correlationID := sig.ID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	rule := throttle.Rule{
		Cooldown:       e.cfg.Cooldown(sym),
		MinPriceChange: e.cfg.MinPriceChange(sym),
	}

	// The keyed lock covers only the gate check and its state write. Placement
	// runs unlocked; the orchestrator's dedup check guards against a second
	// evaluation racing the same (symbol, side).
	unlock := e.locks.lock(sig.Symbol, sig.Side)
	result, err := e.gate.Evaluate(ctx, correlationID, sig.Symbol, sig.Side, sig.Price, e.clock.Now(), rule)
	unlock()

	if !result.Accepted() {
		// Accepted traces are persisted inside the gate's transaction;
		// blocked ones still need the full record path.
		if recErr := e.traces.Record(ctx, result.Trace); recErr != nil {
			e.logger.Error("failed to record block trace", "error", recErr)
		}
		if err != nil {
			return fmt.Errorf("gate: %w", err)
		}
		return nil
	}

	e.traces.Publish(ctx, result.Trace)
	e.alert(ctx, alerting.EventSignalAccepted, "Signal accepted",
		"symbol", sig.Symbol,
		"side", sig.Side.String(),
		"price", sig.Price,
		"reason", string(result.Reason))

	if !sym.TradeEnabled {
		e.logger.Info("trading disabled for symbol, signal recorded only",
			"symbol", sig.Symbol,
			"side", sig.Side.String())
		return nil
	}

	intent := types.OrderIntent{
		CorrelationID:     correlationID,
		Symbol:            sig.Symbol,
		Side:              sig.Side,
		Price:             sig.Price,
		RequestedNotional: sym.TradeAmount(),
		RequestedLeverage: sym.Leverage,
		IsMargin:          sym.TradeOnMargin,
		CreatedAt:         e.clock.Now(),
	}

	return e.execute(ctx, sym, intent)
}

// execute runs placement, fill confirmation, and protection for one intent.
func (e *Engine) execute(ctx context.Context, sym config.SymbolConfig, intent types.OrderIntent) error {
	order, failTrace := e.orchestrator.Execute(ctx, intent)
	if failTrace != nil {
		if err := e.traces.Record(ctx, *failTrace); err != nil {
			e.logger.Error("failed to record execution trace", "error", err)
		}
		if failTrace.Type == types.DecisionTypeFailed {
			e.alert(ctx, alerting.EventOrderFailed, "Order placement failed",
				"symbol", intent.Symbol,
				"side", intent.Side.String(),
				"reason", string(failTrace.Reason))
		}
		return nil
	}

	mode := "spot"
	if order.IsMargin {
		mode = "margin"
	}
	e.recorder.RecordOrderPlaced(order.Symbol, order.Side.String(), mode)
	if e.collector != nil {
		e.collector.ObserveOrderPlaced(order.IsMargin)
	}
	e.alert(ctx, alerting.EventOrderPlaced, "Entry order placed",
		"order_id", order.ExchangeOrderID,
		"symbol", order.Symbol,
		"side", order.Side.String(),
		"mode", mode,
		"quantity", order.RequestedQuantity)

	confirmTimer := metrics.NewTimer()
	fill, err := e.poller.Confirm(ctx, &exchange.Order{
		OrderID:            order.ExchangeOrderID,
		Symbol:             order.Symbol,
		Status:             order.Status,
		CumulativeQuantity: order.ExecutedQuantity,
	})
	if err != nil {
		t := types.DecisionTrace{
			CorrelationID: intent.CorrelationID,
			Timestamp:     e.clock.Now(),
			Symbol:        order.Symbol,
			Side:          order.Side,
			Type:          types.DecisionTypeFailed,
			Reason:        types.ReasonFillUnconfirmed,
			Message:       err.Error(),
		}
		if recErr := e.traces.Record(ctx, t); recErr != nil {
			e.logger.Error("failed to record fill-unconfirmed trace", "error", recErr)
		}
		e.alert(ctx, alerting.EventFillUnconfirmed, "Fill unconfirmed, position may be unprotected",
			"order_id", order.ExchangeOrderID,
			"symbol", order.Symbol)
		return nil
	}
	e.recorder.RecordFillConfirmation(confirmTimer.Elapsed(), fill.Attempts)

	if err := e.repo.UpdateOrderStatus(ctx, order.ExchangeOrderID, fill.Status, fill.ExecutedQuantity); err != nil {
		e.logger.Error("failed to persist confirmed status",
			"order_id", order.ExchangeOrderID,
			"error", err)
	}

	if fill.Status != types.OrderStatusFilled {
		e.logger.Info("entry order terminal without fill, no protection needed",
			"order_id", order.ExchangeOrderID,
			"status", fill.Status.String())
		return nil
	}

	if err := e.repo.UpdateProtection(ctx, order.ExchangeOrderID, types.ProtectionEntryFilled); err != nil {
		e.logger.Error("failed to record entry fill state",
			"order_id", order.ExchangeOrderID,
			"error", err)
	}

	return e.protect(ctx, sym, order, fill, intent.CorrelationID)
}

func (e *Engine) protect(ctx context.Context, sym config.SymbolConfig, order *types.ExchangeOrder, fill execution.Confirmation, correlationID string) error {
	result, failTrace := e.protector.Protect(ctx, order, fill, execution.ProtectionParams{
		CorrelationID: correlationID,
		SLRatio:       sym.SLRatio(),
		TPRatio:       sym.TPRatio(),
	})
	if failTrace != nil {
		if err := e.traces.Record(ctx, *failTrace); err != nil {
			e.logger.Error("failed to record protection trace", "error", err)
		}
		e.recorder.RecordProtectiveOrder("pair", "failed")
		e.alert(ctx, alerting.EventProtectionFailed, "Protective order placement failed",
			"order_id", order.ExchangeOrderID,
			"symbol", order.Symbol,
			"detail", failTrace.Message)
		return nil
	}

	e.recorder.RecordProtectiveOrder(types.RoleStopLoss.String(), "placed")
	e.recorder.RecordProtectiveOrder(types.RoleTakeProfit.String(), "placed")
	e.alert(ctx, alerting.EventPositionProtected, "Position protected",
		"order_id", order.ExchangeOrderID,
		"symbol", order.Symbol,
		"oco_group", result.OCOGroupID,
		"stop_loss", result.StopLoss.Price,
		"take_profit", result.TakeProfit.Price)
	return nil
}

func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval())
	defer ticker.Stop()

	e.logger.Info("reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation loop stopped: context cancelled")
			return
		case <-e.done:
			e.logger.Info("reconciliation loop stopped: shutdown requested")
			return
		case <-ticker.C:
			if err := e.reconcile(ctx); err != nil {
				e.logger.Error("reconciliation failed", "error", err)
				e.recorder.RecordError("reconcile")
			}
		}
	}
}

// reconcile re-syncs every non-terminal local order from the exchange.
// The exchange is authoritative: local rows that the exchange no longer
// knows are anomalies, and protective fills observed here resolve their
// OCO pair exactly as a live observation would.
func (e *Engine) reconcile(ctx context.Context) error {
	local, err := e.repo.GetNonTerminalOrders(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal orders: %w", err)
	}
	if len(local) == 0 {
		return nil
	}

	openByID := make(map[string]exchange.Order)
	symbols := make(map[string]bool)
	for _, o := range local {
		symbols[o.Symbol] = true
	}
	for sym := range symbols {
		open, err := e.api.OpenOrders(ctx, sym)
		if err != nil {
			return fmt.Errorf("open orders for %s: %w", sym, err)
		}
		for _, o := range open {
			openByID[o.OrderID] = o
		}
	}

	for i := range local {
		e.reconcileOrder(ctx, local[i], openByID)
	}
	return nil
}

func (e *Engine) reconcileOrder(ctx context.Context, order types.ExchangeOrder, openByID map[string]exchange.Order) {
	unlock := e.locks.lock(order.Symbol, order.Side)
	defer unlock()

	if live, ok := openByID[order.ExchangeOrderID]; ok {
		if live.Status != order.Status || !live.CumulativeQuantity.Equal(order.ExecutedQuantity) {
			if err := e.repo.UpdateOrderStatus(ctx, order.ExchangeOrderID, live.Status, live.CumulativeQuantity); err != nil {
				e.logger.Error("failed to sync order status",
					"order_id", order.ExchangeOrderID,
					"error", err)
			}
		}
		return
	}

	// Not in the open set: resolve its terminal state directly.
	detail, err := e.api.OrderDetail(ctx, order.ExchangeOrderID)
	if err != nil {
		if exchange.Classify(err) == exchange.KindNotFound {
			e.logger.Warn("local order unknown to exchange",
				"order_id", order.ExchangeOrderID,
				"symbol", order.Symbol)
			e.recorder.RecordReconcileAnomaly(order.Symbol)
			return
		}
		e.logger.Error("order detail lookup failed",
			"order_id", order.ExchangeOrderID,
			"error", err)
		return
	}

	if !detail.Status.IsFinal() {
		// Open on the exchange but missed by the open-order snapshot;
		// next cycle picks it up.
		return
	}

	if detail.Status == types.OrderStatusFilled &&
		(order.Role == types.RoleStopLoss || order.Role == types.RoleTakeProfit) {
		order.ExecutedQuantity = detail.CumulativeQuantity
		outcome, err := e.protector.OnProtectiveFill(ctx, order)
		if err != nil {
			e.logger.Error("failed to resolve protective fill",
				"order_id", order.ExchangeOrderID,
				"error", err)
			e.recorder.RecordError("oco_resolve")
			return
		}
		if outcome.CancelResult != "" {
			e.recorder.RecordOCOCancellation(outcome.CancelResult)
		}
		if !outcome.AlreadyDone {
			e.alert(ctx, alerting.EventPositionClosed, "Position closed",
				"symbol", order.Symbol,
				"role", order.Role.String(),
				"order_id", order.ExchangeOrderID)
		}
		return
	}

	if err := e.repo.UpdateOrderStatus(ctx, order.ExchangeOrderID, detail.Status, detail.CumulativeQuantity); err != nil {
		e.logger.Error("failed to persist terminal status",
			"order_id", order.ExchangeOrderID,
			"error", err)
	}

	if detail.Status == types.OrderStatusFilled && order.Role == types.RoleEntry {
		e.reconcileEntryFill(ctx, order, *detail)
	}
}

// reconcileEntryFill resolves an entry order that reached FILLED while the
// coordinator was not watching it, typically across a restart. When no live
// protective pair exists the usual protection path runs, so the position
// either ends protected or leaves a PROTECTIVE_ORDER_FAILED critical trace.
func (e *Engine) reconcileEntryFill(ctx context.Context, order types.ExchangeOrder, detail exchange.Order) {
	order.Status = detail.Status
	order.ExecutedQuantity = detail.CumulativeQuantity

	if order.Protection >= types.ProtectionProtected {
		return
	}

	children, err := e.repo.GetOrdersByParent(ctx, order.ExchangeOrderID)
	if err != nil {
		e.logger.Error("failed to load protective orders",
			"order_id", order.ExchangeOrderID,
			"error", err)
		return
	}
	for _, c := range children {
		if !c.Status.IsFinal() {
			// A live protective order already exists; its own reconciliation
			// resolves the pair.
			return
		}
	}

	correlationID := order.ClientOrderID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	sym, ok := e.cfg.SymbolFor(order.Symbol)
	if !ok {
		// No watchlist entry means no SL/TP ratios; the position stays
		// unprotected and must surface as critical.
		t := types.DecisionTrace{
			CorrelationID: correlationID,
			Timestamp:     e.clock.Now(),
			Symbol:        order.Symbol,
			Side:          order.Side,
			Type:          types.DecisionTypeFailed,
			Reason:        types.ReasonProtectiveOrderFailed,
			Message:       "filled entry for symbol missing from watchlist",
		}
		if err := e.traces.Record(ctx, t); err != nil {
			e.logger.Error("failed to record protection trace", "error", err)
		}
		return
	}

	if err := e.repo.UpdateProtection(ctx, order.ExchangeOrderID, types.ProtectionEntryFilled); err != nil {
		e.logger.Error("failed to record entry fill state",
			"order_id", order.ExchangeOrderID,
			"error", err)
	}
	fill := execution.Confirmation{
		Status:           detail.Status,
		ExecutedQuantity: detail.CumulativeQuantity,
	}
	_ = e.protect(ctx, sym, &order, fill, correlationID)
}

// recoverInFlight handles orders left non-terminal by a previous run. It
// runs one reconciliation pass before the loops start so that a restart
// never leaves a filled entry unprotected or an OCO pair half-resolved.
func (e *Engine) recoverInFlight(ctx context.Context) error {
	local, err := e.repo.GetNonTerminalOrders(ctx)
	if err != nil {
		return fmt.Errorf("load non-terminal orders: %w", err)
	}
	if len(local) == 0 {
		return nil
	}

	e.logger.Info("recovering in-flight orders", "count", len(local))
	return e.reconcile(ctx)
}

// summaryLoop sends the daily decision summary shortly after midnight UTC.
// The wait runs on the injected clock so the loop is testable without real
// day-long sleeps.
func (e *Engine) summaryLoop(ctx context.Context) {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		now := e.clock.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		if err := e.clock.Sleep(ctx, next.Sub(now)); err != nil {
			return
		}
		e.sendDailySummary(ctx)
	}
}

func (e *Engine) sendDailySummary(ctx context.Context) {
	summary := e.collector.Snapshot(e.clock.Now())

	if tg, ok := e.alerter.(interface {
		SendDailySummary(ctx context.Context, s alerting.DailySummary) error
	}); ok {
		if err := tg.SendDailySummary(ctx, summary); err != nil {
			e.logger.Error("failed to send daily summary", "error", err)
			e.recorder.RecordError("daily_summary")
		}
		return
	}

	e.logger.Info("daily summary",
		"accepted", summary.Accepted,
		"throttled", summary.Throttled,
		"blocked", summary.Blocked,
		"failed", summary.Failed,
		"orders_placed", summary.OrdersPlaced)
}

// alert sends an event notification when the event is enabled in config.
func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if e.alerter == nil || !e.cfg.IsAlertEventEnabled(string(event)) {
		return
	}
	severity := alerting.EventSeverity(event)
	if err := e.alerter.Alert(ctx, severity, message, fields...); err != nil {
		e.logger.Warn("failed to send alert",
			"event", string(event),
			"err", err)
	}
}
