package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

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

const engineYAML = `
exchange:
  base_url: https://api.example.com/v1
  api_key: key
  api_secret: secret

watchlist:
  - symbol: BTC_USDT
    trade_enabled: true
    trade_on_margin: true
    trade_amount_usd: 100
    leverage: 10
    sl_percentage: 2.0
    tp_percentage: 4.0
  - symbol: ETH_USDT
    trade_enabled: false

alerting:
  enabled: true

persistence:
  path: test.db
`

// fakeAPI is an in-memory exchange.API double; behavior is injected through
// the *Fn hooks.
type fakeAPI struct {
	mu sync.Mutex

	createFn     func(req exchange.EntryRequest) (*exchange.Order, error)
	protectiveFn func(req exchange.ProtectiveRequest) (*exchange.Order, error)
	cancelFn     func(symbol, orderID string) error
	openFn       func(symbol string) ([]exchange.Order, error)
	historyFn    func(symbol string, pageSize int) ([]exchange.Order, error)
	detailFn     func(orderID string) (*exchange.Order, error)

	createCalls     []exchange.EntryRequest
	protectiveCalls []exchange.ProtectiveRequest
	cancelCalls     []string
}

func (f *fakeAPI) Instrument(_ context.Context, symbol string) (exchange.Instrument, error) {
	return exchange.Instrument{
		Symbol:        symbol,
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		QtyStep:       decimal.RequireFromString("0.00000001"),
		PriceTick:     decimal.RequireFromString("0.01"),
		MinQuantity:   decimal.RequireFromString("0.00000100"),
	}, nil
}

func (f *fakeAPI) CreateOrder(_ context.Context, req exchange.EntryRequest) (*exchange.Order, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, req)
	f.mu.Unlock()
	if f.createFn == nil {
		return &exchange.Order{OrderID: "e-1", Status: types.OrderStatusNew}, nil
	}
	return f.createFn(req)
}

func (f *fakeAPI) CreateProtectiveOrder(_ context.Context, req exchange.ProtectiveRequest) (*exchange.Order, error) {
	f.mu.Lock()
	f.protectiveCalls = append(f.protectiveCalls, req)
	f.mu.Unlock()
	if f.protectiveFn == nil {
		return &exchange.Order{OrderID: "p-" + req.ClientOID, Status: types.OrderStatusNew}, nil
	}
	return f.protectiveFn(req)
}

func (f *fakeAPI) CancelOrder(_ context.Context, symbol, orderID string) error {
	f.mu.Lock()
	f.cancelCalls = append(f.cancelCalls, orderID)
	f.mu.Unlock()
	if f.cancelFn == nil {
		return nil
	}
	return f.cancelFn(symbol, orderID)
}

func (f *fakeAPI) OpenOrders(_ context.Context, symbol string) ([]exchange.Order, error) {
	if f.openFn == nil {
		return nil, nil
	}
	return f.openFn(symbol)
}

func (f *fakeAPI) OrderHistory(_ context.Context, symbol string, pageSize int) ([]exchange.Order, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(symbol, pageSize)
}

func (f *fakeAPI) OrderDetail(_ context.Context, orderID string) (*exchange.Order, error) {
	if f.detailFn == nil {
		return nil, nil
	}
	return f.detailFn(orderID)
}

func (f *fakeAPI) Balances(_ context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{}, nil
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.createCalls)
}

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type testEnv struct {
	api       *fakeAPI
	repo      *persistence.SQLiteRepository
	source    *signal.MockSource
	alerter   *alerting.MockAlerter
	collector *alerting.SummaryCollector
	cfg       *config.Config
	eng       *Engine
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()

	cfg, err := config.LoadFromBytes([]byte(engineYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	repo, err := persistence.NewSQLiteRepository(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: testEpoch}
	api := &fakeAPI{}
	source := signal.NewMockSource()
	alerter := alerting.NewMockAlerter()
	collector := alerting.NewSummaryCollector(clock.Now())
	recorder := metrics.NewRecorder()
	traces := trace.NewRecorder(repo, recorder, alerter, collector, logger)

	poller := execution.NewPoller(api, clock, logger)
	poller.MaxAttempts = 3
	poller.Interval = time.Millisecond

	eng := New(cfg, Deps{
		API:          api,
		Repo:         repo,
		Source:       source,
		Gate:         throttle.NewGate(repo, logger),
		Orchestrator: execution.NewOrchestrator(api, repo, execution.DefaultPolicy(), clock, logger),
		Poller:       poller,
		Protector:    execution.NewProtector(api, repo, clock, logger),
		Traces:       traces,
		Recorder:     recorder,
		Alerter:      alerter,
		Collector:    collector,
		Clock:        clock,
	}, logger)

	return &testEnv{
		api:       api,
		repo:      repo,
		source:    source,
		alerter:   alerter,
		collector: collector,
		cfg:       cfg,
		eng:       eng,
	}
}

func (env *testEnv) symbol(t *testing.T, name string) config.SymbolConfig {
	t.Helper()
	sym, ok := env.cfg.SymbolFor(name)
	if !ok {
		t.Fatalf("symbol %s not in watchlist", name)
	}
	return sym
}

func buySignal(symbol string, price string) *types.Signal {
	return &types.Signal{
		ID:          "sig-" + symbol,
		Timestamp:   time.Now().UTC(),
		Symbol:      symbol,
		Side:        types.SideBuy,
		Price:       decimal.RequireFromString(price),
		VolumeKnown: true,
	}
}

// testEpoch is the fixed instant the fake clock starts at; traces produced
// through the engine are stamped with it, so queries anchor here too.
var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tracesFor(t *testing.T, env *testEnv, symbol string) []types.DecisionTrace {
	t.Helper()
	now := testEpoch
	traces, err := env.repo.GetTraces(context.Background(), symbol, now.Add(-24*time.Hour), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetTraces: %v", err)
	}
	return traces
}

func TestProcessSymbol_NoSignalIsNoop(t *testing.T) {
	env := newTestEngine(t)

	if err := env.eng.processSymbol(context.Background(), env.symbol(t, "BTC_USDT")); err != nil {
		t.Fatalf("processSymbol: %v", err)
	}
	if len(env.api.createCalls) != 0 {
		t.Errorf("orders placed without a signal: %d", len(env.api.createCalls))
	}
	if got := tracesFor(t, env, "BTC_USDT"); len(got) != 0 {
		t.Errorf("traces recorded without a signal: %d", len(got))
	}
}

func TestProcessSymbol_SourceErrorPropagates(t *testing.T) {
	env := newTestEngine(t)
	env.source.FailWith(errors.New("feed down"))

	if err := env.eng.processSymbol(context.Background(), env.symbol(t, "BTC_USDT")); err == nil {
		t.Fatal("expected source error")
	}
}

func TestProcessSymbol_ThrottledSignalRecordsTrace(t *testing.T) {
	env := newTestEngine(t)
	sym := env.symbol(t, "ETH_USDT")

	env.source.Push("ETH_USDT", buySignal("ETH_USDT", "2000"))
	env.source.Push("ETH_USDT", buySignal("ETH_USDT", "2001"))

	if err := env.eng.processSymbol(context.Background(), sym); err != nil {
		t.Fatalf("first signal: %v", err)
	}
	if err := env.eng.processSymbol(context.Background(), sym); err != nil {
		t.Fatalf("second signal: %v", err)
	}

	traces := tracesFor(t, env, "ETH_USDT")
	if len(traces) != 2 {
		t.Fatalf("traces = %d, want 2", len(traces))
	}

	reasons := map[types.ReasonCode]bool{}
	for _, tr := range traces {
		reasons[tr.Reason] = true
	}
	if !reasons[types.ReasonFirstSignal] {
		t.Error("first signal trace missing")
	}
	if !reasons[types.ReasonThrottledCooldown] {
		t.Error("cooldown block trace missing")
	}
}

func TestProcessSymbol_TradeDisabledRecordsOnly(t *testing.T) {
	env := newTestEngine(t)
	sym := env.symbol(t, "ETH_USDT")

	env.source.Push("ETH_USDT", buySignal("ETH_USDT", "2000"))
	if err := env.eng.processSymbol(context.Background(), sym); err != nil {
		t.Fatalf("processSymbol: %v", err)
	}

	if len(env.api.createCalls) != 0 {
		t.Errorf("orders placed for trade-disabled symbol: %d", len(env.api.createCalls))
	}
	if !env.alerter.HasAlertContaining("Signal accepted") {
		t.Error("signal-accepted notification missing")
	}
}

func TestProcessSymbol_FullFlowProtectsPosition(t *testing.T) {
	env := newTestEngine(t)
	sym := env.symbol(t, "BTC_USDT")

	filled := exchange.Order{
		OrderID:            "e-1",
		Symbol:             "BTC_USDT",
		Status:             types.OrderStatusFilled,
		CumulativeQuantity: decimal.RequireFromString("0.002"),
	}
	env.api.historyFn = func(string, int) ([]exchange.Order, error) {
		return []exchange.Order{filled}, nil
	}

	env.source.Push("BTC_USDT", buySignal("BTC_USDT", "50000"))
	if err := env.eng.processSymbol(context.Background(), sym); err != nil {
		t.Fatalf("processSymbol: %v", err)
	}

	if len(env.api.createCalls) != 1 {
		t.Fatalf("entry placements = %d, want 1", len(env.api.createCalls))
	}
	if len(env.api.protectiveCalls) != 2 {
		t.Fatalf("protective placements = %d, want 2", len(env.api.protectiveCalls))
	}
	if env.api.protectiveCalls[0].Role != types.RoleStopLoss {
		t.Error("stop-loss must be placed before take-profit")
	}

	// Protective orders are sized from the confirmed fill quantity.
	wantQty := decimal.RequireFromString("0.002")
	for _, pc := range env.api.protectiveCalls {
		if !pc.Quantity.Equal(wantQty) {
			t.Errorf("protective quantity = %s, want %s", pc.Quantity, wantQty)
		}
	}

	entry, err := env.repo.GetOrder(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if entry == nil {
		t.Fatal("entry order not persisted")
	}
	if entry.Status != types.OrderStatusFilled {
		t.Errorf("entry status = %s, want FILLED", entry.Status)
	}
	if entry.Protection != types.ProtectionProtected {
		t.Errorf("protection state = %s, want PROTECTED", entry.Protection)
	}

	if !env.alerter.HasAlertContaining("Position protected") {
		t.Error("position-protected notification missing")
	}
}

func TestProcessSymbol_FillUnconfirmedIsCritical(t *testing.T) {
	env := newTestEngine(t)
	sym := env.symbol(t, "BTC_USDT")

	// The exchange never reports the order as terminal.
	env.source.Push("BTC_USDT", buySignal("BTC_USDT", "50000"))
	if err := env.eng.processSymbol(context.Background(), sym); err != nil {
		t.Fatalf("processSymbol: %v", err)
	}

	if len(env.api.protectiveCalls) != 0 {
		t.Errorf("protective orders placed for unconfirmed fill: %d", len(env.api.protectiveCalls))
	}

	var found bool
	for _, tr := range tracesFor(t, env, "BTC_USDT") {
		if tr.Reason == types.ReasonFillUnconfirmed {
			found = true
		}
	}
	if !found {
		t.Error("FILL_UNCONFIRMED trace missing")
	}
	if !env.alerter.HasAlertWithSeverity(alerting.SeverityCritical) {
		t.Error("unconfirmed fill must alert at critical severity")
	}
}

func TestProcessSymbol_ImmediateFillConfirmsFromPlacement(t *testing.T) {
	env := newTestEngine(t)
	sym := env.symbol(t, "BTC_USDT")

	// A market order can come back from create-order already terminal. No
	// open-order or history lookup will ever see it, so the placement
	// response itself must confirm the fill.
	qty := decimal.RequireFromString("0.00011119")
	env.api.createFn = func(exchange.EntryRequest) (*exchange.Order, error) {
		return &exchange.Order{
			OrderID:            "e-1",
			Symbol:             "BTC_USDT",
			Status:             types.OrderStatusFilled,
			CumulativeQuantity: qty,
		}, nil
	}

	env.source.Push("BTC_USDT", buySignal("BTC_USDT", "50000"))
	if err := env.eng.processSymbol(context.Background(), sym); err != nil {
		t.Fatalf("processSymbol: %v", err)
	}

	for _, tr := range tracesFor(t, env, "BTC_USDT") {
		if tr.Reason == types.ReasonFillUnconfirmed {
			t.Fatal("already-filled placement reported as unconfirmed")
		}
	}

	if len(env.api.protectiveCalls) != 2 {
		t.Fatalf("protective placements = %d, want 2", len(env.api.protectiveCalls))
	}
	for _, pc := range env.api.protectiveCalls {
		if !pc.Quantity.Equal(qty) {
			t.Errorf("protective quantity = %s, want %s", pc.Quantity, qty)
		}
	}

	entry, err := env.repo.GetOrder(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if entry.Protection != types.ProtectionProtected {
		t.Errorf("protection state = %s, want PROTECTED", entry.Protection)
	}
}

func TestProcessSymbol_LockReleasedBeforePlacement(t *testing.T) {
	env := newTestEngine(t)
	sym := env.symbol(t, "BTC_USDT")

	release := make(chan struct{})
	env.api.createFn = func(exchange.EntryRequest) (*exchange.Order, error) {
		<-release
		return &exchange.Order{OrderID: "e-1", Status: types.OrderStatusNew}, nil
	}

	env.source.Push("BTC_USDT", buySignal("BTC_USDT", "50000"))

	done := make(chan error, 1)
	go func() { done <- env.eng.processSymbol(context.Background(), sym) }()

	deadline := time.After(2 * time.Second)
	for env.api.createCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("placement never started")
		case <-time.After(time.Millisecond):
		}
	}

	// The gate lock must be free while the order is in flight; only the
	// gate check and its state write are serialized per (symbol, side).
	acquired := make(chan struct{})
	go func() {
		u := env.eng.locks.lock("BTC_USDT", types.SideBuy)
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("keyed lock still held during order placement")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("processSymbol: %v", err)
	}
}

func TestReconcile_ProtectiveFillClosesPosition(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	qty := decimal.RequireFromString("0.002")

	seed := []types.ExchangeOrder{
		{
			ExchangeOrderID:   "e-1",
			Symbol:            "BTC_USDT",
			Side:              types.SideBuy,
			Status:            types.OrderStatusFilled,
			Role:              types.RoleEntry,
			RequestedQuantity: qty,
			ExecutedQuantity:  qty,
			Price:             decimal.RequireFromString("50000"),
			Protection:        types.ProtectionProtected,
			CreatedAt:         now,
		},
		{
			ExchangeOrderID:   "sl-1",
			Symbol:            "BTC_USDT",
			Side:              types.SideSell,
			Status:            types.OrderStatusNew,
			Role:              types.RoleStopLoss,
			ParentOrderID:     "e-1",
			OCOGroupID:        "g-1",
			RequestedQuantity: qty,
			Price:             decimal.RequireFromString("49000"),
			CreatedAt:         now.Add(time.Second),
		},
		{
			ExchangeOrderID:   "tp-1",
			Symbol:            "BTC_USDT",
			Side:              types.SideSell,
			Status:            types.OrderStatusNew,
			Role:              types.RoleTakeProfit,
			ParentOrderID:     "e-1",
			OCOGroupID:        "g-1",
			RequestedQuantity: qty,
			Price:             decimal.RequireFromString("52000"),
			CreatedAt:         now.Add(2 * time.Second),
		},
	}
	for _, o := range seed {
		if err := env.repo.SaveOrder(ctx, o); err != nil {
			t.Fatalf("seed %s: %v", o.ExchangeOrderID, err)
		}
	}

	// The stop-loss filled on the exchange; its pair must be resolved.
	env.api.detailFn = func(orderID string) (*exchange.Order, error) {
		switch orderID {
		case "sl-1":
			return &exchange.Order{
				OrderID:            "sl-1",
				Symbol:             "BTC_USDT",
				Status:             types.OrderStatusFilled,
				CumulativeQuantity: qty,
			}, nil
		default:
			return &exchange.Order{
				OrderID: orderID,
				Symbol:  "BTC_USDT",
				Status:  types.OrderStatusCancelled,
			}, nil
		}
	}

	if err := env.eng.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(env.api.cancelCalls) != 1 || env.api.cancelCalls[0] != "tp-1" {
		t.Errorf("cancel calls = %v, want [tp-1]", env.api.cancelCalls)
	}

	entry, err := env.repo.GetOrder(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if entry.Protection != types.ProtectionClosed {
		t.Errorf("entry protection = %s, want CLOSED", entry.Protection)
	}

	tp, err := env.repo.GetOrder(ctx, "tp-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if tp.Status != types.OrderStatusCancelled {
		t.Errorf("sibling status = %s, want CANCELLED", tp.Status)
	}

	if !env.alerter.HasAlertContaining("Position closed") {
		t.Error("position-closed notification missing")
	}
}

func TestReconcile_LiveOrderSyncsStatus(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	qty := decimal.RequireFromString("0.002")

	if err := env.repo.SaveOrder(ctx, types.ExchangeOrder{
		ExchangeOrderID:   "e-1",
		Symbol:            "BTC_USDT",
		Side:              types.SideBuy,
		Status:            types.OrderStatusNew,
		Role:              types.RoleEntry,
		RequestedQuantity: qty,
		Price:             decimal.RequireFromString("50000"),
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	half := decimal.RequireFromString("0.001")
	env.api.openFn = func(string) ([]exchange.Order, error) {
		return []exchange.Order{{
			OrderID:            "e-1",
			Symbol:             "BTC_USDT",
			Status:             types.OrderStatusPartiallyFilled,
			CumulativeQuantity: half,
		}}, nil
	}

	if err := env.eng.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	order, err := env.repo.GetOrder(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", order.Status)
	}
	if !order.ExecutedQuantity.Equal(half) {
		t.Errorf("executed = %s, want %s", order.ExecutedQuantity, half)
	}
}

func seedUnprotectedEntry(t *testing.T, env *testEnv, qty decimal.Decimal) {
	t.Helper()
	if err := env.repo.SaveOrder(context.Background(), types.ExchangeOrder{
		ExchangeOrderID:   "e-1",
		ClientOrderID:     "c-1",
		Symbol:            "BTC_USDT",
		Side:              types.SideBuy,
		Status:            types.OrderStatusNew,
		Role:              types.RoleEntry,
		RequestedQuantity: qty,
		Price:             decimal.RequireFromString("50000"),
		Protection:        types.ProtectionNone,
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestReconcile_FilledEntryGetsProtected(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	qty := decimal.RequireFromString("0.002")

	// The entry filled while the coordinator was down: reconciliation finds
	// it terminal on the exchange with no protective pair.
	seedUnprotectedEntry(t, env, qty)
	env.api.detailFn = func(orderID string) (*exchange.Order, error) {
		return &exchange.Order{
			OrderID:            orderID,
			Symbol:             "BTC_USDT",
			Status:             types.OrderStatusFilled,
			CumulativeQuantity: qty,
		}, nil
	}

	if err := env.eng.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(env.api.protectiveCalls) != 2 {
		t.Fatalf("protective placements = %d, want 2", len(env.api.protectiveCalls))
	}
	if env.api.protectiveCalls[0].Role != types.RoleStopLoss {
		t.Error("stop-loss must be placed before take-profit")
	}
	for _, pc := range env.api.protectiveCalls {
		if !pc.Quantity.Equal(qty) {
			t.Errorf("protective quantity = %s, want %s", pc.Quantity, qty)
		}
	}

	entry, err := env.repo.GetOrder(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if entry.Status != types.OrderStatusFilled {
		t.Errorf("entry status = %s, want FILLED", entry.Status)
	}
	if entry.Protection != types.ProtectionProtected {
		t.Errorf("protection state = %s, want PROTECTED", entry.Protection)
	}
	if !env.alerter.HasAlertContaining("Position protected") {
		t.Error("position-protected notification missing")
	}
}

func TestReconcile_EntryProtectionFailureIsCritical(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	qty := decimal.RequireFromString("0.002")

	seedUnprotectedEntry(t, env, qty)
	env.api.detailFn = func(orderID string) (*exchange.Order, error) {
		return &exchange.Order{
			OrderID:            orderID,
			Symbol:             "BTC_USDT",
			Status:             types.OrderStatusFilled,
			CumulativeQuantity: qty,
		}, nil
	}
	env.api.protectiveFn = func(exchange.ProtectiveRequest) (*exchange.Order, error) {
		return nil, &exchange.APIError{Code: 40001, Message: "rejected"}
	}

	if err := env.eng.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var found bool
	for _, tr := range tracesFor(t, env, "BTC_USDT") {
		if tr.Reason == types.ReasonProtectiveOrderFailed {
			found = true
		}
	}
	if !found {
		t.Error("PROTECTIVE_ORDER_FAILED trace missing")
	}
	if !env.alerter.HasAlertWithSeverity(alerting.SeverityCritical) {
		t.Error("unprotected position must alert at critical severity")
	}
}

func TestReconcile_ProtectedEntryNotReprotected(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	qty := decimal.RequireFromString("0.002")

	// Partially filled before the restart, already carrying a live pair.
	if err := env.repo.SaveOrder(ctx, types.ExchangeOrder{
		ExchangeOrderID:   "e-1",
		Symbol:            "BTC_USDT",
		Side:              types.SideBuy,
		Status:            types.OrderStatusPartiallyFilled,
		Role:              types.RoleEntry,
		RequestedQuantity: qty,
		ExecutedQuantity:  decimal.RequireFromString("0.001"),
		Price:             decimal.RequireFromString("50000"),
		Protection:        types.ProtectionProtected,
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.api.detailFn = func(orderID string) (*exchange.Order, error) {
		return &exchange.Order{
			OrderID:            orderID,
			Symbol:             "BTC_USDT",
			Status:             types.OrderStatusFilled,
			CumulativeQuantity: qty,
		}, nil
	}

	if err := env.eng.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(env.api.protectiveCalls) != 0 {
		t.Errorf("protective placements = %d, want 0 for protected entry", len(env.api.protectiveCalls))
	}
}

// summaryClock counts the waits the summary loop requests and stops the
// loop after the first summary fires.
type summaryClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *summaryClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *summaryClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	if len(c.slept) > 1 {
		return context.Canceled
	}
	c.now = c.now.Add(d)
	return nil
}

func TestSummaryLoop_WaitsOnInjectedClock(t *testing.T) {
	env := newTestEngine(t)
	clock := &summaryClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env.eng.clock = clock

	env.eng.wg.Add(1)
	env.eng.summaryLoop(context.Background())

	clock.mu.Lock()
	slept := append([]time.Duration(nil), clock.slept...)
	clock.mu.Unlock()

	if len(slept) != 2 {
		t.Fatalf("sleep calls = %d, want 2", len(slept))
	}
	if slept[0] != 12*time.Hour {
		t.Errorf("first wait = %s, want 12h to midnight UTC", slept[0])
	}
	if got := env.alerter.Summaries(); len(got) != 1 {
		t.Fatalf("summaries delivered = %d, want 1", len(got))
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.lock("BTC_USDT", types.SideBuy)

	entered := make(chan struct{})
	go func() {
		u := km.lock("BTC_USDT", types.SideBuy)
		close(entered)
		u()
	}()

	select {
	case <-entered:
		t.Fatal("second holder entered while key was locked")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second holder never entered after unlock")
	}
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()

	unlockBuy := km.lock("BTC_USDT", types.SideBuy)
	defer unlockBuy()

	done := make(chan struct{})
	go func() {
		u := km.lock("BTC_USDT", types.SideSell)
		u()
		u = km.lock("ETH_USDT", types.SideBuy)
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent keys blocked on each other")
	}
}
