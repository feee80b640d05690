package execution

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
)

// fakeAPI is an in-memory exchange.API test double. Behavior is injected
// through the *Fn hooks; unset hooks return zero values.
type fakeAPI struct {
	mu sync.Mutex

	inst     exchange.Instrument
	balances map[string]exchange.Balance

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

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		inst: exchange.Instrument{
			Symbol:        "BTC_USDT",
			BaseCurrency:  "BTC",
			QuoteCurrency: "USDT",
			QtyStep:       decimal.RequireFromString("0.00000001"),
			PriceTick:     decimal.RequireFromString("0.01"),
			MinQuantity:   decimal.RequireFromString("0.00000100"),
		},
		balances: map[string]exchange.Balance{},
	}
}

func (f *fakeAPI) Instrument(_ context.Context, _ string) (exchange.Instrument, error) {
	return f.inst, nil
}

func (f *fakeAPI) CreateOrder(_ context.Context, req exchange.EntryRequest) (*exchange.Order, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, req)
	f.mu.Unlock()
	if f.createFn == nil {
		return &exchange.Order{OrderID: "o-1"}, nil
	}
	return f.createFn(req)
}

func (f *fakeAPI) CreateProtectiveOrder(_ context.Context, req exchange.ProtectiveRequest) (*exchange.Order, error) {
	f.mu.Lock()
	f.protectiveCalls = append(f.protectiveCalls, req)
	f.mu.Unlock()
	if f.protectiveFn == nil {
		return &exchange.Order{OrderID: "p-" + req.ClientOID}, nil
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
	return f.balances, nil
}

// fakeClock advances instantly on Sleep so poll and backoff loops run
// without wall time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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
	c.sleeps++
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

func newTestRepo(t *testing.T) *persistence.SQLiteRepository {
	t.Helper()

	repo, err := persistence.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}
