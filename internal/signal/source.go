// Package signal defines the port through which externally computed
// trading signals enter the coordinator. Indicator evaluation happens
// upstream; a Source only reports the latest directional signal, if any,
// for a symbol.
package signal

import (
	"context"
	"sync"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Source produces at most one signal per symbol per poll. A nil signal
// with a nil error means no actionable signal right now.
type Source interface {
	// Next returns the current signal for the symbol, or nil when the
	// source has nothing to report.
	Next(ctx context.Context, symbol string) (*types.Signal, error)
}

// MockSource is a test double that replays queued signals per symbol.
type MockSource struct {
	mu      sync.Mutex
	queues  map[string][]*types.Signal
	nextErr error

	// Calls counts Next invocations per symbol.
	Calls map[string]int
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		queues: make(map[string][]*types.Signal),
		Calls:  make(map[string]int),
	}
}

// Push queues a signal for the symbol.
func (m *MockSource) Push(symbol string, sig *types.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[symbol] = append(m.queues[symbol], sig)
}

// FailWith makes every subsequent Next call return err.
func (m *MockSource) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// Next pops the oldest queued signal for the symbol.
func (m *MockSource) Next(_ context.Context, symbol string) (*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls[symbol]++
	if m.nextErr != nil {
		return nil, m.nextErr
	}

	q := m.queues[symbol]
	if len(q) == 0 {
		return nil, nil
	}
	sig := q[0]
	m.queues[symbol] = q[1:]
	return sig, nil
}
