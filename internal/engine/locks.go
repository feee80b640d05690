package engine

import (
	"sync"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// keyedMutex serializes work per (symbol, side). Evaluation and
// reconciliation may touch the same position concurrently; both take the
// key's lock before mutating order or throttle state.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(symbol string, side types.Side) func() {
	key := symbol + "|" + side.String()

	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
