// Package lock provides the per-listing purchase reservation used during checkout.
package lock

import (
	"context"
	"sync"

	core "github.com/DomeLiquid/escrowmarket"
)

var _ core.PurchaseLock = (*MemoryLock)(nil)

// MemoryLock is a mutex-guarded set of reserved listing ids. It is empty after a restart.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]struct{})}
}

func (l *MemoryLock) Acquire(_ context.Context, listingId string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[listingId]; ok {
		return false, nil
	}
	l.held[listingId] = struct{}{}
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, listingId string) error {
	l.mu.Lock()
	delete(l.held, listingId)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLock) Held(listingId string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[listingId]
	return ok
}
