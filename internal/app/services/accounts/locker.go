package accounts

import (
	"context"
	"sync"
)

// Locker provides per-account mutual exclusion. TryLock never blocks: ok is
// false when another holder has the key. lease is cancelled once the lock is
// released or lost, and work done under the lock must stop when it is.
// unlock is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (lease context.Context, unlock func(), ok bool, err error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock takes key. An in-process lease is only lost by unlocking.
func (l *MemoryLocker) TryLock(_ context.Context, key string) (context.Context, func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, nil, false, nil
	}
	l.held[key] = struct{}{}

	lease, cancel := context.WithCancel(context.Background())
	var once sync.Once
	return lease, func() {
		once.Do(func() {
			cancel()
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
