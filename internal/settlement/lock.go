// Package settlement tracks bought contracts to settlement and applies
// their outcome exactly once.
package settlement

import (
	"fmt"
	"sync"
	"time"

	"deriv-trading-core/internal/metrics"
)

// ErrLockTimeout is returned when a waiter gives up on lock acquisition
var ErrLockTimeout = fmt.Errorf("settlement lock acquisition timed out")

type lockEntry struct {
	held    bool
	waiters []chan struct{}
}

// KeyedLock serializes finalization per "accountId:contractId" key. Waiters
// are granted the lock FIFO; each waiter has its own acquisition timeout.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

// NewKeyedLock creates a keyed lock with the given per-waiter timeout
func NewKeyedLock(timeout time.Duration) *KeyedLock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KeyedLock{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Acquire blocks until the lock for the key is held or the waiter times out
func (l *KeyedLock) Acquire(key string) error {
	start := time.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	if !e.held {
		e.held = true
		l.mu.Unlock()
		metrics.SettlementLockWait.Observe(time.Since(start).Seconds())
		return nil
	}

	metrics.SettlementLockContention.Inc()
	grant := make(chan struct{})
	e.waiters = append(e.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		metrics.SettlementLockWait.Observe(time.Since(start).Seconds())
		return nil
	case <-time.After(l.timeout):
		l.mu.Lock()
		// The grant may have raced the timeout; if the lock was handed to
		// us while we were giving up, pass it on.
		select {
		case <-grant:
			l.releaseLocked(key)
			l.mu.Unlock()
			metrics.SettlementLockWait.Observe(time.Since(start).Seconds())
			return nil
		default:
		}
		if e, ok := l.entries[key]; ok {
			for i, w := range e.waiters {
				if w == grant {
					e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
					break
				}
			}
		}
		l.mu.Unlock()
		metrics.SettlementLockTimeouts.Inc()
		return ErrLockTimeout
	}
}

// Release hands the lock to the next waiter FIFO, or removes the entry.
// Releasing an unheld key is a no-op.
func (l *KeyedLock) Release(key string) {
	l.mu.Lock()
	l.releaseLocked(key)
	l.mu.Unlock()
}

func (l *KeyedLock) releaseLocked(key string) {
	e, ok := l.entries[key]
	if !ok || !e.held {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next)
		return
	}
	delete(l.entries, key)
}

// WithLock runs fn while holding the key's lock
func (l *KeyedLock) WithLock(key string, fn func() error) error {
	if err := l.Acquire(key); err != nil {
		return err
	}
	defer l.Release(key)
	return fn()
}

// Held reports whether the key's lock is currently held
func (l *KeyedLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && e.held
}
