// Package local is the single-process cache lock: one mutex per key,
// created on demand and dropped again once nobody holds or waits on it.
// TTLs do not apply; an in-process holder cannot crash without taking the
// process with it.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nilroute/wikihop/pkg/lock"
)

// ErrUnlockUnknownKey is returned when unlocking a key that is not locked.
var ErrUnlockUnknownKey = fmt.Errorf("local.Locker: unlock of unknown key")

// Locker implements lock.Locker with per-key mutexes. Waiter counting keeps
// the key table from growing with every segment-cache key ever locked.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	sync.Mutex

	// waiters counts holders plus blocked acquirers; the entry is removed
	// when it reaches zero.
	waiters int

	acquiredAt time.Time
}

// NewLocker returns a new local locker.
func NewLocker() lock.Locker {
	return &Locker{keys: make(map[string]*keyLock)}
}

func (l *Locker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{}
		l.keys[key] = kl
	}

	kl.waiters++

	return kl
}

func (l *Locker) releaseRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.keys[key]

	kl.waiters--
	if kl.waiters == 0 {
		delete(l.keys, key)
	}
}

// Lock acquires the exclusive lock for key. The ttl is ignored, and ctx is
// not consulted while waiting: the call blocks until the lock is free.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	kl := l.acquireRef(key)

	kl.Lock()

	kl.acquiredAt = time.Now()

	lock.RecordAcquisition(ctx, lock.ModeLocal, lock.ResultSuccess)

	return nil
}

// Unlock releases the exclusive lock for key.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.keys[key]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	if !kl.acquiredAt.IsZero() {
		lock.RecordHold(ctx, lock.ModeLocal, time.Since(kl.acquiredAt).Seconds())

		kl.acquiredAt = time.Time{}
	}

	kl.Unlock()
	l.releaseRef(key)

	return nil
}

// TryLock attempts a non-blocking acquisition of the lock for key.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	kl := l.acquireRef(key)

	if !kl.TryLock() {
		lock.RecordAcquisition(ctx, lock.ModeLocal, lock.ResultContention)
		l.releaseRef(key)

		return false, nil
	}

	kl.acquiredAt = time.Now()

	lock.RecordAcquisition(ctx, lock.ModeLocal, lock.ResultSuccess)

	return true, nil
}
