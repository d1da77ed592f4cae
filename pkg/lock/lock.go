// Package lock abstracts the exclusive lock that serializes the segment
// cache's two tiers. A single process uses the local implementation (plain
// keyed mutexes); replicas sharing one durable tier use the Redis
// implementation so lookups, inserts and compaction stay linearizable across
// the fleet. The retry/backoff helpers here are shared with the wiki client.
package lock

import (
	"context"
	"time"
)

// Locker is the exclusive lock guarding a keyed resource.
type Locker interface {
	// Lock blocks until the lock for key is held. The ttl bounds how long a
	// distributed lock survives a crashed holder; the local implementation
	// ignores it. The distributed implementation abandons acquisition when
	// ctx is done; the local implementation waits regardless of ctx.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases the lock for key. A distributed lock that fails to
	// release expires on its own at the ttl.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts a single non-blocking acquisition. It returns
	// (true, nil) when the lock was taken, (false, nil) when someone else
	// holds it, and (false, err) on backend failure.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
