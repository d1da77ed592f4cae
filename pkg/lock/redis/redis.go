// Package redis is the distributed cache lock: replicas sharing one durable
// segment tier serialize through a Redlock mutex so cache writes and
// compaction stay linearizable across the fleet. Redis health is tracked
// with the shared circuit breaker; when degraded mode is allowed, a tripped
// breaker falls back to process-local locking rather than failing searches.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"

	"github.com/nilroute/wikihop/pkg/circuitbreaker"
	"github.com/nilroute/wikihop/pkg/lock"
	"github.com/nilroute/wikihop/pkg/lock/local"
)

const (
	// defaultKeyPrefix namespaces the cache lock keys in Redis.
	defaultKeyPrefix = "wikihop:lock:"

	// defaultTTL bounds how long a crashed holder keeps the cache locked.
	defaultTTL = time.Minute

	// connectTimeout bounds the connectivity probe at construction.
	connectTimeout = 5 * time.Second
)

var (
	// ErrNoRedisAddrs is returned when the configuration names no Redis node.
	ErrNoRedisAddrs = errors.New("at least one Redis address is required")

	// ErrRedisUnavailable is returned when Redis cannot be reached and
	// degraded mode is not allowed.
	ErrRedisUnavailable = errors.New("redis is unavailable")

	// ErrNotHeld is returned when unlocking a key this locker does not hold.
	ErrNotHeld = errors.New("the lock is not held")
)

// Config holds the Redis connection settings for the cache lock.
type Config struct {
	// Addrs lists the Redis nodes; more than one enables Redlock quorum.
	Addrs []string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix namespaces the lock keys. Defaults to "wikihop:lock:".
	KeyPrefix string
}

// Locker implements lock.Locker on redsync. Safe for concurrent use.
type Locker struct {
	rs        *redsync.Redsync
	keyPrefix string
	retry     lock.RetryConfig
	breaker   *circuitbreaker.CircuitBreaker

	// fallback takes over when the breaker is open and degraded mode is
	// allowed; nil otherwise.
	fallback lock.Locker

	mu   sync.Mutex
	held map[string]*heldLock
}

// heldLock remembers a Redis-held key so Unlock releases it through redsync;
// keys absent from the table were acquired by the fallback.
type heldLock struct {
	mutex      *redsync.Mutex
	acquiredAt time.Time
}

// NewLocker connects to Redis and returns the distributed cache locker.
// When Redis is unreachable at startup: with allowDegradedMode the locker
// starts with a tripped breaker and serves from the local fallback until
// Redis recovers; without it, construction fails.
func NewLocker(
	ctx context.Context,
	cfg Config,
	retryCfg lock.RetryConfig,
	allowDegradedMode bool,
) (lock.Locker, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}

	pools := make([]redsyncredis.Pool, 0, len(cfg.Addrs))

	var probeErr error

	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	for _, addr := range cfg.Addrs {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		if err := client.Ping(probeCtx).Err(); err != nil {
			probeErr = fmt.Errorf("error pinging redis at %q: %w", addr, err)
		}

		pools = append(pools, goredislib.NewPool(client))
	}

	l := &Locker{
		rs:        redsync.New(pools...),
		keyPrefix: cfg.KeyPrefix,
		retry:     retryCfg,
		breaker:   circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
		held:      make(map[string]*heldLock),
	}

	if allowDegradedMode {
		l.fallback = local.NewLocker()
	}

	if probeErr != nil {
		if !allowDegradedMode {
			return nil, fmt.Errorf("%w: %w", ErrRedisUnavailable, probeErr)
		}

		zerolog.Ctx(ctx).
			Warn().
			Err(probeErr).
			Msg("redis is unreachable; the cache lock starts in degraded local mode")

		l.breaker.ForceOpen()
	}

	return l, nil
}

// Lock acquires the distributed lock for key, retrying with the configured
// backoff. With the breaker open it degrades to the local fallback when one
// exists.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	if !l.breaker.AllowRequest() {
		return l.degradedLock(ctx, key, ttl)
	}

	attempts := max(l.retry.MaxAttempts, 1)

	var lastErr error

	for attempt := range attempts {
		if attempt > 0 {
			lock.RecordRetry(ctx, lock.ModeDistributed)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(lock.CalculateBackoff(l.retry, attempt)):
			}
		}

		mutex := l.rs.NewMutex(l.keyPrefix+key, redsync.WithExpiry(ttl), redsync.WithTries(1))

		err := mutex.LockContext(ctx)
		if err == nil {
			l.breaker.RecordSuccess()
			lock.RecordAcquisition(ctx, lock.ModeDistributed, lock.ResultSuccess)

			l.remember(key, mutex)

			return nil
		}

		lastErr = err

		if isContention(err) {
			// Another replica holds the cache lock; contention, not an
			// outage.
			lock.RecordAcquisition(ctx, lock.ModeDistributed, lock.ResultContention)

			continue
		}

		l.breaker.RecordFailure()
		lock.RecordAcquisition(ctx, lock.ModeDistributed, lock.ResultFailure)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if l.breaker.IsOpen() && l.fallback != nil {
		return l.degradedLock(ctx, key, ttl)
	}

	return fmt.Errorf("error acquiring the redis lock for %q: %w", key, lastErr)
}

// Unlock releases the lock for key through whichever backend holds it.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	h, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		if l.fallback != nil {
			return l.fallback.Unlock(ctx, key)
		}

		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}

	lock.RecordHold(ctx, lock.ModeDistributed, time.Since(h.acquiredAt).Seconds())

	if _, err := h.mutex.UnlockContext(ctx); err != nil {
		// The mutex expires at its TTL either way; report it regardless.
		return fmt.Errorf("error releasing the redis lock for %q: %w", key, err)
	}

	return nil
}

// TryLock makes a single non-blocking acquisition attempt.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	if !l.breaker.AllowRequest() {
		if l.fallback != nil {
			return l.fallback.TryLock(ctx, key, ttl)
		}

		return false, fmt.Errorf("%w: circuit breaker is open", ErrRedisUnavailable)
	}

	mutex := l.rs.NewMutex(l.keyPrefix+key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	err := mutex.LockContext(ctx)
	if err == nil {
		l.breaker.RecordSuccess()
		lock.RecordAcquisition(ctx, lock.ModeDistributed, lock.ResultSuccess)

		l.remember(key, mutex)

		return true, nil
	}

	if isContention(err) {
		lock.RecordAcquisition(ctx, lock.ModeDistributed, lock.ResultContention)

		return false, nil
	}

	l.breaker.RecordFailure()
	lock.RecordAcquisition(ctx, lock.ModeDistributed, lock.ResultFailure)

	return false, fmt.Errorf("error acquiring the redis lock for %q: %w", key, err)
}

// degradedLock serves an acquisition from the local fallback. Safe only
// because every replica that lost Redis also lost the shared tier
// coordination; the durable upserts themselves stay transactional.
func (l *Locker) degradedLock(ctx context.Context, key string, ttl time.Duration) error {
	if l.fallback == nil {
		return fmt.Errorf("%w: circuit breaker is open", ErrRedisUnavailable)
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("key", key).
		Msg("serving a cache lock from the degraded local fallback")

	return l.fallback.Lock(ctx, key, ttl)
}

// isContention reports whether the acquisition failed because another
// holder has the lock, as opposed to Redis being unreachable.
func isContention(err error) bool {
	var taken *redsync.ErrTaken

	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken)
}

func (l *Locker) remember(key string, mutex *redsync.Mutex) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held[key] = &heldLock{mutex: mutex, acquiredAt: time.Now()}
}
