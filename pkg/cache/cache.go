// Package cache implements the two-tier segment cache: an in-memory LRU in
// front of the durable store. Lookups hit memory first, fall back to the
// durable tier, and misses fall through to the search engine. Durable writes
// are batched through a background flusher.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nilroute/wikihop/pkg/database"
	"github.com/nilroute/wikihop/pkg/lock"
	"github.com/nilroute/wikihop/pkg/lock/local"
)

const (
	// DefaultCapacity is the in-memory tier capacity.
	DefaultCapacity = 10_000

	// DefaultTTL is how long an unused durable segment is retained.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultDurableCap is the durable tier row cap enforced by compaction.
	DefaultDurableCap = 10_000

	// DefaultFlushInterval is how often pending durable writes are flushed.
	DefaultFlushInterval = 500 * time.Millisecond

	// DefaultFlushThreshold triggers an early flush when this many writes are
	// pending.
	DefaultFlushThreshold = 256

	// lockKey serializes access to both tiers. With the Redis locker this
	// also serializes replicas sharing one durable tier.
	lockKey = "segment-cache"

	lockTTL = time.Minute
)

// ErrSegmentTooShort is returned when inserting a path with fewer than two titles.
var ErrSegmentTooShort = errors.New("a segment requires at least two titles")

// SegmentStore is the durable tier consumed by the cache. *database.DB
// implements it; the durable tier knows nothing of the engine.
type SegmentStore interface {
	GetSegment(ctx context.Context, start, end string) (*database.PathSegment, error)
	UpsertSegments(ctx context.Context, batch []database.UpsertSegmentParams) error
	DeleteSegment(ctx context.Context, start, end string) error
	RecentSegments(ctx context.Context, limit int) ([]database.PathSegment, error)
	CountSegments(ctx context.Context) (int, error)
	CompactSegments(ctx context.Context, cutoff time.Time, keep int) (int64, error)
}

// Stats is the cache counter snapshot.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is the segment cache facade shared by all requests.
type Cache struct {
	store  SegmentStore
	locker lock.Locker

	lru *lruIndex

	ttl        time.Duration
	durableCap int

	flushInterval  time.Duration
	flushThreshold int

	muPending sync.Mutex
	pending   []database.UpsertSegmentParams
	flushCh   chan struct{}

	hits   atomic.Int64
	misses atomic.Int64

	cron *cron.Cron
}

// Options contains optional configuration for creating a cache.
type Options struct {
	// Capacity overrides the in-memory LRU capacity.
	Capacity int

	// TTL overrides how long unused durable segments survive compaction.
	TTL time.Duration

	// DurableCap overrides the durable tier row cap.
	DurableCap int

	// FlushInterval overrides the durable write flush interval.
	FlushInterval time.Duration

	// FlushThreshold overrides the pending write count that forces a flush.
	FlushThreshold int

	// Locker overrides the lock serializing both tiers. Defaults to a local
	// locker; a Redis locker lets replicas share one durable tier.
	Locker lock.Locker
}

// New returns a new segment cache over the given durable store. Call Run to
// start the flusher.
func New(ctx context.Context, store SegmentStore, opts *Options) *Cache {
	c := &Cache{
		store:          store,
		ttl:            DefaultTTL,
		durableCap:     DefaultDurableCap,
		flushInterval:  DefaultFlushInterval,
		flushThreshold: DefaultFlushThreshold,
		flushCh:        make(chan struct{}, 1),
	}

	capacity := DefaultCapacity

	if opts != nil {
		if opts.Capacity > 0 {
			capacity = opts.Capacity
		}

		if opts.TTL > 0 {
			c.ttl = opts.TTL
		}

		if opts.DurableCap > 0 {
			c.durableCap = opts.DurableCap
		}

		if opts.FlushInterval > 0 {
			c.flushInterval = opts.FlushInterval
		}

		if opts.FlushThreshold > 0 {
			c.flushThreshold = opts.FlushThreshold
		}

		c.locker = opts.Locker
	}

	if c.locker == nil {
		c.locker = local.NewLocker()
	}

	c.lru = newLRUIndex(capacity)

	zerolog.Ctx(ctx).
		Debug().
		Int("capacity", capacity).
		Dur("ttl", c.ttl).
		Msg("creating a new segment cache")

	return c
}

// Lookup returns the cached path for (start, end), or nil on miss. A hit
// promotes the entry to MRU and enqueues a durable use-count bump.
func (c *Cache) Lookup(ctx context.Context, start, end string) ([]string, error) {
	if err := c.locker.Lock(ctx, lockKey, lockTTL); err != nil {
		return nil, fmt.Errorf("error locking the cache: %w", err)
	}
	defer c.unlock(ctx)

	key := segmentKey{start: start, end: end}

	if titles, ok := c.lru.get(key); ok {
		c.hits.Add(1)
		c.enqueue(segmentParams(titles))

		out := make([]string, len(titles))
		copy(out, titles)

		return out, nil
	}

	seg, err := c.store.GetSegment(ctx, start, end)
	if err != nil {
		if database.IsNotFoundError(err) {
			c.misses.Add(1)

			return nil, nil
		}

		return nil, fmt.Errorf("error consulting the durable tier: %w", err)
	}

	var titles []string

	if err := json.Unmarshal([]byte(seg.Titles), &titles); err != nil || len(titles) < 2 {
		// A corrupt durable entry must not fail the search; drop it.
		zerolog.Ctx(ctx).
			Warn().
			Str("start", start).
			Str("end", end).
			Msg("removing an undecodable durable segment")

		if err := c.store.DeleteSegment(ctx, start, end); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error deleting the corrupt segment")
		}

		c.misses.Add(1)

		return nil, nil
	}

	c.hits.Add(1)

	if evicted := c.lru.put(key, titles); evicted != nil {
		c.enqueue(segmentParams(evicted.titles))
	}

	c.enqueue(segmentParams(titles))

	out := make([]string, len(titles))
	copy(out, titles)

	return out, nil
}

// Insert stores every sub-path of path (ExtractSegments) in both tiers.
// Existing in-memory entries are replaced only if the new path for the same
// endpoints is no longer than the stored one; the durable tier applies the
// same rule on flush.
func (c *Cache) Insert(ctx context.Context, path []string) error {
	if len(path) < 2 {
		return ErrSegmentTooShort
	}

	segments := ExtractSegments(path)

	if err := c.locker.Lock(ctx, lockKey, lockTTL); err != nil {
		return fmt.Errorf("error locking the cache: %w", err)
	}
	defer c.unlock(ctx)

	for _, seg := range segments {
		key := segmentKey{start: seg.Start, end: seg.End}

		if existing, ok := c.lru.peek(key); !ok || len(seg.Titles) <= len(existing) {
			if evicted := c.lru.put(key, seg.Titles); evicted != nil {
				c.enqueue(segmentParams(evicted.titles))
			}
		}

		c.enqueue(segmentParams(seg.Titles))
	}

	return nil
}

// Invalidate drops the entry for (start, end) from both tiers. Used when
// revalidation finds a stale edge.
func (c *Cache) Invalidate(ctx context.Context, start, end string) error {
	if err := c.locker.Lock(ctx, lockKey, lockTTL); err != nil {
		return fmt.Errorf("error locking the cache: %w", err)
	}
	defer c.unlock(ctx)

	c.lru.remove(segmentKey{start: start, end: end})

	if err := c.store.DeleteSegment(ctx, start, end); err != nil {
		return fmt.Errorf("error deleting the segment from the durable tier: %w", err)
	}

	return nil
}

// Warm loads up to limit most-recently-used durable entries into memory.
func (c *Cache) Warm(ctx context.Context, limit int) (int, error) {
	segs, err := c.store.RecentSegments(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("error reading the warm-up entries: %w", err)
	}

	if err := c.locker.Lock(ctx, lockKey, lockTTL); err != nil {
		return 0, fmt.Errorf("error locking the cache: %w", err)
	}
	defer c.unlock(ctx)

	loaded := 0

	// Oldest first so the most recently used entries end up at the MRU end.
	for i := len(segs) - 1; i >= 0; i-- {
		var titles []string

		if err := json.Unmarshal([]byte(segs[i].Titles), &titles); err != nil || len(titles) < 2 {
			continue
		}

		c.lru.put(segmentKey{start: segs[i].Start, end: segs[i].End}, titles)

		loaded++
	}

	zerolog.Ctx(ctx).
		Info().
		Int("loaded", loaded).
		Msg("warmed the segment cache")

	return loaded, nil
}

// Stats returns the counter snapshot.
func (c *Cache) Stats(ctx context.Context) Stats {
	size := 0

	if err := c.locker.Lock(ctx, lockKey, lockTTL); err == nil {
		size = c.lru.len()

		c.unlock(ctx)
	}

	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64

	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// Run drives the durable write flusher until ctx is canceled, then performs
// a final flush so pending writes are not lost on shutdown.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.WithoutCancel(ctx))

			return ctx.Err()
		case <-ticker.C:
			c.flush(ctx)
		case <-c.flushCh:
			c.flush(ctx)
		}
	}
}

// Compact removes durable entries unused for the TTL and trims the durable
// tier to its cap.
func (c *Cache) Compact(ctx context.Context) (int64, error) {
	if err := c.locker.Lock(ctx, lockKey, lockTTL); err != nil {
		return 0, fmt.Errorf("error locking the cache: %w", err)
	}
	defer c.unlock(ctx)

	removed, err := c.store.CompactSegments(ctx, time.Now().UTC().Add(-c.ttl), c.durableCap)
	if err != nil {
		return removed, err
	}

	zerolog.Ctx(ctx).
		Info().
		Int64("removed", removed).
		Msg("compacted the durable segment tier")

	return removed, nil
}

// SetupCron creates the cron service for periodic compaction.
func (c *Cache) SetupCron(ctx context.Context, timezone *time.Location) {
	var opts []cron.Option

	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	c.cron = cron.New(opts...)

	zerolog.Ctx(ctx).Info().Msg("cache cron setup complete")
}

// AddCompactionCronJob adds a compaction job to the cron. Must be called
// after SetupCron and before StartCron.
func (c *Cache) AddCompactionCronJob(ctx context.Context, schedule cron.Schedule) {
	zerolog.Ctx(ctx).Info().Msg("adding a compaction cron job")

	c.cron.Schedule(schedule, cron.FuncJob(func() {
		if _, err := c.Compact(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error compacting the segment cache")
		}
	}))
}

// StartCron starts the cron scheduler.
func (c *Cache) StartCron(ctx context.Context) {
	c.cron.Start()

	zerolog.Ctx(ctx).Info().Msg("the cache cron is now started")
}

// enqueue adds one durable write to the pending batch and wakes the flusher
// once the threshold is reached.
func (c *Cache) enqueue(params database.UpsertSegmentParams) {
	c.muPending.Lock()
	c.pending = append(c.pending, params)
	full := len(c.pending) >= c.flushThreshold
	c.muPending.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

func (c *Cache) flush(ctx context.Context) {
	c.muPending.Lock()
	batch := c.pending
	c.pending = nil
	c.muPending.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := c.store.UpsertSegments(ctx, batch); err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("error flushing segments to the durable tier")
	}
}

func (c *Cache) unlock(ctx context.Context) {
	if err := c.locker.Unlock(ctx, lockKey); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error unlocking the cache")
	}
}

// segmentParams encodes titles as one durable upsert.
func segmentParams(titles []string) database.UpsertSegmentParams {
	encoded, _ := json.Marshal(titles)

	return database.UpsertSegmentParams{
		Start:  titles[0],
		End:    titles[len(titles)-1],
		Titles: string(encoded),
		Hops:   len(titles) - 1,
	}
}
