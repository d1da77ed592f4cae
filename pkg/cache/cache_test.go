package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilroute/wikihop/pkg/cache"
	"github.com/nilroute/wikihop/pkg/database"
	"github.com/nilroute/wikihop/testhelper"
)

func newTestCache(t *testing.T, opts *cache.Options) (*cache.Cache, *database.DB) {
	t.Helper()

	db, _ := testhelper.SetupSQLite(t)

	return cache.New(context.Background(), db, opts), db
}

func TestLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("a miss is not an error", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestCache(t, nil)

		path, err := c.Lookup(ctx, "A", "B")
		require.NoError(t, err)
		assert.Nil(t, path)

		stats := c.Stats(ctx)
		assert.Equal(t, int64(0), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
	})

	t.Run("insert makes the path and its sub-segments visible", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestCache(t, nil)

		require.NoError(t, c.Insert(ctx, []string{"A", "B", "C"}))

		path, err := c.Lookup(ctx, "A", "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, path)

		sub, err := c.Lookup(ctx, "B", "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "C"}, sub)
	})

	t.Run("falls back to the durable tier on a memory miss", func(t *testing.T) {
		t.Parallel()

		db, _ := testhelper.SetupSQLite(t)

		first := cache.New(ctx, db, nil)
		require.NoError(t, first.Insert(ctx, []string{"A", "B", "C"}))
		first.Flush(ctx)

		// A fresh cache over the same store has a cold memory tier.
		second := cache.New(ctx, db, nil)

		path, err := second.Lookup(ctx, "A", "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, path)

		stats := second.Stats(ctx)
		assert.Equal(t, int64(1), stats.Hits)
	})

	t.Run("rejects too short inserts", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestCache(t, nil)

		require.ErrorIs(t, c.Insert(ctx, []string{"A"}), cache.ErrSegmentTooShort)
	})
}

func TestInsertReplacementRule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("a longer path does not replace a shorter one", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestCache(t, nil)

		require.NoError(t, c.Insert(ctx, []string{"A", "B"}))
		require.NoError(t, c.Insert(ctx, []string{"A", "X", "B"}))

		path, err := c.Lookup(ctx, "A", "B")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, path)
	})

	t.Run("an equal or shorter path replaces", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestCache(t, nil)

		require.NoError(t, c.Insert(ctx, []string{"A", "X", "Y", "B"}))
		require.NoError(t, c.Insert(ctx, []string{"A", "B"}))

		path, err := c.Lookup(ctx, "A", "B")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, path)
	})

	t.Run("reinserting is idempotent besides the use count", func(t *testing.T) {
		t.Parallel()

		db, _ := testhelper.SetupSQLite(t)
		c := cache.New(ctx, db, nil)

		require.NoError(t, c.Insert(ctx, []string{"A", "B"}))
		c.Flush(ctx)

		require.NoError(t, c.Insert(ctx, []string{"A", "B"}))
		c.Flush(ctx)

		seg, err := db.GetSegment(ctx, "A", "B")
		require.NoError(t, err)

		assert.Equal(t, `["A","B"]`, seg.Titles)
		assert.Equal(t, int64(2), seg.UseCount)

		n, err := db.CountSegments(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, _ := testhelper.SetupSQLite(t)
	c := cache.New(ctx, db, nil)

	require.NoError(t, c.Insert(ctx, []string{"A", "B"}))
	c.Flush(ctx)

	require.NoError(t, c.Invalidate(ctx, "A", "B"))

	path, err := c.Lookup(ctx, "A", "B")
	require.NoError(t, err)
	assert.Nil(t, path)

	_, err = db.GetSegment(ctx, "A", "B")
	require.True(t, database.IsNotFoundError(err))
}

func TestWarm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, _ := testhelper.SetupSQLite(t)

	first := cache.New(ctx, db, nil)
	require.NoError(t, first.Insert(ctx, []string{"A", "B", "C"}))
	first.Flush(ctx)

	second := cache.New(ctx, db, nil)

	loaded, err := second.Warm(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded) // A→B, B→C, A→C

	// All warm entries are served from memory without touching the store.
	path, err := second.Lookup(ctx, "A", "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, path)
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	c, _ := newTestCache(t, nil)

	require.NoError(t, c.Insert(ctx, []string{"A", "B"}))

	_, err := c.Lookup(ctx, "A", "B")
	require.NoError(t, err)

	_, err = c.Lookup(ctx, "X", "Y")
	require.NoError(t, err)

	stats := c.Stats(ctx)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestCompact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, _ := testhelper.SetupSQLite(t)

	c := cache.New(ctx, db, &cache.Options{DurableCap: 2})

	require.NoError(t, c.Insert(ctx, []string{"A", "B"}))
	require.NoError(t, c.Insert(ctx, []string{"C", "D"}))
	require.NoError(t, c.Insert(ctx, []string{"E", "F"}))
	c.Flush(ctx)

	removed, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := db.CountSegments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
