package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUIndex(t *testing.T) {
	t.Parallel()

	key := func(s, e string) segmentKey { return segmentKey{start: s, end: e} }

	t.Run("evicts the least recently used entry first", func(t *testing.T) {
		t.Parallel()

		l := newLRUIndex(2)

		require.Nil(t, l.put(key("A", "B"), []string{"A", "B"}))
		require.Nil(t, l.put(key("B", "C"), []string{"B", "C"}))

		// touch A→B so B→C becomes LRU
		_, ok := l.get(key("A", "B"))
		require.True(t, ok)

		evicted := l.put(key("C", "D"), []string{"C", "D"})
		require.NotNil(t, evicted)

		assert.Equal(t, key("B", "C"), evicted.key)
		assert.Equal(t, 2, l.len())

		_, ok = l.peek(key("A", "B"))
		assert.True(t, ok)
	})

	t.Run("put on an existing key replaces and promotes", func(t *testing.T) {
		t.Parallel()

		l := newLRUIndex(2)

		require.Nil(t, l.put(key("A", "B"), []string{"A", "B"}))
		require.Nil(t, l.put(key("B", "C"), []string{"B", "C"}))
		require.Nil(t, l.put(key("A", "B"), []string{"A", "X", "B"}))

		titles, ok := l.peek(key("A", "B"))
		require.True(t, ok)
		assert.Equal(t, []string{"A", "X", "B"}, titles)

		// B→C is now the LRU entry
		evicted := l.put(key("C", "D"), []string{"C", "D"})
		require.NotNil(t, evicted)
		assert.Equal(t, key("B", "C"), evicted.key)
	})

	t.Run("remove drops the entry", func(t *testing.T) {
		t.Parallel()

		l := newLRUIndex(2)

		require.Nil(t, l.put(key("A", "B"), []string{"A", "B"}))
		require.True(t, l.remove(key("A", "B")))
		require.False(t, l.remove(key("A", "B")))

		assert.Equal(t, 0, l.len())
	})

	t.Run("peek does not promote", func(t *testing.T) {
		t.Parallel()

		l := newLRUIndex(2)

		require.Nil(t, l.put(key("A", "B"), []string{"A", "B"}))
		require.Nil(t, l.put(key("B", "C"), []string{"B", "C"}))

		_, ok := l.peek(key("A", "B"))
		require.True(t, ok)

		evicted := l.put(key("C", "D"), []string{"C", "D"})
		require.NotNil(t, evicted)
		assert.Equal(t, key("A", "B"), evicted.key)
	})
}
