package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractorAcceptance(t *testing.T) {
	t.Parallel()

	t.Run("the first candidate is always accepted", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(3, 0.3)

		ok, index := x.offer([]string{"A", "B", "C"})
		require.True(t, ok)
		assert.Equal(t, 0, index)
	})

	t.Run("rejects candidates below the diversity floor", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(3, 0.5)

		ok, _ := x.offer([]string{"A", "B", "C", "D"})
		require.True(t, ok)

		// shares B with the accepted path: distance 1 - 1/3 >= 0.5
		ok, _ = x.offer([]string{"A", "B", "E", "D"})
		require.True(t, ok)

		// same intermediate set as the second path: distance 0 against it
		ok, _ = x.offer([]string{"A", "E", "B", "D"})
		assert.False(t, ok)
	})

	t.Run("zero diversity accepts duplicates", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(2, 0)

		ok, _ := x.offer([]string{"A", "B", "C"})
		require.True(t, ok)

		ok, index := x.offer([]string{"A", "B", "C"})
		require.True(t, ok)
		assert.Equal(t, 1, index)
	})

	t.Run("full diversity accepts only disjoint intermediate sets", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(5, 1.0)

		ok, _ := x.offer([]string{"A", "B", "C", "Z"})
		require.True(t, ok)

		ok, _ = x.offer([]string{"A", "B", "D", "Z"})
		assert.False(t, ok, "B is shared")

		ok, _ = x.offer([]string{"A", "E", "F", "Z"})
		assert.True(t, ok, "fully disjoint")
	})

	t.Run("stops at the path cap", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(1, 0)

		ok, _ := x.offer([]string{"A", "B"})
		require.True(t, ok)
		require.True(t, x.full())

		ok, _ = x.offer([]string{"A", "C"})
		assert.False(t, ok)
	})

	t.Run("a shorter late discovery moves to the front", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(3, 0.1)

		ok, _ := x.offer([]string{"A", "B", "C", "Z"})
		require.True(t, ok)

		ok, index := x.offer([]string{"A", "Z"})
		require.True(t, ok)
		assert.Equal(t, 0, index)

		paths := x.paths()
		require.Len(t, paths, 2)
		assert.Equal(t, []string{"A", "Z"}, paths[0])

		for _, p := range paths[1:] {
			assert.GreaterOrEqual(t, len(p), len(paths[0]))
		}
	})

	t.Run("two hop-free paths are identical", func(t *testing.T) {
		t.Parallel()

		x := newExtractor(2, 0.1)

		ok, _ := x.offer([]string{"A", "Z"})
		require.True(t, ok)

		// both intermediate sets are empty: distance 0
		ok, _ = x.offer([]string{"A", "Z"})
		assert.False(t, ok)
	})
}

func TestJaccardDistance(t *testing.T) {
	t.Parallel()

	set := func(titles ...string) map[string]struct{} {
		m := make(map[string]struct{}, len(titles))

		for _, title := range titles {
			m[title] = struct{}{}
		}

		return m
	}

	tests := []struct {
		name string
		a, b map[string]struct{}
		want float64
	}{
		{"identical", set("A", "B"), set("A", "B"), 0},
		{"disjoint", set("A"), set("B"), 1},
		{"half", set("A", "B"), set("B", "C"), 1 - 1.0/3.0},
		{"both empty", nil, nil, 0},
		{"one empty", set("A"), nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.InDelta(t, tt.want, jaccardDistance(tt.a, tt.b), 1e-9)
		})
	}
}
