package search_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilroute/wikihop/pkg/search"
)

func TestBuildMergedGraph(t *testing.T) {
	t.Parallel()

	g := search.BuildMergedGraph([][]string{
		{"A", "B", "C"},
		{"A", "X", "C"},
	})

	require.Len(t, g.Nodes, 4)
	require.Len(t, g.Edges, 4)

	nodes := make(map[string][]int, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.Title] = n.Paths
	}

	assert.Equal(t, []int{0, 1}, nodes["A"])
	assert.Equal(t, []int{0}, nodes["B"])
	assert.Equal(t, []int{1}, nodes["X"])
	assert.Equal(t, []int{0, 1}, nodes["C"])

	edges := make(map[string][]int, len(g.Edges))
	for _, e := range g.Edges {
		edges[e.From+"→"+e.To] = e.Paths
	}

	assert.Equal(t, []int{0}, edges["A→B"])
	assert.Equal(t, []int{0}, edges["B→C"])
	assert.Equal(t, []int{1}, edges["A→X"])
	assert.Equal(t, []int{1}, edges["X→C"])
}

func TestBuildMergedGraphSharedEdge(t *testing.T) {
	t.Parallel()

	g := search.BuildMergedGraph([][]string{
		{"A", "B", "C"},
		{"A", "B", "D", "C"},
	})

	edges := make(map[string][]int, len(g.Edges))
	for _, e := range g.Edges {
		edges[e.From+"→"+e.To] = e.Paths
	}

	assert.Equal(t, []int{0, 1}, edges["A→B"])
}

func TestBuildMergedGraphSingleNode(t *testing.T) {
	t.Parallel()

	g := search.BuildMergedGraph([][]string{{"A"}})

	require.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Edges)
	assert.Equal(t, []int{0}, g.Nodes[0].Paths)
}
