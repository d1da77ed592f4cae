package search

// GraphNode is one title of the merged result graph with the indices of the
// paths traversing it.
type GraphNode struct {
	Title string `json:"title"`
	Paths []int  `json:"paths"`
}

// GraphEdge is one directed edge of the merged result graph with the indices
// of the paths using it.
type GraphEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Paths []int  `json:"paths"`
}

// MergedGraph is the union of a path set: all titles, all adjacent pairs,
// and for each the set of path indices. This is what the client renders.
type MergedGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// BuildMergedGraph merges the path set into one graph. Nodes and edges are
// ordered by first appearance, walking the paths in order.
func BuildMergedGraph(paths [][]string) *MergedGraph {
	g := &MergedGraph{}

	nodeIdx := make(map[string]int)
	edgeIdx := make(map[[2]string]int)

	for i, path := range paths {
		for j, title := range path {
			ni, ok := nodeIdx[title]
			if !ok {
				ni = len(g.Nodes)
				nodeIdx[title] = ni

				g.Nodes = append(g.Nodes, GraphNode{Title: title})
			}

			g.Nodes[ni].Paths = appendIndex(g.Nodes[ni].Paths, i)

			if j == 0 {
				continue
			}

			key := [2]string{path[j-1], title}

			ei, ok := edgeIdx[key]
			if !ok {
				ei = len(g.Edges)
				edgeIdx[key] = ei

				g.Edges = append(g.Edges, GraphEdge{From: key[0], To: key[1]})
			}

			g.Edges[ei].Paths = appendIndex(g.Edges[ei].Paths, i)
		}
	}

	return g
}

func appendIndex(indices []int, i int) []int {
	if n := len(indices); n > 0 && indices[n-1] == i {
		return indices
	}

	return append(indices, i)
}
