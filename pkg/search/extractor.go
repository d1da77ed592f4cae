package search

// extractor collects the accepted path set for one request. Candidates are
// offered in discovery order; a candidate is accepted when its intermediate
// titles are at least minDiversity (Jaccard distance) away from every
// already-accepted path. The shortest path is kept at index 0.
type extractor struct {
	maxPaths     int
	minDiversity float64

	accepted [][]string
}

func newExtractor(maxPaths int, minDiversity float64) *extractor {
	return &extractor{
		maxPaths:     maxPaths,
		minDiversity: minDiversity,
	}
}

// offer applies the acceptance rule to the candidate and returns whether it
// was accepted and at which index.
func (x *extractor) offer(path []string) (bool, int) {
	if x.full() {
		return false, -1
	}

	for _, q := range x.accepted {
		if jaccardDistance(intermediates(path), intermediates(q)) < x.minDiversity {
			return false, -1
		}
	}

	// Discovery order is non-decreasing in length during BFS, but a
	// cache-seeded first path may be longer than a later discovery; keep the
	// shortest at index 0 either way.
	if len(x.accepted) > 0 && len(path) < len(x.accepted[0]) {
		x.accepted = append([][]string{path}, x.accepted...)

		return true, 0
	}

	x.accepted = append(x.accepted, path)

	return true, len(x.accepted) - 1
}

func (x *extractor) full() bool { return len(x.accepted) >= x.maxPaths }

func (x *extractor) paths() [][]string { return x.accepted }

// intermediates returns the title set of a path without its endpoints.
func intermediates(path []string) map[string]struct{} {
	if len(path) <= 2 {
		return nil
	}

	set := make(map[string]struct{}, len(path)-2)

	for _, t := range path[1 : len(path)-1] {
		set[t] = struct{}{}
	}

	return set
}

// jaccardDistance is 1 − |a∩b| / |a∪b|. Two empty sets are identical, so
// their distance is 0.
func jaccardDistance(a, b map[string]struct{}) float64 {
	union := len(b)
	intersection := 0

	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		} else {
			union++
		}
	}

	if union == 0 {
		return 0
	}

	return 1 - float64(intersection)/float64(union)
}
