package cache

// MaxSegmentTitles caps the length of an extracted sub-path. Without the cap
// a long path would explode into O(n²) storage.
const MaxSegmentTitles = 10

// Segment is one reusable sub-path.
type Segment struct {
	Start  string
	End    string
	Titles []string
}

// ExtractSegments enumerates every contiguous sub-sequence of path with at
// least two and at most MaxSegmentTitles titles. It is a pure helper; the
// returned slices alias path.
func ExtractSegments(path []string) []Segment {
	if len(path) < 2 {
		return nil
	}

	var segments []Segment

	for i := range len(path) - 1 {
		maxEnd := min(i+MaxSegmentTitles, len(path))

		for j := i + 2; j <= maxEnd; j++ {
			titles := path[i:j]

			segments = append(segments, Segment{
				Start:  titles[0],
				End:    titles[len(titles)-1],
				Titles: titles,
			})
		}
	}

	return segments
}
