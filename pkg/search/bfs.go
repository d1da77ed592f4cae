package search

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nilroute/wikihop/pkg/events"
	"github.com/nilroute/wikihop/pkg/wiki"
)

// search is the isolated state of one request: two frontiers, the extractor,
// and the event sink.
type search struct {
	engine *Engine

	start string
	end   string

	sink      *events.Stream
	extractor *extractor

	forward  *frontier
	backward *frontier

	pagesChecked int
	truncated    bool

	// shortest is the combined depth of the first meeting, or -1. Expansion
	// continues only while the next total depth stays within
	// shortest + diversity slack.
	shortest int

	seenMeetings map[string]struct{}

	startedAt time.Time
}

// consultCache tries to serve the request from the segment cache. On a hit
// the cached path is revalidated edge by edge; a stale edge invalidates the
// entry and the search falls through to BFS. Returns whether a cached path
// was accepted.
func (s *search) consultCache(ctx context.Context) bool {
	cached, err := s.engine.cache.Lookup(ctx, s.start, s.end)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("cache lookup failed; treating as a miss")

		return false
	}

	if len(cached) < 2 {
		return false
	}

	ok, err := s.revalidate(ctx, cached)
	if err != nil {
		// The upstream could not confirm the path either way; keep the entry
		// and fall through to BFS.
		zerolog.Ctx(ctx).Warn().Err(err).Msg("could not revalidate the cached path")

		return false
	}

	if !ok {
		if err := s.engine.cache.Invalidate(ctx, s.start, s.end); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error invalidating a stale cache entry")
		}

		return false
	}

	accepted, index := s.extractor.offer(cached)
	if !accepted {
		return false
	}

	s.shortest = len(cached) - 1

	if err := s.sink.Emit(ctx, events.NewPathFound(cached, cached[len(cached)/2], index)); err != nil {
		return true
	}

	return true
}

// revalidate confirms every edge of the path with one concurrent batch of
// forward-link queries. A vanished page counts as a broken edge.
func (s *search) revalidate(ctx context.Context, path []string) (bool, error) {
	results := make([]bool, len(path)-1)

	g, gctx := errgroup.WithContext(ctx)

	for i := range len(path) - 1 {
		g.Go(func() error {
			neighbors, err := s.engine.fetcher.FetchForward(gctx, path[i])
			if err != nil {
				if errors.Is(err, wiki.ErrTitleUnknown) {
					return nil
				}

				return err
			}

			_, results[i] = neighbors[path[i+1]]

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return false, err
	}

	s.pagesChecked += len(path) - 1

	for _, ok := range results {
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// run drives the bidirectional BFS until a termination condition is met. A
// nil return means a clean stop; the caller decides between complete and
// NoPath from the extractor state.
func (s *search) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.extractor.full() {
			return nil
		}

		if s.forward.exhausted() || s.backward.exhausted() {
			return nil
		}

		total := s.forward.depth + s.backward.depth

		if total+1 > s.engine.cfg.MaxDepth {
			return nil
		}

		if s.shortest >= 0 && total+1 > s.shortest+s.engine.cfg.DiversitySlack {
			return nil
		}

		if s.pagesChecked > s.engine.cfg.PagesCheckedCeiling {
			s.truncated = true

			return nil
		}

		// Expand the smaller of the two frontiers by one layer.
		if s.forward.size() <= s.backward.size() {
			if err := s.expandLayer(ctx, s.forward, s.backward, true); err != nil {
				return err
			}
		} else {
			if err := s.expandLayer(ctx, s.backward, s.forward, false); err != nil {
				return err
			}
		}
	}
}

// expandLayer fetches the neighbor sets of the whole layer in parallel,
// folds them into the frontier, and processes any meetings. Fetches run on a
// detached context so a canceled request lets outstanding fetches complete;
// cancellation is honored at the next layer boundary.
func (s *search) expandLayer(ctx context.Context, f, opposite *frontier, isForward bool) error {
	layer := f.layer
	results := make([]map[string]struct{}, len(layer))

	fetchCtx := context.WithoutCancel(ctx)

	g, _ := errgroup.WithContext(fetchCtx)

	for i, title := range layer {
		g.Go(func() error {
			var err error

			if isForward {
				results[i], err = s.engine.fetcher.FetchForward(fetchCtx, title)
			} else {
				results[i], err = s.engine.fetcher.FetchBackward(fetchCtx, title)
			}

			if err != nil {
				if errors.Is(err, wiki.ErrTitleUnknown) {
					// The page vanished mid-search; treat as no neighbors.
					results[i] = nil

					return nil
				}

				return err
			}

			return nil
		})
	}

	fetchErr := g.Wait()

	s.pagesChecked += len(layer)

	if err := ctx.Err(); err != nil {
		return err
	}

	if fetchErr != nil {
		return fetchErr
	}

	var (
		next     []string
		meetings []string
	)

	for i, title := range layer {
		for _, neighbor := range sortedTitles(results[i]) {
			// Already discovered by this frontier on a path at most as long;
			// skipping preserves the shortest-path property.
			if f.contains(neighbor) {
				continue
			}

			if opposite.contains(neighbor) {
				meetings = append(meetings, neighbor)
			}

			f.add(neighbor, title, &next)
		}
	}

	f.advance(next)

	if err := s.emitProgress(ctx); err != nil {
		return err
	}

	// Meetings discovered in the same layer are processed in lexicographic
	// order of the meeting title so results are deterministic.
	sort.Strings(meetings)

	for _, meeting := range meetings {
		if s.extractor.full() {
			return nil
		}

		if _, ok := s.seenMeetings[meeting]; ok {
			continue
		}

		s.seenMeetings[meeting] = struct{}{}

		if err := s.processMeeting(ctx, meeting); err != nil {
			return err
		}
	}

	return nil
}

// processMeeting reconstructs the path through a title present in both
// frontiers and offers it to the extractor.
func (s *search) processMeeting(ctx context.Context, meeting string) error {
	left := s.forward.pathTo(meeting)
	right := s.backward.pathTo(meeting)

	// right is end..meeting; append it reversed, skipping the shared title.
	path := make([]string, 0, len(left)+len(right)-1)
	path = append(path, left...)

	for i := len(right) - 2; i >= 0; i-- {
		path = append(path, right[i])
	}

	if hasRepeatedTitle(path) {
		return nil
	}

	accepted, index := s.extractor.offer(path)
	if !accepted {
		return nil
	}

	if s.shortest < 0 || len(path)-1 < s.shortest {
		s.shortest = len(path) - 1
	}

	return s.sink.Emit(ctx, events.NewPathFound(path, meeting, index))
}

func (s *search) emitProgress(ctx context.Context) error {
	elapsed := time.Since(s.startedAt)

	var pps float64

	if secs := elapsed.Seconds(); secs > 0 {
		pps = float64(s.pagesChecked) / secs
	}

	return s.sink.Emit(ctx, events.NewProgress(
		s.forward.depth,
		s.backward.depth,
		s.pagesChecked,
		pps,
		elapsed.Milliseconds(),
	))
}

func hasRepeatedTitle(path []string) bool {
	seen := make(map[string]struct{}, len(path))

	for _, t := range path {
		if _, ok := seen[t]; ok {
			return true
		}

		seen[t] = struct{}{}
	}

	return false
}

func sortedTitles(set map[string]struct{}) []string {
	titles := make([]string, 0, len(set))

	for t := range set {
		titles = append(titles, t)
	}

	sort.Strings(titles)

	return titles
}
