// Package search implements the cache-aware bidirectional path search engine
// and the diversity-aware multi-path extractor on top of it.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nilroute/wikihop/pkg/database"
	"github.com/nilroute/wikihop/pkg/events"
	"github.com/nilroute/wikihop/pkg/wiki"
)

const (
	otelPackageName = "github.com/nilroute/wikihop/pkg/search"

	// DefaultMaxDepth bounds the combined depth of both frontiers.
	DefaultMaxDepth = 6

	// DefaultDiversitySlack is how far past the shortest path the search
	// keeps expanding to find diverse alternatives.
	DefaultDiversitySlack = 2

	// DefaultPagesCheckedCeiling truncates a runaway search.
	DefaultPagesCheckedCeiling = 50_000

	// DefaultRequestTimeout is the per-request wall-clock cap.
	DefaultRequestTimeout = 60 * time.Second

	// MaxPathsLimit is the most paths one request may ask for.
	MaxPathsLimit = 5

	// DefaultMinDiversity is the Jaccard distance floor between accepted paths.
	DefaultMinDiversity = 0.3
)

// ErrInvalidInput is returned before any work begins when the request is malformed.
var ErrInvalidInput = errors.New("invalid input")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Fetcher is the upstream surface the engine consumes.
type Fetcher interface {
	FetchForward(ctx context.Context, title string) (map[string]struct{}, error)
	FetchBackward(ctx context.Context, title string) (map[string]struct{}, error)
	Resolve(ctx context.Context, title string) (string, error)
}

// SegmentCache is the cache facade the engine consults and writes back to.
type SegmentCache interface {
	Lookup(ctx context.Context, start, end string) ([]string, error)
	Insert(ctx context.Context, path []string) error
	Invalidate(ctx context.Context, start, end string) error
}

// Recorder persists completed searches.
type Recorder interface {
	CreateSearchRecord(ctx context.Context, params database.CreateSearchRecordParams) (*database.SearchRecord, error)
}

// Config holds the engine tunables.
type Config struct {
	MaxDepth            int
	DiversitySlack      int
	PagesCheckedCeiling int
	RequestTimeout      time.Duration
}

// DefaultConfig returns the standard engine tunables.
func DefaultConfig() Config {
	return Config{
		MaxDepth:            DefaultMaxDepth,
		DiversitySlack:      DefaultDiversitySlack,
		PagesCheckedCeiling: DefaultPagesCheckedCeiling,
		RequestTimeout:      DefaultRequestTimeout,
	}
}

// Request is one path search request.
type Request struct {
	Start        string
	End          string
	MaxPaths     int
	MinDiversity float64
}

// Engine runs path searches. It is shared by all requests; each request gets
// an isolated search state and shares only the cache and the upstream client.
type Engine struct {
	fetcher  Fetcher
	cache    SegmentCache
	recorder Recorder
	cfg      Config
}

// New returns a new search engine.
func New(fetcher Fetcher, cache SegmentCache, recorder Recorder, cfg Config) *Engine {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	if cfg.DiversitySlack == 0 {
		cfg.DiversitySlack = DefaultDiversitySlack
	}

	if cfg.PagesCheckedCeiling == 0 {
		cfg.PagesCheckedCeiling = DefaultPagesCheckedCeiling
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &Engine{
		fetcher:  fetcher,
		cache:    cache,
		recorder: recorder,
		cfg:      cfg,
	}
}

// Run executes one search and emits its events on sink. The stream always
// ends with a complete or error event, except when the client disconnects.
func (e *Engine) Run(ctx context.Context, req Request, sink *events.Stream) {
	id := uuid.NewString()

	ctx, span := tracer.Start(
		ctx,
		"search.Run",
		trace.WithAttributes(
			attribute.String("search_id", id),
			attribute.String("start", req.Start),
			attribute.String("end", req.End),
		),
	)
	defer span.End()

	ctx = zerolog.Ctx(ctx).
		With().
		Str("search_id", id).
		Logger().
		WithContext(ctx)

	start, end, maxPaths, minDiversity, err := validateRequest(req)
	if err != nil {
		e.fail(ctx, sink, events.ErrInvalidInput, err.Error())

		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := sink.Emit(ctx, events.NewStart(id, start, end, maxPaths, minDiversity)); err != nil {
		return
	}

	// start == end short-circuits before any upstream call.
	if start == end {
		e.complete(ctx, req, sink, [][]string{{start}}, events.Stats{
			ElapsedMs: 0,
			CacheHit:  false,
		}, start, end, 0, time.Now())

		return
	}

	startedAt := time.Now()

	if err := sink.Emit(ctx, events.NewResolving(fmt.Sprintf("resolving %q and %q", start, end))); err != nil {
		return
	}

	resolvedStart, resolvedEnd, err := e.resolve(ctx, start, end)
	if err != nil {
		e.fail(ctx, sink, classifyError(err), err.Error())

		return
	}

	if err := sink.Emit(ctx, events.NewResolved(resolvedStart, resolvedEnd)); err != nil {
		return
	}

	if resolvedStart == resolvedEnd {
		e.complete(ctx, req, sink, [][]string{{resolvedStart}}, events.Stats{
			CacheHit: false,
		}, resolvedStart, resolvedEnd, 0, startedAt)

		return
	}

	s := &search{
		engine:       e,
		start:        resolvedStart,
		end:          resolvedEnd,
		sink:         sink,
		extractor:    newExtractor(maxPaths, minDiversity),
		forward:      newFrontier(resolvedStart),
		backward:     newFrontier(resolvedEnd),
		shortest:     -1,
		seenMeetings: make(map[string]struct{}),
		startedAt:    startedAt,
	}

	cacheHit := s.consultCache(ctx)

	var runErr error

	if !s.extractor.full() {
		runErr = s.run(ctx)
	}

	paths := s.extractor.paths()

	switch {
	case runErr == nil:
		if len(paths) == 0 {
			e.fail(ctx, sink, events.ErrNoPath, "no path was found within the search limits")

			e.record(ctx, req, resolvedStart, resolvedEnd, nil, s.pagesChecked, startedAt)

			return
		}

		e.complete(ctx, req, sink, paths, events.Stats{
			PagesChecked: s.pagesChecked,
			CacheHit:     cacheHit,
			Partial:      s.truncated,
		}, resolvedStart, resolvedEnd, s.pagesChecked, startedAt)

	case errors.Is(runErr, context.Canceled):
		// Client disconnect: abandon cleanly, persist nothing.
		zerolog.Ctx(ctx).Debug().Msg("search canceled by the client")

	case len(paths) > 0:
		// A failure after at least one discovered path degrades to a partial
		// completion.
		zerolog.Ctx(ctx).Warn().Err(runErr).Msg("completing with partial results")

		e.complete(ctx, req, sink, paths, events.Stats{
			PagesChecked: s.pagesChecked,
			CacheHit:     cacheHit,
			Partial:      true,
		}, resolvedStart, resolvedEnd, s.pagesChecked, startedAt)

	default:
		e.fail(ctx, sink, classifyError(runErr), runErr.Error())

		if !errors.Is(runErr, context.Canceled) {
			e.record(ctx, req, resolvedStart, resolvedEnd, nil, s.pagesChecked, startedAt)
		}
	}
}

// resolve canonicalizes both endpoints concurrently.
func (e *Engine) resolve(ctx context.Context, start, end string) (string, string, error) {
	var resolvedStart, resolvedEnd string

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		resolvedStart, err = e.fetcher.Resolve(gctx, start)

		return err
	})

	g.Go(func() error {
		var err error

		resolvedEnd, err = e.fetcher.Resolve(gctx, end)

		return err
	})

	if err := g.Wait(); err != nil {
		return "", "", err
	}

	return resolvedStart, resolvedEnd, nil
}

// complete emits the terminal complete event, writes the segments back to
// the cache and persists the search record.
func (e *Engine) complete(
	ctx context.Context,
	req Request,
	sink *events.Stream,
	paths [][]string,
	stats events.Stats,
	resolvedStart, resolvedEnd string,
	pagesChecked int,
	startedAt time.Time,
) {
	stats.PagesChecked = pagesChecked
	stats.ElapsedMs = time.Since(startedAt).Milliseconds()

	// Write-back and persistence still run when the deadline fired mid-search.
	writeCtx := context.WithoutCancel(ctx)

	for _, p := range paths {
		if len(p) < 2 {
			continue
		}

		if err := e.cache.Insert(writeCtx, p); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error writing a path back to the cache")
		}
	}

	e.record(ctx, req, resolvedStart, resolvedEnd, paths, pagesChecked, startedAt)

	graph := BuildMergedGraph(paths)

	// The terminal event must go out even when the request deadline has
	// already fired.
	if err := sink.Emit(context.WithoutCancel(ctx), events.NewComplete(paths, graph, stats)); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("the subscriber went away before completion")
	}
}

// fail emits the terminal error event.
func (e *Engine) fail(ctx context.Context, sink *events.Stream, kind events.ErrorKind, message string) {
	if err := sink.Emit(context.WithoutCancel(ctx), events.NewError(kind, message)); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("the subscriber went away before the error event")
	}
}

// record persists the search outcome. Nothing is persisted for canceled
// requests; the caller guards that.
func (e *Engine) record(
	ctx context.Context,
	req Request,
	resolvedStart, resolvedEnd string,
	paths [][]string,
	pagesChecked int,
	startedAt time.Time,
) {
	if e.recorder == nil {
		return
	}

	encoded, err := json.Marshal(paths)
	if err != nil {
		encoded = []byte("[]")
	}

	_, err = e.recorder.CreateSearchRecord(context.WithoutCancel(ctx), database.CreateSearchRecordParams{
		Start:         req.Start,
		End:           req.End,
		ResolvedStart: resolvedStart,
		ResolvedEnd:   resolvedEnd,
		Success:       len(paths) > 0,
		PagesChecked:  int64(pagesChecked),
		ElapsedMs:     time.Since(startedAt).Milliseconds(),
		PathSet:       string(encoded),
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error persisting the search record")
	}
}

// validateRequest normalizes the endpoints and applies parameter defaults.
func validateRequest(req Request) (start, end string, maxPaths int, minDiversity float64, err error) {
	start, err = wiki.NormalizeTitle(req.Start)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("%w: start: %w", ErrInvalidInput, err)
	}

	end, err = wiki.NormalizeTitle(req.End)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("%w: end: %w", ErrInvalidInput, err)
	}

	maxPaths = req.MaxPaths
	if maxPaths == 0 {
		maxPaths = 1
	}

	if maxPaths < 1 || maxPaths > MaxPathsLimit {
		return "", "", 0, 0, fmt.Errorf("%w: max_paths must be between 1 and %d", ErrInvalidInput, MaxPathsLimit)
	}

	minDiversity = req.MinDiversity
	if minDiversity < 0 || minDiversity > 1 {
		return "", "", 0, 0, fmt.Errorf("%w: min_diversity must be between 0.0 and 1.0", ErrInvalidInput)
	}

	return start, end, maxPaths, minDiversity, nil
}

// classifyError maps an internal failure onto the public error surface.
func classifyError(err error) events.ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return events.ErrInvalidInput
	case errors.Is(err, wiki.ErrTitleUnknown):
		return events.ErrTitleUnknown
	case errors.Is(err, wiki.ErrUpstreamUnavailable):
		return events.ErrUpstreamUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return events.ErrTimedOut
	default:
		return events.ErrInternal
	}
}
