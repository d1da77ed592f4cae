// Package server exposes the HTTP surface: the streaming path search, the
// autocomplete passthrough, history and stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/nilroute/wikihop/pkg/cache"
	"github.com/nilroute/wikihop/pkg/database"
	"github.com/nilroute/wikihop/pkg/events"
	"github.com/nilroute/wikihop/pkg/search"
	"github.com/nilroute/wikihop/pkg/wiki"
)

const (
	routeFindPathStream = "/api/find-path-stream"
	routeAutocomplete   = "/api/autocomplete"
	routeHistory        = "/api/history"
	routeStats          = "/api/stats"
	routeHealthz        = "/healthz"
	routeMetrics        = "/metrics"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	defaultAutocompleteLimit = 10
	maxAutocompleteLimit     = 50
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("the response writer does not support streaming")

// Server represents the main HTTP server.
type Server struct {
	engine       *search.Engine
	segmentCache *cache.Cache
	db           *database.DB
	wikiClient   *wiki.Client
	logger       zerolog.Logger
	router       *chi.Mux
}

// New returns a new server.
func New(
	logger zerolog.Logger,
	engine *search.Engine,
	segmentCache *cache.Cache,
	db *database.DB,
	wikiClient *wiki.Client,
) *Server {
	s := &Server{
		engine:       engine,
		segmentCache: segmentCache,
		db:           db,
		wikiClient:   wikiClient,
		logger:       logger,
	}

	s.router = createRouter(s)

	return s
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// SetPrometheusGatherer mounts the metrics endpoint for the given gatherer.
func (s *Server) SetPrometheusGatherer(gatherer prometheus.Gatherer) {
	s.router.Handle(routeMetrics, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func createRouter(s *Server) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("wikihop", otelchi.WithChiRoutes(router)))
	router.Use(requestLogger(s.logger))
	router.Use(middleware.Recoverer)

	router.Get(routeHealthz, s.getHealthz)
	router.Get(routeAutocomplete, s.getAutocomplete)
	router.Get(routeHistory, s.getHistory)
	router.Get(routeStats, s.getStats)
	router.Post(routeFindPathStream, s.postFindPathStream)

	return router
}

func requestLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			reqID := middleware.GetReqID(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// Handlers read the logger back out of the request context.
			r = r.WithContext(logger.With().Str("request_id", reqID).Logger().WithContext(r.Context()))

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("request_uri", r.RequestURI).
					Int("status", ww.Status()).
					Dur("elapsed", time.Since(startedAt)).
					Str("from", r.RemoteAddr).
					Str("request_id", reqID).
					Int("bytes", ww.BytesWritten()).
					Send()
			}()

			next.ServeHTTP(ww, r)
		}

		return http.HandlerFunc(fn)
	}
}

func (s *Server) getHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	//nolint:errcheck
	w.Write([]byte(`{"status":"ok"}`))
}

// findPathRequest is the request body of the streaming search.
type findPathRequest struct {
	Start        string   `json:"start"`
	End          string   `json:"end"`
	MaxPaths     int      `json:"max_paths"`
	MinDiversity *float64 `json:"min_diversity"`
}

func (s *Server) postFindPathStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req findPathRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorEvent(w, events.ErrInvalidInput, "the request body is not valid JSON")

		return
	}

	minDiversity := search.DefaultMinDiversity
	if req.MinDiversity != nil {
		minDiversity = *req.MinDiversity
	}

	if _, ok := w.(http.Flusher); !ok {
		zerolog.Ctx(ctx).Error().Err(ErrStreamingUnsupported).Send()
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	h := w.Header()
	h.Set(contentType, contentTypeSSE)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	w.WriteHeader(http.StatusOK)

	stream := events.NewStream(nil)

	go s.engine.Run(ctx, search.Request{
		Start:        req.Start,
		End:          req.End,
		MaxPaths:     req.MaxPaths,
		MinDiversity: minDiversity,
	}, stream)

	if err := stream.Serve(ctx, w); err != nil && !errors.Is(err, ctx.Err()) {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("the event stream ended early")
	}
}

// writeErrorEvent emits a single error frame for requests rejected before a
// stream exists. The status is still 200 so the client reads one uniform
// framing.
func (s *Server) writeErrorEvent(w http.ResponseWriter, kind events.ErrorKind, message string) {
	w.Header().Set(contentType, contentTypeSSE)
	w.WriteHeader(http.StatusOK)

	if err := events.WriteFrame(w, events.NewError(kind, message)); err != nil {
		s.logger.Error().Err(err).Msg("error writing the error frame")
	}
}

func (s *Server) getAutocomplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "the q parameter is required")

		return
	}

	limit := queryLimit(r, "limit", defaultAutocompleteLimit, maxAutocompleteLimit)

	titles, err := s.wikiClient.Autocomplete(ctx, query, limit)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error querying autocomplete upstream")
		writeJSONError(w, http.StatusBadGateway, "the upstream is unavailable")

		return
	}

	if titles == nil {
		titles = []string{}
	}

	writeJSON(ctx, w, map[string]any{"titles": titles})
}

// historyEntry is one search record with its path set decoded.
type historyEntry struct {
	ID            int64      `json:"id"`
	Start         string     `json:"start"`
	End           string     `json:"end"`
	ResolvedStart string     `json:"resolved_start"`
	ResolvedEnd   string     `json:"resolved_end"`
	Success       bool       `json:"success"`
	PagesChecked  int64      `json:"pages_checked"`
	ElapsedMs     int64      `json:"elapsed_ms"`
	PathSet       [][]string `json:"path_set"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := queryLimit(r, "limit", defaultHistoryLimit, maxHistoryLimit)

	recs, err := s.db.ListSearchRecords(ctx, limit)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error listing the search records")
		writeJSONError(w, http.StatusInternalServerError, "error reading the history")

		return
	}

	entries := make([]historyEntry, 0, len(recs))

	for _, rec := range recs {
		entry := historyEntry{
			ID:            rec.ID,
			Start:         rec.Start,
			End:           rec.End,
			ResolvedStart: rec.ResolvedStart,
			ResolvedEnd:   rec.ResolvedEnd,
			Success:       rec.Success,
			PagesChecked:  rec.PagesChecked,
			ElapsedMs:     rec.ElapsedMs,
			CreatedAt:     rec.CreatedAt,
		}

		if err := json.Unmarshal([]byte(rec.PathSet), &entry.PathSet); err != nil {
			entry.PathSet = nil
		}

		entries = append(entries, entry)
	}

	writeJSON(ctx, w, map[string]any{"records": entries})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	searchStats, err := s.db.GetSearchStats(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error aggregating the search records")
		writeJSONError(w, http.StatusInternalServerError, "error reading the stats")

		return
	}

	writeJSON(ctx, w, map[string]any{
		"cache":    s.segmentCache.Stats(ctx),
		"searches": searchStats,
	})
}

func queryLimit(r *http.Request, param string, def, maxValue int) int {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return def
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return def
	}

	return min(limit, maxValue)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, body any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error writing the body to the response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	//nolint:errcheck
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
