package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilroute/wikihop/pkg/cache"
	"github.com/nilroute/wikihop/pkg/search"
	"github.com/nilroute/wikihop/pkg/server"
	"github.com/nilroute/wikihop/pkg/wiki"
	"github.com/nilroute/wikihop/testhelper"
)

// fakeWikiHandler serves a fixed graph over the encyclopedia API shape.
func fakeWikiHandler(edges map[string][]string) http.HandlerFunc {
	nodes := func() map[string]struct{} {
		set := make(map[string]struct{})

		for from, tos := range edges {
			set[from] = struct{}{}

			for _, to := range tos {
				set[to] = struct{}{}
			}
		}

		return set
	}()

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		w.Header().Set("Content-Type", "application/json")

		enc := json.NewEncoder(w)

		switch {
		case q.Get("action") == "opensearch":
			var titles []string

			for n := range nodes {
				if strings.HasPrefix(n, q.Get("search")) {
					titles = append(titles, n)
				}
			}

			//nolint:errcheck
			enc.Encode([]any{q.Get("search"), titles, []string{}, []string{}})

		case q.Get("list") == "backlinks":
			title := q.Get("bltitle")

			var back []map[string]any

			for from, tos := range edges {
				for _, to := range tos {
					if to == title {
						back = append(back, map[string]any{"ns": 0, "title": from})
					}
				}
			}

			//nolint:errcheck
			enc.Encode(map[string]any{"query": map[string]any{"backlinks": back}})

		default:
			title := q.Get("titles")

			if _, ok := nodes[title]; !ok {
				//nolint:errcheck
				enc.Encode(map[string]any{"query": map[string]any{
					"pages": []map[string]any{{"title": title, "missing": true}},
				}})

				return
			}

			var links []map[string]any

			for _, to := range edges[title] {
				links = append(links, map[string]any{"ns": 0, "title": to})
			}

			//nolint:errcheck
			enc.Encode(map[string]any{"query": map[string]any{
				"pages": []map[string]any{{"title": title, "links": links}},
			}})
		}
	}
}

func newTestServer(t *testing.T, edges map[string][]string) *server.Server {
	t.Helper()

	ctx := context.Background()

	upstream := httptest.NewServer(fakeWikiHandler(edges))
	t.Cleanup(upstream.Close)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	wikiClient, err := wiki.New(ctx, u, nil)
	require.NoError(t, err)

	db, _ := testhelper.SetupSQLite(t)

	segmentCache := cache.New(ctx, db, nil)

	engine := search.New(wikiClient, segmentCache, db, search.Config{})

	return server.New(zerolog.Nop(), engine, segmentCache, db, wikiClient)
}

func decodeFrames(t *testing.T, raw string) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, frame := range strings.Split(raw, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}

		var decoded map[string]any

		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &decoded))

		out = append(out, decoded)
	}

	return out
}

func postStream(t *testing.T, srv *server.Server, body string) []map[string]any {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/api/find-path-stream", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	return decodeFrames(t, w.Body.String())
}

func TestGetHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string][]string{"A": {"B"}})

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFindPathStream(t *testing.T) {
	t.Parallel()

	t.Run("streams a full search to completion", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, map[string][]string{"A": {"B"}, "B": {"C"}})

		frames := postStream(t, srv, `{"start": "A", "end": "C"}`)
		require.NotEmpty(t, frames)

		assert.Equal(t, "start", frames[0]["type"])

		final := frames[len(frames)-1]
		require.Equal(t, "complete", final["type"])

		raw, err := json.Marshal(final["pathSet"])
		require.NoError(t, err)

		var paths [][]string

		require.NoError(t, json.Unmarshal(raw, &paths))
		assert.Equal(t, [][]string{{"A", "B", "C"}}, paths)

		graph, ok := final["mergedGraph"].(map[string]any)
		require.True(t, ok)
		assert.Len(t, graph["nodes"], 3)
		assert.Len(t, graph["edges"], 2)
	})

	t.Run("a malformed body yields an InvalidInput error frame", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, map[string][]string{"A": {"B"}})

		frames := postStream(t, srv, `{not json`)
		require.Len(t, frames, 1)

		assert.Equal(t, "error", frames[0]["type"])
		assert.Equal(t, "InvalidInput", frames[0]["kind"])
	})

	t.Run("an empty start yields an InvalidInput error frame", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, map[string][]string{"A": {"B"}})

		frames := postStream(t, srv, `{"start": "", "end": "B"}`)

		final := frames[len(frames)-1]
		assert.Equal(t, "error", final["type"])
		assert.Equal(t, "InvalidInput", final["kind"])
	})

	t.Run("an unknown title yields a TitleUnknown error frame", func(t *testing.T) {
		t.Parallel()

		srv := newTestServer(t, map[string][]string{"A": {"B"}})

		frames := postStream(t, srv, `{"start": "A", "end": "Zzz"}`)

		final := frames[len(frames)-1]
		assert.Equal(t, "error", final["type"])
		assert.Equal(t, "TitleUnknown", final["kind"])
	})
}

func TestGetAutocomplete(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string][]string{"Alpha": {"Beta"}})

	t.Run("requires the q parameter", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/api/autocomplete", nil)
		w := httptest.NewRecorder()

		srv.ServeHTTP(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("returns matching titles", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest(http.MethodGet, "/api/autocomplete?q=Al", nil)
		w := httptest.NewRecorder()

		srv.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Titles []string `json:"titles"`
		}

		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Contains(t, body.Titles, "Alpha")
	})
}

func TestGetHistoryAndStats(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, map[string][]string{"A": {"B"}, "B": {"C"}})

	// Run one search so there is something to report.
	_ = postStream(t, srv, `{"start": "A", "end": "C"}`)

	t.Run("history lists the search record", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/history", nil)
		w := httptest.NewRecorder()

		srv.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Records []struct {
				Start   string     `json:"start"`
				End     string     `json:"end"`
				Success bool       `json:"success"`
				PathSet [][]string `json:"path_set"`
			} `json:"records"`
		}

		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Records, 1)

		assert.Equal(t, "A", body.Records[0].Start)
		assert.Equal(t, "C", body.Records[0].End)
		assert.True(t, body.Records[0].Success)
		assert.Equal(t, [][]string{{"A", "B", "C"}}, body.Records[0].PathSet)
	})

	t.Run("stats reports cache and search counters", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		w := httptest.NewRecorder()

		srv.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Cache struct {
				Size int `json:"size"`
			} `json:"cache"`
			Searches struct {
				Total      int64 `json:"total"`
				Successful int64 `json:"successful"`
			} `json:"searches"`
		}

		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, int64(1), body.Searches.Total)
		assert.Equal(t, int64(1), body.Searches.Successful)
		assert.Positive(t, body.Cache.Size)
	})
}
