package wiki_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilroute/wikihop/pkg/lock"
	"github.com/nilroute/wikihop/pkg/wiki"
)

// fakeUpstream is a minimal encyclopedia API: forward links, backlinks,
// redirects and opensearch, with optional pagination.
type fakeUpstream struct {
	// links maps a title to its outgoing links.
	links map[string][]string
	// redirects maps a title to its canonical form.
	redirects map[string]string
	// pageSize forces pagination when > 0.
	pageSize int

	requests atomic.Int64
	failures atomic.Int64 // remaining 500s to serve before recovering
}

func (f *fakeUpstream) backlinks(title string) []string {
	var in []string

	for from, tos := range f.links {
		for _, to := range tos {
			if to == title {
				in = append(in, from)
			}
		}
	}

	return in
}

func (f *fakeUpstream) handler(t *testing.T) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)

		if f.failures.Load() > 0 {
			f.failures.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		q := r.URL.Query()

		w.Header().Set("Content-Type", "application/json")

		switch {
		case q.Get("action") == "opensearch":
			titles := []string{}

			for title := range f.links {
				titles = append(titles, title)
			}

			//nolint:errcheck
			json.NewEncoder(w).Encode([]any{q.Get("search"), titles, []string{}, []string{}})

		case q.Get("list") == "backlinks":
			f.writeTitleList(w, q, "backlinks", f.backlinks(q.Get("bltitle")), "blcontinue")

		case q.Get("redirects") != "":
			title := q.Get("titles")

			if canonical, ok := f.redirects[title]; ok {
				title = canonical
			}

			if _, ok := f.links[title]; !ok {
				//nolint:errcheck
				json.NewEncoder(w).Encode(map[string]any{
					"query": map[string]any{
						"pages": []map[string]any{{"title": title, "missing": true}},
					},
				})

				return
			}

			//nolint:errcheck
			json.NewEncoder(w).Encode(map[string]any{
				"query": map[string]any{
					"pages": []map[string]any{{"title": title}},
				},
			})

		default: // prop=links
			title := q.Get("titles")

			if _, ok := f.links[title]; !ok {
				//nolint:errcheck
				json.NewEncoder(w).Encode(map[string]any{
					"query": map[string]any{
						"pages": []map[string]any{{"title": title, "missing": true}},
					},
				})

				return
			}

			f.writePageLinks(w, q, title)
		}
	}
}

func (f *fakeUpstream) writePageLinks(w http.ResponseWriter, q url.Values, title string) {
	links := f.links[title]

	offset := 0
	if c := q.Get("plcontinue"); c != "" {
		offset, _ = parseOffset(c)
	}

	page, cont := paginate(links, offset, f.pageSize)

	titles := make([]map[string]any, 0, len(page))
	for _, l := range page {
		titles = append(titles, map[string]any{"ns": 0, "title": l})
	}

	body := map[string]any{
		"query": map[string]any{
			"pages": []map[string]any{{"title": title, "links": titles}},
		},
	}

	if cont != "" {
		body["continue"] = map[string]string{"plcontinue": cont}
	}

	//nolint:errcheck
	json.NewEncoder(w).Encode(body)
}

func (f *fakeUpstream) writeTitleList(
	w http.ResponseWriter,
	q url.Values,
	field string,
	all []string,
	contKey string,
) {
	offset := 0
	if c := q.Get(contKey); c != "" {
		offset, _ = parseOffset(c)
	}

	page, cont := paginate(all, offset, f.pageSize)

	titles := make([]map[string]any, 0, len(page))
	for _, l := range page {
		titles = append(titles, map[string]any{"ns": 0, "title": l})
	}

	body := map[string]any{
		"query": map[string]any{field: titles},
	}

	if cont != "" {
		body["continue"] = map[string]string{contKey: cont}
	}

	//nolint:errcheck
	json.NewEncoder(w).Encode(body)
}

func paginate(all []string, offset, pageSize int) ([]string, string) {
	if pageSize <= 0 || offset+pageSize >= len(all) {
		if offset > len(all) {
			offset = len(all)
		}

		return all[offset:], ""
	}

	return all[offset : offset+pageSize], formatOffset(offset + pageSize)
}

func parseOffset(s string) (int, error) { return strconv.Atoi(s) }

func formatOffset(n int) string { return strconv.Itoa(n) }

func newTestClient(t *testing.T, fake *fakeUpstream, opts *wiki.Options) *wiki.Client {
	t.Helper()

	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	if opts == nil {
		opts = &wiki.Options{}
	}

	if opts.Retry == nil {
		opts.Retry = &lock.RetryConfig{
			MaxAttempts:  4,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		}
	}

	client, err := wiki.New(context.Background(), u, opts)
	require.NoError(t, err)

	return client
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires a URL", func(t *testing.T) {
		t.Parallel()

		_, err := wiki.New(context.Background(), nil, nil)
		require.ErrorIs(t, err, wiki.ErrURLRequired)
	})

	t.Run("requires a scheme", func(t *testing.T) {
		t.Parallel()

		_, err := wiki.New(context.Background(), &url.URL{Host: "example.com"}, nil)
		require.ErrorIs(t, err, wiki.ErrURLMustContainScheme)
	})
}

func TestFetchForward(t *testing.T) {
	t.Parallel()

	t.Run("returns the normalized neighbor set", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{links: map[string][]string{
			"A": {"B", "C", "A"}, // self-loop must be excluded
		}}

		client := newTestClient(t, fake, nil)

		neighbors, err := client.FetchForward(context.Background(), "A")
		require.NoError(t, err)

		assert.Equal(t, map[string]struct{}{"B": {}, "C": {}}, neighbors)
	})

	t.Run("iterates pagination until exhausted", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{
			links:    map[string][]string{"A": {"B", "C", "D", "E", "F"}},
			pageSize: 2,
		}

		client := newTestClient(t, fake, nil)

		neighbors, err := client.FetchForward(context.Background(), "A")
		require.NoError(t, err)

		assert.Len(t, neighbors, 5)
		assert.GreaterOrEqual(t, fake.requests.Load(), int64(3))
	})

	t.Run("honors the neighbor cap", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{
			links: map[string][]string{"A": {"B", "C", "D", "E", "F"}},
		}

		client := newTestClient(t, fake, &wiki.Options{NeighborCap: 3})

		neighbors, err := client.FetchForward(context.Background(), "A")
		require.NoError(t, err)

		assert.Len(t, neighbors, 3)
	})

	t.Run("unknown titles fail with TitleUnknown", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{links: map[string][]string{}}

		client := newTestClient(t, fake, nil)

		_, err := client.FetchForward(context.Background(), "Nope")
		require.ErrorIs(t, err, wiki.ErrTitleUnknown)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{links: map[string][]string{"A": {"B"}}}
		fake.failures.Store(2)

		client := newTestClient(t, fake, nil)

		neighbors, err := client.FetchForward(context.Background(), "A")
		require.NoError(t, err)

		assert.Equal(t, map[string]struct{}{"B": {}}, neighbors)
		assert.GreaterOrEqual(t, fake.requests.Load(), int64(3))
	})

	t.Run("exhausted retries fail with UpstreamUnavailable", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{links: map[string][]string{"A": {"B"}}}
		fake.failures.Store(100)

		client := newTestClient(t, fake, nil)

		_, err := client.FetchForward(context.Background(), "A")
		require.ErrorIs(t, err, wiki.ErrUpstreamUnavailable)
	})
}

func TestFetchBackward(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{links: map[string][]string{
		"A": {"C"},
		"B": {"C"},
		"C": {},
	}}

	client := newTestClient(t, fake, nil)

	neighbors, err := client.FetchBackward(context.Background(), "C")
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"A": {}, "B": {}}, neighbors)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	t.Run("follows redirects", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{
			links:     map[string][]string{"Albert Einstein": {"Physics"}},
			redirects: map[string]string{"Einstein": "Albert Einstein"},
		}

		client := newTestClient(t, fake, nil)

		canonical, err := client.Resolve(context.Background(), "Einstein")
		require.NoError(t, err)

		assert.Equal(t, "Albert Einstein", canonical)
	})

	t.Run("unknown titles fail with TitleUnknown", func(t *testing.T) {
		t.Parallel()

		fake := &fakeUpstream{links: map[string][]string{}}

		client := newTestClient(t, fake, nil)

		_, err := client.Resolve(context.Background(), "Nope")
		require.ErrorIs(t, err, wiki.ErrTitleUnknown)
	})
}

func TestAutocomplete(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{links: map[string][]string{"Alpha": {}}}

	client := newTestClient(t, fake, nil)

	titles, err := client.Autocomplete(context.Background(), "Al", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"Alpha"}, titles)
}

func TestMalformedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		//nolint:errcheck
		w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := wiki.New(context.Background(), u, nil)
	require.NoError(t, err)

	// A malformed payload is "no neighbors", never fatal.
	neighbors, err := client.FetchForward(context.Background(), "A")
	require.NoError(t, err)
	assert.Empty(t, neighbors)
}
