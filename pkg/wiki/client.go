// Package wiki implements the client for the upstream encyclopedia API. It
// fetches forward links and back-links for article titles, resolves titles
// through redirects, and serves autocomplete queries. All titles returned by
// the upstream are treated as untrusted and normalized at this boundary.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nilroute/wikihop/pkg/circuitbreaker"
	"github.com/nilroute/wikihop/pkg/lock"
)

const (
	otelPackageName = "github.com/nilroute/wikihop/pkg/wiki"

	defaultHTTPTimeout = 3 * time.Second

	// DefaultFetchTimeout bounds a single upstream HTTP request.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultConcurrency is the per-client cap on outstanding requests.
	DefaultConcurrency = 50

	// DefaultNeighborCap bounds the number of neighbors fetched per title.
	DefaultNeighborCap = 500

	// apiPageSize is the page size requested from the upstream; the API caps
	// anonymous clients at 500 titles per page.
	apiPageSize = 500
)

var (
	// ErrURLRequired is returned if the given URL to New is not given.
	ErrURLRequired = errors.New("the URL is required")

	// ErrURLMustContainScheme is returned if the given URL to New did not contain a scheme.
	ErrURLMustContainScheme = errors.New("the URL must contain scheme")

	// ErrTitleUnknown is returned if the upstream has no article by that title.
	ErrTitleUnknown = errors.New("no such article")

	// ErrUpstreamUnavailable is returned after all retries are exhausted, or
	// when the circuit breaker is open.
	ErrUpstreamUnavailable = errors.New("the upstream is unavailable")

	// ErrUnexpectedHTTPStatusCode is returned if the response has an unexpected status code.
	ErrUnexpectedHTTPStatusCode = errors.New("unexpected HTTP status code")

	// ErrTransportCastError is returned if it was not possible to cast http.DefaultTransport to *http.Transport.
	ErrTransportCastError = errors.New("unable to cast http.DefaultTransport to *http.Transport")

	// errMalformedPayload marks an upstream response that could not be decoded.
	errMalformedPayload = errors.New("malformed upstream payload")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Client is the upstream encyclopedia client. It is safe for concurrent use;
// the internal semaphore enforces the concurrency cap and queues excess calls.
type Client struct {
	httpClient *http.Client
	url        *url.URL
	sem        *semaphore.Weighted
	breaker    *circuitbreaker.CircuitBreaker
	retry      lock.RetryConfig

	neighborCap  int
	fetchTimeout time.Duration

	dialerTimeout         time.Duration
	responseHeaderTimeout time.Duration
}

// Options contains optional configuration for creating a client.
type Options struct {
	// Concurrency is the cap on outstanding upstream requests.
	// If zero, defaults to DefaultConcurrency.
	Concurrency int64

	// NeighborCap bounds the neighbor set fetched per title.
	// If zero, defaults to DefaultNeighborCap.
	NeighborCap int

	// FetchTimeout bounds a single upstream HTTP request.
	// If zero, defaults to DefaultFetchTimeout.
	FetchTimeout time.Duration

	// Retry overrides the retry policy. If nil, the client retries up to 4
	// attempts with exponential backoff starting at 500ms.
	Retry *lock.RetryConfig

	// DialerTimeout is the timeout for establishing a TCP connection.
	// If zero, defaults to 3s.
	DialerTimeout time.Duration

	// ResponseHeaderTimeout is the timeout for waiting for response headers.
	// If zero, defaults to 3s.
	ResponseHeaderTimeout time.Duration
}

// defaultRetryConfig is the upstream retry policy: 4 attempts,
// exponential backoff with base 500ms, jitter up to 20%.
func defaultRetryConfig() lock.RetryConfig {
	return lock.RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		JitterFactor: 0.2,
	}
}

// New creates a new upstream client for the API endpoint at u
// (e.g. https://en.wikipedia.org/w/api.php).
func New(ctx context.Context, u *url.URL, opts *Options) (*Client, error) {
	if u == nil {
		return nil, ErrURLRequired
	}

	if u.Scheme == "" {
		return nil, ErrURLMustContainScheme
	}

	c := &Client{
		url:                   u,
		neighborCap:           DefaultNeighborCap,
		fetchTimeout:          DefaultFetchTimeout,
		dialerTimeout:         defaultHTTPTimeout,
		responseHeaderTimeout: defaultHTTPTimeout,
		retry:                 defaultRetryConfig(),
		breaker:               circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}

	concurrency := int64(DefaultConcurrency)

	if opts != nil {
		if opts.Concurrency > 0 {
			concurrency = opts.Concurrency
		}

		if opts.NeighborCap > 0 {
			c.neighborCap = opts.NeighborCap
		}

		if opts.FetchTimeout > 0 {
			c.fetchTimeout = opts.FetchTimeout
		}

		if opts.Retry != nil {
			c.retry = *opts.Retry
		}

		if opts.DialerTimeout > 0 {
			c.dialerTimeout = opts.DialerTimeout
		}

		if opts.ResponseHeaderTimeout > 0 {
			c.responseHeaderTimeout = opts.ResponseHeaderTimeout
		}
	}

	c.sem = semaphore.NewWeighted(concurrency)

	if err := c.setupHTTPClient(); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("upstream_url", c.url.String()).
		Int64("concurrency", concurrency).
		Int("neighbor_cap", c.neighborCap).
		Msg("creating a new upstream client")

	return c, nil
}

func (c *Client) setupHTTPClient() error {
	dtP, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return ErrTransportCastError
	}

	// create a copy of the default transport
	dt := dtP.Clone()

	dialer := &net.Dialer{
		Timeout:   c.dialerTimeout,
		KeepAlive: 30 * time.Second,
	}

	// configure dialer with tighter timeout
	dt.DialContext = dialer.DialContext

	// Disable automatic compression handling so we can deal with it ourselves.
	dt.DisableCompression = true

	// Set timeout to first byte
	dt.ResponseHeaderTimeout = c.responseHeaderTimeout

	c.httpClient = &http.Client{
		Transport: otelhttp.NewTransport(dt),
	}

	return nil
}

// GetHostname returns the hostname of the upstream API.
func (c *Client) GetHostname() string { return c.url.Hostname() }

// FetchForward returns the set of normalized titles the article links to.
// Non-article namespaces and self-loops are excluded. The set is capped at
// the configured per-title neighbor cap.
func (c *Client) FetchForward(ctx context.Context, title string) (map[string]struct{}, error) {
	ctx, span := tracer.Start(
		ctx,
		"wiki.FetchForward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("title", title),
			attribute.String("upstream_url", c.url.String()),
		),
	)
	defer span.End()

	ctx = zerolog.Ctx(ctx).
		With().
		Str("title", title).
		Str("direction", DirectionForward).
		Logger().
		WithContext(ctx)

	params := url.Values{}
	params.Set("action", "query")
	params.Set("prop", "links")
	params.Set("plnamespace", "0")
	params.Set("pllimit", strconv.Itoa(apiPageSize))
	params.Set("titles", title)

	return c.fetchNeighbors(ctx, title, params, func(resp *apiResponse) ([]apiTitle, error) {
		if resp.Query == nil {
			return nil, nil
		}

		for _, p := range resp.Query.Pages {
			if p.Missing {
				return nil, ErrTitleUnknown
			}

			return p.Links, nil
		}

		return nil, nil
	})
}

// FetchBackward returns the set of normalized titles linking to the article.
// Non-article namespaces and self-loops are excluded. The set is capped at
// the configured per-title neighbor cap.
func (c *Client) FetchBackward(ctx context.Context, title string) (map[string]struct{}, error) {
	ctx, span := tracer.Start(
		ctx,
		"wiki.FetchBackward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("title", title),
			attribute.String("upstream_url", c.url.String()),
		),
	)
	defer span.End()

	ctx = zerolog.Ctx(ctx).
		With().
		Str("title", title).
		Str("direction", DirectionBackward).
		Logger().
		WithContext(ctx)

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "backlinks")
	params.Set("blnamespace", "0")
	params.Set("bllimit", strconv.Itoa(apiPageSize))
	params.Set("bltitle", title)

	return c.fetchNeighbors(ctx, title, params, func(resp *apiResponse) ([]apiTitle, error) {
		if resp.Query == nil {
			return nil, nil
		}

		return resp.Query.Backlinks, nil
	})
}

// fetchNeighbors drives the paginated query described by params until the
// upstream is exhausted or the neighbor cap is reached. extract pulls the
// neighbor list out of one response page.
func (c *Client) fetchNeighbors(
	ctx context.Context,
	title string,
	params url.Values,
	extract func(*apiResponse) ([]apiTitle, error),
) (map[string]struct{}, error) {
	neighbors := make(map[string]struct{})

	cont := map[string]string{}

	for {
		reqParams := url.Values{}

		for k, vs := range params {
			reqParams[k] = vs
		}

		for k, v := range cont {
			reqParams.Set(k, v)
		}

		resp, err := c.do(ctx, reqParams)
		if err != nil {
			if errors.Is(err, errMalformedPayload) {
				// A payload we cannot decode is treated as "no neighbors" for
				// this title.
				zerolog.Ctx(ctx).
					Warn().
					Err(err).
					Msg("treating malformed upstream payload as an empty neighbor set")

				return neighbors, nil
			}

			return nil, err
		}

		links, err := extract(resp)
		if err != nil {
			return nil, err
		}

		for _, l := range links {
			if l.Ns != 0 {
				continue
			}

			normalized, err := NormalizeTitle(l.Title)
			if err != nil {
				zerolog.Ctx(ctx).
					Debug().
					Err(err).
					Str("neighbor", l.Title).
					Msg("skipping an invalid neighbor title")

				continue
			}

			if normalized == title {
				continue
			}

			neighbors[normalized] = struct{}{}

			if len(neighbors) >= c.neighborCap {
				return neighbors, nil
			}
		}

		if len(resp.Continue) == 0 {
			return neighbors, nil
		}

		cont = resp.Continue
	}
}

// Resolve returns the canonical title of an article, following redirects.
func (c *Client) Resolve(ctx context.Context, title string) (string, error) {
	ctx, span := tracer.Start(
		ctx,
		"wiki.Resolve",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("title", title),
			attribute.String("upstream_url", c.url.String()),
		),
	)
	defer span.End()

	ctx = zerolog.Ctx(ctx).
		With().
		Str("title", title).
		Logger().
		WithContext(ctx)

	params := url.Values{}
	params.Set("action", "query")
	params.Set("redirects", "1")
	params.Set("titles", title)

	resp, err := c.do(ctx, params)
	if err != nil {
		if errors.Is(err, errMalformedPayload) {
			return "", fmt.Errorf("%w: %s", ErrTitleUnknown, title)
		}

		return "", err
	}

	if resp.Query == nil || len(resp.Query.Pages) == 0 {
		return "", fmt.Errorf("%w: %s", ErrTitleUnknown, title)
	}

	page := resp.Query.Pages[0]
	if page.Missing || page.Invalid {
		return "", fmt.Errorf("%w: %s", ErrTitleUnknown, title)
	}

	return NormalizeTitle(page.Title)
}

// Autocomplete returns up to limit article titles starting with the prefix.
func (c *Client) Autocomplete(ctx context.Context, prefix string, limit int) ([]string, error) {
	ctx, span := tracer.Start(
		ctx,
		"wiki.Autocomplete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("prefix", prefix),
			attribute.String("upstream_url", c.url.String()),
		),
	)
	defer span.End()

	params := url.Values{}
	params.Set("action", "opensearch")
	params.Set("namespace", "0")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("search", prefix)

	body, err := c.doRaw(ctx, params)
	if err != nil {
		return nil, err
	}

	// The opensearch response is a positional JSON array:
	// [query, titles, descriptions, urls].
	var raw []json.RawMessage

	if err := json.Unmarshal(body, &raw); err != nil || len(raw) < 2 {
		zerolog.Ctx(ctx).
			Warn().
			Str("prefix", prefix).
			Msg("treating a malformed autocomplete payload as an empty result")

		return nil, nil
	}

	var titles []string

	if err := json.Unmarshal(raw[1], &titles); err != nil {
		return nil, nil
	}

	results := make([]string, 0, len(titles))

	for _, t := range titles {
		normalized, err := NormalizeTitle(t)
		if err != nil {
			continue
		}

		results = append(results, normalized)
	}

	return results, nil
}

// do performs one API call with retry and decodes the JSON response.
func (c *Client) do(ctx context.Context, params url.Values) (*apiResponse, error) {
	body, err := c.doRaw(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp apiResponse

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedPayload, err)
	}

	if resp.Error != nil {
		if resp.Error.Code == "missingtitle" || resp.Error.Code == "invalidtitle" {
			return nil, ErrTitleUnknown
		}

		return nil, fmt.Errorf("%w: %s: %s", errMalformedPayload, resp.Error.Code, resp.Error.Info)
	}

	return &resp, nil
}

// doRaw performs one API call under the semaphore and retry policy, and
// returns the raw response body.
func (c *Client) doRaw(ctx context.Context, params url.Values) ([]byte, error) {
	if !c.breaker.AllowRequest() {
		return nil, fmt.Errorf("%w: circuit breaker is open", ErrUpstreamUnavailable)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("error acquiring the request semaphore: %w", err)
	}
	defer c.sem.Release(1)

	var lastErr error

	for attempt := range c.retry.MaxAttempts {
		if attempt > 0 {
			retriesTotal.Add(ctx, 1)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lock.CalculateBackoff(c.retry, attempt)):
			}
		}

		body, retryable, err := c.once(ctx, params)
		if err == nil {
			c.breaker.RecordSuccess()

			return body, nil
		}

		if !retryable {
			return nil, err
		}

		c.breaker.RecordFailure()

		lastErr = err

		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("upstream request failed")
	}

	failuresTotal.Add(ctx, 1)

	return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, lastErr)
}

// once performs a single HTTP request. The second return value reports
// whether the failure is retryable (transport errors and 5xx responses).
func (c *Client) once(ctx context.Context, params url.Values) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	u := *c.url

	params.Set("format", "json")
	params.Set("formatversion", "2")

	u.RawQuery = params.Encode()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("error creating a new request: %w", err)
	}

	r.Header.Set("Accept-Encoding", "gzip")

	requestsTotal.Add(ctx, 1)

	resp, err := c.httpClient.Do(r)
	if err != nil {
		return nil, true, fmt.Errorf("error performing the request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusNotFound {
			return nil, false, ErrTitleUnknown
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, true, fmt.Errorf("%w: %d", ErrUnexpectedHTTPStatusCode, resp.StatusCode)
		}

		return nil, false, fmt.Errorf("%w: %d", ErrUnexpectedHTTPStatusCode, resp.StatusCode)
	}

	var reader io.Reader = resp.Body

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", errMalformedPayload, err)
		}

		defer gz.Close()

		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, true, fmt.Errorf("error reading the response body: %w", err)
	}

	return body, false, nil
}

// apiResponse is the strict shape of an API query response. Anything that
// does not fit this shape is rejected at this boundary.
type apiResponse struct {
	Continue map[string]string `json:"continue"`
	Error    *apiError         `json:"error"`
	Query    *apiQuery         `json:"query"`
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

type apiQuery struct {
	Pages     []apiPage  `json:"pages"`
	Backlinks []apiTitle `json:"backlinks"`
}

type apiPage struct {
	Title   string     `json:"title"`
	Missing bool       `json:"missing"`
	Invalid bool       `json:"invalid"`
	Links   []apiTitle `json:"links"`
}

type apiTitle struct {
	Ns    int    `json:"ns"`
	Title string `json:"title"`
}
