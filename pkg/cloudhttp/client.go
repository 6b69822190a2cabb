// Package cloudhttp implements the CORS-aware HTTP access client (spec.md
// §4.2): plain fetch with timeout, CORS capability probing with caching,
// retrying fetch with exponential backoff, and provider detection.
package cloudhttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cloudquery/pkg/cache"
	"github.com/wisbric/cloudquery/pkg/events"
)

// CorsVerdict is the cached result of probing a URL's CORS support
// (spec.md §3 "CORS Verdict").
type CorsVerdict struct {
	DirectSupported  bool
	RequiresProxy    bool
	AllowedMethods   []string
	MaxContentLength *int64
}

// CorsHandling selects the mode FetchWithCorsHandling uses.
type CorsHandling string

const (
	CorsAuto   CorsHandling = "auto"
	CorsDirect CorsHandling = "direct"
	CorsProxy  CorsHandling = "proxy"
)

// RequestOptions configures a single request.
type RequestOptions struct {
	Method       string
	Headers      map[string]string
	Body         io.Reader
	TimeoutMs    int64 // default 30000
	CorsHandling CorsHandling
}

func (o RequestOptions) withDefaults() RequestOptions {
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 30_000
	}
	if o.CorsHandling == "" {
		o.CorsHandling = CorsAuto
	}
	return o
}

// ProxyFetcher is the subset of the Proxy Service (spec.md §4.3) the HTTP
// client delegates to when a CORS probe indicates direct access is
// unavailable.
type ProxyFetcher interface {
	Fetch(ctx context.Context, url string, opts RequestOptions) (*http.Response, error)
}

// Client is the CORS-aware HTTP access client.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	corsCache  *cache.Cache[*CorsVerdict]
	proxy      ProxyFetcher
}

// New creates a Client. proxy may be nil; in that case CORS-blocked URLs
// fail rather than falling back to a proxy.
func New(logger *slog.Logger, proxy ProxyFetcher) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
		corsCache:  cache.New[*CorsVerdict](cache.Options{MaxEntries: 10_000, MaxBytes: 10 << 20}),
		proxy:      proxy,
	}
}

// corsCacheKey builds the (host, path) cache key, ignoring the query
// string (spec.md §4.2 invariant).
func corsCacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname() + u.EscapedPath()
}

// Fetch issues a plain HTTP request with an absolute timeout enforced via
// context cancellation (the Go analogue of AbortController). The
// cancellation function always runs on every exit path.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts RequestOptions) (*http.Response, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)

	req, err := http.NewRequestWithContext(ctx, opts.Method, rawURL, opts.Body)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, classifyFetchError(rawURL, err)
	}
	// Release the timeout once the body is fully read/closed, not merely
	// once headers arrive — wrap the body so cancel fires on Close.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func classifyFetchError(rawURL string, err error) error {
	return events.New(events.CodeNetworkError, events.SourceOrchestration,
		fmt.Sprintf("request to %s failed", rawURL), events.WithCause(err))
}

// TestCorsSupport probes (host, path) once per process lifetime (until
// ClearCorsCache), issuing a HEAD request and caching the verdict (spec.md
// §4.2, §8 invariant: never more than one HEAD per (host,path)).
func (c *Client) TestCorsSupport(ctx context.Context, rawURL string) (*CorsVerdict, error) {
	key := corsCacheKey(rawURL)
	if v, ok := c.corsCache.Get(key); ok {
		return v, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		verdict := &CorsVerdict{RequiresProxy: true}
		c.corsCache.Set(key, verdict, 0)
		return verdict, nil
	}
	defer func() { _ = resp.Body.Close() }()

	verdict := &CorsVerdict{DirectSupported: resp.StatusCode < 400}
	verdict.RequiresProxy = !verdict.DirectSupported
	if allow := resp.Header.Get("Access-Control-Allow-Methods"); allow != "" {
		for _, m := range strings.Split(allow, ",") {
			verdict.AllowedMethods = append(verdict.AllowedMethods, strings.TrimSpace(m))
		}
	} else {
		verdict.AllowedMethods = []string{http.MethodGet}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := parseInt64(cl); err == nil {
			verdict.MaxContentLength = &n
		}
	}

	c.corsCache.Set(key, verdict, 0)
	return verdict, nil
}

// ClearCorsCache forgets all memoized CORS verdicts.
func (c *Client) ClearCorsCache() { c.corsCache.Clear() }

// FetchWithCorsHandling probes CORS support (unless a mode is forced via
// opts.CorsHandling) and routes the request directly or through the
// configured proxy (spec.md §4.2, §4.7 mode-selection rules).
func (c *Client) FetchWithCorsHandling(ctx context.Context, rawURL string, opts RequestOptions) (*http.Response, error) {
	opts = opts.withDefaults()

	mode := opts.CorsHandling
	if mode == CorsAuto {
		verdict, err := c.TestCorsSupport(ctx, rawURL)
		if err != nil || verdict.RequiresProxy {
			mode = CorsProxy
		} else {
			mode = CorsDirect
		}
	}

	if mode == CorsDirect {
		return c.Fetch(ctx, rawURL, opts)
	}

	if c.proxy == nil {
		return nil, events.New(events.CodeProxyFailed, events.SourceOrchestration,
			fmt.Sprintf("no proxy configured for CORS-blocked URL %s", rawURL))
	}
	return c.proxy.Fetch(ctx, rawURL, opts)
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
