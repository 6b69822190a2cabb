// Package proxy implements the Proxy Service (spec.md §4.3): a pool of
// CORS-relay endpoints selected by health × priority, with request
// wrapping, response caching, and failover across the pool.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/wisbric/cloudquery/pkg/cache"
	"github.com/wisbric/cloudquery/pkg/cloudhttp"
	"github.com/wisbric/cloudquery/pkg/events"
)

// healthPenalty is subtracted from an endpoint's health on failure
// (spec.md §4.3).
const healthPenalty = 10

// Endpoint is a configured proxy relay (spec.md §3 "Proxy Endpoint").
type Endpoint struct {
	URL      string
	Priority int // lower preferred; only breaks ties between equal health scores

	mu     sync.Mutex
	health int // 0-100, floor 0
}

func newEndpoint(rawURL string, priority int) *Endpoint {
	return &Endpoint{URL: rawURL, Priority: priority, health: 100}
}

// NewEndpoint constructs a proxy endpoint at full health, for callers
// configuring a Service from outside this package.
func NewEndpoint(rawURL string, priority int) *Endpoint {
	return newEndpoint(rawURL, priority)
}

func (e *Endpoint) Health() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

func (e *Endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = 100
}

func (e *Endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health -= healthPenalty
	if e.health < 0 {
		e.health = 0
	}
}

// cachedResponse is a snapshot of a proxied response body stored in the
// ~100-entry response cache keyed by "method:url:headers" (spec.md §4.3).
type cachedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// Service is the Proxy Service: endpoint rotation plus response caching.
type Service struct {
	logger    *slog.Logger
	client    *http.Client
	endpoints []*Endpoint
	respCache *cache.Cache[*cachedResponse]
}

// New creates a Service over the given endpoints. At selection time they are
// ranked by descending health, with priority breaking ties (see candidates).
func New(logger *slog.Logger, endpoints []*Endpoint) *Service {
	return &Service{
		logger:    logger,
		client:    &http.Client{},
		endpoints: endpoints,
		respCache: cache.New[*cachedResponse](cache.Options{MaxEntries: 100, TTL: 5 * time.Minute, MaxBytes: 50 << 20}),
	}
}

// candidates returns endpoints with health > 0, ranked by descending health
// with ascending priority (lower = preferred) only as a tiebreak between
// equal health scores (spec.md §4.3 "maximizes health × priority", §8
// scenario 5: two endpoints tied at health 50 prefer the lower-priority one,
// but once one's health has decayed below the other's, health dominates).
func (s *Service) candidates() []*Endpoint {
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if e.Health() > 0 {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if hi, hj := out[i].Health(), out[j].Health(); hi != hj {
			return hi > hj
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

func cacheKey(method, rawURL string, headers map[string]string) string {
	key := method + ":" + rawURL
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key += ":" + k + "=" + headers[k]
	}
	return key
}

// Fetch relays a request through the healthiest available endpoint,
// rotating to the next candidate on failure until the pool is exhausted
// (spec.md §4.3 "fail over to next endpoint by priority").
func (s *Service) Fetch(ctx context.Context, targetURL string, opts cloudhttp.RequestOptions) (*http.Response, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	key := cacheKey(opts.Method, targetURL, opts.Headers)
	if cached, ok := s.respCache.Get(key); ok {
		return &http.Response{
			StatusCode: cached.statusCode,
			Header:     cached.header.Clone(),
			Body:       io.NopCloser(newBodyReader(cached.body)),
		}, nil
	}

	candidates := s.candidates()
	if len(candidates) == 0 {
		return nil, events.New(events.CodeProxyFailed, events.SourceOrchestration,
			"no healthy proxy endpoints available")
	}

	var lastErr error
	for _, ep := range candidates {
		resp, err := s.relay(ctx, ep, targetURL, opts)
		if err == nil {
			ep.recordSuccess()
			if body, ok := readAndRestore(resp); ok {
				s.respCache.Set(key, &cachedResponse{statusCode: resp.StatusCode, header: resp.Header.Clone(), body: body}, 0)
			}
			return resp, nil
		}
		ep.recordFailure()
		lastErr = err
		if s.logger != nil {
			s.logger.Warn("proxy endpoint failed, rotating", "endpoint", ep.URL, "error", err)
		}
	}
	return nil, events.New(events.CodeProxyFailed, events.SourceOrchestration,
		"all proxy endpoints exhausted", events.WithCause(lastErr))
}

// relay wraps targetURL as the endpoint's "url=" query parameter and
// forwards request headers, including X-Proxy-Authorization pass-through
// (spec.md §6 "Proxy Service Protocol").
func (s *Service) relay(ctx context.Context, ep *Endpoint, targetURL string, opts cloudhttp.RequestOptions) (*http.Response, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy endpoint %q: %w", ep.URL, err)
	}
	q := u.Query()
	q.Set("url", targetURL)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, opts.Method, u.String(), opts.Body)
	if err != nil {
		return nil, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if auth, ok := opts.Headers["Authorization"]; ok {
		req.Header.Del("Authorization")
		req.Header.Set("X-Proxy-Authorization", auth)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("proxy endpoint returned %d", resp.StatusCode)
	}
	return resp, nil
}

func readAndRestore(resp *http.Response) ([]byte, bool) {
	if resp.Body == nil {
		return nil, false
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, false
	}
	resp.Body = io.NopCloser(newBodyReader(data))
	return data, true
}
