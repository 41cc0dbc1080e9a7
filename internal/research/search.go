// Package research binds the optional web-search collaborator.
package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Searcher returns research text for a query. An empty string means "no
// usable result"; callers fall back to asking the user directly instead of
// presenting empty research. Search is best-effort enrichment: callers treat
// errors the same way as empty results.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

const maxResultBytes = 64 << 10 // 64KB of research text is plenty

// HTTPSearcher calls a search endpoint that accepts ?q= and returns plain
// text. The request is timeout-bound so a slow provider cannot stall a turn.
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSearcher builds a searcher against the given endpoint.
func NewHTTPSearcher(endpoint string, timeout time.Duration) *HTTPSearcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSearcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSearcher) Search(ctx context.Context, query string) (string, error) {
	u := s.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// DefaultCacheTTL is how long a research result stays reusable. Market facts
// move slowly; re-querying the provider for every session is waste.
const DefaultCacheTTL = 6 * time.Hour

type cacheEntry struct {
	text    string
	expires time.Time
}

// Client wraps a Searcher with a per-user rate limit and a shared result
// cache. When the limit is exhausted the search silently yields no result
// rather than erroring; the conversation falls back to asking the user
// directly. Cache hits are served without touching the limiter.
type Client struct {
	searcher Searcher
	limiter  *RateLimiter
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient builds a rate-limited, caching research client. A non-positive
// ttl falls back to DefaultCacheTTL.
func NewClient(searcher Searcher, limiter *RateLimiter, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Client{
		searcher: searcher,
		limiter:  limiter,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
	}
}

// Search runs a query on behalf of a user, subject to the rate limit.
func (c *Client) Search(ctx context.Context, userID, query string) (string, error) {
	if c.searcher == nil {
		return "", nil
	}
	if text, ok := c.cached(query); ok {
		return text, nil
	}
	if c.limiter != nil && !c.limiter.Allow(userID) {
		return "", nil
	}
	text, err := c.searcher.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if text != "" {
		c.store(query, text)
	}
	return text, nil
}

func (c *Client) cached(query string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[query]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expires) {
		delete(c.cache, query)
		return "", false
	}
	return entry.text, true
}

func (c *Client) store(query, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.cache {
		if now.After(e.expires) {
			delete(c.cache, k)
		}
	}
	c.cache[query] = cacheEntry{text: text, expires: now.Add(c.ttl)}
}
