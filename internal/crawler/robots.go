package crawler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const (
	maxRobotsBytes = 512 * 1024
	maxCrawlDelay  = 5 * time.Second
)

type robotsEntry struct {
	group   *robotstxt.Group // nil allows everything
	fetched time.Time
}

// robotsCache fetches and caches robots.txt per scheme+host. Concurrent
// lookups for the same host share one fetch.
type robotsCache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]robotsEntry
	flight  singleflight.Group
}

func newRobotsCache(client *http.Client, userAgent string, ttl, timeout time.Duration) *robotsCache {
	return &robotsCache{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		timeout:   timeout,
		now:       time.Now,
		entries:   make(map[string]robotsEntry),
	}
}

// Check reports whether u may be fetched and the crawl delay the host asks for.
func (c *robotsCache) Check(ctx context.Context, u *url.URL) (bool, time.Duration) {
	entry := c.lookup(ctx, u)
	if entry.group == nil {
		return true, 0
	}
	delay := entry.group.CrawlDelay
	if delay > maxCrawlDelay {
		delay = maxCrawlDelay
	}
	return entry.group.Test(u.RequestURI()), delay
}

func (c *robotsCache) lookup(ctx context.Context, u *url.URL) robotsEntry {
	key := u.Scheme + "://" + u.Host
	if entry, ok := c.cached(key); ok {
		return entry
	}

	v, _, _ := c.flight.Do(key, func() (any, error) {
		if entry, ok := c.cached(key); ok {
			return entry, nil
		}
		// one caller's cancellation must not fail the shared fetch
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		entry := robotsEntry{group: c.fetch(fctx, key), fetched: c.now()}
		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()
		return entry, nil
	})
	return v.(robotsEntry)
}

func (c *robotsCache) cached(key string) (robotsEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.fetched) > c.ttl {
		return robotsEntry{}, false
	}
	return entry, true
}

// sweep drops entries past their TTL.
func (c *robotsCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.fetched) > c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// fetch returns the group for our agent, or nil when robots.txt is missing,
// unreachable, or unparsable.
func (c *robotsCache) fetch(ctx context.Context, origin string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Debug("robots fetch failed, allowing", "origin", origin, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		slog.Debug("robots server error, allowing", "origin", origin, "status", resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		slog.Debug("robots parse failed, allowing", "origin", origin, "error", err)
		return nil
	}
	return data.FindGroup(c.userAgent)
}
