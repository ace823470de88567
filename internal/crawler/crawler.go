// Package crawler fetches a batch of URLs concurrently and returns their
// content as markdown. Each URL succeeds or fails on its own: the result
// slice always has one entry per input URL, in input order.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const maxBodyBytes = 5 << 20

// Reason classifies a failed URL.
type Reason string

const (
	ReasonInvalidURL       Reason = "InvalidURL"
	ReasonRobotsDisallowed Reason = "RobotsDisallowed"
	ReasonFetchFailed      Reason = "FetchFailed"
	ReasonExtractionFailed Reason = "ExtractionFailed"
)

// Result is the outcome for one input URL.
type Result struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Data    *Page  `json:"data,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the outcome of a Crawl call.
type Report struct {
	Success bool     `json:"success"`
	Results []Result `json:"results"`
}

// Config tunes a Crawler. Zero values fall back to defaults.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	MaxChars    int
	UserAgent   string
	RobotsTTL   time.Duration
	PerHostRPS  float64
	Retry       *RetryPolicy
	Cache       Cache
	Client      *http.Client
}

// Crawler is safe for concurrent use. Its worker limit is shared by all
// Crawl calls.
type Crawler struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	maxChars  int
	retry     *RetryPolicy
	cache     Cache
	robots    *robotsCache
	hosts     *hostLimiter
	sem       *semaphore.Weighted
	fetches   singleflight.Group

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is the context of one shared fetch. It is canceled when the last
// caller waiting on it gives up, so one canceled turn never fails another.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(cfg Config) *Crawler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 50000
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DeepSearchBot/1.0"
	}
	if cfg.RobotsTTL <= 0 {
		cfg.RobotsTTL = time.Hour
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache(time.Hour, 1000)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Crawler{
		client:    cfg.Client,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		maxChars:  cfg.MaxChars,
		retry:     cfg.Retry,
		cache:     cfg.Cache,
		robots:    newRobotsCache(cfg.Client, cfg.UserAgent, cfg.RobotsTTL, cfg.Timeout),
		hosts:     newHostLimiter(cfg.PerHostRPS),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		flights:   make(map[string]*flight),
	}
}

// Close releases idle connections.
func (c *Crawler) Close() {
	c.client.CloseIdleConnections()
}

// Sweep drops expired robots entries and, when the page cache lives in
// process, expired pages. It reports how many entries were removed. Redis
// expires its own keys.
func (c *Crawler) Sweep() int {
	n := c.robots.sweep()
	if s, ok := c.cache.(interface{ Sweep() int }); ok {
		n += s.Sweep()
	}
	return n
}

// Crawl fetches every URL and returns one result per input, in input order.
// Cancelling ctx turns pending and in-flight entries into FetchFailed
// results; the result count is unchanged.
func (c *Crawler) Crawl(ctx context.Context, urls []string) Report {
	results := make([]Result, len(urls))

	var wg sync.WaitGroup
	for i, raw := range urls {
		wg.Add(1)
		go func(i int, raw string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("crawl panicked", "url", raw, "panic", r)
					results[i] = failure(raw, ReasonExtractionFailed, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := c.sem.Acquire(ctx, 1); err != nil {
				results[i] = failure(raw, ReasonFetchFailed, err)
				return
			}
			defer c.sem.Release(1)
			results[i] = c.crawlOne(ctx, raw)
		}(i, raw)
	}
	wg.Wait()

	report := Report{Success: true, Results: results}
	for _, r := range results {
		if !r.Success {
			report.Success = false
			break
		}
	}
	return report
}

func (c *Crawler) crawlOne(ctx context.Context, raw string) Result {
	ctx, span := otel.Tracer("deepsearch/crawler").Start(ctx, "crawler.url")
	defer span.End()
	span.SetAttributes(attribute.String("url", raw))

	res := c.pipeline(ctx, raw)
	if !res.Success {
		span.SetStatus(codes.Error, string(res.Reason))
		slog.Debug("crawl failed", "url", raw, "reason", res.Reason, "error", res.Error)
	}
	return res
}

func (c *Crawler) pipeline(ctx context.Context, raw string) Result {
	u, err := Normalize(raw)
	if err != nil {
		return failure(raw, ReasonInvalidURL, err)
	}
	key := u.String()

	if page, ok := c.cache.Get(ctx, key); ok {
		return Result{URL: raw, Success: true, Data: page}
	}

	allowed, delay := c.robots.Check(ctx, u)
	if !allowed {
		return failure(raw, ReasonRobotsDisallowed, fmt.Errorf("robots.txt disallows %s", u.RequestURI()))
	}

	if err := c.hosts.Wait(ctx, u.Host, delay); err != nil {
		return failure(raw, ReasonFetchFailed, err)
	}

	page, err := c.sharedFetch(ctx, key, u)
	if err != nil {
		var ee *extractError
		if errors.As(err, &ee) {
			return failure(raw, ReasonExtractionFailed, ee.err)
		}
		return failure(raw, ReasonFetchFailed, err)
	}
	c.cache.Set(ctx, key, page)
	return Result{URL: raw, Success: true, Data: page}
}

// sharedFetch joins or starts the single fetch for key. The fetch runs on a
// context detached from any one caller and bounded by the retry budget;
// each caller stops waiting when its own ctx is done.
func (c *Crawler) sharedFetch(ctx context.Context, key string, u *url.URL) (*Page, error) {
	for attempt := 0; ; attempt++ {
		f := c.joinFlight(ctx, key)
		ch := c.fetches.DoChan(key, func() (any, error) {
			return c.fetchAndExtract(f.ctx, u)
		})
		select {
		case res := <-ch:
			c.leaveFlight(key, f)
			// joined a fetch whose callers had all left just before; run our own
			if res.Err != nil && errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && attempt == 0 {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Page), nil
		case <-ctx.Done():
			c.leaveFlight(key, f)
			return nil, fmt.Errorf("fetch: %w", ctx.Err())
		}
	}
}

func (c *Crawler) joinFlight(ctx context.Context, key string) *flight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchBudget())
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Crawler) leaveFlight(key string, f *flight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
	}
}

// fetchBudget bounds a shared fetch: every attempt timing out plus the
// longest backoff between attempts.
func (c *Crawler) fetchBudget() time.Duration {
	attempts := time.Duration(max(c.retry.MaxAttempts, 1))
	return attempts*c.timeout + attempts*c.retry.MaxDelay
}

type extractError struct{ err error }

func (e *extractError) Error() string { return e.err.Error() }

func (c *Crawler) fetchAndExtract(ctx context.Context, u *url.URL) (*Page, error) {
	var (
		body        []byte
		contentType string
		finalURL    *url.URL
	)
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			return &StatusError{Code: resp.StatusCode}
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		contentType = resp.Header.Get("Content-Type")
		finalURL = resp.Request.URL
		return nil
	})
	if err != nil {
		return nil, err
	}

	page, err := extract(body, contentType, finalURL, c.maxChars)
	if err != nil {
		return nil, &extractError{err: err}
	}
	return page, nil
}

// Normalize validates an absolute http(s) URL and strips its fragment.
func Normalize(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u, nil
}

func failure(raw string, reason Reason, err error) Result {
	return Result{URL: raw, Success: false, Reason: reason, Error: err.Error()}
}
