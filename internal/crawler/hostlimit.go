package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter spaces requests to the same host. The rate is the stricter
// of the configured per-host rate and the host's robots crawl delay.
type hostLimiter struct {
	rps float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiter(rps float64) *hostLimiter {
	return &hostLimiter{rps: rps, limiters: make(map[string]*rate.Limiter)}
}

func (h *hostLimiter) Wait(ctx context.Context, host string, crawlDelay time.Duration) error {
	limit := rate.Inf
	if h.rps > 0 {
		limit = rate.Limit(h.rps)
	}
	if crawlDelay > 0 {
		if d := rate.Every(crawlDelay); d < limit {
			limit = d
		}
	}
	if limit == rate.Inf {
		return nil
	}

	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(limit, 1)
		h.limiters[host] = l
	} else if l.Limit() != limit {
		l.SetLimit(limit)
	}
	h.mu.Unlock()

	return l.Wait(ctx)
}
