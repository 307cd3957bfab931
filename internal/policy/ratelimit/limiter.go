// Package ratelimit implements a token bucket rate limiter applied per host before each fetch.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/sitesearch/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*rate.Limiter
	rate  rate.Limit
	burst int
}

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts: make(map[string]*rate.Limiter),
		rate:  r,
		burst: burst,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.hosts[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
