// Package ratelimit bounds how fast and how wide the service hits the
// upstream scrape capabilities.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter combines a per-capability token bucket with a process-wide cap on
// concurrent source scrapes. The two are independent: the bucket paces call
// starts, the slot pool bounds how many scrapes are in flight at once no
// matter how many job families share the queue.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	slots        chan struct{}
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS           float64
	DefaultBurst         int
	MaxConcurrentScrapes int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	maxConcurrent := cfg.MaxConcurrentScrapes
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		slots:        make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a rate token and a concurrency slot are available
// for the given capability. The returned release func must be called when
// the scrape finishes.
func (l *Limiter) Acquire(ctx context.Context, capability string) (func(), error) {
	l.mu.Lock()
	limiter, exists := l.limiters[capability]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[capability] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("scrape slot wait: %w", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-l.slots })
	}, nil
}

// InFlight reports how many scrape slots are currently held.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}
