// Package ratelimit provides a token-bucket limiter keyed by client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// DefaultIdle is how long a key may go unseen before Cleanup drops it.
const DefaultIdle = 3 * time.Minute

// Options configures a Limiter.
type Options struct {
	// PerMinute is the sustained number of requests allowed per key.
	PerMinute int
	// Burst is the number of requests a fresh key may make at once.
	Burst int
	Idle  time.Duration
	Clock clock.Clock
}

// Limiter rate-limits requests per key, typically a client IP.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Limiter. A non-positive PerMinute disables limiting.
func New(opts Options) *Limiter {
	l := &Limiter{
		limit:   rate.Inf,
		burst:   opts.Burst,
		idle:    opts.Idle,
		clock:   opts.Clock,
		entries: make(map[string]*entry),
	}
	if opts.PerMinute > 0 {
		l.limit = rate.Limit(float64(opts.PerMinute) / 60)
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	if l.idle <= 0 {
		l.idle = DefaultIdle
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	return l
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Cleanup drops keys not seen within the idle period and returns how many
// were dropped.
func (l *Limiter) Cleanup() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run calls Cleanup every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
