package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per caller.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	callers   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows perMinute requests per caller with the given burst.
// It returns nil when perMinute is not positive; a nil limiter allows
// everything.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		callers: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow consumes one token for caller.
func (l *RateLimiter) Allow(caller string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, e := range l.callers {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.callers, id)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.callers[caller]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[caller] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of callers with live buckets.
func (l *RateLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}
