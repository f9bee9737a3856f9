// Package ratelimit enforces a fixed-window request budget per client IP.
// Buckets are created lazily and reset on the first request after window
// expiry; there is no background sweep.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of a single budget check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds a rejected caller should wait, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter keeps per-key buckets under a single short mutex. The
// critical section only touches the map, so one IP's burst cannot stall
// another's throughput.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	curr, ok := l.buckets[key]
	if !ok || now.After(curr.resetAt) {
		curr = bucket{count: 0, resetAt: now.Add(l.window)}
	}
	curr.count++
	l.buckets[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) sweepLocked(now time.Time) {
	for k, v := range l.buckets {
		if now.After(v.resetAt) {
			delete(l.buckets, k)
		}
	}
}
