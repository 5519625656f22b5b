// Package ratelimit caps how many messages a user may send per time window.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user exceeds the send allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter decides whether key may perform one more action.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// normalizeKey trims surrounding space only. User ids are case-sensitive
// everywhere else, so "Alice" and "alice" keep separate buckets.
func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// MemoryLimiter is a fixed-window limiter kept in process memory.
type MemoryLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

// NewMemoryLimiter allows max actions per window for each key.
func NewMemoryLimiter(window time.Duration, max int) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &MemoryLimiter{
		window:  window,
		max:     max,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow counts one action for key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	key = normalizeKey(key)
	if key == "" {
		return false, nil
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		b = &bucket{start: now}
		l.buckets[key] = b
		l.sweep(now)
	}
	b.count++
	return b.count <= l.max, nil
}

// sweep drops expired buckets so idle users do not accumulate.
func (l *MemoryLimiter) sweep(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, k)
		}
	}
}
