// Package ratelimit provides per-principal request rate limiting.
// It keeps a sliding window log of admission timestamps per scope key and is
// meant for single-instance deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
)

// RateLimiter defines the interface for rate limiting backends.
// Returns whether the request is allowed, remaining quota, and reset time.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// SlidingWindowLimiter admits at most limit requests per key within any
// trailing window. Each key has its own lock so unrelated principals never
// contend.
type SlidingWindowLimiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*keyWindow
}

type keyWindow struct {
	mu      sync.Mutex
	stamps  []time.Time
	evicted bool
}

type Option func(*SlidingWindowLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindowLimiter) { l.now = now }
}

func NewSlidingWindowLimiter(window time.Duration, opts ...Option) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &SlidingWindowLimiter{
		window:  window,
		now:     time.Now,
		windows: make(map[string]*keyWindow),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window is the effective window length, after defaulting. Eviction runs on
// the same cadence.
func (l *SlidingWindowLimiter) Window() time.Duration { return l.window }

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, time.Time{}, err
	}

	for {
		w := l.get(key)
		w.mu.Lock()
		if w.evicted {
			// Removed by EvictIdle between lookup and lock.
			w.mu.Unlock()
			continue
		}

		now := l.now()
		w.prune(now.Add(-l.window))

		if len(w.stamps) >= limit {
			resetAt := l.resetAt(w, now)
			w.mu.Unlock()
			return false, 0, resetAt, nil
		}

		w.stamps = append(w.stamps, now)
		remaining := limit - len(w.stamps)
		resetAt := l.resetAt(w, now)
		w.mu.Unlock()
		return true, remaining, resetAt, nil
	}
}

func (l *SlidingWindowLimiter) get(key string) *keyWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &keyWindow{}
		l.windows[key] = w
	}
	return w
}

func (l *SlidingWindowLimiter) resetAt(w *keyWindow, now time.Time) time.Time {
	if len(w.stamps) == 0 {
		return now.Add(l.window)
	}
	return w.stamps[0].Add(l.window)
}

// prune drops timestamps strictly older than cutoff. Stamps are appended in
// order, so the retained ones are always a suffix.
func (w *keyWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

// EvictIdle removes keys with no timestamp inside the current window and
// returns how many were removed.
func (l *SlidingWindowLimiter) EvictIdle() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.stamps) == 0 {
			w.evicted = true
			delete(l.windows, key)
			evicted++
		}
		w.mu.Unlock()
	}
	return evicted
}

// Keys returns the number of tracked keys.
func (l *SlidingWindowLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run evicts idle keys every interval until ctx is done.
func (l *SlidingWindowLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.EvictIdle()
			metrics.SetRateLimitKeys(l.Keys())
		}
	}
}

// ScopeKey returns the limiter key for a request: the principal's scope when
// authenticated, otherwise the client address.
func ScopeKey(p *domain.Principal, clientIP string) string {
	if p != nil && p.ScopeKey != "" {
		return p.ScopeKey
	}
	return "ip:" + clientIP
}
