package ratelimit

import (
	"sync"
	"time"

	"syndro/internal/clock"
)

// Limiter admits requests per key over a trailing window. Each key keeps
// the timestamps of its recent requests; a request is rejected once the
// window already holds limit entries.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	windows map[string][]time.Time
}

func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		windows: map[string][]time.Time{},
	}
}

func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	recent := l.windows[key]
	kept := recent[:0]
	for _, at := range recent {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= l.limit {
		l.windows[key] = kept
		return false
	}

	l.windows[key] = append(kept, now)
	return true
}

// Forget drops all bookkeeping for a key. Called when a peer is evicted
// from the active registry so its window does not outlive it.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}
