package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most a fixed number of requests per key within a window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type window struct {
	count int
	start time.Time
}

// MemoryLimiter is a per-process fixed window limiter.
type MemoryLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu        sync.Mutex
	requests  map[string]*window
	lastSweep time.Time
}

func New(maxRequests int, interval time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		maxRequests: maxRequests,
		window:      interval,
		now:         time.Now,
		requests:    make(map[string]*window),
	}
}

func (rl *MemoryLimiter) Allow(_ context.Context, key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	w := rl.requests[key]
	if w == nil || now.Sub(w.start) > rl.window {
		if rl.maxRequests <= 0 {
			return false
		}
		rl.requests[key] = &window{count: 1, start: now}
		return true
	}

	if w.count >= rl.maxRequests {
		return false
	}
	w.count++
	return true
}

// sweep drops finished windows at most once per window so the map stays
// bounded by the number of recently active keys.
func (rl *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	for key, w := range rl.requests {
		if now.Sub(w.start) > rl.window {
			delete(rl.requests, key)
		}
	}
	rl.lastSweep = now
}

func (rl *MemoryLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}
