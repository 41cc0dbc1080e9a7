package research

import (
	"sync"
	"time"
)

// RateLimiter implements a per-user sliding-window rate limiter. The key is
// userID only — not userID:sessionID — so users cannot bypass throttling by
// rotating sessions. State is injected per-process, never module-level.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
}

// NewRateLimiter creates a limiter allowing limit requests per window and
// starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow checks and records a request for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	close(r.done)
}

// evictLoop periodically drops keys with no recent requests so the map does
// not grow with every user ever seen.
func (r *RateLimiter) evictLoop() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.window)
			r.mu.Lock()
			for key, times := range r.requests {
				active := false
				for _, t := range times {
					if t.After(cutoff) {
						active = true
						break
					}
				}
				if !active {
					delete(r.requests, key)
				}
			}
			r.mu.Unlock()
		}
	}
}
