package api

import (
	"sync"
	"time"
)

// RateLimiter is a per-IP token bucket. Tokens are only spent explicitly, so
// the limiter can count failed attempts instead of every request.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	burst     int           // max tokens (bucket size)
	interval  time.Duration // time to refill a whole bucket
	lastPrune time.Time
	now       func() time.Time
}

type clientBucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter creates a limiter allowing burst spends per interval.
func NewRateLimiter(burst int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*clientBucket),
		burst:    burst,
		interval: interval,
		now:      time.Now,
	}
}

// Interval returns the refill interval.
func (rl *RateLimiter) Interval() time.Duration {
	return rl.interval
}

// Allow reports whether ip still has a token left.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[ip]
	if !ok {
		return true
	}
	rl.refill(b)
	return b.tokens >= 1
}

// Spend takes one token from ip's bucket.
func (rl *RateLimiter) Spend(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.prune()
	b, ok := rl.clients[ip]
	if !ok {
		b = &clientBucket{tokens: float64(rl.burst), lastCheck: rl.now()}
		rl.clients[ip] = b
	}
	rl.refill(b)
	if b.tokens >= 1 {
		b.tokens--
	}
}

func (rl *RateLimiter) refill(b *clientBucket) {
	now := rl.now()
	elapsed := now.Sub(b.lastCheck)
	b.tokens += float64(rl.burst) * elapsed.Seconds() / rl.interval.Seconds()
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
}

// prune drops buckets that have been idle long enough to be full again.
func (rl *RateLimiter) prune() {
	now := rl.now()
	if now.Sub(rl.lastPrune) < rl.interval {
		return
	}
	rl.lastPrune = now
	for ip, b := range rl.clients {
		if now.Sub(b.lastCheck) > rl.interval {
			delete(rl.clients, ip)
		}
	}
}
