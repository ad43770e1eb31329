package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits inbound events per user on top of a global limit.
type RateLimiter struct {
	globalLimiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]*clientLimiter

	requestsPerSecond float64
	burst             int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per user with
// the given burst. The global limit is globalPerSecond; 0 disables it.
func NewRateLimiter(requestsPerSecond float64, burst int, globalPerSecond float64) *RateLimiter {
	rl := &RateLimiter{
		clients:           make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
	if globalPerSecond > 0 {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(globalPerSecond), int(globalPerSecond)*2+1)
	}
	return rl
}

// Allow reports whether an event from clientID may proceed.
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		return false
	}
	return rl.clientLimiter(clientID).Allow()
}

func (rl *RateLimiter) clientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[clientID]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clients[clientID] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Sweep drops limiters idle for longer than maxIdle and returns how many
// were dropped.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for id, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
