package nudge

import (
	"sync"
	"time"
)

// Limiter is a token bucket in front of the notification channel. A
// burst of simultaneous timer firings spends the capacity; after that,
// one token refills per interval.
type Limiter struct {
	capacity   int
	tokens     int
	refill     time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

func NewLimiter(capacity int, refill time.Duration) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &Limiter{
		capacity:   capacity,
		tokens:     capacity,
		refill:     refill,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token when one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	refilled := int(now.Sub(l.lastRefill) / l.refill)
	if refilled > 0 {
		l.tokens = min(l.capacity, l.tokens+refilled)
		l.lastRefill = now
	}

	if l.tokens > 0 {
		l.tokens--
		return true
	}
	return false
}
