package signal

import (
	"sync"

	"github.com/dkeye/Beam/internal/domain"
	"golang.org/x/time/rate"
)

// ConnRateLimiter keeps one token bucket per signaling connection.
// A non-positive rate disables limiting.
type ConnRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.ConnectionID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewConnRateLimiter(perSecond float64, burst int) *ConnRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ConnRateLimiter{
		limiters: make(map[domain.ConnectionID]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *ConnRateLimiter) Allow(id domain.ConnectionID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	l, ok := rl.limiters[id]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[id] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// Forget drops the bucket of a closed connection.
func (rl *ConnRateLimiter) Forget(id domain.ConnectionID) {
	rl.mu.Lock()
	delete(rl.limiters, id)
	rl.mu.Unlock()
}
