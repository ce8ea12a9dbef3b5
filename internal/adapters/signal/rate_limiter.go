package signal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/fedmesh/internal/domain"
)

// JoinRateLimiter bounds join attempts per remote host with a token
// bucket: limit joins at once, refilled at limit per interval. Ports are
// ignored so a client cannot dodge the limit by reconnecting.
type JoinRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	every    rate.Limit
	now      func() time.Time
}

func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	rl := &JoinRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		now:      time.Now,
	}
	if limit > 0 {
		rl.every = rate.Every(interval / time.Duration(limit))
	}
	return rl
}

func (rl *JoinRateLimiter) Allow(ep domain.Endpoint) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[ep.Host]
	if !ok {
		lim = rate.NewLimiter(rl.every, rl.limit)
		rl.limiters[ep.Host] = lim
	}
	return lim.AllowN(rl.now(), 1)
}

// Prune drops hosts whose bucket has refilled; a fresh limiter behaves the same.
func (rl *JoinRateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for host, lim := range rl.limiters {
		if lim.TokensAt(now) >= float64(rl.limit) {
			delete(rl.limiters, host)
		}
	}
}
