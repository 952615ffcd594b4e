package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 10 * time.Minute
	limiterSweepEach = time.Minute
)

// clientLimiter keeps one token bucket per client key.
type clientLimiter struct {
	mu        sync.Mutex
	perMin    int
	burst     int
	now       func() time.Time
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(perMin, burst int, now func() time.Time) *clientLimiter {
	if burst <= 0 {
		burst = perMin
	}
	return &clientLimiter{
		perMin:  perMin,
		burst:   burst,
		now:     now,
		clients: map[string]*clientBucket{},
	}
}

func (l *clientLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterSweepEach {
		for k, b := range l.clients {
			if now.Sub(b.seen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.burst)}
		l.clients[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
