// Implements per-file token buckets bounding how often a region is diffed.

package watch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter hands out one token per key every interval.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
}

func newLimiter(interval time.Duration) *limiter {
	r := rate.Inf
	if interval > 0 {
		r = rate.Every(interval)
	}
	return &limiter{buckets: make(map[string]*rate.Limiter), rate: r}
}

// reserve takes a token for key at now. It returns 0 when the token was
// available, otherwise how long to wait for it. No token is consumed in the
// latter case.
func (l *limiter) reserve(key string, now time.Time) time.Duration {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rate, 1)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	r := b.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	if d > 0 {
		r.CancelAt(now)
	}
	return d
}
