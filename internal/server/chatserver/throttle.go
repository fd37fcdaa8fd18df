package chatserver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// acceptThrottle is a per-IP token bucket for new connections.
type acceptThrottle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttleIdle is how long an unused bucket is kept.
const throttleIdle = 10 * time.Minute

func newAcceptThrottle(perSecond float64, burst int) *acceptThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &acceptThrottle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*ipBucket),
	}
}

func (t *acceptThrottle) allow(ip string) bool {
	if t.limit <= 0 {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle since before cutoff.
func (t *acceptThrottle) sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, ip)
			n++
		}
	}
	return n
}

func (t *acceptThrottle) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			t.sweep(now.Add(-throttleIdle))
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}
