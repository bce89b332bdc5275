package auth

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// attemptLimiter is a token bucket per client address.
type attemptLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perSecond rate.Limit
	burst     int
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newAttemptLimiter(perSecond float64, burst int) *attemptLimiter {
	if burst < 1 {
		burst = 1
	}
	return &attemptLimiter{
		buckets:   make(map[string]*bucket),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

func (l *attemptLimiter) allow(ip string, now time.Time) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// prune drops buckets idle for longer than ttl.
func (l *attemptLimiter) prune(now time.Time, ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.seen) > ttl {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
