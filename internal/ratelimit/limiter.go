// Package ratelimit enforces per-sender message rate limits during
// admission.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per sender. Buckets idle for longer than
// the prune horizon are dropped.
type Limiter struct {
	perMin int

	mu      sync.Mutex
	buckets map[string]*entry
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const pruneAfter = 10 * time.Minute

// New creates a limiter allowing perMin messages per minute per sender.
// perMin <= 0 disables limiting.
func New(perMin int) *Limiter {
	return &Limiter{perMin: perMin, buckets: make(map[string]*entry)}
}

// Allow reports whether the sender may proceed and consumes one token.
func (l *Limiter) Allow(sender string) bool {
	if l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[sender]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)}
		l.buckets[sender] = e
	}
	e.lastSeen = time.Now()
	l.pruneLocked()
	return e.lim.Allow()
}

func (l *Limiter) pruneLocked() {
	if len(l.buckets) < 1024 {
		return
	}
	cutoff := time.Now().Add(-pruneAfter)
	for k, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
