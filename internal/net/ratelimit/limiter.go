package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. The dispatcher keys it by alert
// kind so a burst of storms cannot starve cluster or radar alerts.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rps     float64
	burst   int
}

type bucket struct {
	limiter   *rate.Limiter
	allowed   atomic.Int64
	throttled atomic.Int64
}

// NewLimiter creates a keyed limiter with the given refill rate and burst.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rps,
		burst:   burst,
	}
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists := l.buckets[key]; exists {
		return b
	}

	limit := rate.Limit(l.rps)
	if l.rps <= 0 {
		limit = rate.Inf
	}
	b = &bucket{limiter: rate.NewLimiter(limit, l.burst)}
	l.buckets[key] = b
	return b
}

// Allow reports whether one event for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	b := l.getBucket(key)
	if b.limiter.Allow() {
		b.allowed.Add(1)
		return true
	}
	b.throttled.Add(1)
	return false
}

// Stats returns per-key counters sorted by key.
func (l *Limiter) Stats() []KeyStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make([]KeyStats, 0, len(l.buckets))
	for key, b := range l.buckets {
		stats = append(stats, KeyStats{
			Key:             key,
			Allowed:         b.allowed.Load(),
			Throttled:       b.throttled.Load(),
			TokensAvailable: b.limiter.Tokens(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// KeyStats represents counters for a single key
type KeyStats struct {
	Key             string  `json:"key"`
	Allowed         int64   `json:"allowed"`
	Throttled       int64   `json:"throttled"`
	TokensAvailable float64 `json:"tokens_available"`
}
