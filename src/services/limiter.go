package services

import (
	"sync"
	"time"
)

type rateBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RequestLimiter is a per-client token bucket: burst tokens up front,
// refilled at sustainedPerMinute.
type RequestLimiter struct {
	burst              int
	sustainedPerMinute int

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func NewRequestLimiter(burst, sustainedPerMinute int) *RequestLimiter {
	return &RequestLimiter{
		burst:              burst,
		sustainedPerMinute: sustainedPerMinute,
		buckets:            make(map[string]*rateBucket),
	}
}

func (l *RequestLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &rateBucket{tokens: float64(l.burst), lastRefill: now}
		l.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		refillRate := float64(l.sustainedPerMinute) / 60.0
		bucket.tokens = min(float64(l.burst), bucket.tokens+elapsed*refillRate)
		bucket.lastRefill = now
	}

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}
