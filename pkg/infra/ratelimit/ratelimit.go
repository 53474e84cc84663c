// Package ratelimit limits callers of the run-control surface, one token
// bucket per key (API key or client address).
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type Limiter interface {
	Allow(key string) (bool, error)
	Reset(key string)
}

type TokenBucketLimiter struct {
	rate     float64
	capacity float64
	idleTTL  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	sweeps  int
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

type Option func(*TokenBucketLimiter)

// WithIdleTTL drops buckets that have been full and unused for ttl.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *TokenBucketLimiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *TokenBucketLimiter) {
		l.now = now
	}
}

// New returns a limiter refilling rate tokens per second up to capacity.
func New(rate float64, capacity int64, opts ...Option) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1.0
	}
	if capacity <= 0 {
		capacity = 1
	}
	l := &TokenBucketLimiter{
		rate:     rate,
		capacity: float64(capacity),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *TokenBucketLimiter) Allow(key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybePrune(now)

	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{tokens: l.capacity, lastUpdate: now}
		l.buckets[key] = b
	}

	// partial tokens carry over between calls
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*l.rate, l.capacity)
		b.lastUpdate = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// RetryAfter estimates how long key must wait for its next token.
func (l *TokenBucketLimiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists || b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}

func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
}

// maybePrune runs every 256 calls. Caller holds l.mu.
func (l *TokenBucketLimiter) maybePrune(now time.Time) {
	l.sweeps++
	if l.sweeps%256 != 0 {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *TokenBucketLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

var _ Limiter = (*TokenBucketLimiter)(nil)
