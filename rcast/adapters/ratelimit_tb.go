package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
)

// TokenBucket implements a token bucket render limiter. Each Acquire takes a
// token and its release puts it back; tokens also refill over time so a
// lost release cannot starve the bucket.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	now        func() time.Time
}

// bucket represents a single token bucket for a key.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire attempts to take a token for key.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	if tb.refillRate > 0 {
		if add := int(now.Sub(b.lastRefill) / tb.refillRate); add > 0 {
			b.tokens = min(b.tokens+add, tb.capacity)
			b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
		}
	}

	if b.tokens <= 0 {
		return nil, ports.ErrRateLimited
	}
	b.tokens--

	var once sync.Once
	release = func() {
		once.Do(func() {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			b.tokens = min(b.tokens+1, tb.capacity)
		})
	}
	return release, nil
}

// NoopLimiter admits everything.
type NoopLimiter struct{}

func (NoopLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

var (
	_ ports.RenderLimiter = (*TokenBucket)(nil)
	_ ports.RenderLimiter = NoopLimiter{}
)
