// Package ratelimit provides token buckets for pacing probe
// traffic: an in-process bucket and a Redis-backed one shared
// between workers.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter grants permission to spend probe attempts.
type Limiter interface {
	Consume(n float64) bool
}

// Bucket is an in-process token bucket. It starts full and refills
// lazily on each call from a monotonic clock reading. A denied
// consume changes nothing beyond that refill.
type Bucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewBucket creates a full bucket refilling at rate tokens per
// second up to capacity.
func NewBucket(rate, capacity float64) *Bucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Bucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Consume takes n tokens if available and reports whether it did.
// It never blocks.
func (b *Bucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if n > b.tokens {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens reports the level after a refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}
