// Package ratelimit bounds the request rate against each venue's REST
// surface with two token buckets per venue: one for reads, one for writes.
//
// Buckets refill continuously rather than in window-sized bursts, so a
// steady caller never trips the venue's hard limit. Tokens are fractional:
// a bulk endpoint may charge 0.5 while an expensive scan charges several.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// bucket is a token bucket with lazy refill. Tokens accrue at rate per
// second up to capacity, computed from elapsed time on each acquire.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
}

func newBucket(capacity, ratePerSecond float64) *bucket {
	return &bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// acquire blocks until cost tokens are available or ctx is cancelled.
// A cost above the bucket capacity can never be satisfied and errors
// immediately instead of waiting forever.
func (b *bucket) acquire(ctx context.Context, cost float64) error {
	if cost > b.capacity {
		return fmt.Errorf("cost %.2f exceeds bucket capacity %.2f", cost, b.capacity)
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now

		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((cost - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Limiter holds the read and write buckets for one venue. Venues have
// independent limiters; the exchange client layer owns the mapping.
type Limiter struct {
	read  *bucket
	write *bucket
}

// New creates a limiter whose buckets hold capacity equal to the per-second
// rate, i.e. a one-second burst allowance.
func New(readPerSecond, writePerSecond float64) *Limiter {
	return &Limiter{
		read:  newBucket(readPerSecond, readPerSecond),
		write: newBucket(writePerSecond, writePerSecond),
	}
}

// AcquireRead consumes cost tokens from the read bucket, blocking until
// they are available. Errors on cancellation or an unsatisfiable cost.
func (l *Limiter) AcquireRead(ctx context.Context, cost float64) error {
	return l.read.acquire(ctx, cost)
}

// AcquireWrite consumes cost tokens from the write bucket.
func (l *Limiter) AcquireWrite(ctx context.Context, cost float64) error {
	return l.write.acquire(ctx, cost)
}

// DefaultCost is the token cost of a standard single-resource call.
const DefaultCost = 1.0
