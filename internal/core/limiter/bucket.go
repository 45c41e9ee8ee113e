package limiter

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket smooths bursts: Capacity tokens, refilled at Refill tokens per second.
// It starts full.
type TokenBucket struct {
	Capacity int
	Refill   float64

	limiter *rate.Limiter
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		Capacity: capacity,
		Refill:   refillPerSecond,
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
	}
}

// Available returns the whole tokens in the bucket at now.
func (b *TokenBucket) Available(now time.Time) int {
	tokens := b.limiter.TokensAt(now)
	if tokens <= 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// Allow reports whether n tokens are available at now without consuming them.
func (b *TokenBucket) Allow(now time.Time, n int) bool {
	return n <= b.Capacity && b.limiter.TokensAt(now) >= float64(n)
}

// Consume takes n tokens at now if available.
func (b *TokenBucket) Consume(now time.Time, n int) bool {
	return b.limiter.AllowN(now, n)
}

// WaitTime returns how long until n tokens are available. A request larger than
// Capacity reports the time to refill the whole bucket.
func (b *TokenBucket) WaitTime(now time.Time, n int) time.Duration {
	if b.Refill <= 0 {
		return 0
	}
	if n > b.Capacity {
		n = b.Capacity
	}
	deficit := float64(n) - b.limiter.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(deficit / b.Refill * float64(time.Second)))
}
