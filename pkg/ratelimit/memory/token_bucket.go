package memory

import (
	"context"
	"sync"
	"time"

	"github.com/interledger/connector-go/pkg/ratelimit"
)

// TokenBucket implements per-key packet and value buckets in memory.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	ptokens        float64
	vtokens        float64
	lastRefillTime time.Time
}

// NewTokenBucket creates a new in-memory TokenBucket.
func NewTokenBucket() *TokenBucket {
	return &TokenBucket{buckets: make(map[string]*bucket)}
}

// refill tops both buckets up to one second of their rates.
func (b *bucket) refill(now time.Time, limits ratelimit.Limits) {
	elapsed := now.Sub(b.lastRefillTime).Seconds()
	if elapsed > 0 {
		b.ptokens = minf(b.ptokens+elapsed*limits.PacketsPerSecond, limits.PacketsPerSecond)
		b.vtokens = minf(b.vtokens+elapsed*float64(limits.AmountPerSecond), float64(limits.AmountPerSecond))
	}
	b.lastRefillTime = now
}

// Take consumes one packet token and amount value tokens if both are
// available; on refusal nothing is consumed.
func (tb *TokenBucket) Take(ctx context.Context, key string, amount uint64, limits ratelimit.Limits) (ratelimit.Decision, error) {
	if limits.PacketsPerSecond <= 0 && limits.AmountPerSecond == 0 {
		return ratelimit.Allowed, nil
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b := tb.bucket(key, limits)
	b.refill(time.Now(), limits)

	if limits.PacketsPerSecond > 0 && b.ptokens < 1 {
		return ratelimit.PacketLimited, nil
	}
	if limits.AmountPerSecond > 0 && b.vtokens < float64(amount) {
		return ratelimit.ValueLimited, nil
	}
	if limits.PacketsPerSecond > 0 {
		b.ptokens--
	}
	if limits.AmountPerSecond > 0 {
		b.vtokens -= float64(amount)
	}
	return ratelimit.Allowed, nil
}

// RefundValue returns value tokens, capped at capacity.
func (tb *TokenBucket) RefundValue(ctx context.Context, key string, amount uint64, limits ratelimit.Limits) error {
	if limits.AmountPerSecond == 0 {
		return nil
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b := tb.bucket(key, limits)
	b.vtokens = minf(b.vtokens+float64(amount), float64(limits.AmountPerSecond))
	return nil
}

// bucket returns the bucket for key, creating it full (must hold lock).
func (tb *TokenBucket) bucket(key string, limits ratelimit.Limits) *bucket {
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{
			ptokens:        limits.PacketsPerSecond,
			vtokens:        float64(limits.AmountPerSecond),
			lastRefillTime: time.Now(),
		}
		tb.buckets[key] = b
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Ensure TokenBucket implements Limiter interface.
var _ ratelimit.Limiter = (*TokenBucket)(nil)
