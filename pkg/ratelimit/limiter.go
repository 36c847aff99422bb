package ratelimit

import "context"

// Decision is the outcome of a Take.
type Decision int

const (
	Allowed Decision = iota
	// PacketLimited: the per-packet bucket is exhausted. Reported even when
	// both buckets fail.
	PacketLimited
	// ValueLimited: the value bucket cannot cover the packet amount.
	ValueLimited
)

// Limits parameterize one account's buckets. A zero rate disables the
// respective bucket.
type Limits struct {
	PacketsPerSecond float64
	AmountPerSecond  uint64
}

// Limiter is the interface for rate limiters.
// Implementations can be in-memory, Redis-backed, or any other storage.
type Limiter interface {
	// Take atomically consumes one packet token and amount value tokens
	// for the key. On any non-Allowed decision nothing is consumed.
	Take(ctx context.Context, key string, amount uint64, limits Limits) (Decision, error)

	// RefundValue returns value tokens after a rejected forward. The
	// packet token is deliberately not refunded.
	RefundValue(ctx context.Context, key string, amount uint64, limits Limits) error
}
