package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/interledger/connector-go/pkg/ratelimit"
)

// TokenBucket implements distributed packet and value buckets using Redis.
// Both buckets live in one hash so a Take is a single atomic script run.
type TokenBucket struct {
	client    *redis.Client
	keyPrefix string
	take      *redis.Script
	refund    *redis.Script
}

// Config holds configuration for the Redis token bucket.
type Config struct {
	Client    *redis.Client
	KeyPrefix string // Optional prefix for Redis keys (default: "ratelimit:")
}

// NewTokenBucket creates a new Redis-backed token bucket.
func NewTokenBucket(cfg Config) *TokenBucket {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit:"
	}

	// Lua script for atomic refill + dual consume. Capacity equals one
	// second of refill. A zero rate disables that bucket. Consumes nothing
	// unless both buckets can pay; the packet bucket wins the tie-break.
	take := redis.NewScript(`
		local key = KEYS[1]
		local amount = tonumber(ARGV[1])
		local packet_rate = tonumber(ARGV[2])
		local value_rate = tonumber(ARGV[3])
		local now = tonumber(ARGV[4])

		local data = redis.call("HMGET", key, "ptokens", "vtokens", "last_refill")
		local ptokens = tonumber(data[1]) or packet_rate
		local vtokens = tonumber(data[2]) or value_rate
		local last_refill = tonumber(data[3]) or now

		local elapsed = now - last_refill
		if elapsed > 0 then
			ptokens = math.min(ptokens + elapsed * packet_rate, packet_rate)
			vtokens = math.min(vtokens + elapsed * value_rate, value_rate)
		end

		local verdict = 0
		if packet_rate > 0 and ptokens < 1 then
			verdict = 1
		elseif value_rate > 0 and vtokens < amount then
			verdict = 2
		else
			if packet_rate > 0 then ptokens = ptokens - 1 end
			if value_rate > 0 then vtokens = vtokens - amount end
		end

		redis.call("HMSET", key, "ptokens", ptokens, "vtokens", vtokens, "last_refill", now)
		redis.call("EXPIRE", key, 2)
		return verdict
	`)

	// Refund value tokens only, capped at capacity.
	refund := redis.NewScript(`
		local key = KEYS[1]
		local amount = tonumber(ARGV[1])
		local value_rate = tonumber(ARGV[2])
		if value_rate <= 0 then
			return 0
		end
		local current = tonumber(redis.call("HGET", key, "vtokens")) or value_rate
		redis.call("HSET", key, "vtokens", math.min(current + amount, value_rate))
		redis.call("EXPIRE", key, 2)
		return 1
	`)

	return &TokenBucket{
		client:    cfg.Client,
		keyPrefix: prefix,
		take:      take,
		refund:    refund,
	}
}

// Take consumes one packet token and amount value tokens for the key.
func (r *TokenBucket) Take(ctx context.Context, key string, amount uint64, limits ratelimit.Limits) (ratelimit.Decision, error) {
	if limits.PacketsPerSecond <= 0 && limits.AmountPerSecond == 0 {
		return ratelimit.Allowed, nil
	}
	fullKey := r.keyPrefix + key
	now := float64(time.Now().UnixMicro()) / 1e6 // seconds with microsecond precision

	verdict, err := r.take.Run(
		ctx,
		r.client,
		[]string{fullKey},
		int64(amount),
		limits.PacketsPerSecond,
		int64(limits.AmountPerSecond),
		now,
	).Int()
	if err != nil {
		return ratelimit.PacketLimited, err
	}
	return ratelimit.Decision(verdict), nil
}

// RefundValue returns value tokens after a rejected forward.
func (r *TokenBucket) RefundValue(ctx context.Context, key string, amount uint64, limits ratelimit.Limits) error {
	return r.refund.Run(
		ctx,
		r.client,
		[]string{r.keyPrefix + key},
		int64(amount),
		int64(limits.AmountPerSecond),
	).Err()
}

// Ensure TokenBucket implements Limiter interface.
var _ ratelimit.Limiter = (*TokenBucket)(nil)
