package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/interledger/connector-go/pkg/ratelimit"
)

// setupMiniredis creates a miniredis server and returns a redis client and cleanup function.
func setupMiniredis(t *testing.T) (*goredis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestTokenBucket_PacketLimit(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 5}

	// Consume all 5 packet tokens
	for i := 0; i < 5; i++ {
		decision, err := rtb.Take(ctx, "test-key", 0, limits)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if decision != ratelimit.Allowed {
			t.Errorf("Expected packet %d to be allowed", i+1)
		}
	}

	// 6th should be packet limited
	decision, err := rtb.Take(ctx, "test-key", 0, limits)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision != ratelimit.PacketLimited {
		t.Errorf("Expected PacketLimited, got %v", decision)
	}
}

func TestTokenBucket_ValueLimit(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 100, AmountPerSecond: 1000}

	decision, err := rtb.Take(ctx, "value-test", 800, limits)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision != ratelimit.Allowed {
		t.Errorf("Expected first packet allowed, got %v", decision)
	}

	decision, _ = rtb.Take(ctx, "value-test", 800, limits)
	if decision != ratelimit.ValueLimited {
		t.Errorf("Expected ValueLimited, got %v", decision)
	}
}

func TestTokenBucket_PacketLimitWinsTieBreak(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 1, AmountPerSecond: 100}

	if decision, _ := rtb.Take(ctx, "tie", 100, limits); decision != ratelimit.Allowed {
		t.Fatalf("first take should pass, got %v", decision)
	}

	// Both buckets are now exhausted; the packet error must win.
	decision, _ := rtb.Take(ctx, "tie", 100, limits)
	if decision != ratelimit.PacketLimited {
		t.Errorf("Expected PacketLimited on tie, got %v", decision)
	}
}

func TestTokenBucket_NothingConsumedOnRefusal(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 10, AmountPerSecond: 1000}

	// Too large: refused, but nothing consumed.
	if decision, _ := rtb.Take(ctx, "steady", 5000, limits); decision != ratelimit.ValueLimited {
		t.Fatal("expected ValueLimited")
	}
	// Full amount still available.
	if decision, _ := rtb.Take(ctx, "steady", 1000, limits); decision != ratelimit.Allowed {
		t.Error("refused take must not consume tokens")
	}
}

func TestTokenBucket_RefundValue(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 100, AmountPerSecond: 1000}

	if decision, _ := rtb.Take(ctx, "refund-test", 1000, limits); decision != ratelimit.Allowed {
		t.Fatal("setup take failed")
	}
	if err := rtb.RefundValue(ctx, "refund-test", 1000, limits); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Value is back; packet tokens were not refunded but 99 remain.
	decision, err := rtb.Take(ctx, "refund-test", 1000, limits)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision != ratelimit.Allowed {
		t.Errorf("Expected refunded value to be spendable, got %v", decision)
	}
}

func TestTokenBucket_NaturalRefill(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 10}

	// Empty the bucket
	for i := 0; i < 10; i++ {
		rtb.Take(ctx, "refill-test", 0, limits)
	}
	if decision, _ := rtb.Take(ctx, "refill-test", 0, limits); decision != ratelimit.PacketLimited {
		t.Fatal("Should be empty now")
	}

	// Wait 110ms, should get 1 token (10/sec * 0.11sec ≈ 1.1)
	time.Sleep(110 * time.Millisecond)

	if decision, _ := rtb.Take(ctx, "refill-test", 0, limits); decision != ratelimit.Allowed {
		t.Error("Expected token to be refilled after wait")
	}
	if decision, _ := rtb.Take(ctx, "refill-test", 0, limits); decision != ratelimit.PacketLimited {
		t.Error("Should only have refilled ~1 token")
	}
}

func TestTokenBucket_ZeroLimitsDisabled(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	rtb := NewTokenBucket(Config{Client: client})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		decision, err := rtb.Take(ctx, "unlimited", 1<<40, ratelimit.Limits{})
		if err != nil || decision != ratelimit.Allowed {
			t.Fatalf("Disabled limits must always allow (decision %v, err %v)", decision, err)
		}
	}
}
