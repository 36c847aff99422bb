package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/interledger/connector-go/pkg/ratelimit"
)

func TestTokenBucket_PacketLimit(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 3}

	for i := 0; i < 3; i++ {
		decision, err := tb.Take(ctx, "k", 0, limits)
		if err != nil || decision != ratelimit.Allowed {
			t.Fatalf("packet %d: decision %v err %v", i+1, decision, err)
		}
	}
	if decision, _ := tb.Take(ctx, "k", 0, limits); decision != ratelimit.PacketLimited {
		t.Errorf("Expected PacketLimited, got %v", decision)
	}
}

func TestTokenBucket_ValueLimitAndRefund(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 100, AmountPerSecond: 500}

	if decision, _ := tb.Take(ctx, "k", 400, limits); decision != ratelimit.Allowed {
		t.Fatal("first take should pass")
	}
	if decision, _ := tb.Take(ctx, "k", 400, limits); decision != ratelimit.ValueLimited {
		t.Fatal("second take should be value limited")
	}

	if err := tb.RefundValue(ctx, "k", 400, limits); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision, _ := tb.Take(ctx, "k", 400, limits); decision != ratelimit.Allowed {
		t.Error("refunded value should be spendable")
	}
}

func TestTokenBucket_RefundCapsAtCapacity(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()
	limits := ratelimit.Limits{AmountPerSecond: 500}

	if err := tb.RefundValue(ctx, "k", 10_000, limits); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision, _ := tb.Take(ctx, "k", 501, limits); decision != ratelimit.ValueLimited {
		t.Error("refund must not exceed one second of value")
	}
}

func TestTokenBucket_KeysIndependent(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 1}

	if decision, _ := tb.Take(ctx, "a", 0, limits); decision != ratelimit.Allowed {
		t.Fatal("a should pass")
	}
	if decision, _ := tb.Take(ctx, "b", 0, limits); decision != ratelimit.Allowed {
		t.Error("b has its own bucket")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 10}

	for i := 0; i < 10; i++ {
		tb.Take(ctx, "k", 0, limits)
	}
	if decision, _ := tb.Take(ctx, "k", 0, limits); decision != ratelimit.PacketLimited {
		t.Fatal("should be empty")
	}

	time.Sleep(110 * time.Millisecond)
	if decision, _ := tb.Take(ctx, "k", 0, limits); decision != ratelimit.Allowed {
		t.Error("expected refill after wait")
	}
}

func TestTokenBucket_ConcurrentTakes(t *testing.T) {
	tb := NewTokenBucket()
	ctx := context.Background()
	limits := ratelimit.Limits{PacketsPerSecond: 50}

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if decision, _ := tb.Take(ctx, "k", 0, limits); decision == ratelimit.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for range allowed {
		count++
	}
	if count > 51 {
		t.Errorf("at most ~50 takes may pass, got %d", count)
	}
}
