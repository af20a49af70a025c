package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testLimiter connects to the Redis instance named by TEST_REDIS_ADDR, or
// skips the test when the variable is unset.
func testLimiter(t *testing.T) *Limiter {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: "test:allow:", Limit: 3, Window: 10 * time.Second}
	id := fmt.Sprintf("u-%d", time.Now().UnixNano())

	for i := 0; i < rule.Limit; i++ {
		if !l.Allow(ctx, id, rule) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(ctx, id, rule) {
		t.Fatal("request over the limit should be denied")
	}
}

func TestWindowExpiry(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: "test:expiry:", Limit: 1, Window: 1 * time.Second}
	id := fmt.Sprintf("u-%d", time.Now().UnixNano())

	if !l.Allow(ctx, id, rule) {
		t.Fatal("first request should be allowed")
	}
	if l.Allow(ctx, id, rule) {
		t.Fatal("second request in window should be denied")
	}

	time.Sleep(rule.Window + 100*time.Millisecond)

	if !l.Allow(ctx, id, rule) {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestRemaining(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	rule := Rule{Key: "test:remaining:", Limit: 5, Window: 10 * time.Second}
	id := fmt.Sprintf("u-%d", time.Now().UnixNano())

	if got := l.Remaining(ctx, id, rule); got != rule.Limit {
		t.Fatalf("fresh identifier: remaining = %d, want %d", got, rule.Limit)
	}

	l.Allow(ctx, id, rule)
	l.Allow(ctx, id, rule)

	if got := l.Remaining(ctx, id, rule); got != 3 {
		t.Fatalf("after 2 requests: remaining = %d, want 3", got)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter

	if !l.Allow(context.Background(), "anyone", RuleMessage) {
		t.Fatal("nil limiter should allow")
	}
	if got := l.Remaining(context.Background(), "anyone", RuleMessage); got != RuleMessage.Limit {
		t.Fatalf("nil limiter remaining = %d, want %d", got, RuleMessage.Limit)
	}
}
