package ban

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testStore connects to the Redis instance named by TEST_REDIS_ADDR, or
// skips the test when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewStore(client)
}

// testUserID returns a unique user id per test run so parallel runs don't
// trip over each other's keys.
func testUserID() int64 {
	return time.Now().UnixNano()
}

func TestBanAndUnban(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := testUserID()

	banned, _, _, err := s.IsBanned(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if banned {
		t.Fatal("fresh user should not be suspended")
	}

	if err := s.Ban(ctx, userID, time.Minute, "spam"); err != nil {
		t.Fatal(err)
	}

	banned, remaining, reason, err := s.IsBanned(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if !banned || reason != "spam" {
		t.Fatalf("expected suspension with reason spam, got banned=%v reason=%q", banned, reason)
	}
	if remaining <= 0 || remaining > 60 {
		t.Fatalf("unexpected remaining seconds: %d", remaining)
	}

	if err := s.Unban(ctx, userID); err != nil {
		t.Fatal(err)
	}
	banned, _, _, _ = s.IsBanned(ctx, userID)
	if banned {
		t.Fatal("user should be clear after Unban")
	}
}

func TestBanExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := testUserID()

	if err := s.Ban(ctx, userID, time.Second, "short"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	banned, _, _, err := s.IsBanned(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if banned {
		t.Fatal("suspension should have expired")
	}
}

func TestRecordOffenseEscalation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := testUserID()

	// Below the threshold nothing happens.
	for i := 1; i < AutoBanThreshold; i++ {
		banned, _, err := s.RecordOffense(ctx, userID, "rate_limit")
		if err != nil {
			t.Fatal(err)
		}
		if banned {
			t.Fatalf("offense %d should not suspend yet", i)
		}
	}

	count, err := s.OffenseCount(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if count != AutoBanThreshold-1 {
		t.Fatalf("offense count = %d, want %d", count, AutoBanThreshold-1)
	}

	// Threshold offense suspends for 15 minutes.
	banned, duration, err := s.RecordOffense(ctx, userID, "rate_limit")
	if err != nil {
		t.Fatal(err)
	}
	if !banned || duration != Ban15Min {
		t.Fatalf("expected 15m suspension, got banned=%v duration=%s", banned, duration)
	}

	// The next one escalates to an hour.
	banned, duration, err = s.RecordOffense(ctx, userID, "rate_limit")
	if err != nil {
		t.Fatal(err)
	}
	if !banned || duration != Ban1Hour {
		t.Fatalf("expected 1h suspension, got banned=%v duration=%s", banned, duration)
	}

	// And beyond that, a day.
	banned, duration, err = s.RecordOffense(ctx, userID, "rate_limit")
	if err != nil {
		t.Fatal(err)
	}
	if !banned || duration != Ban24Hour {
		t.Fatalf("expected 24h suspension, got banned=%v duration=%s", banned, duration)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	ctx := context.Background()

	banned, _, _, err := s.IsBanned(ctx, 1)
	if err != nil || banned {
		t.Fatal("nil store should never suspend")
	}
	if err := s.Ban(ctx, 1, time.Minute, "x"); err != nil {
		t.Fatal(err)
	}
	if applied, _, err := s.RecordOffense(ctx, 1, "x"); err != nil || applied {
		t.Fatal("nil store should swallow offenses")
	}
}
