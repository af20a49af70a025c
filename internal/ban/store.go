// Package ban provides temporary account suspensions backed by Redis.
// Suspension records are simple key-value pairs with TTL-based expiry:
//
//	Key:   ban:<user_id>
//	Value: <reason>
//	TTL:   suspension duration
//
// A suspended user is refused at the WebSocket handshake, so suspensions
// take effect on the next connection attempt without tearing sessions down
// mid-flight.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for suspension records.
	BanPrefix = "ban:"

	// OffensesPrefix is the Redis key prefix for the offense counters that
	// drive escalation.
	OffensesPrefix = "offenses:"

	// Escalating suspension durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// OffensesTTL is how long the offense counter lives. After 24h without
	// new offenses the counter resets to zero.
	OffensesTTL = 24 * time.Hour

	// AutoBanThreshold is the number of offenses within OffensesTTL that
	// triggers an automatic suspension.
	AutoBanThreshold = 5
)

// Store manages suspension records in Redis. A nil *Store suspends nobody,
// so deployments without Redis skip the whole mechanism.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func banKey(userID int64) string {
	return BanPrefix + strconv.FormatInt(userID, 10)
}

func offensesKey(userID int64) string {
	return OffensesPrefix + strconv.FormatInt(userID, 10)
}

// IsBanned checks whether a user is currently suspended. It returns the
// remaining seconds and the recorded reason when they are. Redis errors are
// returned so the caller can decide; the gateway fails open.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, int, string, error) {
	if s == nil {
		return false, 0, "", nil
	}

	reason, err := s.client.Get(ctx, banKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, banKey(userID)).Result()
	if err != nil {
		// The ban exists but the TTL read failed. Report suspended with 0
		// remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Ban suspends a user for the given duration. The record expires on its own.
func (s *Store) Ban(ctx context.Context, userID int64, duration time.Duration, reason string) error {
	if s == nil {
		return nil
	}
	return s.client.Set(ctx, banKey(userID), reason, duration).Err()
}

// Unban lifts a suspension immediately.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	if s == nil {
		return nil
	}
	return s.client.Del(ctx, banKey(userID)).Err()
}

// escalationDuration returns the suspension duration for an offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= AutoBanThreshold:
		return Ban15Min
	case offenseCount == AutoBanThreshold+1:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the user's current offense counter, 0 when none is
// recorded or the counter expired.
func (s *Store) OffenseCount(ctx context.Context, userID int64) (int, error) {
	if s == nil {
		return 0, nil
	}
	val, err := s.client.Get(ctx, offensesKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// RecordOffense increments the user's offense counter and, once the counter
// reaches AutoBanThreshold, applies a suspension whose duration escalates
// with further offenses:
//
//	offense  5   -> 15 minutes
//	offense  6   -> 1 hour
//	offenses 7+  -> 24 hours
//
// The counter carries a 24h TTL set on first increment, so a quiet day
// wipes the slate. Returns whether a suspension was applied and for how
// long.
func (s *Store) RecordOffense(ctx context.Context, userID int64, reason string) (bool, time.Duration, error) {
	if s == nil {
		return false, 0, nil
	}

	count, err := s.client.Incr(ctx, offensesKey(userID)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: offense incr: %w", err)
	}

	// TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, offensesKey(userID), OffensesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: offense expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return false, 0, fmt.Errorf("ban: offense ban: %w", err)
	}
	return true, duration, nil
}
