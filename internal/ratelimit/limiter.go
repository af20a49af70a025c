// Package ratelimit provides Redis-backed rate limiting using the
// INCR + EXPIRE fixed window algorithm. The gateway uses it to throttle
// message sends per user and WebSocket handshakes per IP.
package ratelimit

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a throttling policy: the Redis key prefix, maximum number of
// actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // window duration
}

var (
	// RuleMessage allows 10 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleTyping allows 20 typing events per 10 seconds per user. Typing is
	// fire-and-forget, so exceeding it drops events silently.
	RuleTyping = Rule{Key: "rl:typ:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket handshakes per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limit checks against Redis. A nil *Limiter is valid
// and allows everything, so deployments without Redis skip throttling.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// AllowUser checks the rule for a numeric user ID.
func (l *Limiter) AllowUser(ctx context.Context, userID int64, rule Rule) bool {
	return l.Allow(ctx, strconv.FormatInt(userID, 10), rule)
}

// Allow reports whether the identifier is within the rule's limit. It
// increments the window counter and sets the expiry on first access.
//
// On Redis errors the method fails open so a Redis outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	if l == nil {
		return true
	}

	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis INCR error key=%s: %v (failing open)", key, err)
		return true
	}

	// First increment in the window defines its boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key has no TTL and would throttle the identifier forever;
			// best effort removal.
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= rule.Limit
}

// Remaining returns how many actions the identifier has left in the current
// window. A missing key means a fresh window. Fails open on Redis errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) int {
	if l == nil {
		return rule.Limit
	}

	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit
	}
	if err != nil {
		log.Printf("ratelimit: redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
