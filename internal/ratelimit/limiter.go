// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The gateway uses it to throttle connection
// attempts per remote IP before a WebSocket upgrade is accepted.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:conn:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// ConnectRule returns the per-IP connection rule allowing limit attempts
// per minute.
func ConnectRule(limit int) Rule {
	return Rule{Key: "rl:conn:", Limit: limit, Window: time.Minute}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		log:    log.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// ConnectGate adapts a Limiter to the transport's admission check.
type ConnectGate struct {
	limiter *Limiter
	rule    Rule
}

// NewConnectGate allows at most rule.Limit connection attempts per IP per
// rule.Window.
func NewConnectGate(limiter *Limiter, rule Rule) *ConnectGate {
	return &ConnectGate{limiter: limiter, rule: rule}
}

// AllowConnect reports whether remoteIP may open another connection.
func (g *ConnectGate) AllowConnect(ctx context.Context, remoteIP string) bool {
	ok, _ := g.limiter.Allow(ctx, remoteIP, g.rule)
	return ok
}
