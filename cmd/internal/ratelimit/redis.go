package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter and starts the window on first hit.
// Returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// RedisBackend shares fixed-window counters between instances through Redis.
type RedisBackend struct {
	rdb    redis.Scripter
	prefix string
}

// RedisOption configures RedisBackend.
type RedisOption func(*RedisBackend)

// WithKeyPrefix sets the key namespace (default "burnbox:rl").
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		if p := strings.Trim(prefix, ":"); p != "" {
			b.prefix = p
		}
	}
}

// NewRedisBackend constructs a RedisBackend over an existing client.
func NewRedisBackend(rdb redis.Scripter, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{rdb: rdb, prefix: "burnbox:rl"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Hit runs the window script atomically on the Redis server. Window expiry uses
// Redis time; now only anchors the returned ResetAt.
func (b *RedisBackend) Hit(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}
	windowMS := rule.Window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1
	}

	res, err := fixedWindowScript.Run(ctx, b.rdb, []string{b.prefix + ":" + key}, windowMS).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis window: unexpected reply %v", res)
	}
	resetAt := now.Add(time.Duration(res[1]) * time.Millisecond)
	return decide(int(res[0]), rule, resetAt, now), nil
}
