package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps counters in Redis so several relay instances share one
// budget per client. Keys expire with their window, so Sweep has nothing to do.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

// Option configures RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "chat-relay:ratelimit:").
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

func NewRedisStore(client goredis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "chat-relay:ratelimit:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// incrScript counts a hit and starts the window expiry on the first hit.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
//
// Returns {count, remaining ttl in milliseconds}.
var incrScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, s.client, []string{s.keyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return res[0], now.Add(time.Duration(res[1]) * time.Millisecond), nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
