package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrOrResetLua increments a hash-backed window counter or restarts it.
// KEYS[1] = counter key
// ARGV[1] = now (unix ms), ARGV[2] = period (ms), ARGV[3] = ttl (ms)
// Returns {count, window_start_ms}.
const incrOrResetLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local start = tonumber(redis.call('HGET', key, 'start'))
if start == nil or (now - start) >= period then
	redis.call('HSET', key, 'start', now, 'count', 1)
	redis.call('PEXPIRE', key, ttl)
	return {1, now}
end

local count = redis.call('HINCRBY', key, 'count', 1)
return {count, start}
`

// RedisStore keeps counters in Redis. The increment-or-reset runs as one
// Lua script, which Redis executes atomically.
type RedisStore struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(incrOrResetLua),
	}
}

func (s *RedisStore) Incr(ctx context.Context, key string, period, ttl time.Duration, now time.Time) (Window, error) {
	if ttl < period {
		ttl = period
	}
	res, err := s.script.Run(ctx, s.client, []string{key},
		now.UnixMilli(), period.Milliseconds(), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Window{}, wrapRedisErr("incr", err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("%w: incr: unexpected script reply %v", ErrStoreUnavailable, res)
	}
	return Window{Count: res[0], Start: time.UnixMilli(res[1])}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (Window, bool, error) {
	vals, err := s.client.HMGet(ctx, key, "start", "count").Result()
	if err != nil {
		return Window{}, false, wrapRedisErr("peek", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Window{}, false, nil
	}
	start, err1 := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	count, err2 := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return Window{}, false, fmt.Errorf("%w: peek: malformed window %v", ErrStoreUnavailable, vals)
	}
	return Window{Count: count, Start: time.UnixMilli(start)}, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapRedisErr("ping", err)
	}
	return nil
}

func wrapRedisErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
