package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// checkAndRecordScript implements the sliding window as one atomic script:
// prune attempts older than the window, deny at/over the cap without
// recording, otherwise record the attempt. Scores and timestamps are unix
// milliseconds.
//
// KEYS[1] = counter key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = max, ARGV[4] = member
//
// Returns {allowed, remaining, oldest score (ms)}.
var checkAndRecordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= max then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, 0, tonumber(oldest[2])}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, max - count - 1, tonumber(oldest[2])}
`)

// RedisStore implements Store with one sorted set per identifier
// (score = attempt timestamp). Shared across API instances, so the cap holds
// under horizontal scaling, and TTL-capped so idle identifiers expire.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed sliding-window store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

// CheckAndRecord implements the Store interface. The script runs atomically
// on the Redis side, so concurrent calls for the same identifier cannot
// exceed the cap.
func (s *RedisStore) CheckAndRecord(ctx context.Context, key string, cfg Config, now time.Time) (Decision, error) {
	nowMS := now.UnixMilli()
	windowMS := cfg.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMS, uuid.New().String())

	res, err := checkAndRecordScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		nowMS, windowMS, cfg.MaxRequests, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected result length %d", len(res))
	}

	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]).Add(cfg.Window),
	}, nil
}
