package window

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "knowledge:window:"

// advanceScript moves the cursor only when it still holds the expected value
var advanceScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'last') or '0')
local expected = tonumber(ARGV[1])
local next = tonumber(ARGV[2])
if current ~= expected or next < current then
	return 0
end
redis.call('HSET', KEYS[1], 'last', ARGV[2], 'window', ARGV[3], 'overlap', ARGV[4], 'interval', ARGV[5], 'updated', ARGV[6])
return 1
`)

// RedisStateStore keeps analysis state in Redis hashes so several
// instances can share cursors
type RedisStateStore struct {
	client *redis.Client
}

// RedisOptions locates the Redis server
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStateStore connects to Redis and verifies the connection
func NewRedisStateStore(ctx context.Context, opts RedisOptions) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStateStore{client: client}, nil
}

// Close releases the connection pool
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

func (s *RedisStateStore) Load(ctx context.Context, contextID string) (State, bool, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+contextID).Result()
	if err != nil {
		return State{}, false, err
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}
	state := State{ContextID: contextID}
	state.LastAnalyzedMessageCount, _ = strconv.Atoi(fields["last"])
	state.WindowSize, _ = strconv.Atoi(fields["window"])
	state.OverlapSize, _ = strconv.Atoi(fields["overlap"])
	state.TriggerInterval, _ = strconv.Atoi(fields["interval"])
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated"]); err == nil {
		state.UpdatedAt = ts
	}
	return state, true, nil
}

func (s *RedisStateStore) Advance(ctx context.Context, prev, next State) (bool, error) {
	res, err := advanceScript.Run(ctx, s.client, []string{redisKeyPrefix + prev.ContextID},
		prev.LastAnalyzedMessageCount,
		next.LastAnalyzedMessageCount,
		next.WindowSize,
		next.OverlapSize,
		next.TriggerInterval,
		next.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
