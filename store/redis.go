package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript prunes expired entries, inserts the new attempt and
// returns the resulting count plus the oldest surviving timestamp, all
// in one atomic round-trip.
const admitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
local count = redis.call("ZCARD", key)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {count, oldest[2]}
`

// observeScript is admitScript without the oldest lookup; used for
// set-membership counters where only cardinality matters.
const observeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return redis.call("ZCARD", key)
`

// countScript prunes and counts without inserting.
const countScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
return redis.call("ZCARD", key)
`

// RedisStore is the authoritative, cross-instance implementation of
// Store on top of a Redis sorted-set + TTL keyspace.
type RedisStore struct {
	client  *redis.Client
	admit   *redis.Script
	observe *redis.Script
	count   *redis.Script
	seq     atomic.Uint64
}

func NewRedisStore(addr, password string, db int, timeout time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	return &RedisStore{
		client:  client,
		admit:   redis.NewScript(admitScript),
		observe: redis.NewScript(observeScript),
		count:   redis.NewScript(countScript),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration) (AdmitResult, error) {
	member := fmt.Sprintf("%d-%d", now.UnixMicro(), s.seq.Add(1))
	raw, err := s.admit.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), member).Slice()
	if err != nil || len(raw) < 2 {
		if err == nil {
			err = fmt.Errorf("malformed admit reply")
		}
		return AdmitResult{}, unavailable(err)
	}

	count, _ := raw[0].(int64)
	oldest := now
	if scoreStr, ok := raw[1].(string); ok {
		if ms, perr := strconv.ParseInt(scoreStr, 10, 64); perr == nil {
			oldest = time.UnixMilli(ms)
		}
	}
	return AdmitResult{Count: count, Oldest: oldest, Member: member}, nil
}

func (s *RedisStore) Revoke(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Observe(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	count, err := s.observe.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), member).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

func (s *RedisStore) Cardinality(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	count, err := s.count.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

func (s *RedisStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) FlagTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable(err)
	}
	// PTTL returns a negative duration when the key is absent or has
	// no expiry; flags always carry one.
	if ttl <= 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (s *RedisStore) ClearFlag(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return data, nil
}

func (s *RedisStore) DeleteValue(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
