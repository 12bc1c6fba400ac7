package kv

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a live redis.
type RedisStore struct {
	Client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return &RedisStore{Client: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, val, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.Client.IncrBy(ctx, key, delta).Result()
	if err != nil && isWrongType(err) {
		return 0, ErrWrongType
	}
	return n, err
}

// redis reports both "WRONGTYPE" (key holds a zset etc) and "not an integer"
// (key holds a non-numeric string) for failed increments.
func isWrongType(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "WRONGTYPE") || strings.Contains(msg, "not an integer")
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members map[int64]float64) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(members))
	for m, score := range members {
		zs = append(zs, redis.Z{Member: m, Score: score})
	}
	return s.Client.ZAdd(ctx, key, zs...).Err()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]int64, error) {
	vals, err := s.Client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return parseMembers(vals)
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Entry, error) {
	zs, err := s.Client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		m, err := strconv.ParseInt(z.Member.(string), 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Member: m, Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...int64) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.Client.ZRem(ctx, key, args...).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.Client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return s.Client.ZRemRangeByRank(ctx, key, start, stop).Err()
}

func parseMembers(vals []string) ([]int64, error) {
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		m, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
