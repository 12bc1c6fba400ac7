// Package kv wraps the networked key-value store (redis in production) behind
// a narrow interface covering exactly the operations the caching and feed
// layers need: string get/set/delete/incr, batched get, and bounded
// ranked-set manipulation.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrWrongType is returned by Incr when the key holds a value that is not an
// integer (eg leftover serialized data). Callers self-heal by deleting the
// key and retrying.
var ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")

// Entry is a ranked-set member with its score.
type Entry struct {
	Member int64
	Score  float64
}

type Store interface {
	// Get returns the value at key, or nil if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one value per key, positionally; missing keys yield nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set stores val at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Incr adjusts the integer at key by delta, creating it at zero if
	// absent, and returns the new total.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key string, members map[int64]float64) error
	// ZRange returns members between the start and stop ranks (inclusive,
	// negative ranks count from the end) in ascending score order.
	ZRange(ctx context.Context, key string, start, stop int64) ([]int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Entry, error)
	ZRem(ctx context.Context, key string, members ...int64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
}
