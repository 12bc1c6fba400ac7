// Package cache is the read-through caching layer between accessor functions
// and the key-value store. Results are cached under templated keys, "no data"
// answers are cached as an explicit empty sentinel, and corrupted entries are
// treated as misses. A bounded process-local tier fronts the networked store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chenweiqiao/toutiao/kv"
)

// Cached values are stored in a one-byte envelope so that a cached "no data"
// answer is distinguishable from a physically absent key.
const (
	blobEmpty byte = 0x00
	blobValue byte = 0x01
)

type Cache struct {
	store kv.Store
	local *Local
	log   *slog.Logger
}

func New(store kv.Store, local *Local) *Cache {
	if local == nil {
		local = NewLocal(DefaultLocalSize)
	}
	return &Cache{
		store: store,
		local: local,
		log:   slog.With("source", "cache"),
	}
}

// Store exposes the underlying KV store for callers that operate on ranked
// sets directly.
func (c *Cache) Store() kv.Store { return c.store }

// Local exposes the process-local tier, mainly so tests can reset it.
func (c *Cache) Local() *Local { return c.local }

// lookup checks the local tier, then the networked store. Store errors on the
// read path degrade to a miss.
func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	if b, ok := c.local.Get(key); ok {
		hits.WithLabelValues("local").Inc()
		return b, true
	}
	b, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed, treating as miss", "key", key, "err", err)
		misses.Inc()
		return nil, false
	}
	if b == nil {
		misses.Inc()
		return nil, false
	}
	hits.WithLabelValues("store").Inc()
	c.local.Set(key, b)
	return b, true
}

func (c *Cache) put(ctx context.Context, key string, blob []byte, ttl time.Duration) {
	if err := c.store.Set(ctx, key, blob, ttl); err != nil {
		// the next read recomputes, so population failures are not fatal
		c.log.Warn("cache write failed", "key", key, "err", err)
		return
	}
	c.local.Set(key, blob)
}

// Delete drops keys from both tiers. Deletion failures against the networked
// store are real errors: a missed invalidation serves stale data until TTL.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	c.local.Del(keys...)
	return c.store.Del(ctx, keys...)
}

// GetOrCompute returns the cached value at key, computing and storing it on a
// miss. A nil result is cached as the empty sentinel. Corrupted blobs count
// as misses and get overwritten by the recomputed value.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if b, ok := c.lookup(ctx, key); ok {
		v, empty, err := decodeBlob[T](b)
		if err == nil {
			if empty {
				return zero, nil
			}
			return v, nil
		}
		decodeFailures.Inc()
		c.log.Warn("corrupted cache entry, recomputing", "key", key, "err", err)
	}
	return Refresh(ctx, c, key, ttl, compute)
}

// Refresh bypasses the cached value for one call: it always computes, then
// overwrites the cache entry.
func Refresh[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := compute(ctx)
	if err != nil {
		return zero, err
	}
	blob, err := encodeBlob(v)
	if err != nil {
		return zero, err
	}
	c.put(ctx, key, blob, ttl)
	return v, nil
}

// CachedCount is the read-through variant for counters. Counts are stored as
// plain integer strings, never as serialized blobs, so that IncrKey can
// adjust them in place. The local tier is skipped: counters change under
// concurrent increments and a per-process copy would drift.
func CachedCount(ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (int64, error)) (int64, error) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("counter read failed, treating as miss", "key", key, "err", err)
	} else if b != nil {
		if n, perr := strconv.ParseInt(string(b), 10, 64); perr == nil {
			hits.WithLabelValues("store").Inc()
			return n, nil
		}
		decodeFailures.Inc()
	}
	misses.Inc()
	n, err := compute(ctx)
	if err != nil {
		return 0, err
	}
	if serr := c.store.Set(ctx, key, []byte(strconv.FormatInt(n, 10)), ttl); serr != nil {
		c.log.Warn("counter write failed", "key", key, "err", serr)
	}
	return n, nil
}

// IncrKey adjusts the counter at key and returns the post-increment total.
// If the key holds leftover non-numeric data the entry is deleted and the
// increment retried exactly once.
func (c *Cache) IncrKey(ctx context.Context, key string, delta int64) (int64, error) {
	c.local.Del(key)
	n, err := c.store.Incr(ctx, key, delta)
	if errors.Is(err, kv.ErrWrongType) {
		counterHeals.Inc()
		if derr := c.store.Del(ctx, key); derr != nil {
			return 0, derr
		}
		n, err = c.store.Incr(ctx, key, delta)
	}
	return n, err
}

// Pages returns how many listing pages a total of rows spans, never less
// than one: page 1 exists (and must be invalidated) even when the listing is
// empty.
func Pages(total int64, perPage int) int {
	if total < 0 {
		total = 0
	}
	if total == 0 {
		total = 1
	}
	n := int(total) / perPage
	if int(total)%perPage != 0 {
		n++
	}
	return n
}

func encodeBlob(v any) ([]byte, error) {
	if isNil(v) {
		return []byte{blobEmpty}, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b)+1)
	out = append(out, blobValue)
	return append(out, b...), nil
}

func decodeBlob[T any](b []byte) (T, bool, error) {
	var zero T
	if len(b) == 0 {
		return zero, false, errors.New("cache: empty blob")
	}
	switch b[0] {
	case blobEmpty:
		return zero, true, nil
	case blobValue:
		var v T
		if err := msgpack.Unmarshal(b[1:], &v); err != nil {
			return zero, false, err
		}
		return v, false, nil
	default:
		return zero, false, errors.New("cache: unknown blob tag")
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
