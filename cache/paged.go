package cache

import (
	"context"
	"time"
)

// DefaultPagedCount is how many leading items of a listing get cached as one
// blob. Requests reaching past it always hit the canonical store.
const DefaultPagedCount = 300

// Paged is the read-through wrapper for paginated listings. Only the first
// count items are cached, as a single blob under key; a request for
// start+limit within that prefix is served by slicing the blob, anything
// beyond it bypasses the cache entirely. One cache entry per key regardless
// of how deep clients paginate.
//
// compute is called either as compute(ctx, 0, count) to fill the cache, or
// as compute(ctx, start, limit) on bypass.
func Paged[T any](ctx context.Context, c *Cache, key string, start, limit, count int, ttl time.Duration, compute func(ctx context.Context, start, limit int) ([]T, error)) ([]T, error) {
	if limit <= 0 || start < 0 || start+limit > count {
		pagedBypasses.Inc()
		return compute(ctx, start, limit)
	}

	items, err := GetOrCompute(ctx, c, key, ttl, func(ctx context.Context) ([]T, error) {
		full, err := compute(ctx, 0, count)
		if err != nil {
			return nil, err
		}
		// an empty listing still gets cached (as an empty slice, not the
		// nil sentinel) so repeated "no data" reads stay off the database
		if full == nil {
			full = []T{}
		}
		return full, nil
	})
	if err != nil {
		return nil, err
	}

	if start >= len(items) {
		return nil, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], nil
}
