package search

import (
	"context"
	"errors"
	"time"

	rcache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// DocCache keeps hydrated documents close to the result-rendering path, a
// redis-backed cache with a TinyLFU tier in front. Reindex purges entries
// as part of the job, so a hit is at worst one job's worth of stale.
type DocCache struct {
	data *rcache.Cache
	ttl  time.Duration
}

func NewDocCache(redisURL string, ttl time.Duration) (*DocCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return &DocCache{
		data: rcache.New(&rcache.Options{
			Redis:      rdb,
			LocalCache: rcache.NewTinyLFU(10_000, ttl),
		}),
		ttl: ttl,
	}, nil
}

func cacheKey(kind int, id int64) string {
	return "search/doc/" + docID(kind, id)
}

// Get returns the cached document, or nil on a miss.
func (d *DocCache) Get(ctx context.Context, kind int, id int64) (*Document, error) {
	var doc Document
	err := d.data.Get(ctx, cacheKey(kind, id), &doc)
	if errors.Is(err, rcache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *DocCache) Set(ctx context.Context, doc *Document) error {
	return d.data.Set(&rcache.Item{
		Ctx:   ctx,
		Key:   cacheKey(doc.Kind, doc.ID),
		Value: doc,
		TTL:   d.ttl,
	})
}

func (d *DocCache) Purge(ctx context.Context, kind int, id int64) error {
	err := d.data.Delete(ctx, cacheKey(kind, id))
	if errors.Is(err, rcache.ErrCacheMiss) {
		return nil
	}
	return err
}
