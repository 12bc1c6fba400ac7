package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ModelCache caches single-entity lookups for one entity type: by primary
// key, by an alternate unique key, and "all ids matching filter" lists. Bulk
// reads multi-get every requested id from the cache and re-fetch only the
// misses from the canonical store, backfilling as they go.
type ModelCache[T any] struct {
	c    *Cache
	name string
	ttl  time.Duration
	cfg  ModelConfig[T]
}

type ModelConfig[T any] struct {
	// FetchByID loads the entity from the canonical store; (nil, nil) means
	// absent.
	FetchByID func(ctx context.Context, id int64) (*T, error)
	// FetchByAlt loads by the alternate unique key. Optional.
	FetchByAlt func(ctx context.Context, alt string) (*T, error)
	// FetchIDs loads the id list for a filter expression. Optional.
	FetchIDs func(ctx context.Context, filter string) ([]int64, error)
	// ID extracts the primary key, for backfilling after bulk fetches.
	ID func(*T) int64
	// AltKey extracts the alternate key for flushing. Optional.
	AltKey func(*T) string
}

func NewModelCache[T any](c *Cache, name string, ttl time.Duration, cfg ModelConfig[T]) *ModelCache[T] {
	if cfg.FetchByID == nil || cfg.ID == nil {
		panic("cache: ModelCache requires FetchByID and ID")
	}
	return &ModelCache[T]{c: c, name: name, ttl: ttl, cfg: cfg}
}

func (m *ModelCache[T]) idKey(id int64) string {
	return m.name + ":id:" + strconv.FormatInt(id, 10)
}

func (m *ModelCache[T]) altKeyFor(alt string) string {
	return clean(m.name + ":alt:" + alt)
}

func (m *ModelCache[T]) idsKey(filter string) string {
	if filter == "" {
		filter = "all"
	}
	return clean(m.name + ":ids:" + filter)
}

func (m *ModelCache[T]) Get(ctx context.Context, id int64) (*T, error) {
	return GetOrCompute(ctx, m.c, m.idKey(id), m.ttl, func(ctx context.Context) (*T, error) {
		return m.cfg.FetchByID(ctx, id)
	})
}

func (m *ModelCache[T]) GetByAlt(ctx context.Context, alt string) (*T, error) {
	if m.cfg.FetchByAlt == nil {
		return nil, fmt.Errorf("cache: %s has no alternate key lookup", m.name)
	}
	return GetOrCompute(ctx, m.c, m.altKeyFor(alt), m.ttl, func(ctx context.Context) (*T, error) {
		return m.cfg.FetchByAlt(ctx, alt)
	})
}

func (m *ModelCache[T]) IDs(ctx context.Context, filter string) ([]int64, error) {
	if m.cfg.FetchIDs == nil {
		return nil, fmt.Errorf("cache: %s has no id list lookup", m.name)
	}
	return GetOrCompute(ctx, m.c, m.idsKey(filter), m.ttl, func(ctx context.Context) ([]int64, error) {
		ids, err := m.cfg.FetchIDs(ctx, filter)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []int64{}
		}
		return ids, nil
	})
}

// GetMulti returns entities positionally for ids; absent entities come back
// nil. Cached entries are multi-fetched in one round trip, only the misses
// touch the canonical store, and fetched entities are written back so a
// partial miss never refetches the whole batch.
func (m *ModelCache[T]) GetMulti(ctx context.Context, ids []int64) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.idKey(id)
	}
	blobs, err := m.c.store.MGet(ctx, keys...)
	if err != nil {
		m.c.log.Warn("bulk cache read failed, fetching all", "name", m.name, "err", err)
		blobs = make([][]byte, len(ids))
	}

	out := make([]*T, len(ids))
	for i, blob := range blobs {
		if blob != nil {
			v, empty, derr := decodeBlob[*T](blob)
			if derr == nil {
				if !empty {
					out[i] = v
				}
				hits.WithLabelValues("store").Inc()
				continue
			}
			decodeFailures.Inc()
		}
		misses.Inc()
		ent, ferr := m.cfg.FetchByID(ctx, ids[i])
		if ferr != nil {
			return nil, ferr
		}
		out[i] = ent
		if blob, eerr := encodeBlob(ent); eerr == nil {
			m.c.put(ctx, keys[i], blob, m.ttl)
		}
	}
	return out, nil
}

// Flush drops the entity's cached forms: its id entry, its alternate-key
// entry, and the unfiltered id list.
func (m *ModelCache[T]) Flush(ctx context.Context, ent *T) error {
	keys := []string{m.idKey(m.cfg.ID(ent)), m.idsKey("")}
	if m.cfg.AltKey != nil {
		keys = append(keys, m.altKeyFor(m.cfg.AltKey(ent)))
	}
	return m.c.Delete(ctx, keys...)
}

// FlushID drops just the id entry, for callers that no longer hold the
// entity.
func (m *ModelCache[T]) FlushID(ctx context.Context, id int64) error {
	return m.c.Delete(ctx, m.idKey(id), m.idsKey(""))
}
