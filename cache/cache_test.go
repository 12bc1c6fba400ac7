package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenweiqiao/toutiao/kv"
)

type testPost struct {
	ID    int64
	Title string
}

func newTestCache() (*Cache, *kv.MemStore) {
	store := kv.NewMemStore()
	return New(store, NewLocal(100)), store
}

func TestGetOrCompute(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _ := newTestCache()

	calls := 0
	load := func(ctx context.Context) (*testPost, error) {
		calls++
		return &testPost{ID: 1, Title: "first"}, nil
	}

	p, err := GetOrCompute(ctx, c, "post:1", time.Minute, load)
	assert.NoError(err)
	assert.Equal("first", p.Title)
	assert.Equal(1, calls)

	// second read is served from cache
	p, err = GetOrCompute(ctx, c, "post:1", time.Minute, load)
	assert.NoError(err)
	assert.Equal("first", p.Title)
	assert.Equal(1, calls)

	// Refresh bypasses the cached value but recaches the result
	_, err = Refresh(ctx, c, "post:1", time.Minute, load)
	assert.NoError(err)
	assert.Equal(2, calls)
	_, err = GetOrCompute(ctx, c, "post:1", time.Minute, load)
	assert.NoError(err)
	assert.Equal(2, calls)
}

func TestGetOrComputeEmptySentinel(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _ := newTestCache()

	calls := 0
	load := func(ctx context.Context) (*testPost, error) {
		calls++
		return nil, nil
	}

	p, err := GetOrCompute(ctx, c, "post:404", time.Minute, load)
	assert.NoError(err)
	assert.Nil(p)
	assert.Equal(1, calls)

	// "no data" is cached too: the loader does not run again
	p, err = GetOrCompute(ctx, c, "post:404", time.Minute, load)
	assert.NoError(err)
	assert.Nil(p)
	assert.Equal(1, calls)
}

func TestGetOrComputeCorruptedBlob(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, store := newTestCache()

	// truncated garbage where a value envelope should be
	assert.NoError(store.Set(ctx, "post:9", []byte{blobValue, 0xff, 0x13}, 0))

	calls := 0
	p, err := GetOrCompute(ctx, c, "post:9", time.Minute, func(ctx context.Context) (*testPost, error) {
		calls++
		return &testPost{ID: 9, Title: "healed"}, nil
	})
	assert.NoError(err)
	assert.Equal("healed", p.Title)
	assert.Equal(1, calls)

	// the corrupted entry was overwritten
	c.Local().Reset()
	p, err = GetOrCompute(ctx, c, "post:9", time.Minute, func(ctx context.Context) (*testPost, error) {
		calls++
		return nil, errors.New("should not run")
	})
	assert.NoError(err)
	assert.Equal("healed", p.Title)
	assert.Equal(1, calls)
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _ := newTestCache()

	boom := errors.New("boom")
	_, err := GetOrCompute(ctx, c, "k", time.Minute, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(err, boom)

	n, err := GetOrCompute(ctx, c, "k", time.Minute, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	assert.NoError(err)
	assert.Equal(7, n)
}

func TestCachedCountAndIncrKey(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _ := newTestCache()

	calls := 0
	count := func(ctx context.Context) (int64, error) {
		calls++
		return 3, nil
	}

	n, err := CachedCount(ctx, c, "cnt", 0, count)
	assert.NoError(err)
	assert.Equal(int64(3), n)
	assert.Equal(1, calls)

	// counters are stored as plain integers, so IncrKey adjusts in place
	n, err = c.IncrKey(ctx, "cnt", 1)
	assert.NoError(err)
	assert.Equal(int64(4), n)

	n, err = CachedCount(ctx, c, "cnt", 0, count)
	assert.NoError(err)
	assert.Equal(int64(4), n)
	assert.Equal(1, calls)
}

func TestIncrKeySelfHeals(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, store := newTestCache()

	// leftover serialized blob where a counter should be
	assert.NoError(store.Set(ctx, "cnt", []byte{blobValue, 0x01, 0x02}, 0))

	n, err := c.IncrKey(ctx, "cnt", 1)
	assert.NoError(err)
	assert.Equal(int64(1), n)

	n, err = c.IncrKey(ctx, "cnt", -2)
	assert.NoError(err)
	assert.Equal(int64(-1), n)
}

func TestPaged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, _ := newTestCache()

	var calls []string
	compute := func(ctx context.Context, start, limit int) ([]int64, error) {
		calls = append(calls, fmt.Sprintf("%d+%d", start, limit))
		out := make([]int64, 0, limit)
		for i := start; i < start+limit && i < 40; i++ {
			out = append(out, int64(i))
		}
		return out, nil
	}

	// within the cached prefix: one fill at (0, count), then sliced reads
	items, err := Paged(ctx, c, "list", 0, 10, 20, time.Minute, compute)
	assert.NoError(err)
	assert.Len(items, 10)
	assert.Equal(int64(0), items[0])

	items, err = Paged(ctx, c, "list", 10, 10, 20, time.Minute, compute)
	assert.NoError(err)
	assert.Len(items, 10)
	assert.Equal(int64(10), items[0])
	assert.Equal([]string{"0+20"}, calls)

	// past the prefix: bypass with the caller's own window
	items, err = Paged(ctx, c, "list", 30, 10, 20, time.Minute, compute)
	assert.NoError(err)
	assert.Len(items, 10)
	assert.Equal(int64(30), items[0])
	assert.Equal([]string{"0+20", "30+10"}, calls)

	// slicing past the end of a short listing yields nothing
	items, err = Paged(ctx, c, "short", 15, 5, 20, time.Minute, func(ctx context.Context, start, limit int) ([]int64, error) {
		return []int64{1, 2, 3}, nil
	})
	assert.NoError(err)
	assert.Empty(items)
}

func TestLocalClearsOnOverflow(t *testing.T) {
	assert := assert.New(t)

	l := NewLocal(3)
	l.Set("a", []byte("1"))
	l.Set("b", []byte("2"))
	l.Set("c", []byte("3"))
	assert.Equal(3, l.Len())

	// overflow wipes the whole tier, then admits the new entry
	l.Set("d", []byte("4"))
	assert.Equal(1, l.Len())
	_, ok := l.Get("a")
	assert.False(ok)
	_, ok = l.Get("d")
	assert.True(ok)
}

func TestPages(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1, Pages(0, 10))
	assert.Equal(1, Pages(-5, 10))
	assert.Equal(1, Pages(1, 10))
	assert.Equal(1, Pages(10, 10))
	assert.Equal(2, Pages(11, 10))
	assert.Equal(15, Pages(150, 10))
}

func TestModelCache(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	c, _ := newTestCache()

	db := map[int64]*testPost{
		1: {ID: 1, Title: "one"},
		2: {ID: 2, Title: "two"},
		3: {ID: 3, Title: "three"},
	}
	var fetches []int64

	mc := NewModelCache(c, "post", time.Minute, ModelConfig[testPost]{
		FetchByID: func(ctx context.Context, id int64) (*testPost, error) {
			fetches = append(fetches, id)
			return db[id], nil
		},
		FetchByAlt: func(ctx context.Context, alt string) (*testPost, error) {
			for _, p := range db {
				if p.Title == alt {
					return p, nil
				}
			}
			return nil, nil
		},
		ID:     func(p *testPost) int64 { return p.ID },
		AltKey: func(p *testPost) string { return p.Title },
	})

	p, err := mc.Get(ctx, 1)
	require.NoError(err)
	assert.Equal("one", p.Title)
	assert.Equal([]int64{1}, fetches)

	// bulk read: id 1 is already cached, only 2 and 3 hit the store
	posts, err := mc.GetMulti(ctx, []int64{1, 2, 3})
	require.NoError(err)
	require.Len(posts, 3)
	assert.Equal("two", posts[1].Title)
	assert.Equal([]int64{1, 2, 3}, fetches)

	// everything is cached now
	_, err = mc.GetMulti(ctx, []int64{1, 2, 3})
	require.NoError(err)
	assert.Equal([]int64{1, 2, 3}, fetches)

	// absent ids come back nil, and the miss is cached
	posts, err = mc.GetMulti(ctx, []int64{1, 99})
	require.NoError(err)
	assert.Nil(posts[1])
	assert.Equal([]int64{1, 2, 3, 99}, fetches)
	_, err = mc.GetMulti(ctx, []int64{99})
	require.NoError(err)
	assert.Equal([]int64{1, 2, 3, 99}, fetches)

	byTitle, err := mc.GetByAlt(ctx, "two")
	require.NoError(err)
	assert.Equal(int64(2), byTitle.ID)

	// flush forgets the entity
	require.NoError(mc.Flush(ctx, p))
	_, err = mc.Get(ctx, 1)
	require.NoError(err)
	assert.Equal([]int64{1, 2, 3, 99, 1}, fetches)
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	r := NewRegistry()
	var flushed []string
	r.Register("post", func(ctx context.Context, ent any) error {
		flushed = append(flushed, "a")
		return nil
	})
	r.Register("post", func(ctx context.Context, ent any) error {
		flushed = append(flushed, "b")
		return errors.New("hook failed")
	})

	err := r.Flush(ctx, "post", &testPost{ID: 1})
	assert.Error(err)
	assert.Equal([]string{"a", "b"}, flushed)

	assert.NoError(r.Flush(ctx, "unknown", nil))
}
