package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreStrings(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()

	b, err := s.Get(ctx, "missing")
	assert.NoError(err)
	assert.Nil(b)

	assert.NoError(s.Set(ctx, "k1", []byte("v1"), 0))
	b, err = s.Get(ctx, "k1")
	assert.NoError(err)
	assert.Equal([]byte("v1"), b)

	assert.NoError(s.Set(ctx, "k2", []byte("v2"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	b, err = s.Get(ctx, "k2")
	assert.NoError(err)
	assert.Nil(b)

	vals, err := s.MGet(ctx, "k1", "missing", "k1")
	assert.NoError(err)
	require.Len(t, vals, 3)
	assert.Equal([]byte("v1"), vals[0])
	assert.Nil(vals[1])
	assert.Equal([]byte("v1"), vals[2])

	assert.NoError(s.Del(ctx, "k1"))
	b, err = s.Get(ctx, "k1")
	assert.NoError(err)
	assert.Nil(b)
}

func TestMemStoreIncr(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()

	n, err := s.Incr(ctx, "count", 2)
	assert.NoError(err)
	assert.Equal(int64(2), n)

	n, err = s.Incr(ctx, "count", -1)
	assert.NoError(err)
	assert.Equal(int64(1), n)

	// leftover serialized blob at the key
	assert.NoError(s.Set(ctx, "junk", []byte("\x93\x01\x02\x03"), 0))
	_, err = s.Incr(ctx, "junk", 1)
	assert.ErrorIs(err, ErrWrongType)

	// a ranked set at the key is also the wrong type
	assert.NoError(s.ZAdd(ctx, "zs", map[int64]float64{1: 1}))
	_, err = s.Incr(ctx, "zs", 1)
	assert.ErrorIs(err, ErrWrongType)
}

func TestMemStoreRankedSets(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := NewMemStore()

	assert.NoError(s.ZAdd(ctx, "z", map[int64]float64{
		10: -100,
		20: -200,
		30: -300,
	}))

	n, err := s.ZCard(ctx, "z")
	assert.NoError(err)
	assert.Equal(int64(3), n)

	// ascending score puts the most negative (newest) first
	ids, err := s.ZRange(ctx, "z", 0, -1)
	assert.NoError(err)
	assert.Equal([]int64{30, 20, 10}, ids)

	ids, err = s.ZRange(ctx, "z", 1, 1)
	assert.NoError(err)
	assert.Equal([]int64{20}, ids)

	// re-adding an existing member with the same score is a no-op
	assert.NoError(s.ZAdd(ctx, "z", map[int64]float64{30: -300}))
	n, err = s.ZCard(ctx, "z")
	assert.NoError(err)
	assert.Equal(int64(3), n)

	entries, err := s.ZRangeWithScores(ctx, "z", 0, 0)
	assert.NoError(err)
	require.Len(entries, 1)
	assert.Equal(int64(30), entries[0].Member)
	assert.Equal(float64(-300), entries[0].Score)

	// removing an absent member is a no-op
	assert.NoError(s.ZRem(ctx, "z", 99))
	assert.NoError(s.ZRem(ctx, "z", 20))
	ids, err = s.ZRange(ctx, "z", 0, -1)
	assert.NoError(err)
	assert.Equal([]int64{30, 10}, ids)

	// out of range slices are empty, not errors
	ids, err = s.ZRange(ctx, "z", 5, 10)
	assert.NoError(err)
	assert.Empty(ids)
}

func TestMemStoreZRemRangeByRank(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()

	for i := int64(1); i <= 10; i++ {
		assert.NoError(s.ZAdd(ctx, "z", map[int64]float64{i: float64(-i)}))
	}

	// keep the first three ranks, drop the rest
	assert.NoError(s.ZRemRangeByRank(ctx, "z", 3, -1))
	ids, err := s.ZRange(ctx, "z", 0, -1)
	assert.NoError(err)
	assert.Equal([]int64{10, 9, 8}, ids)
}
