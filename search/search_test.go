package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenweiqiao/toutiao/dispatch"
	"github.com/chenweiqiao/toutiao/models"
)

func TestMemRankingAndPaging(t *testing.T) {
	idx := NewMem()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Document{ID: 1, Kind: models.KindPost, Title: "go concurrency patterns", Content: "channels"}))
	require.NoError(t, idx.Upsert(ctx, &Document{ID: 2, Kind: models.KindPost, Title: "weekly digest", Tags: []string{"go"}, Content: "mixed"}))
	require.NoError(t, idx.Upsert(ctx, &Document{ID: 3, Kind: models.KindPost, Title: "rust notes", Content: "a go aside"}))

	res, err := idx.Search(ctx, "go", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
	// title beats tag beats content
	assert.Equal(t, []int64{1, 2, 3}, res.IDs)

	res, err = idx.Search(ctx, "go", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
	assert.Empty(t, res.IDs)
}

func TestMemUpsertReplaces(t *testing.T) {
	idx := NewMem()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Document{ID: 1, Kind: models.KindPost, Title: "old title"}))
	require.NoError(t, idx.Upsert(ctx, &Document{ID: 1, Kind: models.KindPost, Title: "new title"}))

	res, err := idx.Search(ctx, "old", 1)
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	res, err = idx.Search(ctx, "new", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
}

func TestMemDeleteIsIdempotent(t *testing.T) {
	idx := NewMem()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, &Document{ID: 1, Kind: models.KindPost, Title: "gone soon"}))
	require.NoError(t, idx.Delete(ctx, models.KindPost, 1))
	require.NoError(t, idx.Delete(ctx, models.KindPost, 1))

	res, err := idx.Search(ctx, "gone", 1)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

type mapDocSource map[int64]*Document

func (m mapDocSource) BuildDoc(ctx context.Context, kind int, id int64) (*Document, error) {
	return m[id], nil
}

func TestReindexerOps(t *testing.T) {
	idx := NewMem()
	src := mapDocSource{
		1: {ID: 1, Kind: models.KindPost, Title: "hello feeds"},
	}
	r := NewReindexer(idx, src, nil)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, OpCreate, models.KindPost, 1))
	res, err := idx.Search(ctx, "hello", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)

	src[1].Title = "goodbye feeds"
	require.NoError(t, r.Run(ctx, OpUpdate, models.KindPost, 1))
	res, err = idx.Search(ctx, "goodbye", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)

	// create replayed after the row vanished converges on deletion
	delete(src, 1)
	require.NoError(t, r.Run(ctx, OpCreate, models.KindPost, 1))
	res, err = idx.Search(ctx, "goodbye", 1)
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	assert.Error(t, r.Run(ctx, "rename", models.KindPost, 1))
}

func TestReindexerThroughDispatcher(t *testing.T) {
	idx := NewMem()
	src := mapDocSource{7: {ID: 7, Kind: models.KindPost, Title: "dispatched"}}
	r := NewReindexer(idx, src, nil)

	disp := dispatch.NewInline()
	r.RegisterJobs(disp)
	ctx := context.Background()

	require.NoError(t, disp.Enqueue(ctx, dispatch.JobReindex, OpCreate, models.KindPost, 7))
	res, err := idx.Search(ctx, "dispatched", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, res.IDs)

	require.NoError(t, disp.Enqueue(ctx, dispatch.JobReindex, OpDelete, models.KindPost, 7))
	res, err = idx.Search(ctx, "dispatched", 1)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}
