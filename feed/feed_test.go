package feed

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chenweiqiao/toutiao/dispatch"
	"github.com/chenweiqiao/toutiao/kv"
	"github.com/chenweiqiao/toutiao/models"
)

type fakeFollowers struct {
	byAuthor map[int64][]int64
}

func (f *fakeFollowers) FollowersPage(ctx context.Context, to int64, page int) ([]int64, error) {
	all := f.byAuthor[to]
	start := models.PageSize * (page - 1)
	if start >= len(all) {
		return nil, nil
	}
	end := start + models.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

type fakePosts struct {
	refs map[int64]Ref
}

func (f *fakePosts) Ref(ctx context.Context, id int64) (*Ref, error) {
	r, ok := f.refs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakePosts) RefsByAuthor(ctx context.Context, authorID, sinceID int64, since time.Time) ([]Ref, error) {
	var out []Ref
	for _, r := range f.refs {
		if r.AuthorID != authorID {
			continue
		}
		if sinceID > 0 {
			if r.ID > sinceID {
				out = append(out, r)
			}
		} else if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePosts) IDsByAuthor(ctx context.Context, authorID int64) ([]int64, error) {
	var out []int64
	for _, r := range f.refs {
		if r.AuthorID == authorID {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (f *fakePosts) GetMulti(ctx context.Context, ids []int64) ([]*models.Post, error) {
	out := make([]*models.Post, len(ids))
	for i, id := range ids {
		if r, ok := f.refs[id]; ok {
			out[i] = &models.Post{Model: gorm.Model{ID: uint(id), CreatedAt: r.CreatedAt}, AuthorID: r.AuthorID}
		}
	}
	return out, nil
}

func (f *fakePosts) add(id, author int64, at time.Time) {
	f.refs[id] = Ref{ID: id, AuthorID: author, CreatedAt: at}
}

func testFanout(followers map[int64][]int64) (*Fanout, *fakePosts, kv.Store) {
	store := kv.NewMemStore()
	posts := &fakePosts{refs: map[int64]Ref{}}
	return New(store, &fakeFollowers{byAuthor: followers}, posts), posts, store
}

func timelineIDs(t *testing.T, store kv.Store, uid int64) []int64 {
	t.Helper()
	ids, err := store.ZRange(context.Background(), keyTimeline.Render(uid), 0, -1)
	require.NoError(t, err)
	return ids
}

func TestFanoutPostIsIdempotent(t *testing.T) {
	f, posts, store := testFanout(map[int64][]int64{1: {2, 3}})
	ctx := context.Background()
	posts.add(10, 1, time.Now())

	require.NoError(t, f.FanoutPost(ctx, 10))
	require.NoError(t, f.FanoutPost(ctx, 10))

	assert.Equal(t, []int64{10}, timelineIDs(t, store, 2))
	assert.Equal(t, []int64{10}, timelineIDs(t, store, 3))
}

func TestFanoutPostSkipsDeleted(t *testing.T) {
	f, _, store := testFanout(map[int64][]int64{1: {2}})
	require.NoError(t, f.FanoutPost(context.Background(), 404))
	assert.Empty(t, timelineIDs(t, store, 2))
}

func TestFanoutPostPagesThroughFollowers(t *testing.T) {
	var followers []int64
	for uid := int64(100); uid < 125; uid++ {
		followers = append(followers, uid)
	}
	f, posts, store := testFanout(map[int64][]int64{1: followers})
	posts.add(10, 1, time.Now())

	require.NoError(t, f.FanoutPost(context.Background(), 10))
	for _, uid := range followers {
		assert.Equal(t, []int64{10}, timelineIDs(t, store, uid), "follower %d", uid)
	}
}

func TestFanoutFollowRespectsRetention(t *testing.T) {
	f, posts, store := testFanout(nil)
	ctx := context.Background()
	posts.add(10, 1, time.Now().AddDate(0, 0, -(RetentionDays+10)))
	posts.add(11, 1, time.Now().AddDate(0, 0, -1))

	require.NoError(t, f.FanoutFollow(ctx, 2, 1))
	assert.Equal(t, []int64{11}, timelineIDs(t, store, 2))
}

func TestUnfollowRefollowReplaysOnlyTheGap(t *testing.T) {
	f, posts, store := testFanout(map[int64][]int64{1: {2}})
	ctx := context.Background()
	now := time.Now()

	posts.add(10, 1, now.Add(-3*time.Hour))
	require.NoError(t, f.FanoutPost(ctx, 10))

	// unfollow withdraws the history but keeps the marker
	require.NoError(t, f.RemoveOnUnfollow(ctx, 2, 1))
	assert.Empty(t, timelineIDs(t, store, 2))

	// published while unfollowed, so never fanned out
	posts.add(11, 1, now.Add(-2*time.Hour))
	posts.add(12, 1, now.Add(-time.Hour))

	require.NoError(t, f.FanoutFollow(ctx, 2, 1))
	assert.ElementsMatch(t, []int64{11, 12}, timelineIDs(t, store, 2))
}

func TestOverlayStaysBounded(t *testing.T) {
	f, posts, store := testFanout(nil)
	ctx := context.Background()
	base := time.Now().Add(-200 * time.Minute)

	for i := int64(1); i <= 150; i++ {
		posts.add(i, 9, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, f.AddActivity(ctx, i))
	}

	card, err := store.ZCard(ctx, keyOverlay)
	require.NoError(t, err)
	assert.EqualValues(t, OverlayMax, card)

	// the newest hundred survive, oldest trimmed
	ids, err := store.ZRange(ctx, keyOverlay, 0, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 150, ids[0])
	assert.EqualValues(t, 51, ids[len(ids)-1])
}

func TestReadMergesOverlayOncePerWindow(t *testing.T) {
	f, posts, store := testFanout(nil)
	ctx := context.Background()
	now := time.Now()

	posts.add(10, 9, now.Add(-time.Minute))
	require.NoError(t, f.AddActivity(ctx, 10))

	page, total, err := f.Read(ctx, 2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, page, 1)
	assert.EqualValues(t, 10, page[0].ID)

	// admitted after the merge; the fresh marker keeps it out until the
	// window lapses
	posts.add(11, 9, now)
	require.NoError(t, f.AddActivity(ctx, 11))

	_, total, err = f.Read(ctx, 2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// an expired marker lets the next read pick it up
	require.NoError(t, store.Del(ctx, keyFreshness.Render(2)))
	page, total, err = f.Read(ctx, 2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.EqualValues(t, 11, page[0].ID)
}

func TestReadOrdersNewestFirst(t *testing.T) {
	f, posts, _ := testFanout(map[int64][]int64{1: {2}})
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 15; i++ {
		posts.add(i, 1, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, f.FanoutPost(ctx, i))
	}

	page, total, err := f.Read(ctx, 2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 15, total)
	require.Len(t, page, models.PageSize)
	assert.EqualValues(t, 15, page[0].ID)
	assert.EqualValues(t, 6, page[len(page)-1].ID)

	page, _, err = f.Read(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.EqualValues(t, 5, page[0].ID)
}

func TestRemovePostWithdrawsEverywhere(t *testing.T) {
	f, posts, store := testFanout(map[int64][]int64{1: {2, 3}})
	ctx := context.Background()

	posts.add(10, 1, time.Now())
	require.NoError(t, f.FanoutPost(ctx, 10))
	require.NoError(t, f.AddActivity(ctx, 10))

	// the row is gone by the time the removal job runs
	delete(posts.refs, 10)
	require.NoError(t, f.RemovePost(ctx, 10, 1))

	assert.Empty(t, timelineIDs(t, store, 2))
	assert.Empty(t, timelineIDs(t, store, 3))
	ids, err := store.ZRange(ctx, keyOverlay, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReadSkipsRowsGoneBeforeRemoval(t *testing.T) {
	f, posts, _ := testFanout(map[int64][]int64{1: {2}})
	ctx := context.Background()
	now := time.Now()

	posts.add(10, 1, now.Add(-time.Minute))
	posts.add(11, 1, now)
	require.NoError(t, f.FanoutPost(ctx, 10))
	require.NoError(t, f.FanoutPost(ctx, 11))
	delete(posts.refs, 10)

	page, total, err := f.Read(ctx, 2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, page, 1)
	assert.EqualValues(t, 11, page[0].ID)
}

func TestJobsRoundTripThroughDispatcher(t *testing.T) {
	f, posts, store := testFanout(map[int64][]int64{1: {2}})
	ctx := context.Background()

	disp := dispatch.NewInline()
	f.RegisterJobs(disp)

	posts.add(10, 1, time.Now())
	require.NoError(t, disp.Enqueue(ctx, dispatch.JobFanoutPost, 10))
	assert.Equal(t, []int64{10}, timelineIDs(t, store, 2))

	require.NoError(t, disp.Enqueue(ctx, dispatch.JobRemoveDelete, 10, 1))
	assert.Empty(t, timelineIDs(t, store, 2))
}
