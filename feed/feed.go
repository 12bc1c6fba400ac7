// Package feed distributes posts into per-user timelines at write time and
// keeps a bounded hot overlay on the side. Timelines live in ranked sets
// scored by negated publish time, so ascending rank order is newest-first
// and every mutation is an idempotent member upsert or removal. All entry
// points here run as dispatcher jobs and tolerate duplicate or reordered
// delivery.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/chenweiqiao/toutiao/cache"
	"github.com/chenweiqiao/toutiao/dispatch"
	"github.com/chenweiqiao/toutiao/kv"
	"github.com/chenweiqiao/toutiao/models"
)

const (
	// HotThreshold is the like count at which a post earns an overlay
	// admission.
	HotThreshold = 5
	// OverlayMax bounds the hot overlay; the trim runs after every
	// admission so cardinality never exceeds it.
	OverlayMax = 100
	// RetentionDays is how far back a follow backfill reaches when the
	// follower has no last-visit marker for the author.
	RetentionDays = 300
	// FreshnessTTL is how long a merged overlay is considered current for
	// one reader before the next read merges again.
	FreshnessTTL = 5 * time.Minute
)

var (
	keyTimeline  = cache.MustCompile("feed:%d")
	keyFreshness = cache.MustCompile("feed:activity_updated:%d")
	// author first, follower second
	keyLastVisit = cache.MustCompile("feed:last_visit_id:%d:%d")
)

const keyOverlay = "feed:activity"

var tracer = otel.Tracer("feed")

// Ref is the slice of a post the fan-out paths need: identity, owner, and
// publish time for scoring.
type Ref struct {
	ID        int64
	AuthorID  int64
	CreatedAt time.Time
}

// FollowerSource pages through the followers of a user, newest edge last.
// A short page ends the iteration.
type FollowerSource interface {
	FollowersPage(ctx context.Context, to int64, page int) ([]int64, error)
}

// PostSource loads posts from the canonical side. RefsByAuthor returns the
// author's posts newer than sinceID when it is nonzero, otherwise those
// published at or after since.
type PostSource interface {
	Ref(ctx context.Context, id int64) (*Ref, error)
	RefsByAuthor(ctx context.Context, authorID, sinceID int64, since time.Time) ([]Ref, error)
	IDsByAuthor(ctx context.Context, authorID int64) ([]int64, error)
	GetMulti(ctx context.Context, ids []int64) ([]*models.Post, error)
}

type Fanout struct {
	store     kv.Store
	followers FollowerSource
	posts     PostSource
	log       *slog.Logger
}

func New(store kv.Store, followers FollowerSource, posts PostSource) *Fanout {
	return &Fanout{
		store:     store,
		followers: followers,
		posts:     posts,
		log:       slog.With("source", "feed"),
	}
}

func score(t time.Time) float64 {
	return -float64(t.Unix())
}

// FanoutPost delivers one post into every follower timeline and advances
// each follower's last-visit marker for the author. A post that no longer
// exists when the job runs is a no-op.
func (f *Fanout) FanoutPost(ctx context.Context, postID int64) error {
	ctx, span := tracer.Start(ctx, "FanoutPost")
	defer span.End()

	ref, err := f.posts.Ref(ctx, postID)
	if err != nil {
		return err
	}
	if ref == nil {
		f.log.Info("post gone before fan-out, skipping", "post", postID)
		return nil
	}
	sc := score(ref.CreatedAt)

	var delivered int
	err = f.eachFollower(ctx, ref.AuthorID, func(uid int64) error {
		if err := f.store.ZAdd(ctx, keyTimeline.Render(uid), map[int64]float64{postID: sc}); err != nil {
			return err
		}
		if err := f.writeMarker(ctx, ref.AuthorID, uid, postID); err != nil {
			return err
		}
		delivered++
		return nil
	})
	if err != nil {
		return fmt.Errorf("fanning out post %d: %w", postID, err)
	}
	fanoutPosts.Inc()
	deliveries.Add(float64(delivered))
	return nil
}

// FanoutFollow backfills the follower's timeline with the author's recent
// posts. With a last-visit marker present only posts newer than it are
// copied, so an unfollow/re-follow pair replays just the gap; without one
// the retention window bounds the copy.
func (f *Fanout) FanoutFollow(ctx context.Context, from, to int64) error {
	ctx, span := tracer.Start(ctx, "FanoutFollow")
	defer span.End()

	sinceID, err := f.readMarker(ctx, to, from)
	if err != nil {
		return err
	}
	var since time.Time
	if sinceID == 0 {
		since = time.Now().AddDate(0, 0, -RetentionDays)
	}
	refs, err := f.posts.RefsByAuthor(ctx, to, sinceID, since)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	members := make(map[int64]float64, len(refs))
	newest := sinceID
	for _, r := range refs {
		members[r.ID] = score(r.CreatedAt)
		if r.ID > newest {
			newest = r.ID
		}
	}
	if err := f.store.ZAdd(ctx, keyTimeline.Render(from), members); err != nil {
		return fmt.Errorf("backfilling feed of %d: %w", from, err)
	}
	deliveries.Add(float64(len(members)))
	return f.writeMarker(ctx, to, from, newest)
}

// RemoveOnUnfollow withdraws the author's posts from the follower timeline.
// The last-visit marker survives so a re-follow does not replay history.
func (f *Fanout) RemoveOnUnfollow(ctx context.Context, from, to int64) error {
	ids, err := f.posts.IDsByAuthor(ctx, to)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return f.store.ZRem(ctx, keyTimeline.Render(from), ids...)
}

// RemovePost withdraws a deleted post from every follower timeline and from
// the overlay. The author id travels in the job because the row is already
// gone when the job runs.
func (f *Fanout) RemovePost(ctx context.Context, postID, authorID int64) error {
	ctx, span := tracer.Start(ctx, "RemovePost")
	defer span.End()

	err := f.eachFollower(ctx, authorID, func(uid int64) error {
		return f.store.ZRem(ctx, keyTimeline.Render(uid), postID)
	})
	if err != nil {
		return fmt.Errorf("withdrawing post %d: %w", postID, err)
	}
	return f.store.ZRem(ctx, keyOverlay, postID)
}

// AddActivity admits a post into the hot overlay and trims the overlay back
// to its bound. Re-admission of a present member only refreshes its score.
func (f *Fanout) AddActivity(ctx context.Context, postID int64) error {
	ref, err := f.posts.Ref(ctx, postID)
	if err != nil {
		return err
	}
	if ref == nil {
		return nil
	}
	if err := f.store.ZAdd(ctx, keyOverlay, map[int64]float64{postID: score(ref.CreatedAt)}); err != nil {
		return err
	}
	overlayAdds.Inc()
	return f.store.ZRemRangeByRank(ctx, keyOverlay, OverlayMax, -1)
}

// Read returns one page of the user's timeline, newest first, plus the
// total. When the freshness marker has lapsed the whole overlay is merged
// into the timeline first; the merge is a member upsert, so posts already
// delivered by fan-out keep a single entry.
func (f *Fanout) Read(ctx context.Context, uid int64, page int) ([]*models.Post, int64, error) {
	ctx, span := tracer.Start(ctx, "ReadFeed")
	defer span.End()

	if page < 1 {
		page = 1
	}
	timeline := keyTimeline.Render(uid)

	fresh, err := f.store.Get(ctx, keyFreshness.Render(uid))
	if err != nil {
		return nil, 0, err
	}
	if fresh == nil {
		entries, err := f.store.ZRangeWithScores(ctx, keyOverlay, 0, -1)
		if err != nil {
			return nil, 0, err
		}
		if len(entries) > 0 {
			members := make(map[int64]float64, len(entries))
			for _, e := range entries {
				members[e.Member] = e.Score
			}
			if err := f.store.ZAdd(ctx, timeline, members); err != nil {
				return nil, 0, err
			}
			overlayMerges.Inc()
		}
		if err := f.store.Set(ctx, keyFreshness.Render(uid), []byte("1"), FreshnessTTL); err != nil {
			return nil, 0, err
		}
	}

	total, err := f.store.ZCard(ctx, timeline)
	if err != nil {
		return nil, 0, err
	}
	start := int64(models.PageSize * (page - 1))
	ids, err := f.store.ZRange(ctx, timeline, start, start+models.PageSize-1)
	if err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, total, nil
	}

	hydrated, err := f.posts.GetMulti(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*models.Post, 0, len(hydrated))
	for _, p := range hydrated {
		// ids can outlive their rows until the removal job lands
		if p != nil {
			out = append(out, p)
		}
	}
	return out, total, nil
}

// eachFollower walks the author's follower listing page by page.
func (f *Fanout) eachFollower(ctx context.Context, authorID int64, fn func(uid int64) error) error {
	for page := 1; ; page++ {
		ids, err := f.followers.FollowersPage(ctx, authorID, page)
		if err != nil {
			return err
		}
		for _, uid := range ids {
			if err := fn(uid); err != nil {
				return err
			}
		}
		if len(ids) < models.PageSize {
			return nil
		}
	}
}

func (f *Fanout) readMarker(ctx context.Context, author, follower int64) (int64, error) {
	raw, err := f.store.Get(ctx, keyLastVisit.Render(author, follower))
	if err != nil || raw == nil {
		return 0, err
	}
	id, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		// unreadable marker reads as absent; the next fan-out rewrites it
		f.log.Warn("dropping unreadable last-visit marker", "author", author, "follower", follower)
		return 0, f.store.Del(ctx, keyLastVisit.Render(author, follower))
	}
	return id, nil
}

func (f *Fanout) writeMarker(ctx context.Context, author, follower, postID int64) error {
	return f.store.Set(ctx, keyLastVisit.Render(author, follower), []byte(strconv.FormatInt(postID, 10)), 0)
}

// RegisterJobs binds the fan-out entry points to their job names on any
// registry with the worker's Register shape.
func (f *Fanout) RegisterJobs(reg interface {
	Register(job string, fn dispatch.HandlerFunc)
}) {
	reg.Register(dispatch.JobFanoutPost, func(ctx context.Context, args dispatch.Args) error {
		id, err := args.Int64(0)
		if err != nil {
			return err
		}
		return f.FanoutPost(ctx, id)
	})
	reg.Register(dispatch.JobFanoutFollow, func(ctx context.Context, args dispatch.Args) error {
		from, err := args.Int64(0)
		if err != nil {
			return err
		}
		to, err := args.Int64(1)
		if err != nil {
			return err
		}
		return f.FanoutFollow(ctx, from, to)
	})
	reg.Register(dispatch.JobRemoveUnfollow, func(ctx context.Context, args dispatch.Args) error {
		from, err := args.Int64(0)
		if err != nil {
			return err
		}
		to, err := args.Int64(1)
		if err != nil {
			return err
		}
		return f.RemoveOnUnfollow(ctx, from, to)
	})
	reg.Register(dispatch.JobRemoveDelete, func(ctx context.Context, args dispatch.Args) error {
		post, err := args.Int64(0)
		if err != nil {
			return err
		}
		author, err := args.Int64(1)
		if err != nil {
			return err
		}
		return f.RemovePost(ctx, post, author)
	})
	reg.Register(dispatch.JobAddActivity, func(ctx context.Context, args dispatch.Args) error {
		id, err := args.Int64(0)
		if err != nil {
			return err
		}
		return f.AddActivity(ctx, id)
	})
}
