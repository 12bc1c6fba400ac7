// Package graph owns the follow edges and their incrementally maintained
// counters. Edge mutations commit to the canonical store, invalidate the
// derived caches synchronously, then hand fan-out work to the dispatcher.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/chenweiqiao/toutiao/cache"
	"github.com/chenweiqiao/toutiao/dispatch"
	"github.com/chenweiqiao/toutiao/models"
)

var (
	keyFollowItem    = cache.MustCompile("contact:item:%d:%d")
	keyFollowersPage = cache.MustCompile("contact:followers:%d:%d")
	keyFollowingPage = cache.MustCompile("contact:following:%d:%d")
)

type Graph struct {
	db   *gorm.DB
	c    *cache.Cache
	disp dispatch.Dispatcher
	log  *slog.Logger
}

func New(db *gorm.DB, c *cache.Cache, disp dispatch.Dispatcher) (*Graph, error) {
	if err := db.AutoMigrate(&models.Contact{}, &models.UserFollowStats{}); err != nil {
		return nil, err
	}
	return &Graph{
		db:   db,
		c:    c,
		disp: disp,
		log:  slog.With("source", "graph"),
	}, nil
}

// Follow creates the from→to edge. Following yourself is illegal; following
// someone twice is a no-op. On success both stats counters move by one, the
// derived caches are cleared, and delta fan-out is enqueued.
func (g *Graph) Follow(ctx context.Context, from, to int64) (bool, error) {
	if from == to {
		return false, models.ErrNotAllowed
	}

	edge := &models.Contact{FromID: from, ToID: to}
	if err := g.db.WithContext(ctx).Create(edge).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	follows.Inc()

	if err := g.applyStats(ctx, from, to, 1); err != nil {
		return true, err
	}
	if err := g.disp.Enqueue(ctx, dispatch.JobFanoutFollow, from, to); err != nil {
		return true, fmt.Errorf("enqueueing follow fan-out: %w", err)
	}
	return true, nil
}

// Unfollow removes the edge and reverses the bookkeeping. The follower's
// last-visit marker for this author is deliberately left in place: a
// re-follow only fans out what was published since.
func (g *Graph) Unfollow(ctx context.Context, from, to int64) error {
	var edge models.Contact
	err := g.db.WithContext(ctx).Where("from_id = ? AND to_id = ?", from, to).First(&edge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	// hard delete so a later re-follow can reuse the unique pair index
	if err := g.db.WithContext(ctx).Unscoped().Delete(&edge).Error; err != nil {
		return err
	}
	unfollows.Inc()

	if err := g.applyStats(ctx, from, to, -1); err != nil {
		return err
	}
	if err := g.disp.Enqueue(ctx, dispatch.JobRemoveUnfollow, from, to); err != nil {
		return fmt.Errorf("enqueueing unfollow cleanup: %w", err)
	}
	return nil
}

// applyStats adjusts both counters inside one transaction, floors them at
// zero, and clears every cache entry the new totals can reach.
func (g *Graph) applyStats(ctx context.Context, from, to int64, amount int64) error {
	var followerTotal, followingTotal int64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if followerTotal, err = bumpStat(tx, to, "follower_count", amount); err != nil {
			return err
		}
		followingTotal, err = bumpStat(tx, from, "following_count", amount)
		return err
	})
	if err != nil {
		return err
	}

	keys := []string{keyFollowItem.Render(from, to)}
	for p := 1; p <= cache.Pages(followerTotal, models.PageSize); p++ {
		keys = append(keys, keyFollowersPage.Render(to, p))
	}
	for p := 1; p <= cache.Pages(followingTotal, models.PageSize); p++ {
		keys = append(keys, keyFollowingPage.Render(from, p))
	}
	if err := g.c.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating follow caches: %w", err)
	}
	return nil
}

// bumpStat moves one counter column on the user's stats row with an in-place
// increment, so two concurrent edge mutations cannot lose an update to a
// read-modify-write race. Decrements floor at zero, the row is created on
// first touch, and the new total is returned.
func bumpStat(tx *gorm.DB, userID int64, column string, amount int64) (int64, error) {
	switch column {
	case "follower_count", "following_count":
	default:
		return 0, fmt.Errorf("unknown stats column %q", column)
	}

	res := tx.Model(&models.UserFollowStats{}).
		Where("user_id = ?", userID).
		Where(column+" + ? >= 0", amount).
		UpdateColumn(column, gorm.Expr(column+" + ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		// either no stats row yet, or the decrement would undershoot
		st := models.UserFollowStats{UserID: userID}
		if err := tx.Where("user_id = ?", userID).FirstOrCreate(&st).Error; err != nil {
			return 0, err
		}
		if amount < 0 {
			if err := tx.Model(&st).UpdateColumn(column, 0).Error; err != nil {
				return 0, err
			}
			return 0, nil
		}
		if err := tx.Model(&st).UpdateColumn(column, gorm.Expr(column+" + ?", amount)).Error; err != nil {
			return 0, err
		}
	}

	var st models.UserFollowStats
	if err := tx.Where("user_id = ?", userID).First(&st).Error; err != nil {
		return 0, err
	}
	if column == "follower_count" {
		return st.FollowerCount, nil
	}
	return st.FollowingCount, nil
}

// IsFollowing checks the from→to edge through the pairwise cache; the
// negative answer is cached too.
func (g *Graph) IsFollowing(ctx context.Context, from, to int64) (bool, error) {
	key := keyFollowItem.Render(from, to)
	edge, err := cache.GetOrCompute(ctx, g.c, key, 0, func(ctx context.Context) (*models.Contact, error) {
		var edge models.Contact
		err := g.db.WithContext(ctx).Where("from_id = ? AND to_id = ?", from, to).First(&edge).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &edge, nil
	})
	if err != nil {
		return false, err
	}
	return edge != nil, nil
}

// FollowersPage lists the ids following to, page by page.
func (g *Graph) FollowersPage(ctx context.Context, to int64, page int) ([]int64, error) {
	if page < 1 {
		page = 1
	}
	key := keyFollowersPage.Render(to, page)
	return cache.GetOrCompute(ctx, g.c, key, 0, func(ctx context.Context) ([]int64, error) {
		ids := []int64{}
		err := g.db.WithContext(ctx).Model(&models.Contact{}).
			Where("to_id = ?", to).
			Order("id").
			Limit(models.PageSize).Offset(models.PageSize*(page-1)).
			Pluck("from_id", &ids).Error
		return ids, err
	})
}

// FollowingPage lists the ids from is following.
func (g *Graph) FollowingPage(ctx context.Context, from int64, page int) ([]int64, error) {
	if page < 1 {
		page = 1
	}
	key := keyFollowingPage.Render(from, page)
	return cache.GetOrCompute(ctx, g.c, key, 0, func(ctx context.Context) ([]int64, error) {
		ids := []int64{}
		err := g.db.WithContext(ctx).Model(&models.Contact{}).
			Where("from_id = ?", from).
			Order("id").
			Limit(models.PageSize).Offset(models.PageSize*(page-1)).
			Pluck("to_id", &ids).Error
		return ids, err
	})
}

// Stats returns the counter row for a user; users with no row have zero
// counts.
func (g *Graph) Stats(ctx context.Context, userID int64) (followers, following int64, err error) {
	var st models.UserFollowStats
	err = g.db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return st.FollowerCount, st.FollowingCount, nil
}
