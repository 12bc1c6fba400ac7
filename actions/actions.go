// Package actions is the generic "N users acted on target" subsystem backing
// likes, collects and comments. One Aggregator serves one action kind; the
// bookkeeping (counters, single-item checks, paginated listings, and the
// invalidation cascade that keeps them coherent) is shared.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/chenweiqiao/toutiao/cache"
	"github.com/chenweiqiao/toutiao/models"
)

var (
	keyCountByTarget = cache.MustCompile("actions:count_by_target:%s:%d:%d")
	keyCountByUser   = cache.MustCompile("actions:count_by_user:%s:%d:%d")
	keyPageByTarget  = cache.MustCompile("actions:page_by_target:%s:%d:%d:%d")
	keyPageByUser    = cache.MustCompile("actions:page_by_user:%s:%d:%d:%d")
	// the single-item key is rendered from the row itself
	keyByTarget = cache.MustCompile("actions:by_target:{item.Kind}:{item.UserID}:{item.TargetID}:{item.TargetKind}")
)

// Hooks are registered at construction; all are optional. BeforeCreate can
// veto the insert (returning ErrNotAllowed keeps the row out); the After
// hooks run once the mutation has committed and its caches are invalidated.
type Hooks struct {
	BeforeCreate func(ctx context.Context, item *models.ActionItem) error
	AfterCreate  func(ctx context.Context, item *models.ActionItem) error
	AfterDelete  func(ctx context.Context, item *models.ActionItem) error
}

type Aggregator struct {
	db    *gorm.DB
	c     *cache.Cache
	kind  models.ActionKind
	ttl   time.Duration
	hooks Hooks
	log   *slog.Logger
}

// DefaultTTL bounds how long a cached view can outlive a missed
// invalidation. Counters survive expiry fine: the next read recomputes from
// rows and re-seeds the key.
const DefaultTTL = 2 * time.Hour

// New builds the aggregator for one action kind. ttl caps the lifetime of
// every cached view; zero means no expiry.
func New(db *gorm.DB, c *cache.Cache, kind models.ActionKind, ttl time.Duration, hooks Hooks) (*Aggregator, error) {
	if kind.String() == "<unknown>" {
		return nil, fmt.Errorf("actions: unknown action kind %d", kind)
	}
	if err := db.AutoMigrate(&models.ActionItem{}); err != nil {
		return nil, err
	}
	return &Aggregator{
		db:    db,
		c:     c,
		kind:  kind,
		ttl:   ttl,
		hooks: hooks,
		log:   slog.With("source", "actions", "kind", kind.String()),
	}, nil
}

func (a *Aggregator) Kind() models.ActionKind { return a.kind }

func (a *Aggregator) itemKey(userID, targetID int64, targetKind int) (string, error) {
	return keyByTarget.RenderNamed(map[string]any{"item": &models.ActionItem{
		UserID:     userID,
		TargetID:   targetID,
		TargetKind: targetKind,
		Kind:       a.kind,
	}})
}

// Create inserts the action row, or returns the existing one when the tuple
// already exists (a repeated like is a no-op, not an error). The returned
// bool reports whether a row was actually created.
func (a *Aggregator) Create(ctx context.Context, userID, targetID int64, targetKind int, content string) (*models.ActionItem, bool, error) {
	existing, err := a.GetByTarget(ctx, userID, targetID, targetKind)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	item := &models.ActionItem{
		UserID:     userID,
		TargetID:   targetID,
		TargetKind: targetKind,
		Kind:       a.kind,
		Content:    content,
	}
	if a.hooks.BeforeCreate != nil {
		if err := a.hooks.BeforeCreate(ctx, item); err != nil {
			return nil, false, err
		}
	}
	if err := a.db.WithContext(ctx).Create(item).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// raced a concurrent create of the same tuple; the cached miss
			// is stale now, so drop it and return the winner
			if key, kerr := a.itemKey(userID, targetID, targetKind); kerr == nil {
				a.c.Delete(ctx, key)
			}
			won, gerr := a.GetByTarget(ctx, userID, targetID, targetKind)
			return won, false, gerr
		}
		return nil, false, err
	}
	created.WithLabelValues(a.kind.String()).Inc()

	if err := a.flush(ctx, item, 1); err != nil {
		return item, true, fmt.Errorf("invalidating action caches: %w", err)
	}
	if a.hooks.AfterCreate != nil {
		if err := a.hooks.AfterCreate(ctx, item); err != nil {
			return item, true, err
		}
	}
	return item, true, nil
}

// Delete removes the action row for the tuple and runs the inverse
// invalidation. Deleting an absent action is a not-found outcome.
func (a *Aggregator) Delete(ctx context.Context, userID, targetID int64, targetKind int) error {
	var item models.ActionItem
	err := a.db.WithContext(ctx).
		Where("user_id = ? AND target_id = ? AND target_kind = ? AND kind = ?", userID, targetID, targetKind, a.kind).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	// hard delete: a soft-deleted row would keep occupying the unique
	// tuple index and block a later re-create
	if err := a.db.WithContext(ctx).Unscoped().Delete(&item).Error; err != nil {
		return err
	}
	deleted.WithLabelValues(a.kind.String()).Inc()

	if err := a.flush(ctx, &item, -1); err != nil {
		return fmt.Errorf("invalidating action caches: %w", err)
	}
	if a.hooks.AfterDelete != nil {
		return a.hooks.AfterDelete(ctx, &item)
	}
	return nil
}

// UpdateContent changes a comment's text. Only the comment kind is mutable,
// and only its content field; anything else is rejected.
func (a *Aggregator) UpdateContent(ctx context.Context, userID, targetID int64, targetKind int, content string) (*models.ActionItem, error) {
	if a.kind != models.ActionComment {
		return nil, models.ErrNotAllowed
	}
	var item models.ActionItem
	err := a.db.WithContext(ctx).
		Where("user_id = ? AND target_id = ? AND target_kind = ? AND kind = ?", userID, targetID, targetKind, a.kind).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Content = content
	if err := a.db.WithContext(ctx).Model(&item).Update("content", content).Error; err != nil {
		return nil, err
	}

	// content changed but counts did not: drop the single-item entry and
	// the listing pages, leave the counters alone
	total, err := a.CountByTarget(ctx, targetID, targetKind)
	if err != nil {
		return nil, err
	}
	itemKey, err := a.itemKey(userID, targetID, targetKind)
	if err != nil {
		return nil, err
	}
	keys := append(a.targetPageKeys(&item, total), itemKey)
	if err := a.c.Delete(ctx, keys...); err != nil {
		return nil, fmt.Errorf("invalidating action caches: %w", err)
	}
	return &item, nil
}

// CountByTarget is the cached number of rows for a target.
func (a *Aggregator) CountByTarget(ctx context.Context, targetID int64, targetKind int) (int64, error) {
	key := keyCountByTarget.Render(a.kind, targetID, targetKind)
	return cache.CachedCount(ctx, a.c, key, a.ttl, func(ctx context.Context) (int64, error) {
		var n int64
		err := a.db.WithContext(ctx).Model(&models.ActionItem{}).
			Where("target_id = ? AND target_kind = ? AND kind = ?", targetID, targetKind, a.kind).
			Count(&n).Error
		return n, err
	})
}

// CountByUser is the cached number of targets the user acted on.
func (a *Aggregator) CountByUser(ctx context.Context, userID int64, targetKind int) (int64, error) {
	key := keyCountByUser.Render(a.kind, userID, targetKind)
	return cache.CachedCount(ctx, a.c, key, a.ttl, func(ctx context.Context) (int64, error) {
		var n int64
		err := a.db.WithContext(ctx).Model(&models.ActionItem{}).
			Where("user_id = ? AND target_kind = ? AND kind = ?", userID, targetKind, a.kind).
			Count(&n).Error
		return n, err
	})
}

// GetByTarget answers "has this user acted on this target", returning the
// row or nil. The nil answer is cached too.
func (a *Aggregator) GetByTarget(ctx context.Context, userID, targetID int64, targetKind int) (*models.ActionItem, error) {
	key, err := a.itemKey(userID, targetID, targetKind)
	if err != nil {
		return nil, err
	}
	return cache.GetOrCompute(ctx, a.c, key, a.ttl, func(ctx context.Context) (*models.ActionItem, error) {
		var item models.ActionItem
		err := a.db.WithContext(ctx).
			Where("user_id = ? AND target_id = ? AND target_kind = ? AND kind = ?", userID, targetID, targetKind, a.kind).
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &item, nil
	})
}

// PageByTarget lists a target's action rows, newest first. Page 0 is the
// unpaginated full listing; pages are cached individually.
func (a *Aggregator) PageByTarget(ctx context.Context, targetID int64, targetKind, page int) ([]models.ActionItem, error) {
	key := keyPageByTarget.Render(a.kind, targetID, targetKind, page)
	return cache.GetOrCompute(ctx, a.c, key, a.ttl, func(ctx context.Context) ([]models.ActionItem, error) {
		q := a.db.WithContext(ctx).
			Where("target_id = ? AND target_kind = ? AND kind = ?", targetID, targetKind, a.kind).
			Order("id desc")
		if page > 0 {
			q = q.Limit(models.PageSize).Offset(models.PageSize * (page - 1))
		}
		items := []models.ActionItem{}
		err := q.Find(&items).Error
		return items, err
	})
}

// PageByUser lists the ids of targets the user acted on, newest first.
func (a *Aggregator) PageByUser(ctx context.Context, userID int64, targetKind, page int) ([]int64, error) {
	key := keyPageByUser.Render(a.kind, userID, targetKind, page)
	return cache.GetOrCompute(ctx, a.c, key, a.ttl, func(ctx context.Context) ([]int64, error) {
		if page < 1 {
			page = 1
		}
		ids := []int64{}
		err := a.db.WithContext(ctx).Model(&models.ActionItem{}).
			Where("user_id = ? AND target_kind = ? AND kind = ?", userID, targetKind, a.kind).
			Order("id desc").
			Limit(models.PageSize).Offset(models.PageSize*(page-1)).
			Pluck("target_id", &ids).Error
		return ids, err
	})
}

// flush is the invalidation cascade run after every create/delete: drop the
// single-item entry, adjust both counters in place, and clear every listing
// page the post-increment totals can reach. Using the new total clears one
// more page than the old total implied, which matters exactly when the
// mutation grew the listing past a page boundary.
func (a *Aggregator) flush(ctx context.Context, item *models.ActionItem, delta int64) error {
	var errs []error

	itemKey, err := keyByTarget.RenderNamed(map[string]any{"item": item})
	if err != nil {
		return err
	}
	if err := a.c.Delete(ctx, itemKey); err != nil {
		errs = append(errs, err)
	}

	countKey := keyCountByTarget.Render(a.kind, item.TargetID, item.TargetKind)
	total, err := a.c.IncrKey(ctx, countKey, delta)
	if err != nil {
		errs = append(errs, err)
	} else if total < 0 {
		// the counter key was created mid-stream and undercounts; drop it
		// so the next read recomputes from rows
		errs = append(errs, a.c.Delete(ctx, countKey))
	}
	if err := a.c.Delete(ctx, a.targetPageKeys(item, total)...); err != nil {
		errs = append(errs, err)
	}

	userCountKey := keyCountByUser.Render(a.kind, item.UserID, item.TargetKind)
	totalUser, err := a.c.IncrKey(ctx, userCountKey, delta)
	if err != nil {
		errs = append(errs, err)
	} else if totalUser < 0 {
		errs = append(errs, a.c.Delete(ctx, userCountKey))
	}
	userKeys := make([]string, 0, cache.Pages(totalUser, models.PageSize))
	for p := 1; p <= cache.Pages(totalUser, models.PageSize); p++ {
		userKeys = append(userKeys, keyPageByUser.Render(a.kind, item.UserID, item.TargetKind, p))
	}
	if err := a.c.Delete(ctx, userKeys...); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// targetPageKeys covers pages 1..ceil(total/PageSize) plus the page-0 full
// listing variant.
func (a *Aggregator) targetPageKeys(item *models.ActionItem, total int64) []string {
	pages := cache.Pages(total, models.PageSize)
	keys := make([]string, 0, pages+1)
	for p := 1; p <= pages; p++ {
		keys = append(keys, keyPageByTarget.Render(a.kind, item.TargetID, item.TargetKind, p))
	}
	keys = append(keys, keyPageByTarget.Render(a.kind, item.TargetID, item.TargetKind, 0))
	return keys
}
