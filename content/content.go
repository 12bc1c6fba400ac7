// Package content owns posts and their tags. Every mutation commits to the
// relational store first, clears the derived caches synchronously, then
// hands distribution and indexing to the dispatcher.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/chenweiqiao/toutiao/cache"
	"github.com/chenweiqiao/toutiao/dispatch"
	"github.com/chenweiqiao/toutiao/feed"
	"github.com/chenweiqiao/toutiao/models"
	"github.com/chenweiqiao/toutiao/search"
)

var (
	keyPostsByTagPage  = cache.MustCompile("content:posts_by_tag:%d:%d")
	keyPostsByTagCount = cache.MustCompile("content:posts_by_tag_count:%d")
	keyRecentPosts     = "content:recent_posts"
)

type Service struct {
	db    *gorm.DB
	c     *cache.Cache
	posts *cache.ModelCache[models.Post]
	tags  *cache.ModelCache[models.Tag]
	reg   *cache.Registry
	disp  dispatch.Dispatcher
	log   *slog.Logger
}

func New(db *gorm.DB, c *cache.Cache, disp dispatch.Dispatcher) (*Service, error) {
	if err := db.AutoMigrate(&models.User{}, &models.Post{}, &models.Tag{}, &models.PostTag{}); err != nil {
		return nil, err
	}
	s := &Service{
		db:   db,
		c:    c,
		disp: disp,
		log:  slog.With("source", "content"),
	}
	s.posts = cache.NewModelCache(c, "post", 0, cache.ModelConfig[models.Post]{
		FetchByID: func(ctx context.Context, id int64) (*models.Post, error) {
			return fetchOne[models.Post](s.db, ctx, "id = ?", id)
		},
		FetchByAlt: func(ctx context.Context, title string) (*models.Post, error) {
			return fetchOne[models.Post](s.db, ctx, "title = ?", title)
		},
		ID:     func(p *models.Post) int64 { return int64(p.ID) },
		AltKey: func(p *models.Post) string { return p.Title },
	})
	s.tags = cache.NewModelCache(c, "tag", 0, cache.ModelConfig[models.Tag]{
		FetchByID: func(ctx context.Context, id int64) (*models.Tag, error) {
			return fetchOne[models.Tag](s.db, ctx, "id = ?", id)
		},
		FetchByAlt: func(ctx context.Context, name string) (*models.Tag, error) {
			return fetchOne[models.Tag](s.db, ctx, "name = ?", name)
		},
		ID:     func(t *models.Tag) int64 { return int64(t.ID) },
		AltKey: func(t *models.Tag) string { return t.Name },
	})

	// invalidation hooks are bound here, once per entity kind; mutations
	// flush through the registry so every cached form is covered
	s.reg = cache.NewRegistry()
	s.reg.Register("post", func(ctx context.Context, ent any) error {
		return s.posts.Flush(ctx, ent.(*models.Post))
	})
	s.reg.Register("post", func(ctx context.Context, ent any) error {
		return s.c.Delete(ctx, keyRecentPosts)
	})
	s.reg.Register("tag", func(ctx context.Context, ent any) error {
		return s.tags.Flush(ctx, ent.(*models.Tag))
	})
	return s, nil
}

func fetchOne[T any](db *gorm.DB, ctx context.Context, cond string, arg any) (*T, error) {
	var ent T
	err := db.WithContext(ctx).Where(cond, arg).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// CreatePost commits a new post and hands it to fan-out and reindex.
func (s *Service) CreatePost(ctx context.Context, authorID int64, title, content, origURL string) (*models.Post, error) {
	title = strings.TrimSpace(title)
	if title == "" || strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content: post needs a title and a body: %w", models.ErrNotAllowed)
	}
	post := &models.Post{
		AuthorID:   authorID,
		Title:      title,
		Content:    content,
		OrigURL:    origURL,
		CanComment: true,
	}
	if err := s.db.WithContext(ctx).Create(post).Error; err != nil {
		return nil, err
	}
	postsCreated.Inc()

	if err := s.flushPost(ctx, post); err != nil {
		return nil, err
	}
	if err := s.disp.Enqueue(ctx, dispatch.JobFanoutPost, post.ID); err != nil {
		return nil, fmt.Errorf("enqueueing post fan-out: %w", err)
	}
	if err := s.disp.Enqueue(ctx, dispatch.JobReindex, search.OpCreate, models.KindPost, post.ID); err != nil {
		return nil, fmt.Errorf("enqueueing reindex: %w", err)
	}
	return post, nil
}

// UpdatePost rewrites the post's title and body. The by-title cache entry
// is dropped before the write so no reader can refill it from the old row
// after the new one lands.
func (s *Service) UpdatePost(ctx context.Context, id int64, title, content string) (*models.Post, error) {
	post, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, models.ErrNotFound
	}
	title = strings.TrimSpace(title)
	if title == "" || strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content: post needs a title and a body: %w", models.ErrNotAllowed)
	}

	if err := s.flushPost(ctx, post); err != nil {
		return nil, err
	}
	post.Title = title
	post.Content = content
	if err := s.db.WithContext(ctx).Save(post).Error; err != nil {
		return nil, err
	}
	if err := s.flushPost(ctx, post); err != nil {
		return nil, err
	}
	if err := s.disp.Enqueue(ctx, dispatch.JobReindex, search.OpUpdate, models.KindPost, post.ID); err != nil {
		return nil, fmt.Errorf("enqueueing reindex: %w", err)
	}
	return post, nil
}

// DeletePost removes the post, its tag links, and its derived state, then
// enqueues timeline withdrawal and index deletion.
func (s *Service) DeletePost(ctx context.Context, id int64) error {
	post, err := s.posts.Get(ctx, id)
	if err != nil {
		return err
	}
	if post == nil {
		return models.ErrNotFound
	}

	tagIDs, err := s.linkedTagIDs(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// hard deletes: the unique title index must free up immediately
		if err := tx.Unscoped().Where("post_id = ?", id).Delete(&models.PostTag{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(post).Error
	})
	if err != nil {
		return err
	}
	postsDeleted.Inc()

	if err := s.flushPost(ctx, post); err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if err := s.flushTagPages(ctx, tagID, -1); err != nil {
			return err
		}
	}
	if err := s.disp.Enqueue(ctx, dispatch.JobRemoveDelete, post.ID, post.AuthorID); err != nil {
		return fmt.Errorf("enqueueing post removal: %w", err)
	}
	if err := s.disp.Enqueue(ctx, dispatch.JobReindex, search.OpDelete, models.KindPost, post.ID); err != nil {
		return fmt.Errorf("enqueueing reindex: %w", err)
	}
	return nil
}

func (s *Service) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	return s.posts.Get(ctx, id)
}

// GetPostByIdentifier resolves either form of post reference: an all-digit
// identifier is a primary key, anything else a title.
func (s *Service) GetPostByIdentifier(ctx context.Context, ident string) (*models.Post, error) {
	if id, err := strconv.ParseInt(ident, 10, 64); err == nil {
		return s.posts.Get(ctx, id)
	}
	return s.posts.GetByAlt(ctx, ident)
}

func (s *Service) GetPosts(ctx context.Context, ids []int64) ([]*models.Post, error) {
	return s.posts.GetMulti(ctx, ids)
}

// RecentPosts pages over the newest posts. Only the leading window is
// cached; deeper pages read through.
func (s *Service) RecentPosts(ctx context.Context, page int) ([]models.Post, error) {
	if page < 1 {
		page = 1
	}
	start := models.PageSize * (page - 1)
	return cache.Paged(ctx, s.c, keyRecentPosts, start, models.PageSize, cache.DefaultPagedCount, 0,
		func(ctx context.Context, start, limit int) ([]models.Post, error) {
			var posts []models.Post
			err := s.db.WithContext(ctx).
				Order("id DESC").
				Limit(limit).Offset(start).
				Find(&posts).Error
			return posts, err
		})
}

// SetTags reconciles the post's tag set to names: missing links are added,
// absent ones removed, tag rows created on first use. Tag rows themselves
// are never renamed or deleted.
func (s *Service) SetTags(ctx context.Context, postID int64, names []string) error {
	post, err := s.posts.Get(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		return models.ErrNotFound
	}

	want := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			want[name] = true
		}
	}

	var links []models.PostTag
	if err := s.db.WithContext(ctx).Where("post_id = ?", postID).Find(&links).Error; err != nil {
		return err
	}
	have := make(map[int64]models.PostTag, len(links))
	for _, l := range links {
		have[l.TagID] = l
	}

	for name := range want {
		tag, err := s.ensureTag(ctx, name)
		if err != nil {
			return err
		}
		if _, ok := have[int64(tag.ID)]; ok {
			delete(have, int64(tag.ID))
			continue
		}
		link := models.PostTag{PostID: postID, TagID: int64(tag.ID)}
		if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
			return err
		}
		if err := s.flushTagPages(ctx, int64(tag.ID), 1); err != nil {
			return err
		}
	}

	// whatever is left in have is no longer wanted
	for tagID, link := range have {
		if err := s.db.WithContext(ctx).Unscoped().Delete(&link).Error; err != nil {
			return err
		}
		if err := s.flushTagPages(ctx, tagID, -1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ensureTag(ctx context.Context, name string) (*models.Tag, error) {
	tag, err := s.tags.GetByAlt(ctx, name)
	if err != nil {
		return nil, err
	}
	if tag != nil {
		return tag, nil
	}
	tag = &models.Tag{Name: name}
	err = s.db.WithContext(ctx).Create(tag).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the race; the winner's row is what we want
		if ferr := s.flushTag(ctx, tag); ferr != nil {
			return nil, ferr
		}
		return s.tags.GetByAlt(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if err := s.flushTag(ctx, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// TagsOf lists the post's tags.
func (s *Service) TagsOf(ctx context.Context, postID int64) ([]models.Tag, error) {
	ids, err := s.linkedTagIDs(ctx, postID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	ptrs, err := s.tags.GetMulti(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.Tag, 0, len(ptrs))
	for _, t := range ptrs {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

// PostsByTag pages over post ids carrying the tag, newest link first.
func (s *Service) PostsByTag(ctx context.Context, tagName string, page int) ([]int64, error) {
	tag, err := s.tags.GetByAlt(ctx, tagName)
	if err != nil {
		return nil, err
	}
	if tag == nil {
		return nil, nil
	}
	if page < 1 {
		page = 1
	}
	key := keyPostsByTagPage.Render(int64(tag.ID), page)
	return cache.GetOrCompute(ctx, s.c, key, 0, func(ctx context.Context) ([]int64, error) {
		ids := []int64{}
		err := s.db.WithContext(ctx).Model(&models.PostTag{}).
			Where("tag_id = ?", tag.ID).
			Order("id DESC").
			Limit(models.PageSize).Offset(models.PageSize*(page-1)).
			Pluck("post_id", &ids).Error
		return ids, err
	})
}

// TagPostCount is the incrementally maintained count of posts under a tag.
func (s *Service) TagPostCount(ctx context.Context, tagName string) (int64, error) {
	tag, err := s.tags.GetByAlt(ctx, tagName)
	if err != nil {
		return 0, err
	}
	if tag == nil {
		return 0, nil
	}
	return cache.CachedCount(ctx, s.c, keyPostsByTagCount.Render(int64(tag.ID)), 0, func(ctx context.Context) (int64, error) {
		var n int64
		err := s.db.WithContext(ctx).Model(&models.PostTag{}).Where("tag_id = ?", tag.ID).Count(&n).Error
		return n, err
	})
}

// BuildDoc assembles the post's search projection, with live like and
// collect counts pulled from the action counters.
func (s *Service) BuildDoc(likes, collects Counter) func(ctx context.Context, kind int, id int64) (*search.Document, error) {
	return func(ctx context.Context, kind int, id int64) (*search.Document, error) {
		if kind != models.KindPost {
			return nil, fmt.Errorf("content: cannot build document for kind %d", kind)
		}
		post, err := s.posts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if post == nil {
			return nil, nil
		}
		tags, err := s.TagsOf(ctx, id)
		if err != nil {
			return nil, err
		}
		doc := &search.Document{
			ID:      id,
			Kind:    models.KindPost,
			Title:   post.Title,
			Content: post.Content,
		}
		for _, t := range tags {
			doc.Tags = append(doc.Tags, t.Name)
		}
		if likes != nil {
			if doc.LikeCount, err = likes(ctx, id, models.KindPost); err != nil {
				return nil, err
			}
		}
		if collects != nil {
			if doc.CollectCount, err = collects(ctx, id, models.KindPost); err != nil {
				return nil, err
			}
		}
		return doc, nil
	}
}

// Counter reads one action count for a target.
type Counter func(ctx context.Context, targetID int64, targetKind int) (int64, error)

// CommentGuard vetoes comments on posts that have commenting switched off
// or no longer exist.
func (s *Service) CommentGuard(ctx context.Context, item *models.ActionItem) error {
	if item.TargetKind != models.KindPost {
		return nil
	}
	post, err := s.posts.Get(ctx, item.TargetID)
	if err != nil {
		return err
	}
	if post == nil {
		return models.ErrNotFound
	}
	if !post.CanComment {
		return fmt.Errorf("content: commenting is closed on post %d: %w", item.TargetID, models.ErrNotAllowed)
	}
	return nil
}

// ReindexHook re-submits the target post to search after an action lands,
// keeping the indexed engagement counts fresh.
func (s *Service) ReindexHook(ctx context.Context, item *models.ActionItem) error {
	if item.TargetKind != models.KindPost {
		return nil
	}
	return s.disp.Enqueue(ctx, dispatch.JobReindex, search.OpUpdate, models.KindPost, item.TargetID)
}

// HotHook returns an after-create hook for the like aggregator: the moment
// a post's like count reaches the threshold it enqueues overlay admission.
// Re-crossing after unlikes enqueues again; admission is idempotent.
func (s *Service) HotHook(likeCount Counter) func(ctx context.Context, item *models.ActionItem) error {
	return func(ctx context.Context, item *models.ActionItem) error {
		if item.TargetKind != models.KindPost {
			return nil
		}
		n, err := likeCount(ctx, item.TargetID, item.TargetKind)
		if err != nil {
			return err
		}
		if n == feed.HotThreshold {
			return s.disp.Enqueue(ctx, dispatch.JobAddActivity, item.TargetID)
		}
		return nil
	}
}

// flushPost drops every cached form the post can appear in.
func (s *Service) flushPost(ctx context.Context, post *models.Post) error {
	return s.reg.Flush(ctx, "post", post)
}

func (s *Service) flushTag(ctx context.Context, tag *models.Tag) error {
	return s.reg.Flush(ctx, "tag", tag)
}

// flushTagPages runs the counter cascade for one tag after a link delta.
func (s *Service) flushTagPages(ctx context.Context, tagID int64, delta int64) error {
	total, err := s.c.IncrKey(ctx, keyPostsByTagCount.Render(tagID), delta)
	if err != nil {
		return err
	}
	keys := []string{}
	if total < 0 {
		// the count was never cached before this delta; drop it so the
		// next read recomputes from the store
		keys = append(keys, keyPostsByTagCount.Render(tagID))
		total = 0
	}
	for p := 1; p <= cache.Pages(total, models.PageSize); p++ {
		keys = append(keys, keyPostsByTagPage.Render(tagID, p))
	}
	return s.c.Delete(ctx, keys...)
}

func (s *Service) linkedTagIDs(ctx context.Context, postID int64) ([]int64, error) {
	ids := []int64{}
	err := s.db.WithContext(ctx).Model(&models.PostTag{}).
		Where("post_id = ?", postID).Order("id").Pluck("tag_id", &ids).Error
	return ids, err
}
