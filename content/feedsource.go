package content

import (
	"context"
	"time"

	"github.com/chenweiqiao/toutiao/feed"
	"github.com/chenweiqiao/toutiao/models"
)

// The fan-out engine loads posts through these; Service is its PostSource.

func (s *Service) Ref(ctx context.Context, id int64) (*feed.Ref, error) {
	post, err := s.posts.Get(ctx, id)
	if err != nil || post == nil {
		return nil, err
	}
	return &feed.Ref{ID: int64(post.ID), AuthorID: post.AuthorID, CreatedAt: post.CreatedAt}, nil
}

func (s *Service) RefsByAuthor(ctx context.Context, authorID, sinceID int64, since time.Time) ([]feed.Ref, error) {
	q := s.db.WithContext(ctx).Model(&models.Post{}).Where("author_id = ?", authorID)
	if sinceID > 0 {
		q = q.Where("id > ?", sinceID)
	} else {
		q = q.Where("created_at >= ?", since)
	}
	var posts []models.Post
	if err := q.Order("id").Find(&posts).Error; err != nil {
		return nil, err
	}
	refs := make([]feed.Ref, len(posts))
	for i, p := range posts {
		refs[i] = feed.Ref{ID: int64(p.ID), AuthorID: p.AuthorID, CreatedAt: p.CreatedAt}
	}
	return refs, nil
}

func (s *Service) IDsByAuthor(ctx context.Context, authorID int64) ([]int64, error) {
	ids := []int64{}
	err := s.db.WithContext(ctx).Model(&models.Post{}).
		Where("author_id = ?", authorID).Pluck("id", &ids).Error
	return ids, err
}

func (s *Service) GetMulti(ctx context.Context, ids []int64) ([]*models.Post, error) {
	return s.posts.GetMulti(ctx, ids)
}
