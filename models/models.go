// Package models holds the canonical records. Everything here is owned by
// the relational store; cache entries derived from these rows are never
// authoritative.
package models

import (
	"gorm.io/gorm"
)

// PageSize is the listing page length used across cached pagination and its
// invalidation arithmetic.
const PageSize = 10

// Target kinds, carried on ActionItem rows so one table serves actions
// against any entity type.
const (
	KindPost = 1001
)

type User struct {
	gorm.Model
	Name  string `gorm:"uniqueIndex;size:128"`
	Email string `gorm:"size:191"`
}

type Post struct {
	gorm.Model
	AuthorID   int64  `gorm:"index:idx_post_author"`
	Title      string `gorm:"uniqueIndex;size:128"`
	OrigURL    string `gorm:"size:255"`
	CanComment bool   `gorm:"default:true"`
	Content    string
}

// Tag rows are create-only; update and delete are rejected at the service
// layer.
type Tag struct {
	gorm.Model
	Name string `gorm:"uniqueIndex;size:128"`
}

type PostTag struct {
	gorm.Model
	PostID int64 `gorm:"index:idx_posttag_post"`
	TagID  int64 `gorm:"index:idx_posttag_tag"`
}

// ActionKind distinguishes the user actions sharing the ActionItem table.
type ActionKind int

const (
	ActionLike    = ActionKind(1)
	ActionCollect = ActionKind(2)
	ActionComment = ActionKind(3)
)

func (k ActionKind) String() string {
	switch k {
	case ActionLike:
		return "like"
	case ActionCollect:
		return "collect"
	case ActionComment:
		return "comment"
	default:
		return "<unknown>"
	}
}

// ActionItem records "user acted on target". At most one row exists per
// (user, target, kind) tuple; the comment content field is the only part
// that ever changes after insert.
type ActionItem struct {
	gorm.Model
	UserID     int64      `gorm:"index:idx_action_tuple,unique"`
	TargetID   int64      `gorm:"index:idx_action_tuple,unique"`
	TargetKind int        `gorm:"index:idx_action_tuple,unique"`
	Kind       ActionKind `gorm:"index:idx_action_tuple,unique"`
	Content    string
}

// Contact is a follow edge: FromID follows ToID. Edges are immutable; the
// only mutations are create and delete.
type Contact struct {
	gorm.Model
	FromID int64 `gorm:"index:idx_contact_pair,unique"`
	ToID   int64 `gorm:"index:idx_contact_pair,unique;index:idx_contact_to"`
}

// UserFollowStats carries the incrementally maintained follower/following
// counters, keyed by user id. Counts are adjusted by ±1 alongside edge
// mutations and floored at zero, never recomputed from a scan on the hot
// path.
type UserFollowStats struct {
	gorm.Model
	UserID         int64 `gorm:"uniqueIndex"`
	FollowerCount  int64
	FollowingCount int64
}
