package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chenweiqiao/toutiao/dispatch"
)

// Reindex op types carried as the first job argument.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// DocSource builds the indexed projection of an entity from the canonical
// store; (nil, nil) means the entity no longer exists.
type DocSource interface {
	BuildDoc(ctx context.Context, kind int, id int64) (*Document, error)
}

// DocSourceFunc adapts a plain function to DocSource.
type DocSourceFunc func(ctx context.Context, kind int, id int64) (*Document, error)

func (f DocSourceFunc) BuildDoc(ctx context.Context, kind int, id int64) (*Document, error) {
	return f(ctx, kind, id)
}

// Reindexer is the dispatcher's reindex handler. Create and update both
// rebuild and upsert, so replays and reorderings converge on the canonical
// row; an entity deleted before its create job runs falls through to a
// delete.
type Reindexer struct {
	index Index
	src   DocSource
	cache *DocCache // optional
	log   *slog.Logger
}

func NewReindexer(index Index, src DocSource, cache *DocCache) *Reindexer {
	return &Reindexer{
		index: index,
		src:   src,
		cache: cache,
		log:   slog.With("source", "search"),
	}
}

func (r *Reindexer) Run(ctx context.Context, op string, kind int, id int64) error {
	switch op {
	case OpCreate, OpUpdate:
		doc, err := r.src.BuildDoc(ctx, kind, id)
		if err != nil {
			return err
		}
		if doc == nil {
			r.log.Info("entity gone before reindex, deleting", "kind", kind, "id", id)
			return r.remove(ctx, kind, id)
		}
		if err := r.index.Upsert(ctx, doc); err != nil {
			return err
		}
		docsIndexed.Inc()
		return r.purge(ctx, kind, id)
	case OpDelete:
		return r.remove(ctx, kind, id)
	default:
		return fmt.Errorf("search: unknown reindex op %q", op)
	}
}

func (r *Reindexer) remove(ctx context.Context, kind int, id int64) error {
	if err := r.index.Delete(ctx, kind, id); err != nil {
		return err
	}
	docsDeleted.Inc()
	return r.purge(ctx, kind, id)
}

func (r *Reindexer) purge(ctx context.Context, kind int, id int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Purge(ctx, kind, id)
}

// RegisterJobs binds the reindex handler to its job name.
func (r *Reindexer) RegisterJobs(reg interface {
	Register(job string, fn dispatch.HandlerFunc)
}) {
	reg.Register(dispatch.JobReindex, func(ctx context.Context, args dispatch.Args) error {
		op, err := args.String(0)
		if err != nil {
			return err
		}
		kind, err := args.Int64(1)
		if err != nil {
			return err
		}
		id, err := args.Int64(2)
		if err != nil {
			return err
		}
		return r.Run(ctx, op, int(kind), id)
	})
}
