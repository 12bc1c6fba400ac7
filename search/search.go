// Package search maintains the full-text index over posts. The canonical
// store never waits on it: writes arrive through the reindex job, reads go
// through the Index interface, and everything here tolerates replays.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/chenweiqiao/toutiao/models"
)

var tracer = otel.Tracer("search")

// Document is the indexed projection of a post. Weights live in the query,
// not the document.
type Document struct {
	ID           int64    `json:"id"`
	Kind         int      `json:"kind"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	Content      string   `json:"content"`
	LikeCount    int64    `json:"like_count"`
	CollectCount int64    `json:"collect_count"`
}

func (d *Document) DocID() string {
	return docID(d.Kind, d.ID)
}

func docID(kind int, id int64) string {
	return fmt.Sprintf("%d_%d", kind, id)
}

// Result is one page of ranked ids plus the full match count.
type Result struct {
	IDs   []int64
	Total int64
}

type Index interface {
	Upsert(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, kind int, id int64) error
	// Search returns one page of ranked ids for the query.
	Search(ctx context.Context, q string, page int) (*Result, error)
}

// Mem is an in-process Index for tests and single-node development. Ranking
// is a crude field-weighted substring count, enough to exercise callers.
type Mem struct {
	mu   sync.Mutex
	docs map[string]*Document
}

func NewMem() *Mem {
	return &Mem{docs: make(map[string]*Document)}
}

func (m *Mem) Upsert(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.DocID()] = &cp
	return nil
}

func (m *Mem) Delete(ctx context.Context, kind int, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID(kind, id))
	return nil
}

func (m *Mem) Search(ctx context.Context, q string, page int) (*Result, error) {
	if page < 1 {
		page = 1
	}
	q = strings.ToLower(strings.TrimSpace(q))

	m.mu.Lock()
	type scored struct {
		id    int64
		score int
	}
	var matches []scored
	for _, d := range m.docs {
		sc := 0
		if strings.Contains(strings.ToLower(d.Title), q) {
			sc += 10
		}
		for _, tag := range d.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				sc += 5
			}
		}
		if strings.Contains(strings.ToLower(d.Content), q) {
			sc++
		}
		if sc > 0 {
			matches = append(matches, scored{id: d.ID, score: sc})
		}
	}
	m.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].id > matches[j].id
	})

	out := &Result{Total: int64(len(matches))}
	start := models.PageSize * (page - 1)
	for i := start; i < len(matches) && i < start+models.PageSize; i++ {
		out.IDs = append(out.IDs, matches[i].id)
	}
	return out, nil
}
