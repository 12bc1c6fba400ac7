package actions

import (
	"fmt"

	"github.com/chenweiqiao/toutiao/models"
)

// Set is the dispatch table from action kind to aggregator. It replaces
// looking action methods up by name at call time: the table is built once
// during wiring and a missing or doubled kind fails construction, not a
// request.
type Set struct {
	byKind map[models.ActionKind]*Aggregator
	byName map[string]*Aggregator
}

func NewSet(aggs ...*Aggregator) (*Set, error) {
	s := &Set{
		byKind: make(map[models.ActionKind]*Aggregator, len(aggs)),
		byName: make(map[string]*Aggregator, len(aggs)),
	}
	for _, a := range aggs {
		if _, ok := s.byKind[a.kind]; ok {
			return nil, fmt.Errorf("actions: duplicate aggregator for kind %s", a.kind)
		}
		s.byKind[a.kind] = a
		s.byName[a.kind.String()] = a
	}
	return s, nil
}

func (s *Set) For(kind models.ActionKind) (*Aggregator, bool) {
	a, ok := s.byKind[kind]
	return a, ok
}

// ByName resolves an aggregator from a wire-level action name ("like",
// "collect", "comment").
func (s *Set) ByName(name string) (*Aggregator, bool) {
	a, ok := s.byName[name]
	return a, ok
}
