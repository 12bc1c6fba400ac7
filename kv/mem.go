package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemStore is an in-process Store used by tests and local tooling. It mimics
// redis semantics closely enough for the cache and feed layers: lazy TTL
// expiry, ascending score order with lexicographic member tie-break, and
// negative rank addressing.
type MemStore struct {
	lk      sync.Mutex
	strings map[string]memVal
	zsets   map[string]map[int64]float64
}

type memVal struct {
	data     []byte
	expireAt time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		strings: make(map[string]memVal),
		zsets:   make(map[string]map[int64]float64),
	}
}

func (s *MemStore) get(key string) ([]byte, bool) {
	v, ok := s.strings[key]
	if !ok {
		return nil, false
	}
	if !v.expireAt.IsZero() && time.Now().After(v.expireAt) {
		delete(s.strings, key)
		return nil, false
	}
	return v.data, true
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	b, ok := s.get(key)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if b, ok := s.get(k); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			out[i] = cp
		}
	}
	return out, nil
}

func (s *MemStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	v := memVal{data: cp}
	if ttl > 0 {
		v.expireAt = time.Now().Add(ttl)
	}
	s.strings[key] = v
	return nil
}

func (s *MemStore) Del(ctx context.Context, keys ...string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.zsets, k)
	}
	return nil
}

func (s *MemStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.zsets[key]; ok {
		return 0, ErrWrongType
	}
	var cur int64
	if b, ok := s.get(key); ok {
		n, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return 0, ErrWrongType
		}
		cur = n
	}
	cur += delta
	s.strings[key] = memVal{data: []byte(strconv.FormatInt(cur, 10))}
	return cur, nil
}

func (s *MemStore) ZAdd(ctx context.Context, key string, members map[int64]float64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	zs, ok := s.zsets[key]
	if !ok {
		zs = make(map[int64]float64)
		s.zsets[key] = zs
	}
	for m, score := range members {
		zs[m] = score
	}
	return nil
}

func (s *MemStore) sorted(key string) []Entry {
	zs := s.zsets[key]
	out := make([]Entry, 0, len(zs))
	for m, score := range zs {
		out = append(out, Entry{Member: m, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return strconv.FormatInt(out[i].Member, 10) < strconv.FormatInt(out[j].Member, 10)
	})
	return out
}

// rankBounds resolves redis-style inclusive rank addressing, including
// negative ranks counting back from the end.
func rankBounds(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *MemStore) ZRange(ctx context.Context, key string, start, stop int64) ([]int64, error) {
	entries, err := s.ZRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Member
	}
	return out, nil
}

func (s *MemStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Entry, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	all := s.sorted(key)
	lo, hi, ok := rankBounds(start, stop, int64(len(all)))
	if !ok {
		return nil, nil
	}
	return all[lo : hi+1], nil
}

func (s *MemStore) ZRem(ctx context.Context, key string, members ...int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	zs := s.zsets[key]
	for _, m := range members {
		delete(zs, m)
	}
	return nil
}

func (s *MemStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	all := s.sorted(key)
	lo, hi, ok := rankBounds(start, stop, int64(len(all)))
	if !ok {
		return nil
	}
	zs := s.zsets[key]
	for _, e := range all[lo : hi+1] {
		delete(zs, e.Member)
	}
	return nil
}
