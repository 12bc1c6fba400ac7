package cache

import "sync"

// Local is the process-local fast tier that fronts the networked store. It is
// a plain bounded map: when it fills up it clears entirely instead of
// evicting entry by entry. Losing the whole tier is safe because every entry
// is re-derivable from the network cache or the canonical store.
//
// A Local is constructed at process startup and threaded through the cache
// layer; there is no package-level instance.
type Local struct {
	lk   sync.Mutex
	size int
	data map[string][]byte
}

const DefaultLocalSize = 10000

func NewLocal(size int) *Local {
	if size <= 0 {
		size = DefaultLocalSize
	}
	return &Local{
		size: size,
		data: make(map[string][]byte),
	}
}

func (l *Local) Get(key string) ([]byte, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	b, ok := l.data[key]
	return b, ok
}

func (l *Local) Set(key string, val []byte) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if len(l.data) >= l.size {
		localClears.Inc()
		l.data = make(map[string][]byte)
	}
	l.data[key] = val
}

func (l *Local) Del(keys ...string) {
	l.lk.Lock()
	defer l.lk.Unlock()
	for _, k := range keys {
		delete(l.data, k)
	}
}

// Reset drops everything, for tests.
func (l *Local) Reset() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.data = make(map[string][]byte)
}

func (l *Local) Len() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return len(l.data)
}
