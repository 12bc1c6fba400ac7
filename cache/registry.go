package cache

import (
	"context"
	"errors"
	"sync"
)

// FlushHook invalidates whatever cached forms of ent a component maintains.
type FlushHook func(ctx context.Context, ent any) error

// Registry maps entity kinds to their invalidation hooks. Hooks are
// registered explicitly during system wiring, once per entity type; services
// call Flush after committing a mutation. There is no implicit registration
// at type-declaration time.
type Registry struct {
	lk    sync.RWMutex
	hooks map[string][]FlushHook
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string][]FlushHook)}
}

func (r *Registry) Register(kind string, hook FlushHook) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.hooks[kind] = append(r.hooks[kind], hook)
}

// Flush runs every hook registered for kind. All hooks run even when some
// fail; their errors are joined.
func (r *Registry) Flush(ctx context.Context, kind string, ent any) error {
	r.lk.RLock()
	hooks := r.hooks[kind]
	r.lk.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h(ctx, ent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
