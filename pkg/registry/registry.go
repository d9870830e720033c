// Package registry issues opaque uint64 handles for shadow objects and maps
// them back. The host never sees a real pointer, so a stale or foreign handle
// can be rejected by a membership check instead of crashing on a bad deref.
package registry

import (
	"sync"

	"github.com/jabrown93/plex-postgresql/pkg/thread"
)

// Registry maps issued handles to shadow objects of type T. Ids are issued
// monotonically starting at 1 and never reused, so a finalized handle can
// never alias a live one.
type Registry[T any] struct {
	mu    sync.Mutex
	next  uint64
	items map[uint64]T

	// the last handle each goroutine resolved, consulted without the lock
	last sync.Map // gid -> lastEntry[T]
}

type lastEntry[T any] struct {
	id   uint64
	item T
}

// New makes an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{items: map[uint64]T{}}
}

// Register stores the item and returns its issued handle.
func (r *Registry[T]) Register(item T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.items[r.next] = item
	return r.next
}

// Lookup resolves a handle. Repeated lookups of the same handle from the same
// goroutine are answered from the per-goroutine cache without taking the lock.
func (r *Registry[T]) Lookup(id uint64) (T, bool) {
	var zero T
	if id == 0 {
		return zero, false
	}

	gid := thread.ID()
	if v, ok := r.last.Load(gid); ok {
		if e := v.(lastEntry[T]); e.id == id {
			return e.item, true
		}
	}

	r.mu.Lock()
	item, ok := r.items[id]
	if ok {
		// stored under the lock: an unregister deletes from the map under the
		// same lock before its cache sweep, so the sweep always sees this entry
		r.last.Store(gid, lastEntry[T]{id: id, item: item})
	}
	r.mu.Unlock()
	if !ok {
		return zero, false
	}
	return item, true
}

// Contains reports whether the handle is one of ours. Dispatch uses it to
// decide between the shadow path and the native engine.
func (r *Registry[T]) Contains(id uint64) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Unregister removes the handle and drops any per-goroutine cache entries
// pointing at it.
func (r *Registry[T]) Unregister(id uint64) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()

	r.last.Range(func(k, v any) bool {
		if v.(lastEntry[T]).id == id {
			r.last.Delete(k)
		}
		return true
	})
}

// Len returns the number of live handles.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Range calls fn for each live handle until fn returns false. It iterates a
// snapshot, so fn may register and unregister freely.
func (r *Registry[T]) Range(fn func(id uint64, item T) bool) {
	r.mu.Lock()
	snap := make(map[uint64]T, len(r.items))
	for id, item := range r.items {
		snap[id] = item
	}
	r.mu.Unlock()

	for id, item := range snap {
		if !fn(id, item) {
			return
		}
	}
}

// Reset drops every handle and every per-goroutine cache entry. The fork
// handler uses it: shadows inherited from the parent are dead in the child.
func (r *Registry[T]) Reset() {
	r.mu.Lock()
	r.items = map[uint64]T{}
	r.mu.Unlock()

	r.last.Range(func(k, _ any) bool {
		r.last.Delete(k)
		return true
	})
}
