// Package session owns the process-wide map of live connection handles and
// the on-disk layout for per-connection state.
package session

import (
	"context"
	"sort"
	"sync"
)

// Handle is a live session for one connection id. Shutdown must be safe
// to call once; it always runs with no registry lock held.
type Handle interface {
	ID() int64
	Shutdown(ctx context.Context) error
}

// Registry is the single source of truth for "is this connection live".
// At most one live handle exists per connection id: putting a new handle
// for an id first tears down and evicts the old one.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]Handle
}

// NewRegistry creates an empty registry. No ambient global exists; every
// component that needs the registry receives this instance explicitly.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[int64]Handle)}
}

// Put registers h as the live handle for its connection id. Any existing
// handle for that id is unregistered and shut down first; the last
// teardown error is returned (h is registered regardless). Teardown
// happens outside the registry lock, so a handle may safely touch the
// registry from inside its own Shutdown.
func (r *Registry) Put(ctx context.Context, h Handle) error {
	var err error
	for {
		r.mu.Lock()
		old, ok := r.handles[h.ID()]
		if !ok || old == h {
			r.handles[h.ID()] = h
			r.mu.Unlock()
			return err
		}
		delete(r.handles, h.ID())
		r.mu.Unlock()
		if shutErr := old.Shutdown(ctx); shutErr != nil {
			err = shutErr
		}
	}
}

// Get returns the live handle for id, if any.
func (r *Registry) Get(id int64) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Remove tears down and evicts the handle for id. Returns false if no
// handle was live.
func (r *Registry) Remove(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, h.Shutdown(ctx)
}

// Evict drops h without tearing it down, used when the handle has already
// shut itself down. The entry is removed only while h is still the
// registered handle; a handle that was already replaced must not
// unregister its successor.
func (r *Registry) Evict(h Handle) {
	r.mu.Lock()
	if cur, ok := r.handles[h.ID()]; ok && cur == h {
		delete(r.handles, h.ID())
	}
	r.mu.Unlock()
}

// IDs returns the ids of all live handles in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
