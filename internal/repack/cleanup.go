package repack

import (
	"sync"
)

// CleanupFunc undoes one outstanding acquisition. fatal reports that the
// process is dying on a signal and the database must not be touched.
type CleanupFunc func(fatal bool)

// Registry is a stack of undo actions run on normal exit or fatal signal.
// Pushing returns a Handle; releasing the handle on the success path removes
// the action without running it.
type Registry struct {
	mu      sync.Mutex
	handles []*Handle
}

// Handle is one registered undo action.
type Handle struct {
	reg  *Registry
	fn   CleanupFunc
	done bool
}

// NewRegistry creates an empty cleanup registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Push registers an undo action on top of the stack.
func (r *Registry) Push(fn CleanupFunc) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := &Handle{reg: r, fn: fn}
	r.handles = append(r.handles, h)
	return h
}

// Release removes the action without running it. Releasing twice, or after
// RunAll already ran the action, is a no-op.
func (h *Handle) Release() {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	h.done = true
}

// RunAll runs every outstanding action, newest first. Each action runs at
// most once no matter how often RunAll is called.
func (r *Registry) RunAll(fatal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.handles) - 1; i >= 0; i-- {
		h := r.handles[i]
		if h.done {
			continue
		}
		h.done = true
		h.fn(fatal)
	}
	r.handles = r.handles[:0]
}
