// Package registry tracks the task loops that are currently active and lets
// other components ask them to stop.
package registry

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrAlreadyRunning is returned by Admit when a loop already owns the task.
var ErrAlreadyRunning = errors.New("task already running")

// Registry indexes active loops by task ID. Operations on different tasks
// never contend on a shared lock.
type Registry struct {
	active sync.Map // task ID → *Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Admit registers a loop for id. The caller owns the returned handle and must
// Release it when the loop exits.
func (r *Registry) Admit(id string) (*Handle, error) {
	h := &Handle{id: id, reg: r, done: make(chan struct{})}
	if _, loaded := r.active.LoadOrStore(id, h); loaded {
		return nil, ErrAlreadyRunning
	}
	return h, nil
}

// Cancel asks the loop owning id to stop. It reports whether a loop was
// active; calling it again is harmless.
func (r *Registry) Cancel(id string) bool {
	v, ok := r.active.Load(id)
	if !ok {
		return false
	}
	v.(*Handle).cancel()
	return true
}

// IsActive reports whether a loop currently owns id.
func (r *Registry) IsActive(id string) bool {
	_, ok := r.active.Load(id)
	return ok
}

// ListActive returns the IDs of the active tasks, sorted.
func (r *Registry) ListActive() []string {
	var ids []string
	r.active.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// Handle is a loop's membership in the registry.
type Handle struct {
	id        string
	reg       *Registry
	cancelled atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	released  atomic.Bool
}

// ID returns the task ID.
func (h *Handle) ID() string { return h.id }

// Cancelled reports whether cancellation was requested.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed when cancellation is requested.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) cancel() {
	h.cancelled.Store(true)
	h.closeOnce.Do(func() { close(h.done) })
}

// Release removes the handle from the registry. Only the first call has an
// effect, and a stale handle never removes a newer admission for the same task.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.reg.active.CompareAndDelete(h.id, h)
}
