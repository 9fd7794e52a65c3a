package dispatch

import (
	"sync"
	"sync/atomic"
)

// Handle is a non-owning reference to a registered listener. Removing the
// listener stops new notifications from being queued for it; the handle stays
// valid until its end notification has run, so notifications queued earlier
// are still delivered. Anything queued on it after that is skipped.
type Handle[T any] struct {
	value   T
	removed atomic.Bool
}

func (h *Handle[T]) Value() T {
	return h.value
}

func (h *Handle[T]) Valid() bool {
	return !h.removed.Load()
}

// Invalidate marks the handle as ended. Call it from the task delivering the
// end notification.
func (h *Handle[T]) Invalidate() {
	h.removed.Store(true)
}

// Listeners is an ordered set of listener handles, safe for concurrent use.
type Listeners[T comparable] struct {
	mu      sync.RWMutex
	handles []*Handle[T]
}

// Add registers v. Returns false if v is already registered.
func (l *Listeners[T]) Add(v T) (*Handle[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range l.handles {
		if h.value == v {
			return h, false
		}
	}
	h := &Handle[T]{value: v}
	l.handles = append(l.handles, h)
	return h, true
}

// Remove unregisters v. Returns false if v was not registered.
func (l *Listeners[T]) Remove(v T) (*Handle[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, h := range l.handles {
		if h.value == v {
			l.handles = append(l.handles[:i:i], l.handles[i+1:]...)
			return h, true
		}
	}
	return nil, false
}

// Snapshot returns the handles registered right now.
func (l *Listeners[T]) Snapshot() []*Handle[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Handle[T], len(l.handles))
	copy(out, l.handles)
	return out
}

// Values returns the listeners registered right now.
func (l *Listeners[T]) Values() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]T, len(l.handles))
	for i, h := range l.handles {
		out[i] = h.value
	}
	return out
}

func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handles)
}

// Notify queues fn on d for every listener registered at the time of the call.
// Listeners removed before the task runs are skipped.
func Notify[T comparable](d *Dispatcher, l *Listeners[T], fn func(T)) {
	handles := l.Snapshot()
	if len(handles) == 0 {
		return
	}
	_ = d.Dispatch(func() {
		for _, h := range handles {
			if h.Valid() {
				fn(h.value)
			}
		}
	})
}

// NotifyHandle queues fn on d for a single handle, regardless of whether the
// handle has since been removed. Used for the start notification.
func NotifyHandle[T any](d *Dispatcher, h *Handle[T], fn func(T)) {
	_ = d.Dispatch(func() {
		fn(h.value)
	})
}

// NotifyRemoved queues the end notification of a removed handle and
// invalidates the handle once fn has run.
func NotifyRemoved[T any](d *Dispatcher, h *Handle[T], fn func(T)) {
	_ = d.Dispatch(func() {
		fn(h.value)
		h.Invalidate()
	})
}
