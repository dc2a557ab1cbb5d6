// Package handles provides a thread-safe table of weak back-references that
// native callbacks can carry as opaque context values.
//
// Native code cannot hold Go pointers. Instead, a Go object is registered and
// the returned uintptr id is passed to the native side as its context. When the
// native runtime calls back, the id is resolved to the object again.
//
// The table never keeps its objects alive: an entry is a weak.Pointer, so an
// object whose last strong reference is gone resolves to nil even if its id is
// still registered with the native runtime. This is what lets a callback that
// outlives its owner fail cleanly instead of touching freed state.
package handles

import (
	"sync"
	"weak"
)

// Table maps opaque ids to weak references of *T.
//
// The zero value is ready to use.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[uintptr]weak.Pointer[T]
	nextID  uintptr
}

// Register stores a weak reference to p and returns its id.
// The id is never 0, so 0 can be used by callers as "no context".
//
// Thread-safe.
func (t *Table[T]) Register(p *T) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[uintptr]weak.Pointer[T])
	}
	t.nextID++
	id := t.nextID
	t.entries[id] = weak.Make(p)
	return id
}

// Resolve upgrades id to a strong reference.
// Returns nil if the id was never registered, was unregistered, or its object
// has already been collected.
//
// Thread-safe.
func (t *Table[T]) Resolve(id uintptr) *T {
	t.mu.RLock()
	wp, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// Unregister removes id. Later Resolve calls for it return nil.
//
// Thread-safe.
func (t *Table[T]) Unregister(id uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len returns the number of registered ids, live or not.
// Useful for debugging and testing leaks.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
