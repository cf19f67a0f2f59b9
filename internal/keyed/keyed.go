// Package keyed provides a map whose entries are locked individually, so work
// on one key never waits for work on another.
package keyed

import "sync"

type entry[V any] struct {
	mu      sync.Mutex
	refs    int // guarded by Map.mu
	present bool
	val     V
}

// Map is a concurrent map with per-key mutual exclusion. The zero value is not
// usable; call New.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New creates an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{entries: make(map[K]*entry[V])}
}

func (m *Map[K, V]) acquire(key K) *entry[V] {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return e
}

func (m *Map[K, V]) release(key K, e *entry[V]) {
	e.mu.Unlock()

	m.mu.Lock()
	e.refs--
	// With no other holders, every write to present happened before their release.
	if e.refs == 0 && !e.present {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Do runs fn while holding the lock for key. fn receives the current value and
// whether it exists, and returns the value to store and whether to keep it.
// Returning keep=false removes the key.
func (m *Map[K, V]) Do(key K, fn func(cur V, ok bool) (next V, keep bool)) {
	e := m.acquire(key)
	next, keep := fn(e.val, e.present)
	if keep {
		e.val = next
		e.present = true
	} else {
		var zero V
		e.val = zero
		e.present = false
	}
	m.release(key, e)
}

// Get returns the value stored for key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var (
		out V
		ok  bool
	)
	m.Do(key, func(cur V, exists bool) (V, bool) {
		out, ok = cur, exists
		return cur, exists
	})
	return out, ok
}

// Store sets the value for key.
func (m *Map[K, V]) Store(key K, val V) {
	m.Do(key, func(V, bool) (V, bool) { return val, true })
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Map[K, V]) Delete(key K) {
	m.Do(key, func(cur V, _ bool) (V, bool) { return cur, false })
}

// Keys returns a snapshot of the keys currently present.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	candidates := make([]K, 0, len(m.entries))
	for k := range m.entries {
		candidates = append(candidates, k)
	}
	m.mu.Unlock()

	out := candidates[:0]
	for _, k := range candidates {
		if _, ok := m.Get(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of keys currently present.
func (m *Map[K, V]) Len() int {
	return len(m.Keys())
}

// Sweep visits every key under its lock and removes those for which drop
// returns true. It returns the number of removed keys.
func (m *Map[K, V]) Sweep(drop func(key K, val V) bool) int {
	removed := 0
	for _, k := range m.Keys() {
		m.Do(k, func(cur V, ok bool) (V, bool) {
			if ok && drop(k, cur) {
				removed++
				return cur, false
			}
			return cur, ok
		})
	}
	return removed
}
