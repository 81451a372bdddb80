// Package registry implements the identifier index shared by the transport
// servers. Each entry gets the next integer ID from an idgenerator and may
// additionally be keyed by a string such as a peer's "address:port". Both
// indexes are updated under one lock so they never disagree.
package registry

import (
	"sort"
	"sync"

	"github.com/cyberinferno/go-plebnet/idgenerator"
)

// Registry maps identifiers to values of type V and, optionally, string keys
// to identifiers. It is safe for concurrent use by multiple goroutines.
// Identifiers are never reused, even after Forget, until the 2^32 identifier
// space wraps.
type Registry[V any] struct {
	mu    sync.RWMutex
	ids   *idgenerator.IdGenerator
	byID  map[uint32]V
	byKey map[string]uint32
	keyOf map[uint32]string
}

// New creates an empty Registry whose first identifier is 0.
func New[V any]() *Registry[V] {
	return &Registry[V]{
		ids:   idgenerator.NewIdGenerator(0),
		byID:  make(map[uint32]V),
		byKey: make(map[string]uint32),
		keyOf: make(map[uint32]string),
	}
}

// Add assigns the next identifier, builds the value with create and stores it
// without a string key.
//
// Parameters:
//   - create: Builds the value for the assigned identifier
//
// Returns:
//   - The stored value
func (r *Registry[V]) Add(create func(id uint32) V) V {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ids.Id()
	v := create(id)
	r.byID[id] = v
	return v
}

// LoadOrCreate returns the value registered under key, or assigns the next
// identifier, builds a value with create and registers it under both the
// identifier and key. create runs under the registry lock and must not call
// back into the Registry.
//
// Parameters:
//   - key: The string key (e.g. "127.0.0.1:5000")
//   - create: Builds the value for a newly assigned identifier
//
// Returns:
//   - The existing or new value
//   - true if the value was created by this call
func (r *Registry[V]) LoadOrCreate(key string, create func(id uint32) V) (V, bool) {
	r.mu.RLock()
	if id, ok := r.byKey[key]; ok {
		v := r.byID[id]
		r.mu.RUnlock()
		return v, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[key]; ok {
		return r.byID[id], false
	}

	id := r.ids.Id()
	v := create(id)
	r.byID[id] = v
	r.byKey[key] = id
	r.keyOf[id] = key
	return v, true
}

// Get returns the value stored under id.
func (r *Registry[V]) Get(id uint32) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byID[id]
	return v, ok
}

// Lookup returns the value registered under key.
func (r *Registry[V]) Lookup(key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	if !ok {
		var empty V
		return empty, false
	}

	return r.byID[id], true
}

// Forget removes the entry with the given id from both indexes. The id is
// not handed out again. Forgetting an unknown id is a no-op.
//
// Returns:
//   - The removed value and true, or the zero value and false
func (r *Registry[V]) Forget(id uint32) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byID[id]
	if !ok {
		return v, false
	}

	delete(r.byID, id)
	if key, keyed := r.keyOf[id]; keyed {
		delete(r.keyOf, id)
		if r.byKey[key] == id {
			delete(r.byKey, key)
		}
	}

	return v, true
}

// Len returns the number of live entries.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Range calls f for each entry in ascending identifier order until f returns
// false. It iterates over a snapshot, so f may call back into the Registry.
func (r *Registry[V]) Range(f func(id uint32, v V) bool) {
	r.mu.RLock()
	ids := make([]uint32, 0, len(r.byID))
	values := make(map[uint32]V, len(r.byID))
	for id, v := range r.byID {
		ids = append(ids, id)
		values[id] = v
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !f(id, values[id]) {
			return
		}
	}
}
