// ABOUTME: Named ordered map backed by a B+Tree sharing its Store's page pool
// ABOUTME: Provides atomic get/put/putIfAbsent/replace/remove plus ordered iteration

package kvstore

import (
	"bytes"

	"github.com/nainya/tstore/pkg/btree"
)

// Map is one named, ordered collection of raw byte keys/values inside a
// Store. Every mutating method locks the owning Store for the duration
// of the in-memory B+Tree operation, giving spec.md's TransactionMap
// the real atomic compare-and-swap it builds MVCC conflict detection
// on top of.
type Map struct {
	store *Store
	name  string
	id    uint32
	tree  btree.BTree
}

// Name returns the map's catalog name.
func (m *Map) Name() string {
	return m.name
}

// ID returns the map's catalog id, used as the mapId component of
// undo-log entries.
func (m *Map) ID() uint32 {
	return m.id
}

// Get returns the current raw value for key.
func (m *Map) Get(key []byte) ([]byte, bool) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.tree.Get(key)
}

// Put unconditionally sets key to val, without any comparison. Used by
// the undo log's own append path, which doesn't need CAS semantics.
func (m *Map) Put(key, val []byte) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.tree.Insert(key, val)
}

// Remove unconditionally deletes key, reporting whether it was present.
func (m *Map) Remove(key []byte) bool {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.tree.Delete(key)
}

// PutIfAbsent inserts val for key only if key is not already present,
// atomically. This is the backing-store primitive spec.md §4.3's
// trySet uses for the "no existing value" branch.
func (m *Map) PutIfAbsent(key, val []byte) bool {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if _, ok := m.tree.Get(key); ok {
		return false
	}
	m.tree.Insert(key, val)
	return true
}

// Replace atomically sets key to newVal only if the current raw value
// equals oldVal exactly (byte-for-byte comparison of the encoded
// VersionedValue). Returns false, leaving the map untouched, on any
// mismatch — including a concurrent writer having already replaced the
// value. This is the compare-and-swap spec.md §4.3's trySet performs
// against the backing store.
func (m *Map) Replace(key, oldVal, newVal []byte) bool {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	cur, ok := m.tree.Get(key)
	if !ok || !bytes.Equal(cur, oldVal) {
		return false
	}
	m.tree.Insert(key, newVal)
	return true
}

// RemoveIfMatch atomically deletes key only if its current raw value
// equals oldVal — the CAS trySet uses when the new value is a logical
// delete.
func (m *Map) RemoveIfMatch(key, oldVal []byte) bool {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	cur, ok := m.tree.Get(key)
	if !ok || !bytes.Equal(cur, oldVal) {
		return false
	}
	return m.tree.Delete(key)
}

// Scan calls fn for every key >= start in ascending order until fn
// returns false. A nil start scans from the beginning of the map.
func (m *Map) Scan(start []byte, fn func(key, val []byte) bool) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.tree.Scan(start, func(key, val []byte) bool {
		if len(key) == 0 {
			return true // the B+Tree's empty sentinel key, not a map entry
		}
		return fn(key, val)
	})
}

// FirstKey returns the smallest key in the map.
func (m *Map) FirstKey() ([]byte, bool) {
	var key []byte
	var ok bool
	m.Scan(nil, func(k, _ []byte) bool {
		key = append([]byte{}, k...)
		ok = true
		return false
	})
	return key, ok
}

// LastKey returns the largest key in the map. The underlying B+Tree
// iterator is forward-only, so this walks the whole map; callers that
// need this often should keep their own bound instead.
func (m *Map) LastKey() ([]byte, bool) {
	var key []byte
	var ok bool
	m.Scan(nil, func(k, _ []byte) bool {
		key = append(key[:0], k...)
		ok = true
		return true
	})
	return key, ok
}

// CeilingKey returns the smallest key >= key.
func (m *Map) CeilingKey(key []byte) ([]byte, bool) {
	var found []byte
	var ok bool
	m.Scan(key, func(k, _ []byte) bool {
		found = append([]byte{}, k...)
		ok = true
		return false
	})
	return found, ok
}

// HigherKey returns the smallest key strictly greater than key.
func (m *Map) HigherKey(key []byte) ([]byte, bool) {
	var found []byte
	var ok bool
	m.Scan(key, func(k, _ []byte) bool {
		if bytes.Equal(k, key) {
			return true
		}
		found = append([]byte{}, k...)
		ok = true
		return false
	})
	return found, ok
}

// LowerKey returns the largest key strictly less than key.
func (m *Map) LowerKey(key []byte) ([]byte, bool) {
	var found []byte
	var ok bool
	m.Scan(nil, func(k, _ []byte) bool {
		if bytes.Compare(k, key) >= 0 {
			return false
		}
		found = append(found[:0], k...)
		ok = true
		return true
	})
	return found, ok
}

// Size returns the number of entries in the map by walking it. Not
// cached: every call walks the whole map.
func (m *Map) Size() int {
	n := 0
	m.Scan(nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n
}
