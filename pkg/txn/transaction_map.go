// ABOUTME: Per-transaction MVCC view over one backing map of key -> VersionedValue
// ABOUTME: Implements the get/trySet algorithm of spec.md §4.3 plus blocking retry writes

package txn

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/nainya/tstore/pkg/kvstore"
)

const lockRetryInterval = time.Millisecond

// TransactionMap is one transaction's view of a backing map. Every
// slot in the backing map holds an encoded VersionedValue rather than
// a raw value; TransactionMap resolves that into the value visible to
// its own transaction.
type TransactionMap struct {
	tx    *Transaction
	store *TransactionStore
	m     *kvstore.Map

	// readLogID is the statement-level cutoff: writes made by tx at or
	// after this logId are invisible to this particular view (spec.md
	// §4.3's "statement-stable" reads). Defaults to +infinity, meaning
	// "see my own latest write".
	readLogID int64
}

func newTransactionMap(t *Transaction, store *TransactionStore, m *kvstore.Map) *TransactionMap {
	return &TransactionMap{tx: t, store: store, m: m, readLogID: math.MaxInt64}
}

// Name returns the backing map's name.
func (tm *TransactionMap) Name() string { return tm.m.Name() }

// SetSavepoint changes this view's read cutoff to logID. This is
// distinct from Transaction.SetSavepoint: it only affects what this
// particular TransactionMap instance can see, not what can be rolled
// back.
func (tm *TransactionMap) SetSavepoint(logID int64) {
	tm.readLogID = logID
}

// GetInstance returns a new view of the same backing map bound to
// transaction t with read cutoff savepoint — the mechanism spec.md §8
// scenario 4 uses for a statement-stable snapshot read alongside
// further writes on the live view.
func (tm *TransactionMap) GetInstance(t *Transaction, savepoint int64) *TransactionMap {
	view := newTransactionMap(t, tm.store, tm.m)
	view.readLogID = savepoint
	return view
}

// Get returns the value visible to this transaction as of its read
// cutoff, or (nil, false) if the key is absent or tombstoned.
func (tm *TransactionMap) Get(key []byte) ([]byte, bool, error) {
	vv, err := tm.getVersioned(key, tm.readLogID)
	if err != nil {
		return nil, false, err
	}
	if vv == nil || vv.IsTombstone() {
		return nil, false, nil
	}
	return vv.Payload, true, nil
}

// GetLatest ignores the statement-level read cutoff and returns this
// transaction's most recent view of the key.
func (tm *TransactionMap) GetLatest(key []byte) ([]byte, bool, error) {
	vv, err := tm.getVersioned(key, math.MaxInt64)
	if err != nil {
		return nil, false, err
	}
	if vv == nil || vv.IsTombstone() {
		return nil, false, nil
	}
	return vv.Payload, true, nil
}

// ContainsKey reports whether Get would find a live value.
func (tm *TransactionMap) ContainsKey(key []byte) (bool, error) {
	_, ok, err := tm.Get(key)
	return ok, err
}

// getVersioned implements spec.md §4.3's MVCC read algorithm: read the
// raw slot, then walk backwards through the undo log until a version
// this transaction is allowed to see is reached.
func (tm *TransactionMap) getVersioned(key []byte, maxLog int64) (*VersionedValue, error) {
	raw, ok := tm.m.Get(key)
	if !ok {
		return nil, nil
	}
	vv, err := DecodeVersionedValue(raw)
	if err != nil {
		return nil, err
	}

	for {
		if vv.TransactionID == tm.tx.id && vv.LogID < maxLog {
			return &vv, nil
		}
		if vv.TransactionID != tm.tx.id {
			open, err := tm.store.IsTransactionOpen(vv.TransactionID)
			if err != nil {
				return nil, err
			}
			if !open {
				return &vv, nil
			}
		}

		entry, found, err := tm.store.undoLog.Get(vv.TransactionID, vv.LogID)
		if err != nil {
			return nil, err
		}
		if !found || entry.OldValue == nil {
			return nil, nil
		}
		vv = *entry.OldValue
	}
}

func versionedValueEqual(a, b *VersionedValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TransactionID == b.TransactionID && a.LogID == b.LogID && bytes.Equal(a.Payload, b.Payload)
}

// TrySet is the conflict-checked write of spec.md §4.3: it never
// blocks, returning false the moment the key is locked by another
// open transaction (or, with onlyIfUnchanged, the moment the slot no
// longer matches this transaction's last observed read).
func (tm *TransactionMap) TrySet(key, value []byte, onlyIfUnchanged bool) (bool, error) {
	curRaw, curOk := tm.m.Get(key)
	var cur *VersionedValue
	if curOk {
		vv, err := DecodeVersionedValue(curRaw)
		if err != nil {
			return false, err
		}
		cur = &vv
	}

	if onlyIfUnchanged {
		base, err := tm.getVersioned(key, tm.readLogID)
		if err != nil {
			return false, err
		}
		if !versionedValueEqual(cur, base) {
			switch {
			case cur != nil && cur.TransactionID == tm.tx.id && value == nil:
				return true, nil
			case cur != nil && cur.TransactionID == tm.tx.id && cur.Payload == nil && value != nil:
				// fall through: reinsert after a delete earlier in this statement
			default:
				return false, nil
			}
		}
	}

	var opType int
	switch {
	case cur == nil || cur.Payload == nil:
		if value != nil {
			opType = OpAdd
		} else {
			opType = OpSet
		}
	default:
		if value == nil {
			opType = OpRemove
		} else {
			opType = OpSet
		}
	}

	newVV := VersionedValue{TransactionID: tm.tx.id, LogID: tm.tx.logID, Payload: value}
	newRaw := EncodeVersionedValue(newVV)

	var ok bool
	switch {
	case cur == nil:
		ok = tm.m.PutIfAbsent(key, newRaw)
	case cur.TransactionID == tm.tx.id:
		ok = tm.m.Replace(key, curRaw, newRaw)
	default:
		open, err := tm.store.IsTransactionOpen(cur.TransactionID)
		if err != nil {
			return false, err
		}
		if open {
			if tm.store.metrics != nil {
				tm.store.metrics.RecordConflict(tm.m.Name())
			}
			if tm.store.log != nil {
				tm.store.log.LogConflict(tm.tx.id, cur.TransactionID, tm.m.Name())
			}
			return false, nil
		}
		ok = tm.m.Replace(key, curRaw, newRaw)
	}

	if !ok {
		return false, nil
	}

	tm.tx.log(opType, tm.m.ID(), key, cur)
	return true, nil
}

// blockingSet loops TrySet until it succeeds or the lock timeout
// elapses. lockTimeout == 0 fails on the very first conflict.
func (tm *TransactionMap) blockingSet(key, value []byte) error {
	timeout := tm.store.LockTimeout()
	start := time.Now()
	waited := false

	for {
		ok, err := tm.TrySet(key, value, false)
		if err != nil {
			return err
		}
		if ok {
			if waited && tm.store.metrics != nil {
				tm.store.metrics.RecordLockWait(time.Since(start))
			}
			return nil
		}
		waited = true
		if timeout <= 0 {
			if tm.store.metrics != nil {
				tm.store.metrics.RecordLockTimeout()
			}
			return fmt.Errorf("%w: key locked by another transaction", ErrLockTimeout)
		}
		if time.Since(start) > timeout {
			if tm.store.metrics != nil {
				tm.store.metrics.RecordLockTimeout()
			}
			return fmt.Errorf("%w: exceeded %s waiting for key", ErrLockTimeout, timeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Put writes value for key, retrying while the key is locked by
// another open transaction. value must not be nil — use Remove for
// deletes.
func (tm *TransactionMap) Put(key, value []byte) error {
	if value == nil {
		return fmt.Errorf("%w: Put value must not be nil, use Remove", ErrIllegalArgument)
	}
	return tm.blockingSet(key, value)
}

// Remove tombstones key, retrying while it is locked.
func (tm *TransactionMap) Remove(key []byte) error {
	return tm.blockingSet(key, nil)
}

// TryPut is Put without the retry loop: it fails immediately if the
// key is currently locked.
func (tm *TransactionMap) TryPut(key, value []byte) (bool, error) {
	if value == nil {
		return false, fmt.Errorf("%w: TryPut value must not be nil, use TryRemove", ErrIllegalArgument)
	}
	return tm.TrySet(key, value, false)
}

// TryRemove is Remove without the retry loop.
func (tm *TransactionMap) TryRemove(key []byte) (bool, error) {
	return tm.TrySet(key, nil, false)
}

// KeyIterator walks keys in ascending order, skipping any key whose
// value is invisible to the owning view. It is lazy, forward-only, and
// does not support removal (spec.md §4.3, §7 Unsupported).
type KeyIterator struct {
	tm      *TransactionMap
	current []byte
	started bool
	done    bool
}

// KeyIterator returns an iterator starting at from (inclusive), or at
// the first key if from is nil.
func (tm *TransactionMap) KeyIterator(from []byte) *KeyIterator {
	return &KeyIterator{tm: tm, current: from}
}

// Next advances the iterator and returns the next visible key, or
// (nil, false) once exhausted.
func (it *KeyIterator) Next() ([]byte, bool, error) {
	if it.done {
		return nil, false, nil
	}

	for {
		var key []byte
		var ok bool
		if !it.started {
			it.started = true
			if it.current == nil {
				key, ok = it.tm.m.FirstKey()
			} else {
				key, ok = it.tm.m.CeilingKey(it.current)
			}
		} else {
			key, ok = it.tm.m.HigherKey(it.current)
		}

		if !ok {
			it.done = true
			return nil, false, nil
		}
		it.current = key

		_, visible, err := it.tm.Get(key)
		if err != nil {
			return nil, false, err
		}
		if visible {
			return key, true, nil
		}
		// invisible (tombstoned, or locked by a still-open foreign
		// transaction that shadows an absent value) — keep scanning.
	}
}

// Remove is not supported on a key iterator.
func (it *KeyIterator) Remove() error {
	return ErrUnsupported
}

// FirstKey, LastKey, CeilingKey, HigherKey and LowerKey are unshielded
// pass-throughs to the backing map: they can return keys whose current
// value is invisible to this transaction. Callers that need visibility
// filtering should combine these with Get, or use KeyIterator.
func (tm *TransactionMap) FirstKey() ([]byte, bool)          { return tm.m.FirstKey() }
func (tm *TransactionMap) LastKey() ([]byte, bool)           { return tm.m.LastKey() }
func (tm *TransactionMap) CeilingKey(key []byte) ([]byte, bool) { return tm.m.CeilingKey(key) }
func (tm *TransactionMap) HigherKey(key []byte) ([]byte, bool)  { return tm.m.HigherKey(key) }
func (tm *TransactionMap) LowerKey(key []byte) ([]byte, bool)   { return tm.m.LowerKey(key) }

// GetSize scans the whole map counting visible entries — O(n), since
// visibility is per-transaction and there is no maintained counter.
func (tm *TransactionMap) GetSize() (int, error) {
	n := 0
	it := tm.KeyIterator(nil)
	for {
		_, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Clear removes every entry directly on the backing map, bypassing the
// undo log entirely. Not transactional (spec.md §4.3 "Housekeeping",
// §9 open question (b)): a rollback cannot undo it.
func (tm *TransactionMap) Clear() {
	var keys [][]byte
	tm.m.Scan(nil, func(k, _ []byte) bool {
		keys = append(keys, append([]byte{}, k...))
		return true
	})
	for _, k := range keys {
		tm.m.Remove(k)
	}
}

// RemoveMap drops the backing map and its catalog entry outright. Not
// transactional.
func (tm *TransactionMap) RemoveMap() {
	tm.store.backing.RemoveMap(tm.m.Name())
}

// RenameMap renames the backing map in the catalog. Not transactional.
func (tm *TransactionMap) RenameMap(newName string) error {
	return tm.store.backing.RenameMap(tm.m.Name(), newName)
}
