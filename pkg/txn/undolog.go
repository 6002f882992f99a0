// ABOUTME: Persistent undo log: (txId, logId) -> (opType, mapId, key, oldValue)
// ABOUTME: Appended on every write, consumed forward on commit and backward on rollback

package txn

import (
	"fmt"

	"github.com/nainya/tstore/pkg/kvstore"
)

// Operation types recorded in an undo log entry, per spec.md §4.3 step 3.
const (
	OpAdd    = 1 // slot was empty (or a tombstone) before this write
	OpSet    = 2 // slot held a live value that got overwritten, or a delete hit an empty or tombstoned slot
	OpRemove = 3 // this write tombstoned a previously live slot
)

// UndoLogEntry is one row of the undo log: what kind of write happened,
// which map and key it touched, and the value the slot held before the
// write (nil if the slot was empty).
type UndoLogEntry struct {
	OpType   int
	MapID    uint32
	Key      []byte
	OldValue *VersionedValue
}

// UndoLog is the backing store's "undoLog" map (spec.md §6), keyed by
// (txId, logId) encoded with the same order-preserving fixed-width
// codec used for composite keys elsewhere in pkg/kvstore — unlike
// VersionedValue's compact varlong wire format, this key must sort
// numerically so that range scans over one transaction's entries, and
// UndoLog.FirstTxID's global scan, come back in logId order.
type UndoLog struct {
	m *kvstore.Map
}

// NewUndoLog wraps the backing "undoLog" map.
func NewUndoLog(m *kvstore.Map) *UndoLog {
	return &UndoLog{m: m}
}

func undoLogKey(txID, logID int64) []byte {
	return kvstore.EncodeValues([]kvstore.Value{
		kvstore.NewInt64Value(txID),
		kvstore.NewInt64Value(logID),
	})
}

func encodeUndoLogEntry(e UndoLogEntry) []byte {
	opVal := kvstore.NewInt64Value(int64(e.OpType))
	mapVal := kvstore.NewInt64Value(int64(e.MapID))
	keyVal := kvstore.NewBytesValue(e.Key)

	var oldVal *kvstore.Value
	if e.OldValue != nil {
		v := kvstore.NewBytesValue(EncodeVersionedValue(*e.OldValue))
		oldVal = &v
	}

	return kvstore.EncodeArray([]*kvstore.Value{&opVal, &mapVal, &keyVal, oldVal})
}

func decodeUndoLogEntry(data []byte) (UndoLogEntry, error) {
	vals, err := kvstore.DecodeArray(data, 4)
	if err != nil {
		return UndoLogEntry{}, fmt.Errorf("txn: decode undo log entry: %w", err)
	}
	if vals[0] == nil || vals[1] == nil || vals[2] == nil {
		return UndoLogEntry{}, fmt.Errorf("txn: undo log entry missing required field")
	}

	e := UndoLogEntry{
		OpType: int(vals[0].I64),
		MapID:  uint32(vals[1].I64),
		Key:    vals[2].Str,
	}

	if vals[3] != nil {
		vv, err := DecodeVersionedValue(vals[3].Str)
		if err != nil {
			return UndoLogEntry{}, err
		}
		e.OldValue = &vv
	}

	return e, nil
}

// Append records one write. Invariant 1 of spec.md §3: while the
// transaction stays open every write it has made lives here under
// keys (t.id, 0..t.logId-1).
func (u *UndoLog) Append(txID, logID int64, e UndoLogEntry) {
	u.m.Put(undoLogKey(txID, logID), encodeUndoLogEntry(e))
}

// Get fetches one entry, used by commit/rollback to look up what to
// redo or undo.
func (u *UndoLog) Get(txID, logID int64) (UndoLogEntry, bool, error) {
	raw, ok := u.m.Get(undoLogKey(txID, logID))
	if !ok {
		return UndoLogEntry{}, false, nil
	}
	e, err := decodeUndoLogEntry(raw)
	return e, true, err
}

// Delete removes one entry, called once commit or rollback has
// finished acting on it.
func (u *UndoLog) Delete(txID, logID int64) {
	u.m.Remove(undoLogKey(txID, logID))
}

// FirstTxID returns the smallest txId with any entry in the undo log,
// the value spec.md §3 invariant 3 calls firstOpenTransaction. Returns
// (-1, false) when the log is empty.
func (u *UndoLog) FirstTxID() (int64, bool) {
	key, ok := u.m.FirstKey()
	if !ok {
		return -1, false
	}
	vals, err := kvstore.DecodeValues(key)
	if err != nil || len(vals) < 1 {
		return -1, false
	}
	return vals[0].I64, true
}

// HasEntryFor reports whether any undo log entry exists for txID,
// implemented as spec.md §4.1's isTransactionOpen probe: seek the
// smallest key >= (txID, 0) and check whether it still belongs to
// txID.
func (u *UndoLog) HasEntryFor(txID int64) bool {
	key, ok := u.m.CeilingKey(undoLogKey(txID, 0))
	if !ok {
		return false
	}
	vals, err := kvstore.DecodeValues(key)
	if err != nil || len(vals) < 1 {
		return false
	}
	return vals[0].I64 == txID
}

// Range walks every entry belonging to txID in increasing logId order,
// calling fn(logID, entry) for each. Iteration stops early if fn
// returns false.
func (u *UndoLog) Range(txID int64, fn func(logID int64, e UndoLogEntry) bool) error {
	return u.RangeFrom(txID, 0, fn)
}

// RangeFrom walks every entry belonging to txID with logId >= fromLogID
// in increasing order, calling fn(logID, entry) for each. Used to bound
// a walk at a savepoint (spec.md §4.2 getChangedMaps(savepointId)):
// only entries appended since the savepoint are visited.
func (u *UndoLog) RangeFrom(txID, fromLogID int64, fn func(logID int64, e UndoLogEntry) bool) error {
	var walkErr error
	u.m.Scan(undoLogKey(txID, fromLogID), func(k, v []byte) bool {
		vals, err := kvstore.DecodeValues(k)
		if err != nil || len(vals) < 2 || vals[0].I64 != txID {
			return false
		}
		e, err := decodeUndoLogEntry(v)
		if err != nil {
			walkErr = err
			return false
		}
		return fn(vals[1].I64, e)
	})
	return walkErr
}

// DistinctTxIDs walks the entire undo log once, collecting every
// distinct transaction id that has at least one entry — used at
// TransactionStore.Open to find transactions left open by a crash.
func (u *UndoLog) DistinctTxIDs() ([]int64, error) {
	var ids []int64
	var last int64
	haveLast := false
	var walkErr error

	u.m.Scan(nil, func(k, _ []byte) bool {
		vals, err := kvstore.DecodeValues(k)
		if err != nil || len(vals) < 1 {
			walkErr = fmt.Errorf("txn: corrupt undo log key")
			return false
		}
		txID := vals[0].I64
		if !haveLast || txID != last {
			ids = append(ids, txID)
			last = txID
			haveLast = true
		}
		return true
	})

	return ids, walkErr
}
