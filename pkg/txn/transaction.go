// ABOUTME: Transaction lifecycle: OPEN -> optional PREPARED -> CLOSED
// ABOUTME: Owns the per-transaction logId counter, savepoints, and undo-log appends

package txn

import "fmt"

// Status is a Transaction's position in its state machine.
type Status int

const (
	StatusOpen Status = iota
	StatusPrepared
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPrepared:
		return "PREPARED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is a lifecycle handle: id, startVersion, status, optional
// name, and the local logId counter spec.md §3 defines. startVersion is
// never assigned and stays zero; MVCC visibility here is decided
// entirely by isTransactionOpen plus the undo log, not by a
// backing-store snapshot read.
type Transaction struct {
	id           int64
	startVersion uint64
	status       Status
	name         string
	logID        int64

	store *TransactionStore
}

// ID returns the transaction's persistent id.
func (t *Transaction) ID() int64 { return t.id }

// GetStatus returns the current lifecycle state.
func (t *Transaction) GetStatus() Status { return t.status }

// GetName returns the transaction's name, or "" if never set.
func (t *Transaction) GetName() string { return t.name }

// LogID returns the current log position (the count of writes made so
// far by this transaction).
func (t *Transaction) LogID() int64 { return t.logID }

func (t *Transaction) requireOpen() error {
	if t.status != StatusOpen {
		return fmt.Errorf("%w: transaction %d is %s", ErrTransactionClosed, t.id, t.status)
	}
	return nil
}

func (t *Transaction) requireOpenOrPrepared() error {
	if t.status != StatusOpen && t.status != StatusPrepared {
		return fmt.Errorf("%w: transaction %d is %s", ErrTransactionClosed, t.id, t.status)
	}
	return nil
}

// SetSavepoint captures the current logId. Passing it to
// RollbackToSavepoint later undoes every write made since this call
// and nothing before it.
func (t *Transaction) SetSavepoint() (int64, error) {
	if err := t.requireOpen(); err != nil {
		return 0, err
	}
	return t.logID, nil
}

// SetName attaches a human-readable name to the transaction, forcing
// it into the persisted prepared-transactions map so it survives a
// restart even before prepare() is called.
func (t *Transaction) SetName(name string) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	t.name = name
	return t.store.persistPrepared(t)
}

// Prepare moves the transaction from OPEN to PREPARED and persists it.
// Commit and rollback both remain legal afterwards.
func (t *Transaction) Prepare() error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	t.status = StatusPrepared
	return t.store.persistPrepared(t)
}

// OpenMap returns a transactional view of the named backing map. Only
// legal while the transaction is OPEN.
func (t *Transaction) OpenMap(name string) (*TransactionMap, error) {
	if err := t.requireOpen(); err != nil {
		return nil, err
	}
	return t.store.openTransactionMap(t, name)
}

// Commit finalizes every write made by this transaction, making it
// visible to new readers, and removes its undo log entries.
func (t *Transaction) Commit() error {
	if err := t.requireOpenOrPrepared(); err != nil {
		return err
	}
	return t.store.commit(t)
}

// Rollback undoes every write made by this transaction and closes it.
func (t *Transaction) Rollback() error {
	if err := t.requireOpenOrPrepared(); err != nil {
		return err
	}
	return t.store.rollback(t)
}

// RollbackToSavepoint undoes every write made since SetSavepoint
// returned savepointID, leaving the transaction OPEN and its logId
// reset to savepointID.
func (t *Transaction) RollbackToSavepoint(savepointID int64) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	return t.store.rollbackToSavepoint(t, savepointID)
}

// GetChangedMaps returns the distinct set of map names this
// transaction has written to since savepointID (pass 0 to cover the
// whole transaction, or a value returned by SetSavepoint to see only
// what has changed since then).
func (t *Transaction) GetChangedMaps(savepointID int64) ([]string, error) {
	seen := make(map[uint32]bool)
	var ids []uint32

	// Collect ids first: the scan holds the backing store's lock, which
	// MapNameByID also takes.
	err := t.store.undoLog.RangeFrom(t.id, savepointID, func(_ int64, e UndoLogEntry) bool {
		if !seen[e.MapID] {
			seen[e.MapID] = true
			ids = append(ids, e.MapID)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, id := range ids {
		if name, ok := t.store.backing.MapNameByID(id); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// log appends one undo log entry and advances logId, under the
// store's exclusive bookkeeping region (spec.md §5).
func (t *Transaction) log(opType int, mapID uint32, key []byte, oldValue *VersionedValue) {
	t.store.appendUndo(t, opType, mapID, key, oldValue)
}
