// ABOUTME: TransactionStore — registry of transactions over a backing kvstore.Store
// ABOUTME: Owns id allocation, the undo log, prepared-transaction persistence, and recovery

package txn

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nainya/tstore/internal/logger"
	"github.com/nainya/tstore/internal/metrics"
	"github.com/nainya/tstore/pkg/kvstore"
)

const (
	settingsMapName = "settings"
	preparedMapName = "openTransactions"
	undoLogMapName  = "undoLog"

	lastTransactionIDKey = "lastTransactionId"

	idBatchSize     = 64
	maxUnsavedPages = 4096
)

// Settings configures a TransactionStore. Metrics and Logger are
// optional; a nil Metrics disables Prometheus recording (useful for
// running more than one store in a test process, since promauto
// registers into the default registry and panics on a name collision).
type Settings struct {
	LockTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

// TransactionStore is the entry point: it owns the backing store's
// three well-known maps (settings, openTransactions, undoLog),
// allocates transaction ids, and drives commit/rollback/recovery.
type TransactionStore struct {
	backing *kvstore.Store

	settings *kvstore.Map
	prepared *kvstore.Map
	undoLog  *UndoLog

	mu                   sync.Mutex
	lastTransactionID    int64
	persistedCeiling     int64
	firstOpenTransaction int64
	openTxns             map[int64]*Transaction

	lockTimeout time.Duration
	metrics     *metrics.Metrics
	log         *logger.Logger
}

// Open opens (creating if necessary) the backing store at path and
// recovers any transactions left open by a previous, uncommitted
// shutdown.
func Open(path string, settings Settings) (*TransactionStore, error) {
	backing := &kvstore.Store{Path: path}
	if err := backing.Open(); err != nil {
		return nil, fmt.Errorf("txn: open backing store: %w", err)
	}

	settingsMap, err := backing.OpenMap(settingsMapName)
	if err != nil {
		return nil, err
	}
	preparedMap, err := backing.OpenMap(preparedMapName)
	if err != nil {
		return nil, err
	}
	undoLogMap, err := backing.OpenMap(undoLogMapName)
	if err != nil {
		return nil, err
	}

	ts := &TransactionStore{
		backing:              backing,
		settings:             settingsMap,
		prepared:             preparedMap,
		undoLog:              NewUndoLog(undoLogMap),
		firstOpenTransaction: -1,
		openTxns:             make(map[int64]*Transaction),
		lockTimeout:          settings.LockTimeout,
		metrics:              settings.Metrics,
		log:                  settings.Logger,
	}

	persisted, err := ts.readPersistedLastID()
	if err != nil {
		return nil, err
	}
	ts.lastTransactionID = persisted
	ts.persistedCeiling = persisted

	if err := ts.recover(persisted); err != nil {
		return nil, err
	}

	return ts, nil
}

func (ts *TransactionStore) readPersistedLastID() (int64, error) {
	raw, ok := ts.settings.Get([]byte(lastTransactionIDKey))
	if !ok {
		return 0, nil
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt lastTransactionId setting: %v", ErrInvalidState, err)
	}
	return id, nil
}

// recover rebuilds the in-memory open-transaction registry from the
// persisted openTransactions map and any undo log entries left behind
// by a transaction that never reached endTransaction — spec.md §4.1's
// initialization contract.
func (ts *TransactionStore) recover(persistedLastID int64) error {
	type prep struct {
		status Status
		name   string
	}
	preparedByID := make(map[int64]prep)

	var maxPreparedID int64 = -1
	ts.prepared.Scan(nil, func(k, v []byte) bool {
		id, err := decodeTxIDKey(k)
		if err != nil {
			return true
		}
		status, name, err := decodePreparedEntry(v)
		if err != nil {
			return true
		}
		preparedByID[id] = prep{status: status, name: name}
		if id > maxPreparedID {
			maxPreparedID = id
		}
		return true
	})

	if maxPreparedID > persistedLastID {
		return fmt.Errorf("%w: prepared transaction %d exceeds persisted last id %d",
			ErrInvalidState, maxPreparedID, persistedLastID)
	}

	distinctUndoIDs, err := ts.undoLog.DistinctTxIDs()
	if err != nil {
		return err
	}

	recoveredIDs := make(map[int64]bool)
	for id := range preparedByID {
		recoveredIDs[id] = true
	}
	for _, id := range distinctUndoIDs {
		recoveredIDs[id] = true
	}

	for id := range recoveredIDs {
		status := StatusOpen
		name := ""
		if p, ok := preparedByID[id]; ok {
			status = p.status
			name = p.name
		}

		maxLogID := int64(-1)
		if err := ts.undoLog.Range(id, func(logID int64, _ UndoLogEntry) bool {
			if logID > maxLogID {
				maxLogID = logID
			}
			return true
		}); err != nil {
			return err
		}

		tx := &Transaction{
			id:     id,
			status: status,
			name:   name,
			logID:  maxLogID + 1,
			store:  ts,
		}
		ts.openTxns[id] = tx

		if ts.firstOpenTransaction < 0 || id < ts.firstOpenTransaction {
			ts.firstOpenTransaction = id
		}
	}

	if ts.log != nil && len(recoveredIDs) > 0 {
		total := 0
		for id := range recoveredIDs {
			cnt := 0
			ts.undoLog.Range(id, func(int64, UndoLogEntry) bool { cnt++; return true })
			total += cnt
		}
		ts.log.LogRecovery(len(recoveredIDs), total)
	}

	return nil
}

// LockTimeout returns the configured lock-wait budget.
func (ts *TransactionStore) LockTimeout() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lockTimeout
}

// SetLockTimeout changes the lock-wait budget used by future blocking
// writes.
func (ts *TransactionStore) SetLockTimeout(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.lockTimeout = d
}

// Begin allocates a new transaction id and returns its handle, OPEN
// and ready to open maps.
func (ts *TransactionStore) Begin() (*Transaction, error) {
	ts.mu.Lock()

	if ts.lastTransactionID >= ts.persistedCeiling {
		newCeiling := ts.persistedCeiling + idBatchSize
		ts.settings.Put([]byte(lastTransactionIDKey), []byte(strconv.FormatInt(newCeiling, 10)))
		ts.persistedCeiling = newCeiling
	}

	ts.lastTransactionID++
	id := ts.lastTransactionID

	tx := &Transaction{id: id, status: StatusOpen, logID: 0, store: ts}
	ts.openTxns[id] = tx
	ts.mu.Unlock()

	if ts.metrics != nil {
		ts.metrics.RecordTransactionOpen()
	}
	if ts.log != nil {
		ts.log.LogTransactionBegin(id)
	}

	return tx, nil
}

// GetOpenTransactions returns every transaction this store currently
// considers open or prepared, including ones recovered from a previous
// unclean shutdown.
func (ts *TransactionStore) GetOpenTransactions() []*Transaction {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	out := make([]*Transaction, 0, len(ts.openTxns))
	for _, tx := range ts.openTxns {
		out = append(out, tx)
	}
	return out
}

// IsTransactionOpen implements spec.md §4.1: a cheap lower-bound check
// against the firstOpenTransaction hint, falling back to an undo log
// probe.
func (ts *TransactionStore) IsTransactionOpen(txID int64) (bool, error) {
	ts.mu.Lock()
	first := ts.firstOpenTransaction
	ts.mu.Unlock()

	if first >= 0 && txID < first {
		return false, nil
	}
	return ts.undoLog.HasEntryFor(txID), nil
}

func (ts *TransactionStore) openTransactionMap(t *Transaction, name string) (*TransactionMap, error) {
	m, err := ts.backing.OpenMap(name)
	if err != nil {
		return nil, err
	}
	return newTransactionMap(t, ts, m), nil
}

func (ts *TransactionStore) mapByID(id uint32) (*kvstore.Map, error) {
	name, ok := ts.backing.MapNameByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: no map registered with id %d", ErrInvalidState, id)
	}
	return ts.backing.OpenMap(name)
}

// appendUndo appends one undo log entry and advances the transaction's
// logId, under the store's exclusive bookkeeping region.
func (ts *TransactionStore) appendUndo(t *Transaction, opType int, mapID uint32, key []byte, oldValue *VersionedValue) {
	ts.mu.Lock()
	logID := t.logID
	t.logID++
	ts.mu.Unlock()

	ts.undoLog.Append(t.id, logID, UndoLogEntry{OpType: opType, MapID: mapID, Key: key, OldValue: oldValue})

	ts.mu.Lock()
	if ts.firstOpenTransaction < 0 {
		// The hint was invalidated by some other transaction closing.
		// t.id is not necessarily the new minimum — another still-open
		// transaction may hold a lower id without having written since
		// the reset — so recompute it from the undo log's true first
		// key rather than assuming it's this transaction.
		if first, ok := ts.undoLog.FirstTxID(); ok {
			ts.firstOpenTransaction = first
		}
	} else if t.id < ts.firstOpenTransaction {
		ts.firstOpenTransaction = t.id
	}
	ts.mu.Unlock()

	if ts.metrics != nil {
		ts.metrics.RecordUndoLogAppend(int(logID) + 1)
	}
}

func (ts *TransactionStore) persistPrepared(t *Transaction) error {
	key := encodeTxIDKey(t.id)
	val := encodePreparedEntry(t.status, t.name)
	ts.prepared.Put(key, val)

	ts.mu.Lock()
	ts.openTxns[t.id] = t
	ts.mu.Unlock()
	return nil
}

func (ts *TransactionStore) removePrepared(t *Transaction) {
	ts.prepared.Remove(encodeTxIDKey(t.id))
}

// commit walks the transaction's undo log forward, applying deferred
// cleanup for deletes and dropping each entry, then closes it.
func (ts *TransactionStore) commit(t *Transaction) error {
	start := time.Now()
	maxLogID := t.logID
	entries := 0

	for logID := int64(0); logID < maxLogID; logID++ {
		entry, found, err := ts.undoLog.Get(t.id, logID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		entries++

		if entry.OpType == OpRemove {
			m, err := ts.mapByID(entry.MapID)
			if err != nil {
				return err
			}
			raw, ok := m.Get(entry.Key)
			if ok {
				vv, err := DecodeVersionedValue(raw)
				if err == nil && vv.Payload == nil {
					m.Remove(entry.Key)
				}
			}
		}

		ts.undoLog.Delete(t.id, logID)
	}

	ts.endTransaction(t)
	ts.commitIfNeeded()

	if ts.metrics != nil {
		ts.metrics.RecordCommit(time.Since(start))
	}
	if ts.log != nil {
		ts.log.LogCommit(t.id, time.Since(start), entries)
	}

	return nil
}

// rollback fully undoes a transaction's writes and closes it.
func (ts *TransactionStore) rollback(t *Transaction) error {
	start := time.Now()
	entries, err := ts.rollbackRange(t, t.logID, 0)
	if err != nil {
		return err
	}
	ts.endTransaction(t)

	if ts.metrics != nil {
		ts.metrics.RecordRollback(time.Since(start))
	}
	if ts.log != nil {
		ts.log.LogRollback(t.id, 0, entries)
	}
	return nil
}

// rollbackToSavepoint undoes writes back to (but not including)
// savepointID, leaving the transaction OPEN.
func (ts *TransactionStore) rollbackToSavepoint(t *Transaction, savepointID int64) error {
	entries, err := ts.rollbackRange(t, t.logID, savepointID)
	if err != nil {
		return err
	}
	t.logID = savepointID

	if ts.log != nil {
		ts.log.LogRollback(t.id, savepointID, entries)
	}
	return nil
}

func (ts *TransactionStore) rollbackRange(t *Transaction, maxLogID, toLogID int64) (int, error) {
	entries := 0
	for logID := maxLogID - 1; logID >= toLogID; logID-- {
		entry, found, err := ts.undoLog.Get(t.id, logID)
		if err != nil {
			return entries, err
		}
		if !found {
			continue
		}
		entries++

		m, err := ts.mapByID(entry.MapID)
		if err != nil {
			return entries, err
		}
		if entry.OldValue == nil {
			m.Remove(entry.Key)
		} else {
			m.Put(entry.Key, EncodeVersionedValue(*entry.OldValue))
		}

		ts.undoLog.Delete(t.id, logID)
	}
	return entries, nil
}

func (ts *TransactionStore) endTransaction(t *Transaction) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t.status == StatusPrepared || t.name != "" {
		ts.removePrepared(t)
	}
	t.status = StatusClosed
	delete(ts.openTxns, t.id)

	if t.id == ts.firstOpenTransaction {
		// t's own undo entries are already gone (commit/rollback delete
		// them before calling endTransaction), so the log's current
		// first key, if any, belongs to some other still-open
		// transaction and is the new true lower bound.
		if first, ok := ts.undoLog.FirstTxID(); ok {
			ts.firstOpenTransaction = first
		} else {
			ts.firstOpenTransaction = -1
		}
	}
}

// commitIfNeeded forces a backing-store flush once too many dirty
// pages have accumulated, bounding memory during long transactions
// (spec.md §4.1, §5).
func (ts *TransactionStore) commitIfNeeded() {
	if ts.backing.UnsavedPageCount() <= maxUnsavedPages {
		return
	}

	start := time.Now()
	err := ts.backing.Flush()

	if ts.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		ts.metrics.RecordStoreOperation("flush", status, time.Since(start))
		ts.metrics.UpdateStoreStats(ts.backing.DiskSpaceUsed(), ts.backing.UnsavedPageCount())
	}
}

// DiskSpaceUsed answers spec.md §9 open question (c).
func (ts *TransactionStore) DiskSpaceUsed() int64 {
	return ts.backing.DiskSpaceUsed()
}

// Close flushes and closes the backing store.
func (ts *TransactionStore) Close() error {
	if err := ts.backing.Flush(); err != nil {
		return err
	}
	return ts.backing.Close()
}

func encodeTxIDKey(id int64) []byte {
	return kvstore.EncodeValues([]kvstore.Value{kvstore.NewInt64Value(id)})
}

func decodeTxIDKey(data []byte) (int64, error) {
	vals, err := kvstore.DecodeValues(data)
	if err != nil || len(vals) < 1 {
		return 0, fmt.Errorf("txn: corrupt transaction id key")
	}
	return vals[0].I64, nil
}

func encodePreparedEntry(status Status, name string) []byte {
	statusVal := kvstore.NewInt64Value(int64(status))
	nameVal := kvstore.NewBytesValue([]byte(name))
	return kvstore.EncodeArray([]*kvstore.Value{&statusVal, &nameVal})
}

func decodePreparedEntry(data []byte) (Status, string, error) {
	vals, err := kvstore.DecodeArray(data, 2)
	if err != nil {
		return 0, "", err
	}
	if vals[0] == nil || vals[1] == nil {
		return 0, "", fmt.Errorf("txn: corrupt prepared transaction entry")
	}
	return Status(vals[0].I64), string(vals[1].Str), nil
}
