// ABOUTME: Sentinel errors for the transactional store
// ABOUTME: Matches spec.md's error kinds: InvalidState, LockTimeout, IllegalArgument, Unsupported

package txn

import "errors"

var (
	// ErrTransactionClosed is returned by any Transaction or TransactionMap
	// operation attempted after the transaction has committed or rolled
	// back.
	ErrTransactionClosed = errors.New("txn: transaction is closed")

	// ErrLockTimeout is returned by a blocking write when the key stays
	// locked by another open transaction past the configured lock
	// timeout (or immediately, when the timeout is zero).
	ErrLockTimeout = errors.New("txn: lock timeout")

	// ErrIllegalArgument is returned by Put with a nil value; callers
	// must use Remove for deletes.
	ErrIllegalArgument = errors.New("txn: illegal argument")

	// ErrUnsupported is returned by operations a key iterator does not
	// implement, such as removal during iteration.
	ErrUnsupported = errors.New("txn: unsupported operation")

	// ErrInvalidState is returned when recovery finds the backing store
	// inconsistent (a persisted last transaction id smaller than a
	// prepared transaction's id) or an internal invariant is violated.
	ErrInvalidState = errors.New("txn: invalid state")
)
