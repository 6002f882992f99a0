// ABOUTME: VersionedValue triple stored in every transactional map slot
// ABOUTME: Wire format varlong(transactionId) varlong(logId) <payload|null>

package txn

import (
	"fmt"

	"github.com/nainya/tstore/pkg/kvstore"
)

// VersionedValue is what a transactional map slot actually holds:
// which transaction (and which write within it) produced the current
// value, plus the value itself. A nil Payload is a tombstone — the
// owning transaction deleted the key.
type VersionedValue struct {
	TransactionID int64
	LogID         int64
	Payload       []byte
}

// IsTombstone reports whether this slot represents a delete.
func (v VersionedValue) IsTombstone() bool {
	return v.Payload == nil
}

// EncodeVersionedValue writes v in the wire format spec.md §6 defines
// for every transactional map value: two compact varlongs for the
// owning transaction/log ids, followed by a presence byte and the raw
// payload (a null payload is a tombstone, not an empty one).
func EncodeVersionedValue(v VersionedValue) []byte {
	out := make([]byte, 0, 2+len(v.Payload))
	out = append(out, kvstore.EncodeVarLong(v.TransactionID)...)
	out = append(out, kvstore.EncodeVarLong(v.LogID)...)
	if v.Payload == nil {
		out = append(out, 0)
		return out
	}
	out = append(out, 1)
	out = append(out, v.Payload...)
	return out
}

// DecodeVersionedValue reverses EncodeVersionedValue.
func DecodeVersionedValue(data []byte) (VersionedValue, error) {
	txID, n := kvstore.DecodeVarLong(data)
	if n == 0 {
		return VersionedValue{}, fmt.Errorf("txn: truncated versioned value (transactionId)")
	}
	data = data[n:]

	logID, n := kvstore.DecodeVarLong(data)
	if n == 0 {
		return VersionedValue{}, fmt.Errorf("txn: truncated versioned value (logId)")
	}
	data = data[n:]

	if len(data) == 0 {
		return VersionedValue{}, fmt.Errorf("txn: truncated versioned value (presence byte)")
	}
	present := data[0]
	data = data[1:]

	if present == 0 {
		return VersionedValue{TransactionID: txID, LogID: logID, Payload: nil}, nil
	}

	payload := append([]byte{}, data...)
	return VersionedValue{TransactionID: txID, LogID: logID, Payload: payload}, nil
}
