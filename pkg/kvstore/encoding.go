// ABOUTME: Order-preserving encoding for composite keys
// ABOUTME: Supports multiple data types with lexicographic ordering

package kvstore

import (
	"encoding/binary"
	"fmt"
)

// Value types for composite keys
const (
	TYPE_BYTES = 1
	TYPE_INT64 = 2
)

// Value represents a single value in a composite key
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
}

// NewBytesValue creates a bytes value
func NewBytesValue(data []byte) Value {
	return Value{Type: TYPE_BYTES, Str: data}
}

// NewInt64Value creates an int64 value
func NewInt64Value(i int64) Value {
	return Value{Type: TYPE_INT64, I64: i}
}

// EncodeValues encodes multiple values in order-preserving format
// Each value is tagged with its type to prevent collisions with 0xFF
func EncodeValues(vals []Value) []byte {
	out := make([]byte, 0, 256)
	for _, v := range vals {
		out = append(out, encodeOneValue(v)...)
	}
	return out
}

// encodeOneValue encodes a single tagged value, shared by EncodeValues
// (which concatenates a whole tuple) and EncodeArray (which interleaves
// presence bytes between elements).
func encodeOneValue(v Value) []byte {
	out := make([]byte, 0, 16)
	out = append(out, byte(v.Type)) // Type tag (doesn't start with 0xFF)

	switch v.Type {
	case TYPE_INT64:
		// Flip sign bit for proper ordering
		var buf [8]byte
		u := uint64(v.I64) + (1 << 63)
		binary.BigEndian.PutUint64(buf[:], u)
		out = append(out, buf[:]...)

	case TYPE_BYTES:
		// Escape and null-terminate
		out = append(out, escapeString(v.Str)...)
		out = append(out, 0)

	default:
		panic(fmt.Sprintf("unknown type: %d", v.Type))
	}
	return out
}

// escapeString escapes 0x00 and 0x01 so the encoded string holds no null
// byte and its null terminator is unambiguous; byte order is kept
func escapeString(s []byte) []byte {
	// Count escapes needed
	escapes := 0
	for _, b := range s {
		if b <= 0x01 {
			escapes++
		}
	}

	if escapes == 0 {
		return s
	}

	// Allocate with room for escapes
	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		if b <= 0x01 {
			out = append(out, 0x01, b+1) // 0x00 -> 0x01 0x01, 0x01 -> 0x01 0x02
		} else {
			out = append(out, b)
		}
	}
	return out
}

// unescapeString reverses escapeString
func unescapeString(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x01 && i+1 < len(s) {
			// Unescape sequence
			out = append(out, s[i+1]-1)
			i++ // Skip next byte
		} else {
			out = append(out, s[i])
		}
	}
	return out
}

// DecodeValues decodes values from encoded format
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0

	for pos < len(data) {
		v, n, err := decodeOneValue(data, pos)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		pos += n
	}

	return vals, nil
}

// decodeOneValue decodes the single tagged value starting at pos,
// returning it along with the number of bytes it occupied. Shared by
// DecodeValues (which loops to the end of data) and DecodeArray (which
// stops after a caller-supplied element count).
func decodeOneValue(data []byte, pos int) (Value, int, error) {
	if pos >= len(data) {
		return Value{}, 0, fmt.Errorf("truncated value at pos %d", pos)
	}

	start := pos
	typ := data[pos]
	pos++

	switch typ {
	case TYPE_INT64:
		if pos+8 > len(data) {
			return Value{}, 0, fmt.Errorf("incomplete int64 at pos %d", pos)
		}
		u := binary.BigEndian.Uint64(data[pos : pos+8])
		i := int64(u - (1 << 63))
		return NewInt64Value(i), pos + 8 - start, nil

	case TYPE_BYTES:
		end := pos
		for end < len(data) && data[end] != 0 {
			end++
		}
		if end >= len(data) {
			return Value{}, 0, fmt.Errorf("unterminated string at pos %d", pos)
		}
		str := unescapeString(data[pos:end])
		return NewBytesValue(str), end + 1 - start, nil

	default:
		return Value{}, 0, fmt.Errorf("unknown type: %d at pos %d", typ, pos-1)
	}
}

// EncodeVarLong encodes a signed integer as a variable-length, zigzag
// varint (the "varlong" of spec.md §6's VersionedValue wire format:
// varlong(transactionId) varlong(logId) <payload|null>). Unlike
// EncodeValues's fixed-width sign-flipped encoding, this format is not
// order-preserving — it exists purely to keep small transaction and
// log ids compact on the wire, matching how they're actually stored.
func EncodeVarLong(v int64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(buf, v)
	return buf[:n]
}

// DecodeVarLong decodes a varlong from the start of data, returning the
// value and the number of bytes consumed.
func DecodeVarLong(data []byte) (int64, int) {
	v, n := binary.Varint(data)
	return v, n
}

// EncodeArray encodes a slice of optional values for spec.md §6's array
// codec: one presence byte per element (0 = null, 1 = present) followed
// by the element's encoded bytes when present. Used for undo-log keys
// and values, which need to represent "no old value" (an insert being
// undone) distinctly from any encodable value.
func EncodeArray(vals []*Value) []byte {
	out := make([]byte, 0, 64)
	for _, v := range vals {
		if v == nil {
			out = append(out, 0)
			continue
		}
		out = append(out, 1)
		out = append(out, encodeOneValue(*v)...)
	}
	return out
}

// DecodeArray decodes an array encoded by EncodeArray. count is the
// number of elements expected — the wire format carries no element
// count of its own, so the caller (which knows its own tuple arity)
// supplies it.
func DecodeArray(data []byte, count int) ([]*Value, error) {
	vals := make([]*Value, 0, count)
	pos := 0

	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("array truncated at element %d", i)
		}
		present := data[pos]
		pos++

		if present == 0 {
			vals = append(vals, nil)
			continue
		}

		v, n, err := decodeOneValue(data, pos)
		if err != nil {
			return nil, err
		}
		vals = append(vals, &v)
		pos += n
	}

	return vals, nil
}

