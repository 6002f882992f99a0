// ABOUTME: Tests for composite key encoding
// ABOUTME: Verifies order-preserving properties and roundtrip encoding

package kvstore

import (
	"bytes"
	"testing"
)

func TestEncodeInt64(t *testing.T) {
	vals := []Value{
		NewInt64Value(-1000),
		NewInt64Value(-1),
		NewInt64Value(0),
		NewInt64Value(1),
		NewInt64Value(1000),
	}

	// Encode all values
	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %d should be < %d", vals[i].I64, vals[i+1].I64)
		}
	}

	// Verify roundtrip
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("Expected 1 value, got %d", len(decoded))
		}
		if decoded[0].I64 != vals[i].I64 {
			t.Errorf("Roundtrip failed: expected %d, got %d", vals[i].I64, decoded[0].I64)
		}
	}
}

func TestEncodeBytes(t *testing.T) {
	vals := []Value{
		NewBytesValue([]byte("")),
		NewBytesValue([]byte("a")),
		NewBytesValue([]byte("aa")),
		NewBytesValue([]byte("ab")),
		NewBytesValue([]byte("b")),
	}

	// Encode all values
	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated: %s should be < %s", vals[i].Str, vals[i+1].Str)
		}
	}

	// Verify roundtrip
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("Expected 1 value, got %d", len(decoded))
		}
		if !bytes.Equal(decoded[0].Str, vals[i].Str) {
			t.Errorf("Roundtrip failed: expected %s, got %s", vals[i].Str, decoded[0].Str)
		}
	}
}

func TestEncodeComposite(t *testing.T) {
	// Test composite keys with ordering
	keys := [][]Value{
		{NewBytesValue([]byte("a")), NewInt64Value(1)},
		{NewBytesValue([]byte("a")), NewInt64Value(2)},
		{NewBytesValue([]byte("b")), NewInt64Value(1)},
		{NewBytesValue([]byte("b")), NewInt64Value(2)},
	}

	// Encode all keys
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = EncodeValues(k)
	}

	// Verify ordering
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("Order violated at index %d", i)
		}
	}

	// Verify roundtrip
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		if len(decoded) != len(keys[i]) {
			t.Fatalf("Expected %d values, got %d", len(keys[i]), len(decoded))
		}
		for j := range decoded {
			if decoded[j].Type != keys[i][j].Type {
				t.Errorf("Type mismatch at index %d,%d", i, j)
			}
		}
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		input []byte
		name  string
	}{
		{[]byte("normal"), "normal string"},
		{[]byte{0x00}, "null byte"},
		{[]byte{0xFF}, "0xFF byte"},
		{[]byte{0x00, 0xFF}, "null and 0xFF"},
		{[]byte("test\x00string"), "embedded null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := escapeString(tt.input)
			unescaped := unescapeString(escaped)

			if !bytes.Equal(unescaped, tt.input) {
				t.Errorf("Escape/unescape failed for %v", tt.input)
			}
		})
	}
}

func TestEncodeVarLong(t *testing.T) {
	vals := []int64{0, 1, -1, 127, 128, -128, 1000000, -1000000}

	for _, v := range vals {
		enc := EncodeVarLong(v)
		decoded, n := DecodeVarLong(enc)
		if n != len(enc) {
			t.Errorf("value %d: expected to consume %d bytes, consumed %d", v, len(enc), n)
		}
		if decoded != v {
			t.Errorf("value %d: roundtrip got %d", v, decoded)
		}
	}

	// Small values should stay compact — this is the whole point of
	// using a varlong instead of a fixed 8-byte encoding for ids.
	if len(EncodeVarLong(1)) > 2 {
		t.Errorf("expected small value to encode in at most 2 bytes, got %d", len(EncodeVarLong(1)))
	}
}

func TestEncodeArray(t *testing.T) {
	bytesVal := NewBytesValue([]byte("hello"))
	intVal := NewInt64Value(42)

	vals := []*Value{&bytesVal, nil, &intVal}

	enc := EncodeArray(vals)
	decoded, err := DecodeArray(enc, len(vals))
	if err != nil {
		t.Fatalf("Failed to decode array: %v", err)
	}

	if len(decoded) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(decoded))
	}

	if decoded[0] == nil || !bytes.Equal(decoded[0].Str, bytesVal.Str) {
		t.Errorf("element 0 mismatch: %v", decoded[0])
	}
	if decoded[1] != nil {
		t.Errorf("element 1 should be nil (null), got %v", decoded[1])
	}
	if decoded[2] == nil || decoded[2].I64 != intVal.I64 {
		t.Errorf("element 2 mismatch: %v", decoded[2])
	}
}

func TestEncodeArrayAllNull(t *testing.T) {
	vals := []*Value{nil, nil}
	enc := EncodeArray(vals)

	if len(enc) != 2 {
		t.Fatalf("expected 2 presence bytes, got %d bytes", len(enc))
	}

	decoded, err := DecodeArray(enc, 2)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	for i, v := range decoded {
		if v != nil {
			t.Errorf("element %d expected nil, got %v", i, v)
		}
	}
}

