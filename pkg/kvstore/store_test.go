// ABOUTME: Integration tests for the disk-based multi-map store
// ABOUTME: Tests persistence, map catalog, compare-and-swap, and ordered scans

package kvstore

import (
	"fmt"
	"os"
	"testing"
)

func TestStoreBasicOperations(t *testing.T) {
	path := "/tmp/test_store_basic.db"
	defer os.Remove(path)

	db := &Store{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	m, err := db.OpenMap("widgets")
	if err != nil {
		t.Fatalf("Failed to open map: %v", err)
	}

	m.Put([]byte("key1"), []byte("value1"))
	m.Put([]byte("key2"), []byte("value2"))

	val, ok := m.Get([]byte("key1"))
	if !ok {
		t.Fatal("key1 not found")
	}
	if string(val) != "value1" {
		t.Errorf("Expected value1, got %s", val)
	}

	val, ok = m.Get([]byte("key2"))
	if !ok {
		t.Fatal("key2 not found")
	}
	if string(val) != "value2" {
		t.Errorf("Expected value2, got %s", val)
	}
}

func TestStorePersistence(t *testing.T) {
	path := "/tmp/test_store_persist.db"
	defer os.Remove(path)

	{
		db := &Store{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("Failed to open store: %v", err)
		}

		m, err := db.OpenMap("data")
		if err != nil {
			t.Fatalf("Failed to open map: %v", err)
		}

		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key%03d", i))
			val := []byte(fmt.Sprintf("value%03d", i))
			m.Put(key, val)
		}

		if err := db.Flush(); err != nil {
			t.Fatalf("Failed to flush: %v", err)
		}

		if err := db.Close(); err != nil {
			t.Fatalf("Failed to close store: %v", err)
		}
	}

	{
		db := &Store{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("Failed to reopen store: %v", err)
		}
		defer db.Close()

		m, err := db.OpenMap("data")
		if err != nil {
			t.Fatalf("Failed to reopen map: %v", err)
		}

		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key%03d", i))
			expectedVal := []byte(fmt.Sprintf("value%03d", i))

			val, ok := m.Get(key)
			if !ok {
				t.Errorf("Key %s not found after reopen", key)
				continue
			}
			if string(val) != string(expectedVal) {
				t.Errorf("Key %s: expected %s, got %s", key, expectedVal, val)
			}
		}
	}
}

func TestStoreMultipleMapsIsolated(t *testing.T) {
	path := "/tmp/test_store_multimap.db"
	defer os.Remove(path)

	db := &Store{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	a, _ := db.OpenMap("a")
	b, _ := db.OpenMap("b")

	a.Put([]byte("k"), []byte("from-a"))
	b.Put([]byte("k"), []byte("from-b"))

	valA, _ := a.Get([]byte("k"))
	valB, _ := b.Get([]byte("k"))

	if string(valA) != "from-a" {
		t.Errorf("map a: expected from-a, got %s", valA)
	}
	if string(valB) != "from-b" {
		t.Errorf("map b: expected from-b, got %s", valB)
	}

	if a.ID() == b.ID() {
		t.Error("expected distinct map ids")
	}
}

func TestStoreMapCatalogSurvivesReopen(t *testing.T) {
	path := "/tmp/test_store_catalog.db"
	defer os.Remove(path)

	{
		db := &Store{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("Failed to open: %v", err)
		}

		settings, _ := db.OpenMap("settings")
		settings.Put([]byte("lockTimeout"), []byte("1000"))

		if err := db.Flush(); err != nil {
			t.Fatalf("Failed to flush: %v", err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("Failed to close: %v", err)
		}
	}

	{
		db := &Store{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("Failed to reopen: %v", err)
		}
		defer db.Close()

		settings, err := db.OpenMap("settings")
		if err != nil {
			t.Fatalf("Failed to reopen map: %v", err)
		}

		val, ok := settings.Get([]byte("lockTimeout"))
		if !ok || string(val) != "1000" {
			t.Errorf("expected lockTimeout=1000, got %s (ok=%v)", val, ok)
		}

		name, ok := db.MapNameByID(settings.ID())
		if !ok || name != "settings" {
			t.Errorf("expected catalog to resolve id back to \"settings\", got %q (ok=%v)", name, ok)
		}
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	path := "/tmp/test_store_cas.db"
	defer os.Remove(path)

	db := &Store{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer db.Close()

	m, _ := db.OpenMap("cas")

	if !m.PutIfAbsent([]byte("k"), []byte("v1")) {
		t.Fatal("expected PutIfAbsent to succeed on absent key")
	}
	if m.PutIfAbsent([]byte("k"), []byte("v2")) {
		t.Fatal("expected PutIfAbsent to fail on present key")
	}

	if !m.Replace([]byte("k"), []byte("v1"), []byte("v2")) {
		t.Fatal("expected Replace to succeed when old value matches")
	}
	if m.Replace([]byte("k"), []byte("v1"), []byte("v3")) {
		t.Fatal("expected Replace to fail when old value no longer matches")
	}

	val, _ := m.Get([]byte("k"))
	if string(val) != "v2" {
		t.Errorf("expected v2, got %s", val)
	}

	if !m.RemoveIfMatch([]byte("k"), []byte("v2")) {
		t.Fatal("expected RemoveIfMatch to succeed when value matches")
	}
	if _, ok := m.Get([]byte("k")); ok {
		t.Error("expected key to be gone after RemoveIfMatch")
	}
}

func TestStoreLargeDataset(t *testing.T) {
	path := "/tmp/test_store_large.db"
	defer os.Remove(path)

	db := &Store{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer db.Close()

	m, _ := db.OpenMap("bulk")

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		val := []byte(fmt.Sprintf("value%05d_with_some_extra_data", i))
		m.Put(key, val)
	}

	if err := db.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		expectedVal := []byte(fmt.Sprintf("value%05d_with_some_extra_data", i))

		val, ok := m.Get(key)
		if !ok {
			t.Errorf("Key %s not found", key)
			continue
		}
		if string(val) != string(expectedVal) {
			t.Errorf("Key %s: expected %s, got %s", key, expectedVal, val)
		}
	}
}

func TestStoreScanOrdering(t *testing.T) {
	path := "/tmp/test_store_scan.db"
	defer os.Remove(path)

	db := &Store{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer db.Close()

	m, _ := db.OpenMap("ordered")
	for i := 0; i < 10; i++ {
		m.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i)))
	}

	var seen []string
	m.Scan(nil, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})

	if len(seen) != 10 {
		t.Fatalf("expected 10 keys, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Errorf("scan not ordered: %s >= %s", seen[i-1], seen[i])
		}
	}

	first, ok := m.FirstKey()
	if !ok || string(first) != "k00" {
		t.Errorf("expected first key k00, got %s", first)
	}

	last, ok := m.LastKey()
	if !ok || string(last) != "k09" {
		t.Errorf("expected last key k09, got %s", last)
	}

	higher, ok := m.HigherKey([]byte("k00"))
	if !ok || string(higher) != "k01" {
		t.Errorf("expected higher key k01, got %s", higher)
	}

	lower, ok := m.LowerKey([]byte("k09"))
	if !ok || string(lower) != "k08" {
		t.Errorf("expected lower key k08, got %s", lower)
	}
}
