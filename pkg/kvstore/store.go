// ABOUTME: Disk-based multi-map store with B+Tree persistence
// ABOUTME: Implements copy-on-write with meta page and two-phase fsync updates

package kvstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sync"
	"syscall"

	"github.com/nainya/tstore/pkg/btree"
)

const (
	DB_SIG          = "TStoreDB01\x00\x00\x00\x00\x00\x00" // Database signature (16 bytes)
	BTREE_PAGE_SIZE = 4096                                  // Must match btree package
	META_PAGE_SIZE  = 80                                    // sig(16)+catalogRoot(8)+flushed(8)+freelist(40)+nextMapID(8)
)

// Store is the backing store: a persistent ordered key-value engine that
// can host many independent named maps sharing one page pool and one
// free list. Everything above the Map interface (transactions,
// versioning, undo) lives in pkg/txn; a Store only guarantees durable,
// atomically-updated named maps of raw bytes.
type Store struct {
	Path string

	fd int

	// catalog maps name -> encoded(id, rootPtr) for every map ever opened.
	// It is itself a B+Tree sharing this store's page pool, with its own
	// root kept in the meta page.
	catalog btree.BTree

	free FreeList

	mmap struct {
		total  int
		chunks [][]byte
	}

	page struct {
		flushed uint64
		temp    [][]byte
		updates map[uint64][]byte
	}

	failed bool

	mu   sync.Mutex
	maps map[string]*Map

	nextMapID uint32
}

// Open opens or creates a database file. Crash safety comes from the
// meta page's own two-phase fsync (updateFile/updateOrRevert): the
// meta page is only overwritten once every page it points to is
// durable, so a torn shutdown always leaves the meta page pointing at
// a consistent prior state.
func (s *Store) Open() error {
	fd, err := createFileSync(s.Path)
	if err != nil {
		return err
	}
	s.fd = fd
	s.maps = make(map[string]*Map)

	var stat syscall.Stat_t
	if err := syscall.Fstat(s.fd, &stat); err != nil {
		return fmt.Errorf("fstat: %w", err)
	}
	fileSize := stat.Size

	if fileSize == 0 {
		s.page.flushed = 1
		s.nextMapID = 1
	} else {
		mmapSize := 64 << 20
		if int(fileSize) > mmapSize {
			mmapSize = int(fileSize)
		}

		chunk, err := syscall.Mmap(s.fd, 0, mmapSize, syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mmap: %w", err)
		}

		s.mmap.total = mmapSize
		s.mmap.chunks = append(s.mmap.chunks, chunk)

		if err := s.readMeta(); err != nil {
			return err
		}
	}

	s.page.updates = make(map[uint64][]byte)

	s.free.get = func(ptr uint64) []byte { return s.pageRead(ptr) }
	s.free.new = func(node []byte) uint64 { return s.pageAppend(node) }
	s.free.set = func(ptr uint64, node []byte) { s.pageWrite(ptr, node) }

	if s.free.tailSeq > 0 {
		s.free.maxSeq = s.free.tailSeq
	}

	s.catalog.SetCallbacks(
		func(ptr uint64) []byte { return s.pageRead(ptr) },
		func(node []byte) uint64 { return s.pageAlloc(node) },
		func(ptr uint64) { s.pageFree(ptr) },
	)

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	for _, chunk := range s.mmap.chunks {
		if err := syscall.Munmap(chunk); err != nil {
			return err
		}
	}
	return syscall.Close(s.fd)
}

// OpenMap returns the named map, creating it if it does not already
// exist in the catalog. The map's own B+Tree shares this store's page
// pool the way the teacher's IndexManager shared one pool across
// several secondary indexes, generalized here into a persisted catalog.
func (s *Store) OpenMap(name string) (*Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.maps[name]; ok {
		return m, nil
	}

	m := &Map{store: s, name: name}
	if catalogVal, ok := s.catalog.Get([]byte(name)); ok {
		id, root := decodeCatalogEntry(catalogVal)
		m.id = id
		m.tree.SetRoot(root)
	} else {
		m.id = s.nextMapID
		s.nextMapID++
	}
	m.tree.SetCallbacks(
		func(ptr uint64) []byte { return s.pageRead(ptr) },
		func(node []byte) uint64 { return s.pageAlloc(node) },
		func(ptr uint64) { s.pageFree(ptr) },
	)

	s.maps[name] = m
	return m, nil
}

// RemoveMap drops a map and its catalog entry outright, bypassing any
// undo log — a housekeeping operation, not a transactional one
// (spec.md §4.3, §9 open question (b)).
func (s *Store) RemoveMap(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.maps, name)
	s.catalog.Delete([]byte(name))
}

// RenameMap moves a map's catalog entry from oldName to newName
// without touching its data or id. Not transactional: a caller relying
// on undo-log protection for this operation (spec.md §4.3
// "Housekeeping") will not get it.
func (s *Store) RenameMap(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.maps[newName]; exists {
		return fmt.Errorf("kvstore: map already exists: %s", newName)
	}
	if _, exists := s.catalog.Get([]byte(newName)); exists {
		return fmt.Errorf("kvstore: map already exists: %s", newName)
	}

	if catalogVal, ok := s.catalog.Get([]byte(oldName)); ok {
		s.catalog.Insert([]byte(newName), catalogVal)
		s.catalog.Delete([]byte(oldName))
	}

	m, ok := s.maps[oldName]
	if !ok {
		return fmt.Errorf("kvstore: no such map: %s", oldName)
	}
	m.name = newName
	delete(s.maps, oldName)
	s.maps[newName] = m
	return nil
}

// MapNameByID resolves a map's numeric id back to its name. Checks
// maps opened this session first, since a brand-new map's catalog
// entry is only durable after the next Flush — callers such as
// pkg/txn's getChangedMaps need to resolve maps created earlier in the
// same still-open transaction.
func (s *Store) MapNameByID(id uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, m := range s.maps {
		if m.id == id {
			return name, true
		}
	}

	var found string
	var ok bool
	s.catalog.Scan(nil, func(key, val []byte) bool {
		if len(key) == 0 {
			return true // the B+Tree's empty sentinel key, not a catalog entry
		}
		mid, _ := decodeCatalogEntry(val)
		if mid == id {
			found = string(key)
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// UnsavedPageCount reports pages allocated or rewritten but not yet
// flushed to disk, the trigger spec.md §5 uses for commitIfNeeded.
func (s *Store) UnsavedPageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.page.temp) + len(s.page.updates)
}

// DiskSpaceUsed answers spec.md §9 open question (c): bytes occupied by
// pages actually flushed to disk.
func (s *Store) DiskSpaceUsed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.page.flushed) * BTREE_PAGE_SIZE
}

// Flush persists every open map's current root plus all dirty pages to
// disk with the same two-phase fsync the teacher's KV used for its
// single tree, generalized across the whole catalog.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	for name, m := range s.maps {
		s.catalog.Insert([]byte(name), encodeCatalogEntry(m.id, m.tree.GetRoot()))
	}

	meta := s.saveMeta()
	return s.updateOrRevert(meta)
}

func (s *Store) pageRead(ptr uint64) []byte {
	if page, ok := s.page.updates[ptr]; ok {
		return page
	}

	if ptr >= s.page.flushed {
		idx := ptr - s.page.flushed
		if idx < uint64(len(s.page.temp)) {
			return s.page.temp[idx]
		}
	}

	start := uint64(0)
	for _, chunk := range s.mmap.chunks {
		end := start + uint64(len(chunk))/BTREE_PAGE_SIZE
		if ptr < end {
			offset := BTREE_PAGE_SIZE * (ptr - start)
			return chunk[offset : offset+BTREE_PAGE_SIZE]
		}
		start = end
	}
	panic(fmt.Sprintf("bad page pointer: %d (flushed: %d, temp: %d)", ptr, s.page.flushed, len(s.page.temp)))
}

func (s *Store) pageAlloc(node []byte) uint64 {
	if len(node) != BTREE_PAGE_SIZE {
		panic("page size mismatch")
	}

	if ptr := s.free.PopHead(); ptr != 0 {
		s.page.updates[ptr] = node
		return ptr
	}

	return s.pageAppend(node)
}

func (s *Store) pageAppend(node []byte) uint64 {
	if len(node) != BTREE_PAGE_SIZE {
		panic("page size mismatch")
	}

	ptr := s.page.flushed + uint64(len(s.page.temp))
	s.page.temp = append(s.page.temp, node)
	return ptr
}

func (s *Store) pageWrite(ptr uint64, node []byte) {
	if len(node) != BTREE_PAGE_SIZE {
		panic("page size mismatch")
	}
	s.page.updates[ptr] = node
}

func (s *Store) pageFree(ptr uint64) {
	if ptr < s.page.flushed {
		s.free.PushTail(ptr)
	}
}

func (s *Store) saveMeta() []byte {
	var data [META_PAGE_SIZE]byte
	copy(data[:16], []byte(DB_SIG))
	binary.LittleEndian.PutUint64(data[16:], s.catalog.GetRoot())
	binary.LittleEndian.PutUint64(data[24:], s.page.flushed)

	copy(data[32:], s.free.Serialize())

	binary.LittleEndian.PutUint64(data[72:], uint64(s.nextMapID))

	return data[:]
}

func (s *Store) loadMeta(data []byte) {
	s.catalog.SetRoot(binary.LittleEndian.Uint64(data[16:]))
	s.page.flushed = binary.LittleEndian.Uint64(data[24:])
	s.free.Deserialize(data[32:72])
	s.nextMapID = uint32(binary.LittleEndian.Uint64(data[72:]))
	if s.nextMapID == 0 {
		s.nextMapID = 1
	}
}

func (s *Store) readMeta() error {
	data := s.mmap.chunks[0][:META_PAGE_SIZE]

	sig := string(data[:16])
	if sig != DB_SIG {
		return fmt.Errorf("invalid database signature: %s", sig)
	}

	s.loadMeta(data)
	return nil
}

func (s *Store) updateOrRevert(meta []byte) error {
	if s.failed {
		if err := s.writeMeta(meta); err != nil {
			return err
		}
		if err := syscall.Fsync(s.fd); err != nil {
			return err
		}
		s.failed = false
	}

	savedMaxSeq := s.free.maxSeq
	s.free.SetMaxSeq()

	err := s.updateFile()

	if err != nil {
		s.loadMeta(meta)
		s.page.temp = s.page.temp[:0]
		s.page.updates = make(map[uint64][]byte)
		s.free.maxSeq = savedMaxSeq
		s.failed = true
	} else {
		s.free.maxSeq = s.free.tailSeq
	}

	return err
}

func (s *Store) updateFile() error {
	if err := s.writePages(); err != nil {
		return err
	}

	if err := syscall.Fsync(s.fd); err != nil {
		return err
	}

	if err := s.writeMeta(s.saveMeta()); err != nil {
		return err
	}

	return syscall.Fsync(s.fd)
}

func (s *Store) writePages() error {
	for ptr, page := range s.page.updates {
		offset := int64(ptr * BTREE_PAGE_SIZE)
		if _, err := syscall.Pwrite(s.fd, page, offset); err != nil {
			return err
		}
	}

	s.page.updates = make(map[uint64][]byte)

	if len(s.page.temp) == 0 {
		return nil
	}

	size := int(s.page.flushed+uint64(len(s.page.temp))) * BTREE_PAGE_SIZE
	if err := s.extendMmap(size); err != nil {
		return err
	}

	offset := int64(s.page.flushed * BTREE_PAGE_SIZE)
	for _, page := range s.page.temp {
		if _, err := syscall.Pwrite(s.fd, page, offset); err != nil {
			return err
		}
		offset += BTREE_PAGE_SIZE
	}

	s.page.flushed += uint64(len(s.page.temp))
	s.page.temp = s.page.temp[:0]

	return nil
}

func (s *Store) writeMeta(data []byte) error {
	_, err := syscall.Pwrite(s.fd, data, 0)
	if err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	return nil
}

func (s *Store) extendMmap(size int) error {
	if size <= s.mmap.total {
		return nil
	}

	alloc := maxInt(s.mmap.total, 64<<20)
	for s.mmap.total+alloc < size {
		alloc *= 2
	}

	chunk, err := syscall.Mmap(s.fd, int64(s.mmap.total), alloc, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	s.mmap.total += alloc
	s.mmap.chunks = append(s.mmap.chunks, chunk)

	return nil
}

func createFileSync(file string) (int, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(file, flags, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}

	dirfd, err := syscall.Open(path.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer syscall.Close(dirfd)

	if err = syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}

	return fd, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func encodeCatalogEntry(id uint32, root uint64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	binary.LittleEndian.PutUint64(buf[4:12], root)
	return buf
}

func decodeCatalogEntry(data []byte) (uint32, uint64) {
	id := binary.LittleEndian.Uint32(data[0:4])
	root := binary.LittleEndian.Uint64(data[4:12])
	return id, root
}
