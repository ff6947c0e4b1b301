// Package inode implements the extensible indexed inode layer of
// spec.md §4.5: direct plus single- and double-indirect sector
// pointers over the block cache, open-inode deduplication, extension
// on write, and deny-write. Grounded directly on
// original_source/pintos/src/filesys/inode.c's FS-enabled branch
// (the one with cache_entry-based locking, not the bounce-buffer
// branch), translated from pthread locks/condvars to sync.Mutex/Cond.
package inode

import (
	"sync"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/freemap"
	"github.com/ziqian2000/gokernel/util"
)

const (
	directMax  = 123
	pointerMax = defs.SectorSize / 4 // 128 pointers per indirect sector
	sectorMax  = directMax + 1 + 1   // 125: direct + single + double

	offPointers = 0
	offType     = 500
	offLength   = 504
	offMagic    = 508

	// MaxFileBytes is the largest offset an inode can address:
	// (123 + 128 + 128*128) sectors.
	MaxFileBytes = int64(directMax+pointerMax+pointerMax*pointerMax) * defs.SectorSize
)

// resolveOffset maps a sector ordinal to the path of pointer-array
// indices that locate it, and how many hops (1, 2, or 3) that takes.
func resolveOffset(ordinal int64) ([]int, int) {
	if ordinal < directMax {
		return []int{int(ordinal)}, 1
	}
	ordinal -= directMax
	if ordinal < pointerMax {
		return []int{directMax, int(ordinal)}, 2
	}
	ordinal -= pointerMax
	return []int{directMax + 1, int(ordinal / pointerMax), int(ordinal % pointerMax)}, 3
}

// hierarchyOf reports how many levels of indirect sectors a direct
// slot in the inode's 125-entry pointer array stands above a leaf
// data sector: 0 for a direct pointer, 1 for the single-indirect
// slot, 2 for the double-indirect slot.
func hierarchyOf(slot int) int {
	switch {
	case slot < directMax:
		return 0
	case slot == directMax:
		return 1
	default:
		return 2
	}
}

// Inode is an open in-memory inode, the unit the open-inode table
// deduplicates on sector.
type Inode struct {
	sector defs.Sector

	mu sync.Mutex // general-purpose lock behind Lock/Unlock

	refMu   sync.Mutex
	openCnt int
	removed bool

	denyMu       sync.Mutex
	denyCond     *sync.Cond
	denyWriteCnt int
	activeWrites int

	cache   *cache.Cache
	freemap *freemap.Map
}

// Sector returns the inode's on-disk sector number.
func (ino *Inode) Sector() defs.Sector { return ino.sector }

// Lock acquires the inode's general-purpose lock. The directory layer
// does not take it: each directory.Directory value serializes its own
// add/remove/lookup with a mutex of its own, so two Directory values
// over the same inode do not exclude each other through this lock.
func (ino *Inode) Lock() { ino.mu.Lock() }

// Unlock releases the general-purpose lock.
func (ino *Inode) Unlock() { ino.mu.Unlock() }

// ReadAt implements io.ReaderAt over the inode's byte range, honoring
// holes as zero bytes and never reading past the inode's length.
func (ino *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	read := 0
	size := len(buf)
	for size > 0 {
		sectorOfs := int(offset % defs.SectorSize)
		length := ino.Length()
		inodeLeft := length - offset
		if inodeLeft <= 0 {
			break
		}
		sectorLeft := defs.SectorSize - sectorOfs
		chunk := util.Min(size, util.Min(int(inodeLeft), sectorLeft))
		if chunk <= 0 {
			break
		}

		entry, err := ino.getDataBlock(offset, false)
		if err != nil {
			return read, err
		}
		if entry == nil {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else {
			payload := ino.cache.Read(entry)
			copy(buf[read:read+chunk], payload[sectorOfs:sectorOfs+chunk])
			ino.cache.Unlock(entry)
		}

		size -= chunk
		offset += int64(chunk)
		read += chunk
	}
	return read, nil
}

// WriteAt implements io.WriterAt, extending the inode on demand and
// returning 0 without side effect while deny-write is in force.
func (ino *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	ino.denyMu.Lock()
	if ino.denyWriteCnt > 0 {
		ino.denyMu.Unlock()
		return 0, nil
	}
	ino.activeWrites++
	ino.denyMu.Unlock()

	written := 0
	size := len(buf)
	for size > 0 {
		sectorOfs := int(offset % defs.SectorSize)
		sectorLeft := defs.SectorSize - sectorOfs
		inodeLeft := MaxFileBytes - offset
		chunk := util.Min(size, util.Min(int(inodeLeft), sectorLeft))
		if chunk <= 0 {
			break
		}

		entry, err := ino.getDataBlock(offset, true)
		if err != nil || entry == nil {
			break
		}
		payload := ino.cache.Read(entry)
		copy(payload[sectorOfs:sectorOfs+chunk], buf[written:written+chunk])
		ino.cache.MarkDirty(entry)
		ino.cache.Unlock(entry)

		size -= chunk
		offset += int64(chunk)
		written += chunk
	}

	if written > 0 {
		ino.updateLength(offset)
	}

	ino.denyMu.Lock()
	ino.activeWrites--
	if ino.activeWrites == 0 {
		ino.denyCond.Broadcast()
	}
	ino.denyMu.Unlock()

	return written, nil
}

// Length reads the inode's current length in bytes.
func (ino *Inode) Length() int64 {
	entry := ino.cache.Lock(ino.sector, defs.Shared)
	defer ino.cache.Unlock(entry)
	payload := ino.cache.Read(entry)
	return int64(util.GetUint32LE(payload, offLength))
}

// Type reads the inode's type tag (file or directory).
func (ino *Inode) Type() defs.InodeType {
	entry := ino.cache.Lock(ino.sector, defs.Shared)
	defer ino.cache.Unlock(entry)
	payload := ino.cache.Read(entry)
	return defs.InodeType(util.GetUint32LE(payload, offType))
}

// ReachableSectors returns ino's own sector plus every indirect and
// data sector its pointer tree currently reaches, without allocating
// or freeing anything. corefsck uses this to check spec.md §8
// invariant 3 (every sector reachable from an open inode is marked
// allocated in the free-map).
func (ino *Inode) ReachableSectors() []defs.Sector {
	out := []defs.Sector{ino.sector}
	entry := ino.cache.Lock(ino.sector, defs.Shared)
	payload := ino.cache.Read(entry)
	ptrs := make([]uint32, sectorMax)
	for i := range ptrs {
		ptrs[i] = util.GetUint32LE(payload, i*4)
	}
	ino.cache.Unlock(entry)

	for i, p := range ptrs {
		if p != 0 {
			out = append(out, ino.reachableRecursive(defs.Sector(p), hierarchyOf(i))...)
		}
	}
	return out
}

func (ino *Inode) reachableRecursive(sector defs.Sector, level int) []defs.Sector {
	out := []defs.Sector{sector}
	if level > 0 {
		entry := ino.cache.Lock(sector, defs.Shared)
		payload := ino.cache.Read(entry)
		ptrs := make([]uint32, pointerMax)
		for i := range ptrs {
			ptrs[i] = util.GetUint32LE(payload, i*4)
		}
		ino.cache.Unlock(entry)
		for _, p := range ptrs {
			if p != 0 {
				out = append(out, ino.reachableRecursive(defs.Sector(p), level-1)...)
			}
		}
	}
	return out
}

func (ino *Inode) updateLength(newOffset int64) {
	if newOffset <= ino.Length() {
		return
	}
	entry := ino.cache.Lock(ino.sector, defs.Exclusive)
	defer ino.cache.Unlock(entry)
	payload := ino.cache.Read(entry)
	cur := int64(util.GetUint32LE(payload, offLength))
	if newOffset > cur {
		util.PutUint32LE(payload, offLength, uint32(newOffset))
		ino.cache.MarkDirty(entry)
	}
}

// DenyWrite blocks until no write is in flight, then disables writes.
// May be called more than once by different openers; each must be
// matched by AllowWrite.
func (ino *Inode) DenyWrite() {
	ino.denyMu.Lock()
	for ino.activeWrites > 0 {
		ino.denyCond.Wait()
	}
	ino.denyWriteCnt++
	ino.denyMu.Unlock()
}

// AllowWrite reverses one DenyWrite.
func (ino *Inode) AllowWrite() {
	ino.denyMu.Lock()
	if ino.denyWriteCnt > 0 {
		ino.denyWriteCnt--
	}
	ino.denyMu.Unlock()
}

// getDataBlock walks the offset's pointer path, allocating missing
// sectors along the way if allocate is set, and returns the leaf data
// sector locked SHARED (reads) or EXCLUSIVE (writes). A nil entry
// with a nil error means offset falls in an unallocated hole and
// allocate was false.
func (ino *Inode) getDataBlock(offset int64, allocate bool) (*cache.Entry, error) {
	path, hierarchy := resolveOffset(offset / defs.SectorSize)
	h := 0
	currentSector := ino.sector

	for {
		curEntry := ino.cache.Lock(currentSector, defs.Shared)
		data := ino.cache.Read(curEntry)
		ptr := util.GetUint32LE(data, path[h]*4)

		if ptr != 0 {
			nextSector := defs.Sector(ptr)
			if h == hierarchy-1 {
				ino.cache.Unlock(curEntry)
				mode := defs.Shared
				if allocate {
					mode = defs.Exclusive
				}
				return ino.cache.Lock(nextSector, mode), nil
			}
			ino.cache.Unlock(curEntry)
			currentSector = nextSector
			h++
			continue
		}
		ino.cache.Unlock(curEntry)

		if !allocate {
			return nil, nil
		}

		curEntry = ino.cache.Lock(currentSector, defs.Exclusive)
		data = ino.cache.Read(curEntry)
		ptr = util.GetUint32LE(data, path[h]*4)
		if ptr != 0 {
			// Someone else allocated it while we waited; retry this hop.
			ino.cache.Unlock(curEntry)
			continue
		}

		newSector, err := ino.freemap.AllocateOne()
		if err != nil {
			ino.cache.Unlock(curEntry)
			return nil, err
		}
		util.PutUint32LE(data, path[h]*4, uint32(newSector))
		ino.cache.MarkDirty(curEntry)

		newEntry := ino.cache.Lock(newSector, defs.Exclusive)
		ino.cache.SetZero(newEntry)
		ino.cache.Unlock(curEntry)

		if h == hierarchy-1 {
			return newEntry, nil
		}
		currentSector = newSector
		ino.cache.Unlock(newEntry)
		h++
	}
}

// Table is the open-inode table of spec.md §4.5 / §9: repeated Open
// calls on the same sector return the same *Inode, refcounted.
type Table struct {
	mu      sync.Mutex
	open    map[defs.Sector]*Inode
	cache   *cache.Cache
	freemap *freemap.Map
}

// NewTable builds an empty open-inode table over c and fm.
func NewTable(c *cache.Cache, fm *freemap.Map) *Table {
	return &Table{open: make(map[defs.Sector]*Inode), cache: c, freemap: fm}
}

// Create allocates a fresh sector, stamps an empty inode of typ, and
// returns it already open.
func (t *Table) Create(typ defs.InodeType) (*Inode, error) {
	sector, err := t.freemap.AllocateOne()
	if err != nil {
		return nil, err
	}
	if err := t.initSector(sector, typ); err != nil {
		t.freemap.Release(sector)
		return nil, err
	}
	ino, err := t.Open(sector)
	if err != nil {
		t.freemap.Release(sector)
		return nil, err
	}
	return ino, nil
}

// CreateAt is Create for a caller that has already reserved sector
// (e.g. the well-known root directory sector at format time).
func (t *Table) CreateAt(sector defs.Sector, typ defs.InodeType) (*Inode, error) {
	if err := t.initSector(sector, typ); err != nil {
		return nil, err
	}
	return t.Open(sector)
}

func (t *Table) initSector(sector defs.Sector, typ defs.InodeType) error {
	entry := t.cache.Lock(sector, defs.Exclusive)
	payload := t.cache.SetZero(entry)
	util.PutUint32LE(payload, offType, uint32(typ))
	util.PutUint32LE(payload, offLength, 0)
	util.PutUint32LE(payload, offMagic, defs.InodeMagic)
	t.cache.MarkDirty(entry)
	t.cache.Unlock(entry)
	return nil
}

// Open returns the (possibly shared) in-memory Inode for sector,
// incrementing its open count.
func (t *Table) Open(sector defs.Sector) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ino, ok := t.open[sector]; ok {
		ino.refMu.Lock()
		ino.openCnt++
		ino.refMu.Unlock()
		return ino, nil
	}
	ino := &Inode{sector: sector, openCnt: 1, cache: t.cache, freemap: t.freemap}
	ino.denyCond = sync.NewCond(&ino.denyMu)
	t.open[sector] = ino
	return ino, nil
}

// Reopen increments ino's open count and returns it, for callers that
// want an independent close-to-open pairing over the same handle
// (e.g. mmap reopening the mapped file, per spec.md §4.7).
func (t *Table) Reopen(ino *Inode) *Inode {
	ino.refMu.Lock()
	ino.openCnt++
	ino.refMu.Unlock()
	return ino
}

// Remove marks ino for deletion once its last opener closes it.
func (t *Table) Remove(ino *Inode) {
	ino.refMu.Lock()
	ino.removed = true
	ino.refMu.Unlock()
}

// Close drops one opener's reference; on the last close of a removed
// inode, every sector it owns is freed by depth-first descent through
// the indirect trees.
func (t *Table) Close(ino *Inode) error {
	ino.refMu.Lock()
	ino.openCnt--
	last := ino.openCnt == 0
	removed := ino.removed
	ino.refMu.Unlock()

	if !last {
		return nil
	}

	t.mu.Lock()
	delete(t.open, ino.sector)
	t.mu.Unlock()

	if removed {
		return t.erase(ino)
	}
	return nil
}

// erase frees every sector ino owns, recursively through its indirect
// trees, then releases the inode's own sector.
func (t *Table) erase(ino *Inode) error {
	entry := t.cache.Lock(ino.sector, defs.Exclusive)
	payload := t.cache.Read(entry)
	ptrs := make([]uint32, sectorMax)
	for i := range ptrs {
		ptrs[i] = util.GetUint32LE(payload, i*4)
	}
	t.cache.Unlock(entry)

	for i, p := range ptrs {
		if p != 0 {
			t.eraseRecursive(defs.Sector(p), hierarchyOf(i))
		}
	}
	t.cache.Drop(ino.sector)
	return t.freemap.Release(ino.sector)
}

func (t *Table) eraseRecursive(sector defs.Sector, level int) {
	if level > 0 {
		entry := t.cache.Lock(sector, defs.Exclusive)
		payload := t.cache.Read(entry)
		ptrs := make([]uint32, pointerMax)
		for i := range ptrs {
			ptrs[i] = util.GetUint32LE(payload, i*4)
		}
		t.cache.Unlock(entry)
		for _, p := range ptrs {
			if p != 0 {
				t.eraseRecursive(defs.Sector(p), level-1)
			}
		}
	}
	t.cache.Drop(sector)
	if err := t.freemap.Release(sector); err != nil {
		// A double-free here would indicate a corrupt indirect tree;
		// surfacing it as a panic matches spec.md §7's "Fatal" kind.
		defs.Fatal("inode: release of sector %d during erase: %v", sector, err)
	}
}
