// Package frame implements the physical-user-frame arena and
// second-chance eviction of spec.md §4.3, grounded on
// original_source/pintos/pintos/src/vm/frame.c (frame_get/frame_free/
// frame_evict) and the teacher's mem.Physmem_t free-list-over-array
// shape (mem/mem.go) -- a dense arena with an index, rather than a
// linked allocator, so acquiring a frame never itself allocates.
package frame

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/metrics"
	"github.com/ziqian2000/gokernel/sched"
	"github.com/ziqian2000/gokernel/swap"
)

// Backing is the SPT entry interface the frame table needs to run
// eviction without importing the spt package (which imports frame to
// acquire frames -- this interface is the boundary that avoids the
// cycle). spt.Entry implements it.
type Backing interface {
	// Pinned reports whether eviction must skip this page.
	Pinned() bool
	// Kind reports the current SptType tag.
	Kind() defs.SptType
	// Accessed reports and does not clear the hardware accessed bit.
	Accessed() bool
	// ClearAccessed gives the page a second chance.
	ClearAccessed()
	// Dirty reports the hardware dirty bit.
	Dirty() bool
	// ClearPTE unmaps the page from its owner's page table so the next
	// access faults.
	ClearPTE()
	// WriteBackMmap writes frame's contents to the MMAP page's backing
	// file at its (offset, read_bytes). Only called for type==MMAP.
	WriteBackMmap(frame []byte) error
	// PromoteToSwap changes a writable FILE entry's tag to SWAP ahead
	// of dumping it (spec.md §4.3, case 3).
	PromoteToSwap()
	// SetSwapSlot records where a SWAP-typed page's contents now live.
	SetSwapSlot(slot swap.SlotIndex)
	// SetPresent marks whether a frame currently backs this entry.
	SetPresent(present bool)
}

type tableEntry struct {
	idx     int
	owner   sched.Thread_i
	backing Backing
}

// Table is the physical-frame arena plus its second-chance eviction
// cursor. One Table instance models the set of physical pages the
// kernel has set aside for user pages.
type Table struct {
	mu sync.Mutex

	arena   [][]byte
	inUse   []*tableEntry // inUse[i] == nil means arena[i] is free
	freeIdx []int
	cursor  int

	swapDev *swap.Device
	metrics *metrics.Core
	log     *slog.Logger
}

// New allocates an arena of npages page-sized frames.
func New(npages int, swapDev *swap.Device, m *metrics.Core, log *slog.Logger) *Table {
	if m == nil {
		m = metrics.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		arena:   make([][]byte, npages),
		inUse:   make([]*tableEntry, npages),
		freeIdx: make([]int, npages),
		swapDev: swapDev,
		metrics: m,
		log:     log,
	}
	for i := range t.arena {
		t.arena[i] = make([]byte, defs.PageSize)
		t.freeIdx[i] = npages - 1 - i
	}
	return t
}

// Acquire returns a physical frame for backing, evicting a victim via
// second chance if the pool is empty. If zeroFill is set the frame's
// contents are zeroed before being handed out.
func (t *Table) Acquire(owner sched.Thread_i, backing Backing, zeroFill bool) ([]byte, error) {
	t.mu.Lock()
	idx, err := t.takeFreeLocked()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.inUse[idx] = &tableEntry{idx: idx, owner: owner, backing: backing}
	frame := t.arena[idx]
	t.mu.Unlock()

	if zeroFill {
		for i := range frame {
			frame[i] = 0
		}
	}
	t.metrics.FramesInUse.Inc()
	return frame, nil
}

// takeFreeLocked returns a free arena index, evicting if necessary.
// t.mu must be held; it may be released and reacquired internally
// while a victim's dirty contents are written back (spec.md's lock
// ordering: frame-table locks are released before filesys_lock/swap
// I/O is taken).
func (t *Table) takeFreeLocked() (int, error) {
	if n := len(t.freeIdx); n > 0 {
		idx := t.freeIdx[n-1]
		t.freeIdx = t.freeIdx[:n-1]
		return idx, nil
	}
	return t.evictLocked()
}

// evictLocked runs the second-chance scan of spec.md §4.3. t.mu is
// held on entry; it is released while the victim's contents are
// written back and reacquired before returning.
func (t *Table) evictLocked() (int, error) {
	n := len(t.inUse)
	// A page can need several laps (its accessed bit cleared once,
	// found again with it still unset) before becoming a victim; cap
	// iterations generously rather than spinning forever if every
	// frame is pinned, which would otherwise hang instead of
	// surfacing the programming error.
	for pass := 0; pass < n*4; pass++ {
		te := t.inUse[t.cursor]
		cur := t.cursor
		t.cursor = (t.cursor + 1) % n
		if te == nil {
			continue
		}
		if te.backing.Pinned() {
			continue
		}
		if te.backing.Accessed() {
			te.backing.ClearAccessed()
			continue
		}

		// Victim found. Pull it out of the allocatable set before
		// releasing t.mu: otherwise a concurrent Acquire racing us into
		// evictLocked would scan past cur, see te still installed and
		// not pinned/accessed, and pick the same frame as its own
		// victim -- handing one physical page to two SPT entries.
		te.backing.ClearPTE()
		frame := t.arena[cur]
		kind := te.backing.Kind()
		dirty := te.backing.Dirty()
		t.inUse[cur] = nil

		t.mu.Unlock()
		var writeErr error
		switch {
		case kind == defs.SptMmap && dirty:
			writeErr = te.backing.WriteBackMmap(frame)
		case kind == defs.SptSwap:
			slot := t.swapDev.Dump(frame)
			te.backing.SetSwapSlot(slot)
		case kind == defs.SptFile && dirty:
			te.backing.PromoteToSwap()
			slot := t.swapDev.Dump(frame)
			te.backing.SetSwapSlot(slot)
		default:
			// Clean ELF/MMAP page: simply dropped.
		}
		t.mu.Lock()

		if writeErr != nil {
			t.log.Error("frame: mmap write-back failed on eviction", "err", writeErr)
		}
		te.backing.SetPresent(false)
		t.metrics.FrameEvictions.Inc()
		t.metrics.FramesInUse.Dec()
		return cur, nil
	}
	return 0, errors.New("frame: no evictable victim found (every frame pinned?)")
}

// Release voluntarily frees a frame the caller no longer needs
// (reverses Acquire for a page dropped without eviction, e.g. munmap
// of a clean page or process teardown).
func (t *Table) Release(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, a := range t.arena {
		if &a[0] == &frame[0] {
			if t.inUse[i] != nil {
				t.inUse[i] = nil
				t.metrics.FramesInUse.Dec()
			}
			t.freeIdx = append(t.freeIdx, i)
			return
		}
	}
	t.log.Warn("frame: release of a frame not owned by this table")
}

// InUse reports how many frames are currently assigned, for tests and
// diagnostics.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inUse) - len(t.freeIdx)
}
