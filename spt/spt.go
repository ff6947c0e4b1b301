// Package spt implements the per-process supplemental page table of
// spec.md §4.4: a virtual-page-keyed map of where each page's
// canonical contents live, the page-fault policy, stack growth, and
// the pin/unpin contract syscalls use before touching a user buffer.
// Grounded on original_source/pintos/src/vm/page.c (spt_load,
// spt_stack_growth, spt_link_elf/mmap) and the teacher's vm/as.go
// Vm_t for the "one mutex guards the whole address space" shape.
package spt

import (
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/frame"
	"github.com/ziqian2000/gokernel/sched"
	"github.com/ziqian2000/gokernel/swap"
)

// ReadWriterAt is the file handle a FILE or MMAP entry reads and
// writes through -- satisfied directly by the inode package's open
// file handles, via the standard io.ReaderAt/io.WriterAt shape rather
// than a bespoke interface.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// ErrTerminate signals that the page-fault policy determined the
// faulting process must be killed with exit code -1 (spec.md §4.4,
// §8 S3).
var ErrTerminate = errors.New("spt: fault is not resolvable, process must terminate")

// FilesysLock is spec.md §5's `filesys_lock`: held across user-visible
// filesystem syscalls that touch the on-disk FS, and by the eviction
// write-back path below so the two can never race over the same
// file. It is a single process-wide lock rather than one threaded
// through every call site, matching the teacher's convention of
// package-level singletons for kernel-wide arenas (e.g. Physmem).
var FilesysLock sync.Mutex

// Entry is one supplemental-page-table entry: spec.md §3's SPT entry,
// keyed externally by its virtual page address.
type Entry struct {
	mu sync.Mutex

	vpage    uintptr
	kind     defs.SptType
	writable bool
	present  bool
	pinned   int
	accessed bool
	dirty    bool

	frame []byte

	file      ReadWriterAt
	fileOfs   int64
	readBytes int
	zeroBytes int

	swapSlot    swap.SlotIndex
	hasSwapSlot bool

	mapid int // valid only for MMAP entries
}

// Addr returns the entry's virtual page address.
func (e *Entry) Addr() uintptr {
	return e.vpage
}

// IsPresent reports whether the page currently occupies a frame.
func (e *Entry) IsPresent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.present
}

// Writable reports the page's writability.
func (e *Entry) Writable() bool {
	return e.writable
}

// Frame returns the backing frame bytes, or nil if not present. The
// caller must not retain the slice past the next fault/eviction on
// this entry; syscalls that need a stable view must pin first.
func (e *Entry) Frame() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// Touch simulates the hardware "accessed" bit being set by a memory
// reference; MarkDirty simulates the hardware dirty bit. The core has
// no real page tables to consult, so callers that read/write through
// an Entry's Frame() must call these themselves -- the one deliberate
// divergence from true hardware accessed/dirty bits.
func (e *Entry) Touch() {
	e.mu.Lock()
	e.accessed = true
	e.mu.Unlock()
}

// MarkDirty records that the frame's contents were modified.
func (e *Entry) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// --- frame.Backing -----------------------------------------------

func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned > 0
}

func (e *Entry) Kind() defs.SptType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

func (e *Entry) Accessed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessed
}

func (e *Entry) ClearAccessed() {
	e.mu.Lock()
	e.accessed = false
	e.mu.Unlock()
}

func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

func (e *Entry) ClearPTE() {
	e.mu.Lock()
	e.present = false
	e.frame = nil
	e.mu.Unlock()
}

func (e *Entry) WriteBackMmap(f []byte) error {
	e.mu.Lock()
	file, ofs, n := e.file, e.fileOfs, e.readBytes
	e.mu.Unlock()
	FilesysLock.Lock()
	defer FilesysLock.Unlock()
	_, err := file.WriteAt(f[:n], ofs)
	return err
}

func (e *Entry) PromoteToSwap() {
	e.mu.Lock()
	e.kind = defs.SptSwap
	e.mu.Unlock()
}

func (e *Entry) SetSwapSlot(slot swap.SlotIndex) {
	e.mu.Lock()
	e.swapSlot = slot
	e.hasSwapSlot = true
	e.mu.Unlock()
}

func (e *Entry) SetPresent(present bool) {
	e.mu.Lock()
	e.present = present
	e.mu.Unlock()
}

var _ frame.Backing = (*Entry)(nil)

// Table is a per-process supplemental page table plus its mmap list
// and stack-growth bookkeeping -- the "Per-process memory state" of
// spec.md §3, minus the cwd and page directory which belong to the
// process-glue layer.
type Table struct {
	mu sync.Mutex

	entries map[uintptr]*Entry
	mmaps   map[int][]*Entry

	frames  *frame.Table
	swapDev *swap.Device
	owner   sched.Thread_i
	log     *slog.Logger

	// StackTop is PHYS_BASE: the highest user virtual address, used
	// to compute the 8 MiB stack-growth cap.
	StackTop uintptr

	nextMapid int
}

// New builds an empty Table for one process.
func New(owner sched.Thread_i, frames *frame.Table, swapDev *swap.Device, stackTop uintptr, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		entries:  make(map[uintptr]*Entry),
		mmaps:    make(map[int][]*Entry),
		frames:   frames,
		swapDev:  swapDev,
		owner:    owner,
		StackTop: stackTop,
		log:      log,
	}
}

func pageDown(addr uintptr) uintptr {
	return addr &^ (defs.PageSize - 1)
}

// Lookup returns the entry for the page containing addr, if any.
func (t *Table) Lookup(addr uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pageDown(addr)]
	return e, ok
}

// LinkElf registers a lazily-loaded FILE page (an ELF code or
// initialized-data page): not present, not pinned, read via file at
// ofs for read_bytes then zero-filled for the remainder of the page.
func (t *Table) LinkElf(file ReadWriterAt, ofs int64, vpage uintptr, readBytes, zeroBytes int, writable bool) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[vpage]; exists {
		return nil, errors.New("spt: page already mapped")
	}
	e := &Entry{
		vpage: vpage, kind: defs.SptFile, writable: writable,
		file: file, fileOfs: ofs, readBytes: readBytes, zeroBytes: zeroBytes,
	}
	t.entries[vpage] = e
	return e, nil
}

// LinkMmap registers a lazily-loaded MMAP page and appends it to a
// fresh mapid's mmap-list entry.
func (t *Table) LinkMmap(file ReadWriterAt, ofs int64, vpage uintptr, readBytes, zeroBytes int, writable bool, mapid int) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[vpage]; exists {
		return nil, errors.New("spt: page already mapped")
	}
	e := &Entry{
		vpage: vpage, kind: defs.SptMmap, writable: writable,
		file: file, fileOfs: ofs, readBytes: readBytes, zeroBytes: zeroBytes,
		mapid: mapid,
	}
	t.entries[vpage] = e
	t.mmaps[mapid] = append(t.mmaps[mapid], e)
	return e, nil
}

// NewMapid allocates the next fresh mapid for a pending mmap.
func (t *Table) NewMapid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextMapid++
	return t.nextMapid
}

// MmapEntries returns the entries registered under mapid.
func (t *Table) MmapEntries(mapid int) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Entry(nil), t.mmaps[mapid]...)
}

// Load makes e present, pinning it for the duration of the load.
// Callers are responsible for calling Unpin once they are done with
// the frame (spec.md §4.4's pinning contract).
func (t *Table) Load(e *Entry) error {
	e.mu.Lock()
	e.pinned++
	if e.present {
		e.accessed = true
		e.mu.Unlock()
		return nil
	}
	kind := e.kind
	e.mu.Unlock()

	var frameBuf []byte
	var err error

	switch kind {
	case defs.SptFile, defs.SptMmap:
		e.mu.Lock()
		zeroOnly := e.readBytes == 0
		file, fileOfs, readBytes, zeroBytes := e.file, e.fileOfs, e.readBytes, e.zeroBytes
		e.mu.Unlock()

		frameBuf, err = t.frames.Acquire(t.owner, e, zeroOnly)
		if err != nil {
			break
		}

		FilesysLock.Lock()
		n, rerr := file.ReadAt(frameBuf[:readBytes], fileOfs)
		FilesysLock.Unlock()
		if rerr != nil && rerr != io.EOF {
			t.frames.Release(frameBuf)
			err = errors.Wrap(rerr, "spt: read backing file")
			break
		}
		for i := n; i < readBytes; i++ {
			frameBuf[i] = 0
		}
		for i := readBytes; i < readBytes+zeroBytes && i < len(frameBuf); i++ {
			frameBuf[i] = 0
		}
	case defs.SptSwap:
		frameBuf, err = t.frames.Acquire(t.owner, e, false)
		if err != nil {
			break
		}
		e.mu.Lock()
		slot, has := e.swapSlot, e.hasSwapSlot
		e.mu.Unlock()
		if !has {
			err = errors.New("spt: swap-typed page has no slot to load")
			break
		}
		t.swapDev.Load(slot, frameBuf)
	default:
		err = errors.Errorf("spt: unknown page type %v", kind)
	}

	if err != nil {
		e.mu.Lock()
		e.pinned--
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.frame = frameBuf
	e.present = true
	e.accessed = true
	e.mu.Unlock()
	return nil
}

// Unpin releases one pin taken by Load or PinRange.
func (t *Table) Unpin(e *Entry) {
	e.mu.Lock()
	if e.pinned > 0 {
		e.pinned--
	}
	e.mu.Unlock()
}

// StackGrowth installs a fresh zero-filled, present, writable SWAP
// page at the page containing addr, if doing so would not exceed the
// 8 MiB stack cap below StackTop (spec.md §4.4, S3).
func (t *Table) StackGrowth(addr uintptr) (*Entry, error) {
	vpage := pageDown(addr)
	if uintptr(t.StackTop-vpage) > defs.StackCap {
		return nil, errors.New("spt: stack growth would exceed the 8MiB cap")
	}

	e := &Entry{vpage: vpage, kind: defs.SptSwap, writable: true}
	frameBuf, err := t.frames.Acquire(t.owner, e, true)
	if err != nil {
		return nil, err
	}
	e.frame = frameBuf
	e.present = true

	t.mu.Lock()
	t.entries[vpage] = e
	t.mu.Unlock()
	return e, nil
}

// Remove drops e from the table (munmap or process teardown). If e is
// present, MMAP-typed, and dirty, its contents are written back first.
func (t *Table) Remove(e *Entry) error {
	e.mu.Lock()
	present, kind, dirty, frameBuf := e.present, e.kind, e.dirty, e.frame
	e.mu.Unlock()

	if present {
		if kind == defs.SptMmap && dirty {
			if err := e.WriteBackMmap(frameBuf); err != nil {
				return errors.Wrap(err, "spt: remove write-back")
			}
		}
		t.frames.Release(frameBuf)
		e.SetPresent(false)
	}

	t.mu.Lock()
	delete(t.entries, e.vpage)
	t.mu.Unlock()
	return nil
}

// HandleFault implements the page-fault policy of spec.md §4.4: an
// existing SPT entry is loaded; an address just below esp and within
// the stack cap grows the stack; anything else is reported so the
// caller can terminate the process with exit code -1.
func (t *Table) HandleFault(faultAddr, esp uintptr, fromKernel bool) (*Entry, error) {
	if e, ok := t.Lookup(faultAddr); ok {
		if err := t.Load(e); err != nil {
			return nil, err
		}
		return e, nil
	}
	if !fromKernel && faultAddr+defs.StackFaultSlack >= esp && faultAddr < t.StackTop {
		e, err := t.StackGrowth(faultAddr)
		if err != nil {
			return nil, errors.Wrap(ErrTerminate, err.Error())
		}
		return e, nil
	}
	return nil, ErrTerminate
}

// PinRange walks every page covering [addr, addr+length), Load()ing
// (and thereby pinning) each, for the syscall pinning contract of
// spec.md §4.4: the kernel must not let a page it is about to
// read/write through be evicted mid-syscall. If forWrite is set, a
// page that is present but not writable causes the whole call to fail
// (and everything pinned so far is unpinned) before any I/O happens.
func (t *Table) PinRange(addr uintptr, length int, forWrite bool) ([]*Entry, error) {
	var pinned []*Entry
	start := pageDown(addr)
	end := pageDown(addr+uintptr(length)-1) + defs.PageSize
	for va := start; va < end; va += defs.PageSize {
		e, ok := t.Lookup(va)
		if !ok {
			t.UnpinAll(pinned)
			return nil, errors.Errorf("spt: no mapping for page %#x", va)
		}
		if err := t.Load(e); err != nil {
			t.UnpinAll(pinned)
			return nil, err
		}
		if forWrite && !e.Writable() {
			t.UnpinAll(pinned)
			t.Unpin(e)
			return nil, defs.EPERM
		}
		pinned = append(pinned, e)
	}
	return pinned, nil
}

// UnpinAll releases every pin in entries, the other half of the
// PinRange contract.
func (t *Table) UnpinAll(entries []*Entry) {
	for _, e := range entries {
		t.Unpin(e)
	}
}

// Destroy frees every present entry's frame and clears the table, for
// process exit (spec.md §4.7).
func (t *Table) Destroy() {
	t.mu.Lock()
	all := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	t.entries = make(map[uintptr]*Entry)
	t.mmaps = make(map[int][]*Entry)
	t.mu.Unlock()

	for _, e := range all {
		if e.IsPresent() {
			if e.Kind() == defs.SptMmap && e.Dirty() {
				if err := e.WriteBackMmap(e.Frame()); err != nil {
					t.log.Error("spt: destroy write-back failed", "addr", e.Addr(), "err", err)
				}
			}
			t.frames.Release(e.Frame())
			e.SetPresent(false)
		}
	}
}
