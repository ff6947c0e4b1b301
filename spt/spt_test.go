package spt

import (
	"sync"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/frame"
	"github.com/ziqian2000/gokernel/sched"
	"github.com/ziqian2000/gokernel/swap"
)

// memFile is a ReadWriterAt over an in-memory byte slice, standing in
// for an open inode handle in these tests.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	need := int(off) + len(p)
	if need > len(f.data) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func newTestTable(t *testing.T, npages int) *Table {
	t.Helper()
	dev := disk.NewMemDevice(uint32(npages) * defs.SectorsPerPage)
	sw := swap.New(dev, npages, nil, nil)
	frames := frame.New(npages, sw, nil, nil)
	return New(sched.NewThread(1), frames, sw, 0x10000000, nil)
}

func TestLinkElfLoadThenUnpin(t *testing.T) {
	tab := newTestTable(t, 4)
	f := &memFile{data: []byte("hello, spt")}

	e, err := tab.LinkElf(f, 0, 0x1000, len(f.data), 0, false)
	require.NoError(t, err)
	require.False(t, e.IsPresent())

	require.NoError(t, tab.Load(e))
	require.True(t, e.IsPresent())
	require.Equal(t, []byte("hello, spt"), e.Frame()[:len(f.data)])

	tab.Unpin(e)
	require.False(t, e.Pinned())
}

func TestPinRangeRejectsWriteToReadOnlyPage(t *testing.T) {
	tab := newTestTable(t, 4)
	f := &memFile{data: make([]byte, defs.PageSize)}
	_, err := tab.LinkElf(f, 0, 0x2000, defs.PageSize, 0, false)
	require.NoError(t, err)

	_, err = tab.PinRange(0x2000, 16, true)
	require.ErrorIs(t, err, defs.EPERM)
}

func TestPinRangeUnpinsEverythingOnMissingMapping(t *testing.T) {
	tab := newTestTable(t, 4)
	f := &memFile{data: make([]byte, defs.PageSize)}
	e, err := tab.LinkElf(f, 0, 0x3000, defs.PageSize, 0, true)
	require.NoError(t, err)

	// [0x3000, 0x3000+2*PageSize) spans a second page with no mapping.
	_, err = tab.PinRange(0x3000, 2*defs.PageSize, false)
	require.Error(t, err)
	require.False(t, e.Pinned(), "the first page's pin must be released when a later page in the range is unmapped")
}

func TestStackGrowthRespectsCap(t *testing.T) {
	tab := newTestTable(t, 4)
	withinCap := tab.StackTop - defs.StackCap + defs.PageSize
	_, err := tab.StackGrowth(withinCap)
	require.NoError(t, err)

	beyondCap := tab.StackTop - defs.StackCap - defs.PageSize
	_, err = tab.StackGrowth(beyondCap)
	require.Error(t, err)
}

func TestHandleFaultGrowsStackJustBelowEsp(t *testing.T) {
	tab := newTestTable(t, 4)
	esp := tab.StackTop - defs.PageSize
	e, err := tab.HandleFault(esp-4, esp, false)
	require.NoError(t, err)
	require.True(t, e.IsPresent())
}

func TestHandleFaultOfUnmappedUserAddrTerminates(t *testing.T) {
	tab := newTestTable(t, 4)
	_, err := tab.HandleFault(0x500000, tab.StackTop-defs.PageSize, false)
	require.ErrorIs(t, err, ErrTerminate)
}

func TestRemoveWritesBackDirtyMmapPage(t *testing.T) {
	tab := newTestTable(t, 4)
	f := &memFile{data: make([]byte, defs.PageSize)}
	mapid := tab.NewMapid()
	e, err := tab.LinkMmap(f, 0, 0x4000, defs.PageSize, 0, true, mapid)
	require.NoError(t, err)

	require.NoError(t, tab.Load(e))
	copy(e.Frame(), []byte("mmap write-back"))
	e.MarkDirty()
	tab.Unpin(e)

	require.NoError(t, tab.Remove(e))
	require.Equal(t, []byte("mmap write-back"), f.data[:len("mmap write-back")])
}

func TestDestroyReleasesEveryPresentFrame(t *testing.T) {
	tab := newTestTable(t, 4)
	f := &memFile{data: make([]byte, defs.PageSize)}
	e, err := tab.LinkElf(f, 0, 0x5000, defs.PageSize, 0, true)
	require.NoError(t, err)
	require.NoError(t, tab.Load(e))
	tab.Unpin(e)

	tab.Destroy()
	_, ok := tab.Lookup(0x5000)
	require.False(t, ok)
}
