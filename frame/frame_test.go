package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/sched"
	"github.com/ziqian2000/gokernel/swap"
)

// fakeBacking is a minimal, directly-controllable Backing for
// exercising the frame table's eviction policy in isolation from spt.
type fakeBacking struct {
	pinned    bool
	kind      defs.SptType
	accessed  bool
	dirty     bool
	present   bool
	cleared   int
	writeBack func([]byte) error
	slot      swap.SlotIndex
}

func (f *fakeBacking) Pinned() bool { return f.pinned }
func (f *fakeBacking) Kind() defs.SptType { return f.kind }
func (f *fakeBacking) Accessed() bool { return f.accessed }
func (f *fakeBacking) ClearAccessed() { f.accessed = false; f.cleared++ }
func (f *fakeBacking) Dirty() bool { return f.dirty }
func (f *fakeBacking) ClearPTE() {}
func (f *fakeBacking) WriteBackMmap(b []byte) error {
	if f.writeBack != nil {
		return f.writeBack(b)
	}
	return nil
}
func (f *fakeBacking) PromoteToSwap() { f.kind = defs.SptSwap }
func (f *fakeBacking) SetSwapSlot(s swap.SlotIndex) { f.slot = s }
func (f *fakeBacking) SetPresent(p bool) { f.present = p }

func newTestTable(t *testing.T, npages int) (*Table, *swap.Device) {
	t.Helper()
	dev := disk.NewMemDevice(uint32(npages) * defs.SectorsPerPage)
	sw := swap.New(dev, npages, nil, nil)
	return New(npages, sw, nil, nil), sw
}

func TestAcquireFillsThenEvicts(t *testing.T) {
	tab, _ := newTestTable(t, 2)
	owner := sched.NewThread(1)

	b1 := &fakeBacking{kind: defs.SptFile, present: true}
	f1, err := tab.Acquire(owner, b1, true)
	require.NoError(t, err)
	require.Len(t, f1, defs.PageSize)

	b2 := &fakeBacking{kind: defs.SptFile, present: true}
	_, err = tab.Acquire(owner, b2, true)
	require.NoError(t, err)

	// Pool exhausted: a third acquire must evict one of b1/b2 (neither
	// is pinned or accessed, so the first frame the cursor reaches is
	// the victim without any second-chance lap).
	b3 := &fakeBacking{kind: defs.SptFile}
	_, err = tab.Acquire(owner, b3, true)
	require.NoError(t, err)
	require.True(t, b1.present == false || b2.present == false, "eviction must have dropped one victim's presence")
}

func TestEvictionSkipsPinnedAndAccessed(t *testing.T) {
	tab, _ := newTestTable(t, 2)
	owner := sched.NewThread(1)

	pinned := &fakeBacking{kind: defs.SptFile, pinned: true, present: true}
	_, err := tab.Acquire(owner, pinned, true)
	require.NoError(t, err)

	accessed := &fakeBacking{kind: defs.SptFile, accessed: true, present: true}
	_, err = tab.Acquire(owner, accessed, true)
	require.NoError(t, err)

	// Pinned must never be chosen; accessed gets a second-chance clear
	// on the first lap and must survive at least that lap.
	victim := &fakeBacking{kind: defs.SptFile}
	_, err = tab.Acquire(owner, victim, true)
	require.NoError(t, err)
	require.True(t, pinned.present, "a pinned entry must never be evicted")
	require.Equal(t, 1, accessed.cleared, "an accessed entry must get one second-chance clear before being chosen")
}

func TestEvictionOfDirtyFilePageSwapsOutViaSwapPromotion(t *testing.T) {
	tab, sw := newTestTable(t, 1)
	owner := sched.NewThread(1)

	victim := &fakeBacking{kind: defs.SptFile, dirty: true, present: true}
	_, err := tab.Acquire(owner, victim, true)
	require.NoError(t, err)

	next := &fakeBacking{kind: defs.SptFile}
	_, err = tab.Acquire(owner, next, true)
	require.NoError(t, err)

	require.Equal(t, defs.SptSwap, victim.kind, "a dirty writable FILE page must be promoted to SWAP before eviction")
	require.False(t, victim.present)
	require.Equal(t, 0, sw.SlotsFree(), "the one swap slot must now be occupied by the evicted page")
}

func TestEvictionOfDirtyMmapPageWritesBack(t *testing.T) {
	tab, _ := newTestTable(t, 1)
	owner := sched.NewThread(1)

	wrote := false
	victim := &fakeBacking{kind: defs.SptMmap, dirty: true, present: true, writeBack: func(b []byte) error {
		wrote = true
		return nil
	}}
	_, err := tab.Acquire(owner, victim, true)
	require.NoError(t, err)

	next := &fakeBacking{kind: defs.SptFile}
	_, err = tab.Acquire(owner, next, true)
	require.NoError(t, err)

	require.True(t, wrote, "a dirty MMAP page must be written back to its file on eviction")
	require.False(t, victim.present)
}

func TestReleaseReturnsFrameToFreeList(t *testing.T) {
	tab, _ := newTestTable(t, 2)
	owner := sched.NewThread(1)
	b := &fakeBacking{kind: defs.SptFile}
	frame, err := tab.Acquire(owner, b, true)
	require.NoError(t, err)

	tab.Release(frame)
	require.Equal(t, 0, tab.InUse(), "Release must return the frame to the free list")

	// The freed frame must be immediately reusable without eviction.
	b2 := &fakeBacking{kind: defs.SptFile}
	_, err = tab.Acquire(owner, b2, true)
	require.NoError(t, err)
}
