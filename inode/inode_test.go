package inode

import (
	"bytes"
	"testing"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/freemap"
)

func newTestTable(t *testing.T, nsectors uint32) *Table {
	t.Helper()
	dev := disk.NewMemDevice(nsectors)
	c := cache.New(dev, 16, nil, nil)
	fm, err := freemap.Format(c, nsectors, 0)
	if err != nil {
		t.Fatalf("freemap.Format: %v", err)
	}
	return NewTable(c, fm)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	tab := newTestTable(t, 256)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := bytes.Repeat([]byte("abcdefgh"), 200) // spans several sectors
	if n, err := ino.WriteAt(want, 0); err != nil || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, len(want))
	n, err := ino.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: n=%d", n)
	}
}

func TestWriteCreatesHoleReadAsZero(t *testing.T) {
	tab := newTestTable(t, 256)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Write at an offset past the current (zero) length, leaving a
	// hole in [0, 4096).
	if _, err := ino.WriteAt([]byte("tail"), 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	hole := make([]byte, 4096)
	n, err := ino.ReadAt(hole, 0)
	if err != nil {
		t.Fatalf("ReadAt hole: %v", err)
	}
	if n != 4096 {
		t.Fatalf("expected to read the full hole, got %d bytes", n)
	}
	for i, b := range hole {
		if b != 0 {
			t.Fatalf("hole byte %d not zero: %d", i, b)
		}
	}
}

func TestReadPastEOFIsShortNotError(t *testing.T) {
	tab := newTestTable(t, 256)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ino.WriteAt([]byte("short"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 100)
	n, err := ino.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("a partial read must never be reported as an error, got %v", err)
	}
	if n != len("short") {
		t.Fatalf("expected short count %d, got %d", len("short"), n)
	}
}

func TestWriteExtendsThroughSingleIndirect(t *testing.T) {
	tab := newTestTable(t, 4096)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// directMax is 123 sectors; write at sector 130 forces the
	// single-indirect block into existence.
	offset := int64(130 * defs.SectorSize)
	want := []byte("single-indirect-data")
	if _, err := ino.WriteAt(want, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := ino.ReadAt(got, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("single-indirect round trip mismatch")
	}
}

func TestWriteExtendsThroughDoubleIndirect(t *testing.T) {
	tab := newTestTable(t, 1<<16)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// directMax(123) + pointerMax(128) = 251; sector 300 lands in the
	// double-indirect range.
	offset := int64(300 * defs.SectorSize)
	want := []byte("double-indirect-data")
	if _, err := ino.WriteAt(want, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := ino.ReadAt(got, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("double-indirect round trip mismatch")
	}
}

func TestDenyWriteBlocksWriteAt(t *testing.T) {
	tab := newTestTable(t, 256)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ino.DenyWrite()
	n, err := ino.WriteAt([]byte("nope"), 0)
	if err != nil {
		t.Fatalf("WriteAt under deny should not itself error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes written under deny-write, got %d", n)
	}

	ino.AllowWrite()
	n, err = ino.WriteAt([]byte("now"), 0)
	if err != nil || n != 3 {
		t.Fatalf("write after AllowWrite: n=%d err=%v", n, err)
	}
}

func TestOpenInodeTableDedupsBySector(t *testing.T) {
	tab := newTestTable(t, 256)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tab.Close(ino) // drop the creation reference, sector stays allocated

	a, err := tab.Open(ino.Sector())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := tab.Open(ino.Sector())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a != b {
		t.Fatalf("Open of the same sector twice must return the same *Inode")
	}
	tab.Close(a)
	tab.Close(b)
}

func TestRemoveFreesSectorsOnLastClose(t *testing.T) {
	tab := newTestTable(t, 1024)
	ino, err := tab.Create(defs.InodeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sector := ino.Sector()
	if _, err := ino.WriteAt(bytes.Repeat([]byte("x"), 4096), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	tab.Remove(ino)
	if err := tab.Close(ino); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if tab.freemap.IsAllocated(sector) {
		t.Fatalf("inode sector %d still allocated after its last close", sector)
	}
}
