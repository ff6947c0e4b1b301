package process

import (
	"testing"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/directory"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/frame"
	"github.com/ziqian2000/gokernel/freemap"
	"github.com/ziqian2000/gokernel/inode"
	"github.com/ziqian2000/gokernel/sched"
	"github.com/ziqian2000/gokernel/spt"
	"github.com/ziqian2000/gokernel/swap"
)

func newTestAddress(t *testing.T) (*Address, *inode.Table) {
	t.Helper()
	const nsectors = 4096
	dev := disk.NewMemDevice(nsectors)
	c := cache.New(dev, 32, nil, nil)
	fm, err := freemap.Format(c, nsectors, 0)
	if err != nil {
		t.Fatalf("freemap.Format: %v", err)
	}
	itab := inode.NewTable(c, fm)
	rootSector, err := fm.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	root, err := directory.CreateRoot(itab, rootSector)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}

	swapDev := swap.New(disk.NewMemDevice(32*defs.SectorsPerPage), 32, nil, nil)
	frames := frame.New(32, swapDev, nil, nil)
	sptTable := spt.New(sched.NewThread(1), frames, swapDev, 0x10000000, nil)

	return New(sched.NewThread(1), sptTable, itab, root), itab
}

func TestCreateOpenWriteReadCycle(t *testing.T) {
	a, _ := newTestAddress(t)

	if err := a.Create("/note.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := a.Open("/note.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	n, err := a.Write(fd, []byte("hello core"))
	if err != nil || n != len("hello core") {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	if err := a.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd2, err := a.Open("/note.txt")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, 64)
	n, err = a.Read(fd2, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello core" {
		t.Fatalf("read back %q, want %q", buf[:n], "hello core")
	}
	a.Close(fd2)
}

func TestCreateExistingNameFails(t *testing.T) {
	a, _ := newTestAddress(t)
	if err := a.Create("/dup.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Create("/dup.txt", 0); err != defs.EEXIST {
		t.Fatalf("expected EEXIST on duplicate create, got %v", err)
	}
}

func TestMkdirChdirThenRelativeCreate(t *testing.T) {
	a, _ := newTestAddress(t)
	if err := a.Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := a.Chdir("/sub"); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	if err := a.Create("inner.txt", 0); err != nil {
		t.Fatalf("Create relative to cwd: %v", err)
	}
	if _, err := a.Open("/sub/inner.txt"); err != nil {
		t.Fatalf("file created relative to cwd should be reachable by absolute path: %v", err)
	}
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	a, _ := newTestAddress(t)
	if err := a.Mkdir("/d"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := a.Create("/d/f.txt", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Remove("/d"); err != defs.ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY removing a non-empty directory, got %v", err)
	}
	if err := a.Remove("/d/f.txt"); err != nil {
		t.Fatalf("Remove file: %v", err)
	}
	if err := a.Remove("/d"); err != nil {
		t.Fatalf("Remove now-empty directory: %v", err)
	}
}

func TestMmapRejectsOverlapWithElfImage(t *testing.T) {
	a, _ := newTestAddress(t)
	if err := a.Create("/text.bin", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := a.Open("/text.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const elfPage = 0x8048000
	elfFd, err := a.Open("/text.bin")
	if err != nil {
		t.Fatalf("Open for elf link: %v", err)
	}
	// a.fds keeps *inode.Inode; reuse the fd's backing file handle as
	// the ELF segment's backing file for this test.
	if err := a.LinkElfSegment(a.fds[elfFd].ino, 0, elfPage, 4096, 0, false); err != nil {
		t.Fatalf("LinkElfSegment: %v", err)
	}

	if _, err := a.Mmap(fd, elfPage); err == nil {
		t.Fatalf("Mmap onto an ELF-image page must be rejected")
	}
	a.Close(fd)
	a.Close(elfFd)
}

func TestMmapWriteBackOnMunmap(t *testing.T) {
	a, _ := newTestAddress(t)
	if err := a.Create("/mapped.bin", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := a.Open("/mapped.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const va = 0x40000000
	mapid, err := a.Mmap(fd, va)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	entries := a.spt.MmapEntries(mapid)
	if len(entries) != 1 {
		t.Fatalf("expected 1 mmap entry for a one-page file, got %d", len(entries))
	}
	if err := a.spt.Load(entries[0]); err != nil {
		t.Fatalf("Load: %v", err)
	}
	copy(entries[0].Frame(), []byte("written through mmap"))
	entries[0].MarkDirty()
	a.spt.Unpin(entries[0])

	if err := a.Munmap(mapid); err != nil {
		t.Fatalf("Munmap: %v", err)
	}

	fd2, err := a.Open("/mapped.bin")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, len("written through mmap"))
	n, err := a.Read(fd2, buf)
	if err != nil || n != len(buf) {
		t.Fatalf("Read back mmap write-back: n=%d err=%v", n, err)
	}
	if string(buf) != "written through mmap" {
		t.Fatalf("mmap write-back did not reach the file, got %q", buf)
	}
	a.Close(fd)
	a.Close(fd2)
}

func TestDestroyTearsDownMmapsAndFds(t *testing.T) {
	a, _ := newTestAddress(t)
	if err := a.Create("/x.bin", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, err := a.Open("/x.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Mmap(fd, 0x50000000); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(a.mmapFiles) != 0 {
		t.Fatalf("Destroy left %d mappings behind", len(a.mmapFiles))
	}
	if len(a.fds) != 0 {
		t.Fatalf("Destroy left %d open fds behind", len(a.fds))
	}
}
