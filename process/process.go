// Package process wires the supplemental page table, frame table,
// inode layer, and directory layer into the per-process memory glue
// of spec.md §4.7: ELF lazy loading, mmap/munmap, the page-fault
// entry point, and exit teardown. Grounded on
// original_source/pintos/pintos/src/userprog/syscall.c's
// check_and_pin_addr/check_and_pin_buffer/sys_mmap/sys_munmap, the
// only retrieved source that shows the pin-then-touch-then-unpin
// discipline and the mmap-via-spt_link_mmap wiring in context.
package process

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/directory"
	"github.com/ziqian2000/gokernel/inode"
	"github.com/ziqian2000/gokernel/sched"
	"github.com/ziqian2000/gokernel/spt"
)

// region is one page-aligned range the ELF loader claimed, tracked so
// mmap can reject a mapping that would overlap it (spec.md §9, open
// question (b): "a correct implementation must" reject such overlap).
type region struct{ start, end uintptr }

// FileDesc is one entry of a process's file-descriptor table.
type FileDesc struct {
	ino    *inode.Inode
	dir    *directory.Directory
	isDir  bool
	offset int64
}

// Address is one process's memory and filesystem-handle state: the
// "Per-process memory state" of spec.md §3, generalized to also carry
// the fd table and cwd a syscall layer needs to implement §6's
// contract.
type Address struct {
	mu sync.Mutex

	spt  *spt.Table
	itab *inode.Table
	root *directory.Directory
	cwd  *directory.Directory

	fds    map[int]*FileDesc
	nextFd int

	mmapFiles map[int]*inode.Inode
	elf       []region

	owner sched.Thread_i
}

// New builds a fresh per-process Address. cwd starts at root.
func New(owner sched.Thread_i, sptTable *spt.Table, itab *inode.Table, root *directory.Directory) *Address {
	return &Address{
		spt:       sptTable,
		itab:      itab,
		root:      root,
		cwd:       root,
		fds:       make(map[int]*FileDesc),
		nextFd:    2, // fd 0/1 are reserved for the console (spec.md §6)
		mmapFiles: make(map[int]*inode.Inode),
		owner:     owner,
	}
}

// SPT exposes the process's supplemental page table, for the trap
// handler and syscall layer to install ELF segments through.
func (a *Address) SPT() *spt.Table { return a.spt }

// LinkElfSegment registers a lazily-loaded ELF page and records its
// virtual page as part of the process's ELF image for the mmap
// overlap check.
func (a *Address) LinkElfSegment(file spt.ReadWriterAt, ofs int64, vpage uintptr, readBytes, zeroBytes int, writable bool) error {
	if _, err := a.spt.LinkElf(file, ofs, vpage, readBytes, zeroBytes, writable); err != nil {
		return err
	}
	a.mu.Lock()
	a.elf = append(a.elf, region{start: vpage, end: vpage + defs.PageSize})
	a.mu.Unlock()
	return nil
}

func (a *Address) overlapsElf(vpage uintptr) bool {
	for _, r := range a.elf {
		if vpage >= r.start && vpage < r.end {
			return true
		}
	}
	return false
}

// HandleFault resolves a page fault at faultAddr, returning
// spt.ErrTerminate (wrapped) if the process must be killed with exit
// code -1.
func (a *Address) HandleFault(faultAddr, esp uintptr, fromKernel bool) error {
	e, err := a.spt.HandleFault(faultAddr, esp, fromKernel)
	if err != nil {
		return err
	}
	a.spt.Unpin(e)
	return nil
}

// PinBuffer validates and pins every page of a syscall's user buffer
// before the kernel touches it; UnpinBuffer reverses it. forWrite
// rejects a read-only mapping up front.
func (a *Address) PinBuffer(addr uintptr, length int, forWrite bool) ([]*spt.Entry, error) {
	return a.spt.PinRange(addr, length, forWrite)
}

// UnpinBuffer releases the pins PinBuffer took.
func (a *Address) UnpinBuffer(entries []*spt.Entry) {
	a.spt.UnpinAll(entries)
}

// Mmap implements spec.md §6's mmap contract.
func (a *Address) Mmap(fd int, addr uintptr) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fdesc, ok := a.fds[fd]
	if !ok || fdesc.isDir {
		return -1, defs.EINVAL
	}
	if addr == 0 || addr%defs.PageSize != 0 {
		return -1, defs.EINVAL
	}
	length := fdesc.ino.Length()
	if length == 0 {
		return -1, defs.EINVAL
	}

	npages := (length + defs.PageSize - 1) / defs.PageSize
	for i := int64(0); i < npages; i++ {
		va := addr + uintptr(i)*defs.PageSize
		if _, exists := a.spt.Lookup(va); exists {
			return -1, defs.EINVAL
		}
		if a.overlapsElf(va) {
			return -1, defs.EINVAL
		}
	}

	reopened := a.itab.Reopen(fdesc.ino)
	mapid := a.spt.NewMapid()

	var ofs int64
	remaining := length
	for va := addr; remaining > 0; va += defs.PageSize {
		readBytes := remaining
		if readBytes > defs.PageSize {
			readBytes = defs.PageSize
		}
		zeroBytes := defs.PageSize - readBytes
		if _, err := a.spt.LinkMmap(reopened, ofs, va, int(readBytes), int(zeroBytes), true, mapid); err != nil {
			a.itab.Close(reopened)
			return -1, err
		}
		ofs += readBytes
		remaining -= readBytes
	}

	a.mmapFiles[mapid] = reopened
	return mapid, nil
}

// Munmap implements spec.md §6's munmap contract: write back dirty
// present pages, then drop every SPT entry the mapping owns.
func (a *Address) Munmap(mapid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.munmapLocked(mapid)
}

func (a *Address) munmapLocked(mapid int) error {
	for _, e := range a.spt.MmapEntries(mapid) {
		if err := a.spt.Remove(e); err != nil {
			return err
		}
	}
	if f, ok := a.mmapFiles[mapid]; ok {
		a.itab.Close(f)
		delete(a.mmapFiles, mapid)
	}
	return nil
}

func (a *Address) allocFd() int {
	fd := a.nextFd
	a.nextFd++
	return fd
}

// Create implements the create(name, size) syscall. Like every
// on-disk-touching syscall here, it runs under spt.FilesysLock
// (spec.md §5: held across user-visible filesystem syscalls).
func (a *Address) Create(path string, size int64) error {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	dir, name, err := directory.Resolve(a.itab, a.root, a.cwd, path)
	if err != nil {
		return err
	}
	defer a.closeIfBorrowed(dir)

	if _, found, _ := dir.Lookup(name); found {
		return defs.EEXIST
	}
	ino, err := a.itab.Create(defs.InodeFile)
	if err != nil {
		return err
	}
	if size > 0 {
		if _, err := ino.WriteAt(make([]byte, size), 0); err != nil {
			a.itab.Close(ino)
			return err
		}
	}
	if err := dir.Add(name, ino.Sector()); err != nil {
		a.itab.Close(ino)
		return err
	}
	return a.itab.Close(ino)
}

// Open implements the open(name) syscall, returning a fresh fd.
func (a *Address) Open(path string) (int, error) {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	dir, name, err := directory.Resolve(a.itab, a.root, a.cwd, path)
	if err != nil {
		return -1, err
	}
	defer a.closeIfBorrowed(dir)

	sector, found, _ := dir.Lookup(name)
	if !found {
		return -1, defs.ENOENT
	}
	ino, err := a.itab.Open(sector)
	if err != nil {
		return -1, err
	}
	isDir := ino.Type() == defs.InodeDir
	var fdir *directory.Directory
	if isDir {
		fdir, err = directory.Open(ino)
		if err != nil {
			a.itab.Close(ino)
			return -1, err
		}
	}
	fd := a.allocFd()
	a.fds[fd] = &FileDesc{ino: ino, dir: fdir, isDir: isDir}
	return fd, nil
}

// Close implements the close(fd) syscall.
func (a *Address) Close(fd int) error {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	fdesc, ok := a.fds[fd]
	if !ok {
		return defs.ENOENT
	}
	delete(a.fds, fd)
	return a.itab.Close(fdesc.ino)
}

// Read implements the read(fd, buf, n) syscall.
func (a *Address) Read(fd int, buf []byte) (int, error) {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	fdesc, ok := a.fds[fd]
	a.mu.Unlock()
	if !ok || fdesc.isDir {
		return -1, defs.ENOENT
	}
	n, err := fdesc.ino.ReadAt(buf, fdesc.offset)
	fdesc.offset += int64(n)
	return n, err
}

// Write implements the write(fd, buf, n) syscall.
func (a *Address) Write(fd int, buf []byte) (int, error) {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	fdesc, ok := a.fds[fd]
	a.mu.Unlock()
	if !ok || fdesc.isDir {
		return -1, defs.ENOENT
	}
	n, err := fdesc.ino.WriteAt(buf, fdesc.offset)
	fdesc.offset += int64(n)
	return n, err
}

// Chdir implements the chdir(path) syscall.
func (a *Address) Chdir(path string) error {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	dir, name, err := directory.Resolve(a.itab, a.root, a.cwd, path)
	if err != nil {
		return defs.Wrap(defs.ENOTDIR, "chdir: %v", err)
	}
	sector, found, _ := dir.Lookup(name)
	a.closeIfBorrowed(dir)
	if !found {
		return defs.ENOTDIR
	}
	ino, err := a.itab.Open(sector)
	if err != nil || ino.Type() != defs.InodeDir {
		if err == nil {
			a.itab.Close(ino)
		}
		return defs.ENOTDIR
	}
	newCwd, err := directory.Open(ino)
	if err != nil {
		return err
	}
	if a.cwd != a.root {
		a.itab.Close(a.cwd.Inode())
	}
	a.cwd = newCwd
	return nil
}

// Mkdir implements the mkdir(path) syscall.
func (a *Address) Mkdir(path string) error {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	dir, name, err := directory.Resolve(a.itab, a.root, a.cwd, path)
	if err != nil {
		return err
	}
	defer a.closeIfBorrowed(dir)

	if _, found, _ := dir.Lookup(name); found {
		return defs.EEXIST
	}
	created, err := directory.Create(a.itab, dir, name)
	if err != nil {
		return err
	}
	return a.itab.Close(created.Inode())
}

// Remove implements filesystem removal: unlinks name from its parent
// directory and marks the inode removed, freeing its blocks once its
// last opener closes it. A non-empty directory cannot be removed; a
// directory that is a process's current working directory is not
// checked for and can be removed.
func (a *Address) Remove(path string) error {
	spt.FilesysLock.Lock()
	defer spt.FilesysLock.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	dir, name, err := directory.Resolve(a.itab, a.root, a.cwd, path)
	if err != nil {
		return err
	}
	defer a.closeIfBorrowed(dir)

	sector, found, _ := dir.Lookup(name)
	if !found {
		return defs.ENOENT
	}
	ino, err := a.itab.Open(sector)
	if err != nil {
		return err
	}
	if ino.Type() == defs.InodeDir {
		target, err := directory.Open(ino)
		if err != nil {
			a.itab.Close(ino)
			return err
		}
		if !target.IsEmpty() {
			a.itab.Close(ino)
			return defs.ENOTEMPTY
		}
	}
	if err := dir.Remove(name); err != nil {
		a.itab.Close(ino)
		return err
	}
	a.itab.Remove(ino)
	return a.itab.Close(ino)
}

func (a *Address) closeIfBorrowed(dir *directory.Directory) {
	if dir != a.root && dir != a.cwd {
		a.itab.Close(dir.Inode())
	}
}

// Destroy runs process exit teardown per spec.md §4.7: munmap every
// mapping, destroy the SPT, then drop every open inode reference.
func (a *Address) Destroy() error {
	a.mu.Lock()
	mapids := make([]int, 0, len(a.mmapFiles))
	for id := range a.mmapFiles {
		mapids = append(mapids, id)
	}
	for _, id := range mapids {
		if err := a.munmapLocked(id); err != nil {
			a.mu.Unlock()
			return errors.Wrap(err, "process: destroy munmap")
		}
	}
	a.mu.Unlock()

	a.spt.Destroy()

	a.mu.Lock()
	defer a.mu.Unlock()
	for fd, fdesc := range a.fds {
		a.itab.Close(fdesc.ino)
		delete(a.fds, fd)
	}
	if a.cwd != a.root {
		a.itab.Close(a.cwd.Inode())
	}
	return nil
}
