// Package directory implements the directory layer of spec.md §4.6:
// a directory is an inode whose contents are fixed-size entries, with
// `.`/`..` and slash-separated path resolution rooted at a well-known
// sector. Grounded on the teacher's path-walking shape (fs/ns.go's
// component-at-a-time namespace lookup) generalized to the spec's
// on-disk directory-entry layout, since the retrieved Pintos sources
// in original_source/ include inode.c/cache.c but not directory.c.
package directory

import (
	"strings"
	"sync"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/inode"
	"github.com/ziqian2000/gokernel/util"
)

// Entry sizes: spec.md §6 states both "20 bytes" total and a 14/15
// byte name field, which cannot both hold given a 1-byte in_use flag,
// 3-byte pad, and 4-byte inumber (8 bytes of header). DESIGN.md
// resolves this in favor of the explicit numeric total, giving the
// name field the remaining 12 bytes (11 characters + nul).
const (
	entrySize  = 20
	offInUse   = 0
	offInumber = 4
	offName    = 8
	nameField  = entrySize - offName // 12
	maxName    = nameField - 1       // 11, leaving room for the nul
)

// Directory wraps an open directory inode with the fixed-entry
// encoding of spec.md §3.
type Directory struct {
	mu  sync.Mutex
	ino *inode.Inode
}

// Inode returns the underlying inode, for callers (e.g. the process
// layer) that need its sector or lifetime.
func (d *Directory) Inode() *inode.Inode { return d.ino }

// CreateRoot formats the well-known root directory sector: a
// directory inode whose `.` and `..` both point to itself.
func CreateRoot(itab *inode.Table, rootSector defs.Sector) (*Directory, error) {
	ino, err := itab.CreateAt(rootSector, defs.InodeDir)
	if err != nil {
		return nil, err
	}
	d := &Directory{ino: ino}
	if err := d.addLocked(".", rootSector); err != nil {
		return nil, err
	}
	if err := d.addLocked("..", rootSector); err != nil {
		return nil, err
	}
	return d, nil
}

// Create allocates a fresh subdirectory inode linked under parent at
// name, with `.` pointing to itself and `..` to parent.
func Create(itab *inode.Table, parent *Directory, name string) (*Directory, error) {
	ino, err := itab.Create(defs.InodeDir)
	if err != nil {
		return nil, err
	}
	d := &Directory{ino: ino}
	if err := d.addLocked(".", ino.Sector()); err != nil {
		return nil, err
	}
	if err := d.addLocked("..", parent.ino.Sector()); err != nil {
		return nil, err
	}
	if err := parent.Add(name, ino.Sector()); err != nil {
		return nil, err
	}
	return d, nil
}

// Open wraps an already-open directory inode.
func Open(ino *inode.Inode) (*Directory, error) {
	if ino.Type() != defs.InodeDir {
		return nil, defs.Wrap(defs.ENOTDIR, "directory: sector %d is not a directory", ino.Sector())
	}
	return &Directory{ino: ino}, nil
}

func readEntry(buf []byte) (inUse bool, inumber defs.Sector, name string) {
	inUse = buf[offInUse] != 0
	inumber = defs.Sector(util.GetUint32LE(buf, offInumber))
	nameBytes := buf[offName:entrySize]
	n := strings.IndexByte(string(nameBytes), 0)
	if n < 0 {
		n = len(nameBytes)
	}
	name = string(nameBytes[:n])
	return
}

func writeEntry(buf []byte, inUse bool, inumber defs.Sector, name string) {
	if inUse {
		buf[offInUse] = 1
	} else {
		buf[offInUse] = 0
	}
	util.PutUint32LE(buf, offInumber, uint32(inumber))
	for i := range buf[offName:entrySize] {
		buf[offName+i] = 0
	}
	copy(buf[offName:entrySize-1], name)
}

// Lookup scans the directory for name, returning its inumber.
func (d *Directory) Lookup(name string) (defs.Sector, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupLocked(name)
}

func (d *Directory) lookupLocked(name string) (defs.Sector, bool, error) {
	buf := make([]byte, entrySize)
	length := d.ino.Length()
	for off := int64(0); off+entrySize <= length; off += entrySize {
		n, err := d.ino.ReadAt(buf, off)
		if err != nil || n < entrySize {
			break
		}
		inUse, inumber, entryName := readEntry(buf)
		if inUse && entryName == name {
			return inumber, true, nil
		}
	}
	return defs.InvalidSector, false, nil
}

// Add inserts a new {name, inumber} entry, reusing a free slot if one
// exists, failing with EEXIST on a name collision.
func (d *Directory) Add(name string, inumber defs.Sector) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(name, inumber)
}

func (d *Directory) addLocked(name string, inumber defs.Sector) error {
	if len(name) == 0 || len(name) > maxName {
		return defs.EINVAL
	}
	if _, found, _ := d.lookupLocked(name); found {
		return defs.EEXIST
	}

	buf := make([]byte, entrySize)
	length := d.ino.Length()
	var off int64
	for off = 0; off+entrySize <= length; off += entrySize {
		n, err := d.ino.ReadAt(buf, off)
		if err != nil || n < entrySize {
			break
		}
		inUse, _, _ := readEntry(buf)
		if !inUse {
			break
		}
	}

	writeEntry(buf, true, inumber, name)
	if _, err := d.ino.WriteAt(buf, off); err != nil {
		return err
	}
	return nil
}

// Remove clears name's entry. It does not itself verify that the
// target is an empty directory -- process.Address.Remove checks
// emptiness before calling it. Neither layer checks whether the
// target directory is some process's current working directory.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name == "." || name == ".." {
		return defs.EINVAL
	}

	buf := make([]byte, entrySize)
	length := d.ino.Length()
	for off := int64(0); off+entrySize <= length; off += entrySize {
		n, err := d.ino.ReadAt(buf, off)
		if err != nil || n < entrySize {
			break
		}
		inUse, _, entryName := readEntry(buf)
		if inUse && entryName == name {
			writeEntry(buf, false, defs.InvalidSector, "")
			_, err := d.ino.WriteAt(buf, off)
			return err
		}
	}
	return defs.ENOENT
}

// IsEmpty reports whether d contains only `.` and `..`.
func (d *Directory) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, entrySize)
	length := d.ino.Length()
	for off := int64(0); off+entrySize <= length; off += entrySize {
		n, err := d.ino.ReadAt(buf, off)
		if err != nil || n < entrySize {
			break
		}
		inUse, _, name := readEntry(buf)
		if inUse && name != "." && name != ".." {
			return false
		}
	}
	return true
}

// Readdir returns every in-use entry, `.` and `..` included.
func (d *Directory) Readdir() ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Entry
	buf := make([]byte, entrySize)
	length := d.ino.Length()
	for off := int64(0); off+entrySize <= length; off += entrySize {
		n, err := d.ino.ReadAt(buf, off)
		if err != nil || n < entrySize {
			break
		}
		inUse, inumber, name := readEntry(buf)
		if inUse {
			out = append(out, Entry{Inumber: inumber, Name: name})
		}
	}
	return out, nil
}

// Entry is one directory listing row.
type Entry struct {
	Inumber defs.Sector
	Name    string
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolve walks path's directory components (every segment but the
// last), starting from root if path is absolute or cwd otherwise, and
// returns the containing Directory plus the final component's name.
// The caller owns closing the returned Directory's inode unless it is
// root or cwd themselves (Resolve never closes those).
func Resolve(itab *inode.Table, root, cwd *Directory, path string) (*Directory, string, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return nil, "", defs.EINVAL
	}

	cur := cwd
	if strings.HasPrefix(path, "/") {
		cur = root
	}
	owns := false

	for _, name := range comps[:len(comps)-1] {
		sector, found, _ := cur.Lookup(name)
		if !found {
			if owns {
				itab.Close(cur.ino)
			}
			return nil, "", defs.ENOENT
		}
		childIno, err := itab.Open(sector)
		if err != nil {
			if owns {
				itab.Close(cur.ino)
			}
			return nil, "", err
		}
		child, err := Open(childIno)
		if err != nil {
			itab.Close(childIno)
			if owns {
				itab.Close(cur.ino)
			}
			return nil, "", err
		}
		if owns {
			itab.Close(cur.ino)
		}
		cur = child
		owns = true
	}

	return cur, comps[len(comps)-1], nil
}
