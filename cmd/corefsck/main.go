// Command corefsck walks a formatted image and checks the
// reconciliation invariants spec.md §8 calls universal: every sector
// reachable from the root directory is marked allocated in the
// free-map (invariant 3). Grounded on the teacher's mkfs/fsck pairing
// (biscuit/src/mkfs/mkfs.go builds what this walks); the final
// FlushAll exercises the flush law of spec.md §8 item 7 by leaving no
// dirty sector behind after a successful check.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/common/version"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/directory"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/freemap"
	"github.com/ziqian2000/gokernel/inode"
	"github.com/ziqian2000/gokernel/super"
)

var (
	app       = kingpin.New("corefsck", "Check a core disk image's free-map/reachability invariants.")
	imagePath = app.Arg("image", "Path of the disk image to check.").Required().String()
	fix       = app.Flag("fix", "Reconcile a mismatched free-map instead of just reporting it.").Bool()
)

func init() {
	version.Version = "0.1.0"
	app.Version(version.Print("corefsck"))
	app.VersionFlag.Short('v')
}

// walker accumulates every sector the directory/inode tree reaches.
type walker struct {
	itab     *inode.Table
	reached  map[defs.Sector]bool
	problems []string
}

func (w *walker) markInodeSectors(sector defs.Sector) error {
	if w.reached[sector] {
		return nil
	}
	w.reached[sector] = true

	ino, err := w.itab.Open(sector)
	if err != nil {
		return err
	}
	defer w.itab.Close(ino)

	for _, s := range ino.ReachableSectors() {
		w.reached[s] = true
	}
	return nil
}

func (w *walker) walkDir(sector defs.Sector) error {
	if err := w.markInodeSectors(sector); err != nil {
		return err
	}
	ino, err := w.itab.Open(sector)
	if err != nil {
		return err
	}
	dir, err := directory.Open(ino)
	if err != nil {
		w.itab.Close(ino)
		return err
	}
	entries, err := dir.Readdir()
	if err != nil {
		w.itab.Close(ino)
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if w.reached[e.Inumber] {
			continue
		}
		child, err := w.itab.Open(e.Inumber)
		if err != nil {
			w.problems = append(w.problems, fmt.Sprintf("entry %q: open sector %d: %v", e.Name, e.Inumber, err))
			continue
		}
		isDir := child.Type() == defs.InodeDir
		w.itab.Close(child)
		if isDir {
			if err := w.walkDir(e.Inumber); err != nil {
				w.problems = append(w.problems, fmt.Sprintf("dir %q: %v", e.Name, err))
			}
		} else {
			if err := w.markInodeSectors(e.Inumber); err != nil {
				w.problems = append(w.problems, fmt.Sprintf("file %q: %v", e.Name, err))
			}
		}
	}
	return w.itab.Close(ino)
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	log := slog.Default()
	log.Info("corefsck: starting", "build_info", version.Info())

	dev, err := disk.OpenFile(*imagePath)
	if err != nil {
		log.Error("corefsck: open image", "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	c := cache.New(dev, 64, nil, log)

	sb, err := super.Read(c)
	if err != nil {
		log.Error("corefsck: read superblock", "err", err)
		os.Exit(1)
	}

	m, err := freemap.Load(c, sb.TotalSecs, sb.MapBase)
	if err != nil {
		log.Error("corefsck: load free-map", "err", err)
		os.Exit(1)
	}

	itab := inode.NewTable(c, m)
	w := &walker{itab: itab, reached: map[defs.Sector]bool{0: true}}
	for s := sb.MapBase; s < sb.MapBase+defs.Sector(sb.MapSectors); s++ {
		w.reached[s] = true
	}

	if err := w.walkDir(sb.RootSector); err != nil {
		log.Error("corefsck: walk root", "err", err)
		os.Exit(1)
	}

	mismatches := 0
	for sector := 0; sector < m.Len(); sector++ {
		s := defs.Sector(sector)
		allocated := m.IsAllocated(s)
		reached := w.reached[s]
		switch {
		case reached && !allocated:
			mismatches++
			fmt.Printf("sector %d: reachable but free-map marks it free (invariant 3 violated)\n", s)
			if *fix {
				m.AllocateAt(s)
			}
		case allocated && !reached:
			// Allocated-but-unreached sectors are not themselves a
			// spec violation (a sector can be mid-allocation in a
			// racing writer); corefsck only flags the direction
			// invariant 3 actually states.
		}
	}
	for _, p := range w.problems {
		fmt.Println("problem:", p)
		mismatches++
	}

	if err := c.FlushAll(); err != nil {
		log.Error("corefsck: flush", "err", err)
		os.Exit(1)
	}

	if mismatches > 0 {
		fmt.Printf("corefsck: %d problem(s) found\n", mismatches)
		os.Exit(1)
	}
	fmt.Println("corefsck: clean")
}
