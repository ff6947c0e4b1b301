// Command mkcore formats a fresh disk image: a superblock at sector
// 0, a free-map bitmap, and an empty root directory, in the style of
// the teacher's mkfs command (biscuit/src/mkfs/mkfs.go), generalized
// from biscuit's log/inode/data region split to this core's
// superblock + free-map + root-directory layout and switched from
// os.Args to kingpin per SPEC_FULL.md's CLI convention.
package main

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/common/version"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/config"
	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/directory"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/freemap"
	"github.com/ziqian2000/gokernel/inode"
	"github.com/ziqian2000/gokernel/super"
)

var (
	app = kingpin.New("mkcore", "Format a disk image for the core filesystem.")

	imagePath = app.Arg("image", "Path of the disk image to create.").Required().String()
	nsectors  = app.Flag("sectors", "Total number of 512-byte sectors in the image.").Default("16384").Uint32()
	cfgPath   = app.Flag("config", "Optional YAML config overriding cache/frame/swap sizing.").String()
)

func init() {
	version.Version = "0.1.0"
	app.Version(version.Print("mkcore"))
	app.VersionFlag.Short('v')
}

const bitsPerSector = defs.SectorSize * 8

func numMapSectors(total uint32) uint32 {
	n := total / bitsPerSector
	if total%bitsPerSector != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	log := slog.Default()
	log.Info("mkcore: starting", "build_info", version.Info())

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			log.Error("mkcore: load config", "err", err)
			os.Exit(1)
		}
		cfg = c
	}

	dev, err := disk.CreateFile(*imagePath, *nsectors)
	if err != nil {
		log.Error("mkcore: create image", "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	c := cache.New(dev, cfg.CacheSlots, nil, log)

	const mapBase defs.Sector = 1
	m, err := freemap.Format(c, *nsectors, mapBase)
	if err != nil {
		log.Error("mkcore: format free-map", "err", err)
		os.Exit(1)
	}
	if err := m.AllocateAt(0); err != nil {
		log.Error("mkcore: reserve superblock sector", "err", err)
		os.Exit(1)
	}

	rootSector := mapBase + defs.Sector(numMapSectors(*nsectors))
	if err := m.AllocateAt(rootSector); err != nil {
		log.Error("mkcore: reserve root directory sector", "err", err)
		os.Exit(1)
	}

	itab := inode.NewTable(c, m)
	root, err := directory.CreateRoot(itab, rootSector)
	if err != nil {
		log.Error("mkcore: create root directory", "err", err)
		os.Exit(1)
	}
	if err := itab.Close(root.Inode()); err != nil {
		log.Error("mkcore: close root directory", "err", err)
		os.Exit(1)
	}

	err = super.Write(c, super.Block{
		VolumeID:   uuid.New(),
		TotalSecs:  *nsectors,
		MapBase:    mapBase,
		MapSectors: numMapSectors(*nsectors),
		RootSector: rootSector,
	})
	if err != nil {
		log.Error("mkcore: write superblock", "err", err)
		os.Exit(1)
	}

	if err := c.FlushAll(); err != nil {
		log.Error("mkcore: flush", "err", err)
		os.Exit(1)
	}

	log.Info("mkcore: formatted", "image", *imagePath, "sectors", *nsectors, "root_sector", rootSector)
}
