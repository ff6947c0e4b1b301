// Package super reads and writes the one reserved sector spec.md §3
// sets aside at sector 0 ("Sector 0 is reserved"): a small superblock
// recording where the free-map bitmap and root directory start, plus
// a volume id stamped at format time. Grounded on the inode layer's
// own manual byte-offset packing (inode.go's offType/offLength/
// offMagic) rather than encoding/gob or a struct-tagged codec, since
// the teacher packs every on-disk layout by hand.
package super

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/util"
)

// Magic stamps sector 0 so corefsck can tell a formatted image from
// garbage.
const Magic uint32 = 0x434f5245 // "CORE"

const (
	offMagic      = 0
	offVolumeID   = 4  // 16 bytes
	offTotalSecs  = 20
	offMapBase    = 24
	offMapSectors = 28
	offRootSector = 32
)

// Block is the decoded contents of sector 0.
type Block struct {
	VolumeID   uuid.UUID
	TotalSecs  uint32
	MapBase    defs.Sector
	MapSectors uint32
	RootSector defs.Sector
}

// Write stamps b into sector 0 through c.
func Write(c *cache.Cache, b Block) error {
	entry := c.Lock(0, defs.Exclusive)
	defer c.Unlock(entry)
	payload := c.SetZero(entry)

	util.PutUint32LE(payload, offMagic, Magic)
	copy(payload[offVolumeID:offVolumeID+16], b.VolumeID[:])
	util.PutUint32LE(payload, offTotalSecs, b.TotalSecs)
	util.PutUint32LE(payload, offMapBase, uint32(b.MapBase))
	util.PutUint32LE(payload, offMapSectors, b.MapSectors)
	util.PutUint32LE(payload, offRootSector, uint32(b.RootSector))

	c.MarkDirty(entry)
	return nil
}

// Read decodes sector 0 through c, failing if the magic doesn't
// match.
func Read(c *cache.Cache) (Block, error) {
	entry := c.Lock(0, defs.Shared)
	defer c.Unlock(entry)
	payload := c.Read(entry)

	if got := util.GetUint32LE(payload, offMagic); got != Magic {
		return Block{}, errors.Errorf("super: bad magic %#x", got)
	}

	var b Block
	copy(b.VolumeID[:], payload[offVolumeID:offVolumeID+16])
	b.TotalSecs = util.GetUint32LE(payload, offTotalSecs)
	b.MapBase = defs.Sector(util.GetUint32LE(payload, offMapBase))
	b.MapSectors = util.GetUint32LE(payload, offMapSectors)
	b.RootSector = defs.Sector(util.GetUint32LE(payload, offRootSector))
	return b, nil
}
