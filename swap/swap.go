// Package swap implements the fixed-size page-slot swap device of
// spec.md §4.2: a bitmap of free slots guarded by a single mutex,
// dump (evict a frame to a free slot) and load (bring a slot's
// contents back into a frame and free it). Grounded directly on
// original_source/src.old/vm/swap.c.
package swap

import (
	"log/slog"
	"sync"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/metrics"
)

// SlotIndex identifies one page-sized slot of the swap device.
type SlotIndex uint32

// Device is the fixed-size swap arena. All state (bitmap and slot
// I/O) is serialized by a single mutex -- the spec notes the workload
// is modest enough that this is acceptable (spec.md §4.2).
type Device struct {
	mu       sync.Mutex
	disk     disk.Device
	free     []bool // true == free
	metrics  *metrics.Core
	log      *slog.Logger
}

// New builds a swap Device with nslots page-sized slots backed by d.
// d must have at least nslots*defs.SectorsPerPage sectors.
func New(d disk.Device, nslots int, m *metrics.Core, log *slog.Logger) *Device {
	if m == nil {
		m = metrics.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	need := uint32(nslots) * defs.SectorsPerPage
	if d.BlockCount() < need {
		defs.Fatal("swap: device has %d sectors, need %d", d.BlockCount(), need)
	}
	free := make([]bool, nslots)
	for i := range free {
		free[i] = true
	}
	return &Device{disk: d, free: free, metrics: m, log: log}
}

// Dump writes the page-sized frame out to a freshly allocated slot and
// returns the slot index. Failure to find a free slot is fatal --
// spec.md §4.2 treats swap exhaustion as an unrecoverable condition.
func (s *Device) Dump(frame []byte) SlotIndex {
	if len(frame) != defs.PageSize {
		defs.Fatal("swap: dump called with a %d-byte frame", len(frame))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, f := range s.free {
		if f {
			idx = i
			s.free[i] = false
			break
		}
	}
	if idx < 0 {
		defs.Fatal("swap: device is full")
	}

	base := defs.Sector(uint32(idx) * defs.SectorsPerPage)
	for i := 0; i < defs.SectorsPerPage; i++ {
		chunk := frame[i*defs.SectorSize : (i+1)*defs.SectorSize]
		if err := s.disk.WriteSector(base+defs.Sector(i), chunk); err != nil {
			defs.Fatal("swap: write sector %d failed: %v", base+defs.Sector(i), err)
		}
	}
	s.metrics.SwapDumps.Inc()
	s.metrics.SwapSlotsUse.Inc()
	return SlotIndex(idx)
}

// Load reads slot's contents into frame and frees the slot. It is a
// fatal error to load an already-free slot.
func (s *Device) Load(slot SlotIndex, frame []byte) {
	if len(frame) != defs.PageSize {
		defs.Fatal("swap: load called with a %d-byte frame", len(frame))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int(slot) >= len(s.free) || s.free[slot] {
		defs.Fatal("swap: load of a free slot %d", slot)
	}

	base := defs.Sector(uint32(slot) * defs.SectorsPerPage)
	for i := 0; i < defs.SectorsPerPage; i++ {
		chunk := frame[i*defs.SectorSize : (i+1)*defs.SectorSize]
		if err := s.disk.ReadSector(base+defs.Sector(i), chunk); err != nil {
			defs.Fatal("swap: read sector %d failed: %v", base+defs.Sector(i), err)
		}
	}
	s.free[slot] = true
	s.metrics.SwapLoads.Inc()
	s.metrics.SwapSlotsUse.Dec()
}

// SlotsFree reports the number of unused slots, for diagnostics.
func (s *Device) SlotsFree() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.free {
		if f {
			n++
		}
	}
	return n
}
