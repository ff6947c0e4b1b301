// Package disk is the block_read/block_write collaborator spec.md §1
// and §6 assume already exists, plus the one concrete driver the rest
// of the core is tested against. Grounded on the teacher's
// ufs/driver.go ahci_disk_t, which simulates a disk with an *os.File
// and serializes seek+read/write with a mutex.
package disk

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/ziqian2000/gokernel/defs"
)

// Device is the external collaborator the block device driver must
// present: a sector count and blocking read/write of exactly one
// 512-byte sector.
type Device interface {
	// BlockCount reports the number of addressable sectors.
	BlockCount() uint32
	// ReadSector blocks until sector is read into buf (len(buf) ==
	// defs.SectorSize).
	ReadSector(sector defs.Sector, buf []byte) error
	// WriteSector blocks until buf is written to sector.
	WriteSector(sector defs.Sector, buf []byte) error
	// Sync flushes any buffering the device itself performs.
	Sync() error
}

// FileDevice simulates a disk with a backing file, exactly as the
// teacher's ahci_disk_t does: a single mutex serializes seek-then-I/O
// so two concurrent sector operations cannot interleave their seeks.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	nsec uint32
}

// OpenFile opens an existing disk image backed by path.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}
	return newFileDevice(f)
}

// CreateFile creates a new disk image of nsectors sectors at path,
// zero-filled.
func CreateFile(path string, nsectors uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: create %s", path)
	}
	if err := f.Truncate(int64(nsectors) * defs.SectorSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "disk: truncate %s", path)
	}
	return newFileDevice(f)
}

func newFileDevice(f *os.File) (*FileDevice, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "disk: stat")
	}
	return &FileDevice{f: f, nsec: uint32(fi.Size() / defs.SectorSize)}, nil
}

// BlockCount implements Device.
func (d *FileDevice) BlockCount() uint32 { return d.nsec }

// ReadSector implements Device.
func (d *FileDevice) ReadSector(sector defs.Sector, buf []byte) error {
	if len(buf) != defs.SectorSize {
		return errors.New("disk: bad buffer size")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(sector)*defs.SectorSize, 0); err != nil {
		return errors.Wrap(err, "disk: seek")
	}
	n, err := d.f.Read(buf)
	if err != nil || n != defs.SectorSize {
		return errors.Wrapf(err, "disk: short read (%d bytes)", n)
	}
	return nil
}

// WriteSector implements Device.
func (d *FileDevice) WriteSector(sector defs.Sector, buf []byte) error {
	if len(buf) != defs.SectorSize {
		return errors.New("disk: bad buffer size")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(sector)*defs.SectorSize, 0); err != nil {
		return errors.Wrap(err, "disk: seek")
	}
	n, err := d.f.Write(buf)
	if err != nil || n != defs.SectorSize {
		return errors.Wrapf(err, "disk: short write (%d bytes)", n)
	}
	return nil
}

// Sync implements Device.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close releases the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice is a pure in-memory Device, used by unit tests that don't
// want filesystem side effects.
type MemDevice struct {
	mu   sync.Mutex
	data [][defs.SectorSize]byte
}

// NewMemDevice allocates an in-memory disk of nsectors zeroed sectors.
func NewMemDevice(nsectors uint32) *MemDevice {
	return &MemDevice{data: make([][defs.SectorSize]byte, nsectors)}
}

// BlockCount implements Device.
func (m *MemDevice) BlockCount() uint32 { return uint32(len(m.data)) }

// ReadSector implements Device.
func (m *MemDevice) ReadSector(sector defs.Sector, buf []byte) error {
	if len(buf) != defs.SectorSize {
		return errors.New("disk: bad buffer size")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(sector) >= len(m.data) {
		return errors.Errorf("disk: sector %d out of range", sector)
	}
	copy(buf, m.data[sector][:])
	return nil
}

// WriteSector implements Device.
func (m *MemDevice) WriteSector(sector defs.Sector, buf []byte) error {
	if len(buf) != defs.SectorSize {
		return errors.New("disk: bad buffer size")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(sector) >= len(m.data) {
		return errors.Errorf("disk: sector %d out of range", sector)
	}
	copy(m.data[sector][:], buf)
	return nil
}

// Sync implements Device.
func (m *MemDevice) Sync() error { return nil }
