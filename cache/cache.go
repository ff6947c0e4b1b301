// Package cache implements the sector-granular block cache of spec.md
// §4.1: a fixed 64-entry array, clock eviction, writer-preferred
// reader/writer locking per entry, and write-back flush. Grounded
// directly on original_source/pintos/src/filesys/cache.c, translated
// from pthread-style locks/condvars to sync.Mutex/sync.Cond and from
// the teacher's Bdev_block_t (fs/blk.go) for the block-list and
// request-shaped plumbing around a block device.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ziqian2000/gokernel/defs"
	"github.com/ziqian2000/gokernel/disk"
	"github.com/ziqian2000/gokernel/metrics"
	"github.com/ziqian2000/gokernel/sched"
)

// evictionBackoff is the coarse sleep taken when an entire clock sweep
// finds no evictable victim (spec.md §4.1).
const evictionBackoff = time.Second

// Entry is one slot of the block cache. The counters/condvars (guarded
// by entryMu) are split from the payload (guarded by dataMu) so a
// flushing writer can release the counter lock while disk I/O is in
// flight -- spec.md calls this split "intentional and load-bearing".
type Entry struct {
	entryMu sync.Mutex
	// noNeed wakes waiters once both readCnt and writeCnt reach zero.
	noNeed *sync.Cond
	// noWriters wakes waiting readers once writeCnt reaches zero.
	noWriters *sync.Cond

	sector defs.Sector

	readCnt, writeCnt         int
	readWaitCnt, writeWaitCnt int

	dataMu   sync.Mutex
	data     [defs.SectorSize]byte
	upToDate bool
	dirty    bool
}

func newEntry() *Entry {
	e := &Entry{sector: defs.InvalidSector}
	e.noNeed = sync.NewCond(&e.entryMu)
	e.noWriters = sync.NewCond(&e.entryMu)
	return e
}

// Sector reports which sector this entry currently caches.
func (e *Entry) Sector() defs.Sector {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	return e.sector
}

// Cache is the fixed-size block cache.
type Cache struct {
	mu        sync.Mutex // cache_global_lock
	entries   []*Entry
	evictHand int

	device  disk.Device
	metrics *metrics.Core
	log     *slog.Logger

	readahead chan defs.Sector
}

// New builds a Cache with n entries over device.
func New(device disk.Device, n int, m *metrics.Core, log *slog.Logger) *Cache {
	if m == nil {
		m = metrics.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		device:  device,
		metrics: m,
		log:     log,
	}
	c.entries = make([]*Entry, n)
	for i := range c.entries {
		c.entries[i] = newEntry()
	}
	return c
}

// EnableReadahead starts accepting asynchronous Readahead requests,
// drained by a caller-supplied worker (spec.md §9: the interface is
// required, the daemon behind it is optional).
func (c *Cache) EnableReadahead(buf int) <-chan defs.Sector {
	c.readahead = make(chan defs.Sector, buf)
	return c.readahead
}

// Readahead enqueues sector for asynchronous prefetch. It is a no-op
// if EnableReadahead was never called, and never blocks the caller.
func (c *Cache) Readahead(sector defs.Sector) {
	if c.readahead == nil {
		return
	}
	select {
	case c.readahead <- sector:
	default:
	}
}

// find scans for sector under c.mu held, and if present, waits for and
// claims access to it per mode -- grounded on cache_find in cache.c.
// It releases c.mu itself (ahead of any blocking wait) if it finds the
// sector, matching the original's "release cache_sync before waiting
// on the per-entry condvar" structure.
func (c *Cache) find(sector defs.Sector, mode defs.LockMode) *Entry {
	for _, e := range c.entries {
		e.entryMu.Lock()
		if e.sector == sector {
			c.mu.Unlock()
			if mode == defs.Shared {
				e.readWaitCnt++
				for e.writeCnt > 0 || e.writeWaitCnt > 0 {
					e.noWriters.Wait()
				}
				e.readCnt++
				e.readWaitCnt--
			} else {
				e.writeWaitCnt++
				for e.readCnt > 0 || e.writeCnt > 0 {
					e.noNeed.Wait()
				}
				e.writeCnt++
				e.writeWaitCnt--
			}
			e.entryMu.Unlock()
			c.metrics.CacheHits.Inc()
			return e
		}
		e.entryMu.Unlock()
	}
	return nil
}

// tryLock is one non-blocking-ish attempt: find the sector, else claim
// a free slot, else run one clock sweep looking for a victim. It
// reports whether it evicted a victim (in which case the caller should
// retry immediately) separately from finding nothing at all (in which
// case the caller backs off).
func (c *Cache) tryLock(sector defs.Sector, mode defs.LockMode) (entry *Entry, evicted bool) {
	c.mu.Lock()

	if e := c.find(sector, mode); e != nil {
		return e, false
	}

	// Not cached: claim a free slot.
	for _, e := range c.entries {
		e.entryMu.Lock()
		if e.sector == defs.InvalidSector {
			e.entryMu.Unlock()
			e.sector = sector
			e.upToDate = false
			e.dirty = false
			if mode == defs.Exclusive {
				e.writeCnt = 1
			} else {
				e.readCnt = 1
			}
			c.mu.Unlock()
			c.metrics.CacheMisses.Inc()
			return e, false
		}
		e.entryMu.Unlock()
	}

	// No free slot: clock-sweep for an evictable victim, still holding
	// c.mu as the original does.
	for i := 0; i < len(c.entries); i++ {
		e := c.entries[c.evictHand]
		c.evictHand = (c.evictHand + 1) % len(c.entries)

		e.entryMu.Lock()
		if e.readCnt == 0 && e.writeCnt == 0 && e.readWaitCnt == 0 && e.writeWaitCnt == 0 {
			e.writeCnt = 1
			e.entryMu.Unlock()
			c.mu.Unlock()

			if e.upToDate && e.dirty {
				e.dataMu.Lock()
				if err := c.device.WriteSector(e.sector, e.data[:]); err != nil {
					c.log.Error("cache: evict write-back failed", "sector", e.sector, "err", err)
				}
				e.dirty = false
				e.dataMu.Unlock()
			}

			e.entryMu.Lock()
			e.writeCnt = 0
			if e.readWaitCnt == 0 && e.writeWaitCnt == 0 {
				// No one arrived while we were flushing: reclaim it.
				e.sector = defs.InvalidSector
			} else {
				// A waiter arrived during flush: hand the entry to it
				// instead of reclaiming the slot (spec.md §4.1).
				if e.readWaitCnt > 0 {
					e.noWriters.Broadcast()
				} else {
					e.noNeed.Signal()
				}
			}
			c.metrics.CacheEvictions.Inc()
			e.entryMu.Unlock()
			return nil, true
		}
		e.entryMu.Unlock()
	}

	c.mu.Unlock()
	return nil, false
}

// Lock returns a pinned Entry for sector, running clock eviction and
// the 1-second backoff of spec.md §4.1 as needed.
func (c *Cache) Lock(sector defs.Sector, mode defs.LockMode) *Entry {
	for {
		for {
			entry, evicted := c.tryLock(sector, mode)
			if evicted {
				continue
			}
			if entry != nil {
				return entry
			}
			break
		}
		sched.Sleep(evictionBackoff)
	}
}

// Read returns the entry's payload, fetching it from disk first if it
// is not yet up to date.
func (c *Cache) Read(e *Entry) []byte {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	if !e.upToDate {
		sector := e.Sector()
		if err := c.device.ReadSector(sector, e.data[:]); err != nil {
			c.log.Error("cache: read failed", "sector", sector, "err", err)
		}
		e.upToDate = true
		e.dirty = false
	}
	return e.data[:]
}

// SetZero zero-fills the payload without a disk read, for sectors the
// caller knows are freshly allocated and whose previous contents are
// dead.
func (c *Cache) SetZero(e *Entry) []byte {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	for i := range e.data {
		e.data[i] = 0
	}
	e.upToDate = true
	e.dirty = true
	return e.data[:]
}

// MarkDirty flags e's payload as modified since the last write-back.
func (c *Cache) MarkDirty(e *Entry) {
	e.dataMu.Lock()
	e.dirty = true
	e.dataMu.Unlock()
}

// Unlock releases a pinned entry, waking the next waiter per the
// writer-preference discipline of spec.md §4.1.
func (c *Cache) Unlock(e *Entry) {
	e.entryMu.Lock()
	switch {
	case e.readCnt > 0:
		e.readCnt--
		if e.readCnt == 0 {
			e.noNeed.Signal()
		}
	case e.writeCnt > 0:
		e.writeCnt--
		if e.readWaitCnt > 0 {
			e.noWriters.Broadcast()
		} else {
			e.noNeed.Signal()
		}
	default:
		panic("cache: unlock of an already-idle entry")
	}
	e.entryMu.Unlock()
}

// Drop marks sector's slot free without writing it back, for when the
// sector is being released on disk (e.g. an inode's last close).
func (c *Cache) Drop(sector defs.Sector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.entryMu.Lock()
		if e.sector == sector {
			if e.readCnt == 0 && e.writeCnt == 0 && e.readWaitCnt == 0 && e.writeWaitCnt == 0 {
				e.sector = defs.InvalidSector
			}
			e.entryMu.Unlock()
			return
		}
		e.entryMu.Unlock()
	}
}

// FlushAll walks every entry and writes back any that are dirty and
// up to date, clearing their dirty bit (spec.md §8, "Flush law").
func (c *Cache) FlushAll() error {
	for _, e := range c.entries {
		e.entryMu.Lock()
		sector := e.sector
		e.entryMu.Unlock()
		if sector == defs.InvalidSector {
			continue
		}

		locked := c.Lock(sector, defs.Exclusive)
		if locked.upToDate && locked.dirty {
			locked.dataMu.Lock()
			if err := c.device.WriteSector(locked.sector, locked.data[:]); err != nil {
				locked.dataMu.Unlock()
				c.Unlock(locked)
				return errors.Wrapf(err, "cache: flush sector %d", sector)
			}
			locked.dirty = false
			locked.dataMu.Unlock()
			c.metrics.CacheFlushes.Inc()
		}
		c.Unlock(locked)
	}
	return c.device.Sync()
}
