// Package daemon provides the two optional background workers spec.md
// §9 calls out: a periodic flush and a read-ahead drainer. Neither is
// required for correctness -- the block cache works without them --
// but both are cheap throughput wins the spec explicitly leaves room
// for. Grounded on talyz-systemd_exporter's use of a scheduled
// goroutine loop for periodic collection, adapted from a Prometheus
// scrape interval to robfig/cron/v3 cron expressions.
package daemon

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/ziqian2000/gokernel/cache"
	"github.com/ziqian2000/gokernel/defs"
)

// Flusher runs cache.FlushAll on a cron schedule until stopped.
type Flusher struct {
	cr    *cron.Cron
	cache *cache.Cache
	log   *slog.Logger
}

// NewFlusher parses schedule (a robfig/cron expression, e.g.
// "@every 5s") and builds a Flusher that is not yet running.
func NewFlusher(c *cache.Cache, schedule string, log *slog.Logger) (*Flusher, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &Flusher{cr: cron.New(), cache: c, log: log}
	_, err := f.cr.AddFunc(schedule, f.tick)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flusher) tick() {
	if err := f.cache.FlushAll(); err != nil {
		f.log.Error("daemon: periodic flush failed", "err", err)
	}
}

// Start begins running the flush schedule in the background.
func (f *Flusher) Start() { f.cr.Start() }

// Stop halts the schedule, waiting for any in-flight flush to finish.
func (f *Flusher) Stop() { <-f.cr.Stop().Done() }

// Readahead drains a cache's readahead channel, warming the cache for
// each requested sector by issuing an ordinary shared read.
type Readahead struct {
	ch    <-chan defs.Sector
	cache *cache.Cache
	log   *slog.Logger
	done  chan struct{}
}

// StartReadahead enables c's read-ahead channel (buffered to buf
// entries) and starts a goroutine draining it.
func StartReadahead(c *cache.Cache, buf int, log *slog.Logger) *Readahead {
	if log == nil {
		log = slog.Default()
	}
	r := &Readahead{
		ch:    c.EnableReadahead(buf),
		cache: c,
		log:   log,
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Readahead) run() {
	for {
		select {
		case sector, ok := <-r.ch:
			if !ok {
				return
			}
			entry := r.cache.Lock(sector, defs.Shared)
			r.cache.Read(entry)
			r.cache.Unlock(entry)
		case <-r.done:
			return
		}
	}
}

// Stop halts the drain goroutine.
func (r *Readahead) Stop() { close(r.done) }
