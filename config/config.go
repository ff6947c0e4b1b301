// Package config loads the tunable knobs of the core (cache slot
// count, swap device size, frame pool size, stack growth cap) from
// YAML, the way SimonWaldherr-tinySQL's importer/storage layers parse
// their own YAML-driven settings.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ziqian2000/gokernel/defs"
)

// Core_t holds every size/feature knob the core reads at startup.
// Default() fills every field with the values spec.md hard-codes (64
// cache entries, 8 MiB stack cap); a zero-value Core_t has every knob
// at zero.
type Core_t struct {
	// CacheSlots is the number of entries in the block cache's fixed
	// array (spec.md §3: "Fixed-size array of 64 entries").
	CacheSlots int `yaml:"cache_slots"`

	// FramePoolPages is the number of physical user-frame slots the
	// frame table manages.
	FramePoolPages int `yaml:"frame_pool_pages"`

	// SwapSlots is the number of page-sized slots in the swap device.
	SwapSlots int `yaml:"swap_slots"`

	// StackCapBytes is the maximum distance below PHYS_BASE that
	// stack growth may reach.
	StackCapBytes int `yaml:"stack_cap_bytes"`

	// EnableReadahead turns on the optional read-ahead daemon
	// (spec.md §9: the interface is required, enabling it is not).
	EnableReadahead bool `yaml:"enable_readahead"`

	// FlushCron is a robfig/cron/v3 schedule expression for the
	// periodic flush daemon, e.g. "@every 5s".
	FlushCron string `yaml:"flush_cron"`
}

// Default returns the spec-mandated defaults.
func Default() Core_t {
	return Core_t{
		CacheSlots:      64,
		FramePoolPages:  256,
		SwapSlots:       512,
		StackCapBytes:   defs.StackCap,
		EnableReadahead: false,
		FlushCron:       "@every 5s",
	}
}

// Load reads and parses a Core_t from a YAML file at path, filling any
// field the file omits with its Default() value.
func Load(path string) (Core_t, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "config: parse %s", path)
	}
	return c, nil
}
