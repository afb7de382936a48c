// Package sim is an in-process model of the receive hardware: it resolves
// flows against its copy of the mirror, computes the RSS hash, steers
// packets to receive contexts and annotates hardware aggregates.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"NetSpectraRx/internal/engine/fst"
	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "sim")

var ErrWakeFailed = errors.New("device did not wake")

// Config describes the simulated device.
type Config struct {
	NumContexts int
	Capacity    uint32
	MaxSkid     uint32
	// MaxBurst caps the segments of one hardware aggregate.
	MaxBurst uint32
	RSSKey   []byte
}

// aggregate is the hardware aggregate in progress on one ring.
type aggregate struct {
	open    bool
	tuple   model.FiveTuple
	count   uint32
	cumLen  uint32
	segSize int
}

// Device simulates the hardware. It implements fst.Device, and fst.Memory
// for the co-processor copy of the mirror.
type Device struct {
	cfg Config
	mem *fst.HostMemory

	mu            sync.Mutex
	awake         int
	failWake      bool
	cache         map[model.FiveTuple]fst.Record
	rings         []aggregate
	x             *protocol.Extractor
	wakes         int
	invalidations int
}

// New creates a device with an empty mirror.
func New(cfg Config) *Device {
	if cfg.RSSKey == nil {
		cfg.RSSKey = protocol.DefaultRSSKey
	}
	if cfg.NumContexts <= 0 {
		cfg.NumContexts = 1
	}
	return &Device{
		cfg:   cfg,
		mem:   fst.NewHostMemory(cfg.Capacity),
		cache: make(map[model.FiveTuple]fst.Record),
		rings: make([]aggregate, cfg.NumContexts),
		x:     protocol.NewExtractor(),
	}
}

// HostMemory returns the mirror memory for direct mode, where the host
// writes records itself.
func (d *Device) HostMemory() *fst.HostMemory {
	return d.mem
}

// SetWakeFailure makes subsequent Wake calls fail.
func (d *Device) SetWakeFailure(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWake = fail
	log.Warnf("Wake failure injection set to %t", fail)
}

func (d *Device) Wake(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWake {
		return ErrWakeFailed
	}
	d.awake++
	d.wakes++
	return nil
}

func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.awake > 0 {
		d.awake--
	}
}

func (d *Device) InvalidateFlowCache() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[model.FiveTuple]fst.Record)
	d.invalidations++
	return nil
}

// Write stores a record in co-processor memory. The device must be awake.
func (d *Device) Write(r fst.Record) error {
	if !d.isAwake() {
		return fmt.Errorf("write record %d: %w", r.Index, fst.ErrAsleep)
	}
	return d.mem.Write(r)
}

// Clear removes a record from co-processor memory. The device must be awake.
func (d *Device) Clear(index uint32) error {
	if !d.isAwake() {
		return fmt.Errorf("clear record %d: %w", index, fst.ErrAsleep)
	}
	return d.mem.Clear(index)
}

func (d *Device) isAwake() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.awake > 0
}

// Wakes returns how often the device was woken.
func (d *Device) Wakes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wakes
}

// Invalidations returns how many cache invalidations arrived.
func (d *Device) Invalidations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invalidations
}

// search resolves ft the way the hardware does: cached results first, then
// a walk of the mirror. Cached results can be stale until the next
// invalidation. Callers hold d.mu.
func (d *Device) search(ft model.FiveTuple, hash uint32) (fst.Record, bool) {
	if r, ok := d.cache[ft]; ok {
		return r, true
	}
	r, ok := d.mem.Search(ft, hash, d.cfg.MaxSkid)
	if ok {
		d.cache[ft] = r
	}
	return r, ok
}
