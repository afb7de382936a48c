package fst

import (
	"sync"
	"sync/atomic"
	"time"

	"NetSpectraRx/internal/stats"
)

// Invalidator coalesces flow cache invalidations. Any number of Signal calls
// within one delay window result in a single InvalidateFlowCache message.
type Invalidator struct {
	dev      Device
	delay    time.Duration
	counters *stats.Counters

	pending atomic.Bool
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewInvalidator creates an Invalidator for dev.
func NewInvalidator(dev Device, delay time.Duration, counters *stats.Counters) *Invalidator {
	return &Invalidator{dev: dev, delay: delay, counters: counters}
}

// Signal schedules an invalidation unless one is already pending.
func (inv *Invalidator) Signal() {
	if !inv.pending.CompareAndSwap(false, true) {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.stopped {
		inv.pending.Store(false)
		return
	}
	inv.timer = time.AfterFunc(inv.delay, inv.fire)
}

// Stop cancels the timer and sends any pending invalidation right away.
func (inv *Invalidator) Stop() {
	inv.mu.Lock()
	inv.stopped = true
	timer := inv.timer
	inv.mu.Unlock()

	if timer != nil && timer.Stop() {
		inv.fire()
	}
}

func (inv *Invalidator) fire() {
	inv.pending.Store(false)
	if err := inv.dev.InvalidateFlowCache(); err != nil {
		log.WithError(err).Warn("Flow cache invalidation failed")
		return
	}
	inv.counters.Invalidations.Add(1)
}
