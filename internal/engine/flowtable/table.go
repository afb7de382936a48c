// Package flowtable implements the bounded flow table: a power-of-two array
// of entries resolved by linear probing within a fixed skid window, with
// local LRU eviction and a hardware mirror kept in step with every insert.
//
// Locking: the table lock (mu) guards slot contents, the mirror update queue
// and the metadata counter. Each receive context has its own lock guarding
// the aggregation state of the entries it owns. The table lock is always
// taken first.
package flowtable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"NetSpectraRx/internal/engine/fst"
	"NetSpectraRx/internal/engine/gro"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "flowtable")

var (
	ErrNoSlot           = errors.New("no free or evictable slot within skid")
	ErrSteeringMismatch = errors.New("flow is owned by another receive context")
	ErrUnknownContext   = errors.New("unknown receive context")
)

// Mode selects how mirror records reach the device.
type Mode uint8

const (
	// ModeDirect writes records synchronously while inserting.
	ModeDirect Mode = iota
	// ModeDeferred queues records for the update worker.
	ModeDeferred
)

func (m Mode) String() string {
	if m == ModeDeferred {
		return "deferred"
	}
	return "direct"
}

// Flusher flushes an entry's in-progress aggregate.
type Flusher interface {
	Flush(st *gro.State) bool
}

// Invalidator is told whenever hardware-visible state changed.
type Invalidator interface {
	Signal()
}

// Options configure a Table.
type Options struct {
	Capacity        uint32
	MaxSkid         uint32
	NumContexts     int
	Mode            Mode
	UpdateQueueSize int

	Memory      fst.Memory
	Device      fst.Device
	Flusher     Flusher
	Invalidator Invalidator
	Counters    *stats.Counters
	// OnQueued is called after a mirror update was queued, without the
	// table lock held.
	OnQueued func()
}

// Key identifies the packet being looked up.
type Key struct {
	Tuple model.FiveTuple
	Hash  uint32
	// Hint is the device's flow search result, if any.
	Hint      uint32
	HintValid bool
	// HintMetadata is the tag the device read alongside Hint.
	HintMetadata uint32
	Steering     uint8
	Context      uint8
	Interface    uint8
}

// KeyFromMeta fills the hint fields of a Key from device metadata.
func KeyFromMeta(ft model.FiveTuple, m *model.RxMeta, ctxID, iface uint8) Key {
	return Key{
		Tuple:        ft,
		Hash:         m.ToeplitzHash,
		Hint:         m.FlowIndex,
		HintValid:    m.HintUsable(),
		HintMetadata: m.FlowMetadata,
		Steering:     m.Steering,
		Context:      ctxID,
		Interface:    iface,
	}
}

// Result describes how a lookup was resolved.
type Result struct {
	Index    uint32
	Inserted bool
	Evicted  bool
	// Hinted is set when the device's flow index was used directly.
	Hinted bool
}

// Table is the flow table.
type Table struct {
	opts  Options
	mask  uint32
	slots []Entry

	mu       sync.RWMutex
	ctxLocks []sync.Mutex

	queue        *fst.UpdateQueue
	nextMetadata uint32
	clock        atomic.Uint64
	counters     *stats.Counters
}

// New creates an empty table.
func New(opts Options) (*Table, error) {
	if opts.Capacity == 0 || opts.Capacity&(opts.Capacity-1) != 0 {
		return nil, fmt.Errorf("capacity %d is not a power of two", opts.Capacity)
	}
	if opts.MaxSkid >= opts.Capacity {
		return nil, fmt.Errorf("max skid %d must be below capacity %d", opts.MaxSkid, opts.Capacity)
	}
	if opts.NumContexts <= 0 || opts.NumContexts > 256 {
		return nil, fmt.Errorf("invalid number of receive contexts %d", opts.NumContexts)
	}
	if opts.Memory == nil {
		return nil, errors.New("mirror memory is required")
	}
	if opts.Mode == ModeDeferred && opts.Device == nil {
		return nil, errors.New("deferred mirror mode requires a device")
	}
	if opts.Flusher == nil {
		return nil, errors.New("flusher is required")
	}
	if opts.Counters == nil {
		opts.Counters = &stats.Counters{}
	}
	t := &Table{
		opts:         opts,
		mask:         opts.Capacity - 1,
		slots:        make([]Entry, opts.Capacity),
		ctxLocks:     make([]sync.Mutex, opts.NumContexts),
		nextMetadata: 1,
		counters:     opts.Counters,
	}
	if opts.Mode == ModeDeferred {
		t.queue = fst.NewUpdateQueue(opts.UpdateQueueSize)
	}
	return t, nil
}

func (t *Table) Capacity() uint32 { return t.opts.Capacity }
func (t *Table) MaxSkid() uint32  { return t.opts.MaxSkid }
func (t *Table) Mode() Mode       { return t.opts.Mode }

// Process resolves k to an entry, inserting one if the flow is new, and runs
// fn on it with the owning context's lock held. A flow owned by a context
// other than k.Context yields ErrSteeringMismatch and fn is not called.
func (t *Table) Process(k Key, fn func(e *Entry)) (Result, error) {
	if int(k.Context) >= len(t.ctxLocks) {
		return Result{}, ErrUnknownContext
	}

	t.mu.RLock()
	if k.HintValid {
		if e := t.hinted(k); e != nil {
			res := Result{Index: e.HashIndex, Hinted: true}
			err := t.run(e, k.Context, fn)
			t.mu.RUnlock()
			return res, err
		}
		t.counters.InvalidFlowIndex.Add(1)
	}
	if idx, ok := t.find(k.Tuple, k.Hash); ok && !t.needsQueue(idx) {
		err := t.run(&t.slots[idx], k.Context, fn)
		t.mu.RUnlock()
		return Result{Index: idx}, err
	}
	t.mu.RUnlock()

	t.mu.Lock()
	res, queued, err := t.lookupOrInsert(k)
	if err == nil {
		err = t.run(&t.slots[res.Index], k.Context, fn)
	}
	t.mu.Unlock()

	if queued && t.opts.OnQueued != nil {
		t.opts.OnQueued()
	}
	return res, err
}

// hinted returns the entry the device's flow index points at, or nil if
// the hint is stale. Callers hold the table lock.
func (t *Table) hinted(k Key) *Entry {
	if k.Hint >= t.opts.Capacity {
		return nil
	}
	e := &t.slots[k.Hint]
	if !e.populated || e.Tuple != k.Tuple {
		return nil
	}
	if t.opts.Mode == ModeDeferred && (!e.mirrored || e.Metadata != k.HintMetadata) {
		return nil
	}
	return e
}

// find walks the skid window for tuple. Callers hold the table lock.
func (t *Table) find(tuple model.FiveTuple, hash uint32) (uint32, bool) {
	bucket := hash & t.mask
	for i := uint32(0); i <= t.opts.MaxSkid; i++ {
		idx := (bucket + i) & t.mask
		e := &t.slots[idx]
		if e.populated && e.Tuple == tuple {
			return idx, true
		}
	}
	return 0, false
}

func (t *Table) needsQueue(idx uint32) bool {
	return t.opts.Mode == ModeDeferred && !t.slots[idx].mirrored && !t.queue.Pending(idx)
}

// run checks ownership and calls fn under the owner's context lock.
func (t *Table) run(e *Entry, ctxID uint8, fn func(e *Entry)) error {
	if e.OwnerContext != ctxID {
		t.counters.SteeringMismatches.Add(1)
		return ErrSteeringMismatch
	}
	l := &t.ctxLocks[ctxID]
	l.Lock()
	e.accessSeq = t.clock.Add(1)
	e.LastAccess = time.Now()
	if fn != nil {
		fn(e)
	}
	l.Unlock()
	return nil
}

// lookupOrInsert is the slow path. It scans the whole skid window: a match
// wins, otherwise the first empty slot is claimed, otherwise the probed
// entry accessed longest ago is evicted. Callers hold the table lock for
// writing.
func (t *Table) lookupOrInsert(k Key) (Result, bool, error) {
	bucket := k.Hash & t.mask
	empty, victim := -1, -1
	var probed []uint32

	for i := uint32(0); i <= t.opts.MaxSkid; i++ {
		idx := (bucket + i) & t.mask
		e := &t.slots[idx]
		if !e.populated {
			if empty < 0 {
				empty = int(idx)
			}
			continue
		}
		if e.Tuple == k.Tuple {
			queued := false
			if t.needsQueue(idx) {
				queued = t.enqueue(e)
			}
			return Result{Index: idx}, queued, nil
		}
		probed = append(probed, idx)
		if victim < 0 || e.accessSeq < t.slots[victim].accessSeq {
			victim = int(idx)
		}
	}

	var res Result
	switch {
	case empty >= 0:
		res.Index = uint32(empty)
	case victim >= 0:
		res.Index = uint32(victim)
		res.Evicted = true
		t.evict(&t.slots[victim])
	default:
		t.counters.CapacityRejects.Add(1)
		return Result{}, false, ErrNoSlot
	}
	for _, idx := range probed {
		if res.Evicted && idx == res.Index {
			continue
		}
		t.slots[idx].Collisions++
		t.counters.HashCollisions.Add(1)
	}

	res.Inserted = true
	now := time.Now()
	t.slots[res.Index] = Entry{
		populated:    true,
		Tuple:        k.Tuple,
		HashIndex:    res.Index,
		Bucket:       bucket,
		OwnerContext: k.Context,
		InterfaceID:  k.Interface,
		Steering:     k.Steering,
		InitTime:     now,
		LastAccess:   now,
		accessSeq:    t.clock.Add(1),
	}
	t.counters.FlowsAdded.Add(1)
	queued := t.program(&t.slots[res.Index])
	return res, queued, nil
}

// evict flushes the victim's aggregate under its owner's lock and empties
// the slot.
func (t *Table) evict(e *Entry) {
	l := &t.ctxLocks[e.OwnerContext]
	l.Lock()
	t.opts.Flusher.Flush(&e.Agg)
	l.Unlock()
	log.WithField("flow", e.Tuple).Debugf("Evicted flow from slot %d", e.HashIndex)
	*e = Entry{}
	t.counters.FlowsEvicted.Add(1)
}

// program writes or queues the mirror record of a new entry. It reports
// whether an update was queued.
func (t *Table) program(e *Entry) bool {
	if t.opts.Mode == ModeDeferred {
		return t.enqueue(e)
	}
	e.Metadata = t.nextMetadata
	t.nextMetadata++
	if err := t.opts.Memory.Write(t.record(e)); err != nil {
		log.WithError(err).Warn("Failed to write mirror record")
		return false
	}
	e.mirrored = true
	t.counters.MirrorWrites.Add(1)
	t.invalidate()
	return false
}

func (t *Table) enqueue(e *Entry) bool {
	added, err := t.queue.Push(fst.Update{
		Index:    e.HashIndex,
		Tuple:    e.Tuple,
		Steering: e.Steering,
		Context:  e.OwnerContext,
	})
	if err != nil {
		t.counters.QueueOverflows.Add(1)
		return false
	}
	return added
}

func (t *Table) record(e *Entry) fst.Record {
	return fst.Record{
		Index:    e.HashIndex,
		Tuple:    e.Tuple,
		Steering: e.Steering,
		Metadata: e.Metadata,
	}
}

func (t *Table) invalidate() {
	if t.opts.Invalidator != nil {
		t.opts.Invalidator.Signal()
	}
}

// Drain wakes the device and applies every queued mirror update. Each
// record written gets a fresh metadata tag. The current slot contents win
// over what was queued: a slot emptied since is cleared and a reused slot
// is written with its new flow. If the device cannot be woken nothing is
// dequeued.
func (t *Table) Drain(ctx context.Context) error {
	if t.opts.Mode != ModeDeferred {
		return nil
	}
	t.mu.RLock()
	pending := t.queue.Len()
	t.mu.RUnlock()
	if pending == 0 {
		return nil
	}

	if err := t.opts.Device.Wake(ctx); err != nil {
		t.counters.DrainFailures.Add(1)
		return fmt.Errorf("wake device for %d mirror updates: %w", pending, err)
	}
	defer t.opts.Device.Release()

	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for {
		u, ok := t.queue.Pop()
		if !ok {
			break
		}
		e := &t.slots[u.Index]
		var err error
		if e.populated {
			e.Metadata = t.nextMetadata
			t.nextMetadata++
			if err = t.opts.Memory.Write(t.record(e)); err == nil {
				e.mirrored = true
				t.counters.MirrorWrites.Add(1)
			}
		} else if err = t.opts.Memory.Clear(u.Index); err == nil {
			t.counters.MirrorClears.Add(1)
		}
		if err != nil {
			// Leave it for the next drain.
			_, _ = t.queue.Push(u)
			t.counters.DrainFailures.Add(1)
			if changed {
				t.invalidate()
			}
			return fmt.Errorf("apply mirror update for slot %d: %w", u.Index, err)
		}
		changed = true
	}
	if changed {
		t.invalidate()
	}
	return nil
}

// PendingUpdates returns the number of queued mirror updates.
func (t *Table) PendingUpdates() int {
	if t.queue == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.queue.Len()
}
