package flowtable

import (
	"fmt"

	"NetSpectraRx/internal/engine/fst"
	"NetSpectraRx/internal/model"
)

// Filter selects entries for the bulk operations. A nil field matches all.
type Filter struct {
	Context   *uint8
	Interface *uint8
}

func (f Filter) match(e *Entry) bool {
	if !e.populated {
		return false
	}
	if f.Context != nil && e.OwnerContext != *f.Context {
		return false
	}
	if f.Interface != nil && e.InterfaceID != *f.Interface {
		return false
	}
	return true
}

// ForContext selects the flows owned by one receive context.
func ForContext(id uint8) Filter { return Filter{Context: &id} }

// ForInterface selects the flows of one virtual interface.
func ForInterface(id uint8) Filter { return Filter{Interface: &id} }

// ForInterfaceContext selects the flows of one interface owned by one
// receive context.
func ForInterfaceContext(iface, ctxID uint8) Filter {
	return Filter{Context: &ctxID, Interface: &iface}
}

// Flush flushes every entry matching f and returns how many aggregates were
// delivered. Context locks are taken one at a time.
func (t *Table) Flush(f Filter) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flushLocked(f)
}

func (t *Table) flushLocked(f Filter) int {
	n := 0
	for c := range t.ctxLocks {
		if f.Context != nil && int(*f.Context) != c {
			continue
		}
		l := &t.ctxLocks[c]
		l.Lock()
		for i := range t.slots {
			e := &t.slots[i]
			if e.OwnerContext != uint8(c) || !f.match(e) {
				continue
			}
			if t.opts.Flusher.Flush(&e.Agg) {
				n++
			}
		}
		l.Unlock()
	}
	return n
}

// FlushIndex flushes the flow in slot index. It reports whether an
// aggregate was delivered.
func (t *Table) FlushIndex(index uint32) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= t.opts.Capacity {
		return false, fmt.Errorf("flow index %d: out of range", index)
	}
	e := &t.slots[index]
	if !e.populated {
		return false, fmt.Errorf("flow index %d: not populated", index)
	}
	l := &t.ctxLocks[e.OwnerContext]
	l.Lock()
	defer l.Unlock()
	return t.opts.Flusher.Flush(&e.Agg), nil
}

// Delete flushes and removes every entry matching f, and retracts their
// mirror records. It returns the number of entries removed.
func (t *Table) Delete(f Filter) int {
	t.mu.Lock()
	t.flushLocked(f)

	var removed int
	queued := false
	for i := range t.slots {
		e := &t.slots[i]
		if !f.match(e) {
			continue
		}
		idx := e.HashIndex
		mirrored := e.mirrored
		*e = Entry{}
		removed++
		t.counters.FlowsDeleted.Add(1)

		switch {
		case t.opts.Mode == ModeDeferred:
			if mirrored || t.queue.Pending(idx) {
				// Drain clears the record once it finds the slot empty.
				added, err := t.queue.Push(fst.Update{Index: idx})
				if err != nil {
					t.counters.QueueOverflows.Add(1)
				}
				queued = queued || added
			}
		case mirrored:
			if err := t.opts.Memory.Clear(idx); err != nil {
				log.WithError(err).Warn("Failed to clear mirror record")
				continue
			}
			t.counters.MirrorClears.Add(1)
		}
	}
	if removed > 0 && t.opts.Mode == ModeDirect {
		t.invalidate()
	}
	t.mu.Unlock()

	if queued && t.opts.OnQueued != nil {
		t.opts.OnQueued()
	}
	return removed
}

// Flows returns a copy of every populated entry.
func (t *Table) Flows() []FlowInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []FlowInfo
	for c := range t.ctxLocks {
		l := &t.ctxLocks[c]
		l.Lock()
		for i := range t.slots {
			e := &t.slots[i]
			if e.populated && e.OwnerContext == uint8(c) {
				out = append(out, e.info())
			}
		}
		l.Unlock()
	}
	return out
}

// Len returns the number of populated entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.slots {
		if t.slots[i].populated {
			n++
		}
	}
	return n
}

// Verify checks the table invariants: no two populated entries share a
// tuple, and every entry sits within max skid of its bucket.
func (t *Table) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[model.FiveTuple]uint32)
	for i := range t.slots {
		e := &t.slots[i]
		if !e.populated {
			continue
		}
		if j, ok := seen[e.Tuple]; ok {
			return fmt.Errorf("flow %s in slots %d and %d", e.Tuple, j, i)
		}
		seen[e.Tuple] = uint32(i)
		if e.HashIndex != uint32(i) {
			return fmt.Errorf("slot %d records index %d", i, e.HashIndex)
		}
		if dist := (uint32(i) - e.Bucket) & t.mask; dist > t.opts.MaxSkid {
			return fmt.Errorf("flow %s in slot %d is %d probes from bucket %d", e.Tuple, i, dist, e.Bucket)
		}
	}
	return nil
}
