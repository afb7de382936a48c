package manager

import (
	"fmt"

	"NetSpectraRx/internal/engine/flowtable"
	"NetSpectraRx/internal/stats"
)

func (e *Engine) checkInterface(iface uint8) error {
	if int(iface) >= e.cfg.Engine.MaxInterfaces {
		return fmt.Errorf("interface %d out of range (max %d)", iface, e.cfg.Engine.MaxInterfaces)
	}
	return nil
}

func (e *Engine) checkContext(ctxID uint8) error {
	if int(ctxID) >= len(e.contexts) {
		return fmt.Errorf("receive context %d out of range (have %d)", ctxID, len(e.contexts))
	}
	return nil
}

func (e *Engine) aggregationDisallowed(iface, ctxID uint8) bool {
	if int(iface) >= e.cfg.Engine.MaxInterfaces {
		return true
	}
	return e.disallowed[int(iface)*len(e.contexts)+int(ctxID)].Load()
}

// SetAggregationDisallowed turns aggregation off or back on for the flows of
// one interface on one receive context. Turning it off flushes what is
// pending for them.
func (e *Engine) SetAggregationDisallowed(iface, ctxID uint8, disallowed bool) error {
	if err := e.checkInterface(iface); err != nil {
		return err
	}
	if err := e.checkContext(ctxID); err != nil {
		return err
	}
	e.disallowed[int(iface)*len(e.contexts)+int(ctxID)].Store(disallowed)
	if disallowed {
		n := e.table.Flush(flowtable.ForInterfaceContext(iface, ctxID))
		log.Infof("Aggregation disallowed on interface %d context %d, flushed %d aggregates", iface, ctxID, n)
	}
	return nil
}

// FlushContext flushes every flow owned by one receive context and returns
// the number of aggregates delivered.
func (e *Engine) FlushContext(ctxID uint8) int {
	if e.checkContext(ctxID) != nil {
		return 0
	}
	return e.table.Flush(flowtable.ForContext(ctxID))
}

// FlushInterface flushes every flow of one interface.
func (e *Engine) FlushInterface(iface uint8) int {
	return e.table.Flush(flowtable.ForInterface(iface))
}

// FlushFlow flushes the flow in one table slot.
func (e *Engine) FlushFlow(index uint32) (bool, error) {
	return e.table.FlushIndex(index)
}

// RemoveInterface flushes and forgets every flow of an interface that is
// going away, and clears its aggregation switches.
func (e *Engine) RemoveInterface(iface uint8) (int, error) {
	if err := e.checkInterface(iface); err != nil {
		return 0, err
	}
	n := e.table.Delete(flowtable.ForInterface(iface))
	for c := range e.contexts {
		e.disallowed[int(iface)*len(e.contexts)+c].Store(false)
	}
	log.Infof("Removed interface %d with %d flows", iface, n)
	return n, nil
}

// GetStats returns the control interface counters.
func (e *Engine) GetStats() Stats {
	s := e.counters.Snapshot()
	return Stats{
		FlowsAdded:         s.FlowsAdded,
		FlowsEvicted:       s.FlowsEvicted,
		HashCollisions:     s.HashCollisions,
		InvalidFlowIndex:   s.InvalidFlowIndex,
		SteeringMismatches: s.SteeringMismatches,
	}
}

// Snapshot returns every engine counter.
func (e *Engine) Snapshot() stats.Snapshot {
	return e.counters.Snapshot()
}

// Flows returns a copy of every flow table entry.
func (e *Engine) Flows() []flowtable.FlowInfo {
	return e.table.Flows()
}
