// Package stats holds the engine-wide counters. Every counter is a lock-free
// atomic so the datapath can bump it from any receive context.
package stats

import "sync/atomic"

// Counters are the global engine counters.
type Counters struct {
	FlowsAdded         atomic.Uint64
	FlowsEvicted       atomic.Uint64
	FlowsDeleted       atomic.Uint64
	HashCollisions     atomic.Uint64
	InvalidFlowIndex   atomic.Uint64
	SteeringMismatches atomic.Uint64

	Packets            atomic.Uint64
	Bypassed           atomic.Uint64
	AggregatedSegments atomic.Uint64
	Flushes            atomic.Uint64
	Delivered          atomic.Uint64
	DeliverFailures    atomic.Uint64
	CorruptHints       atomic.Uint64
	CapacityRejects    atomic.Uint64

	MirrorWrites   atomic.Uint64
	MirrorClears   atomic.Uint64
	DrainFailures  atomic.Uint64
	QueueOverflows atomic.Uint64
	Invalidations  atomic.Uint64
}

// Snapshot is a plain copy of Counters.
type Snapshot struct {
	FlowsAdded         uint64 `json:"flows_added"`
	FlowsEvicted       uint64 `json:"flows_evicted"`
	FlowsDeleted       uint64 `json:"flows_deleted"`
	HashCollisions     uint64 `json:"hash_collisions"`
	InvalidFlowIndex   uint64 `json:"invalid_flow_index"`
	SteeringMismatches uint64 `json:"steering_mismatches"`

	Packets            uint64 `json:"packets"`
	Bypassed           uint64 `json:"bypassed"`
	AggregatedSegments uint64 `json:"aggregated_segments"`
	Flushes            uint64 `json:"flushes"`
	Delivered          uint64 `json:"delivered"`
	DeliverFailures    uint64 `json:"deliver_failures"`
	CorruptHints       uint64 `json:"corrupt_hints"`
	CapacityRejects    uint64 `json:"capacity_rejects"`

	MirrorWrites   uint64 `json:"mirror_writes"`
	MirrorClears   uint64 `json:"mirror_clears"`
	DrainFailures  uint64 `json:"drain_failures"`
	QueueOverflows uint64 `json:"queue_overflows"`
	Invalidations  uint64 `json:"invalidations"`
}

// Snapshot reads every counter. Individual loads are atomic; the snapshot as
// a whole is not.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FlowsAdded:         c.FlowsAdded.Load(),
		FlowsEvicted:       c.FlowsEvicted.Load(),
		FlowsDeleted:       c.FlowsDeleted.Load(),
		HashCollisions:     c.HashCollisions.Load(),
		InvalidFlowIndex:   c.InvalidFlowIndex.Load(),
		SteeringMismatches: c.SteeringMismatches.Load(),
		Packets:            c.Packets.Load(),
		Bypassed:           c.Bypassed.Load(),
		AggregatedSegments: c.AggregatedSegments.Load(),
		Flushes:            c.Flushes.Load(),
		Delivered:          c.Delivered.Load(),
		DeliverFailures:    c.DeliverFailures.Load(),
		CorruptHints:       c.CorruptHints.Load(),
		CapacityRejects:    c.CapacityRejects.Load(),
		MirrorWrites:       c.MirrorWrites.Load(),
		MirrorClears:       c.MirrorClears.Load(),
		DrainFailures:      c.DrainFailures.Load(),
		QueueOverflows:     c.QueueOverflows.Load(),
		Invalidations:      c.Invalidations.Load(),
	}
}

// Fields returns the snapshot as name/value pairs in a stable order. Names
// match the JSON tags.
func (s Snapshot) Fields() []Field {
	return []Field{
		{"flows_added", s.FlowsAdded},
		{"flows_evicted", s.FlowsEvicted},
		{"flows_deleted", s.FlowsDeleted},
		{"hash_collisions", s.HashCollisions},
		{"invalid_flow_index", s.InvalidFlowIndex},
		{"steering_mismatches", s.SteeringMismatches},
		{"packets", s.Packets},
		{"bypassed", s.Bypassed},
		{"aggregated_segments", s.AggregatedSegments},
		{"flushes", s.Flushes},
		{"delivered", s.Delivered},
		{"deliver_failures", s.DeliverFailures},
		{"corrupt_hints", s.CorruptHints},
		{"capacity_rejects", s.CapacityRejects},
		{"mirror_writes", s.MirrorWrites},
		{"mirror_clears", s.MirrorClears},
		{"drain_failures", s.DrainFailures},
		{"queue_overflows", s.QueueOverflows},
		{"invalidations", s.Invalidations},
	}
}

// Field is one named counter value.
type Field struct {
	Name  string
	Value uint64
}
