package flowtable

import (
	"time"

	"NetSpectraRx/internal/engine/gro"
	"NetSpectraRx/internal/model"
)

// Entry is one occupied slot of the flow table.
type Entry struct {
	populated bool

	Tuple model.FiveTuple
	// HashIndex is the slot the entry occupies; Bucket is the slot its hash
	// maps to.
	HashIndex uint32
	Bucket    uint32
	// Metadata is the tag of the entry's mirror record. Zero until the
	// record has been written.
	Metadata     uint32
	OwnerContext uint8
	InterfaceID  uint8
	Steering     uint8

	Agg gro.State

	InitTime   time.Time
	LastAccess time.Time
	// Collisions counts walks that probed past this entry for another flow.
	Collisions uint64

	accessSeq uint64
	mirrored  bool
}

// Populated reports whether the slot is in use.
func (e *Entry) Populated() bool {
	return e.populated
}

// Mirrored reports whether the entry's mirror record has been written.
func (e *Entry) Mirrored() bool {
	return e.mirrored
}

// FlowInfo is a copy of an entry for inspection.
type FlowInfo struct {
	Index          uint32           `json:"index"`
	Bucket         uint32           `json:"bucket"`
	Tuple          model.FiveTuple  `json:"-"`
	Flow           string           `json:"flow"`
	Metadata       uint32           `json:"metadata"`
	OwnerContext   uint8            `json:"owner_context"`
	InterfaceID    uint8            `json:"interface"`
	Steering       uint8            `json:"steering"`
	Mirrored       bool             `json:"mirrored"`
	Aggregating    bool             `json:"aggregating"`
	Segments       int              `json:"segments"`
	DoNotAggregate bool             `json:"do_not_aggregate"`
	Collisions     uint64           `json:"collisions"`
	Counters       gro.FlowCounters `json:"counters"`
	InitTime       time.Time        `json:"init_time"`
	LastAccess     time.Time        `json:"last_access"`
}

func (e *Entry) info() FlowInfo {
	return FlowInfo{
		Index:          e.HashIndex,
		Bucket:         e.Bucket,
		Tuple:          e.Tuple,
		Flow:           e.Tuple.String(),
		Metadata:       e.Metadata,
		OwnerContext:   e.OwnerContext,
		InterfaceID:    e.InterfaceID,
		Steering:       e.Steering,
		Mirrored:       e.mirrored,
		Aggregating:    e.Agg.Active(),
		Segments:       e.Agg.Segments(),
		DoNotAggregate: e.Agg.DoNotAggregate(),
		Collisions:     e.Collisions,
		Counters:       e.Agg.Counters(),
		InitTime:       e.InitTime,
		LastAccess:     e.LastAccess,
	}
}
