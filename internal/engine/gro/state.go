package gro

import (
	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/model"
)

// FlowCounters are the per-flow aggregation counters.
type FlowCounters struct {
	Packets         uint64 `json:"packets"`
	AggregatedBytes uint64 `json:"aggregated_bytes"`
	AggregatedSegs  uint64 `json:"aggregated_segments"`
	Flushes         uint64 `json:"flushes"`
	Corruptions     uint64 `json:"corruptions"`
}

// State is the aggregation state of one flow. A State with no head buffer is
// idle; one with a head buffer is aggregating.
type State struct {
	chain model.Chain
	// hdr is the layout of the head segment and the template for the
	// merged header.
	hdr protocol.Headers

	curAggregateCount    uint32
	lastHWAggregateCount uint32
	hwCumulativeLen      uint32
	adjustedCumulative   uint32
	doNotAggregate       bool

	counters FlowCounters
}

// Active reports whether an aggregate is in progress.
func (s *State) Active() bool {
	return !s.chain.Empty()
}

// Segments returns the number of segments in the in-progress aggregate.
func (s *State) Segments() int {
	return s.chain.Len()
}

// AdjustedLen returns the L4 payload bytes accumulated so far.
func (s *State) AdjustedLen() uint32 {
	return s.adjustedCumulative
}

// DoNotAggregate reports whether aggregation is suspended until the next
// packet that starts a new hardware aggregate.
func (s *State) DoNotAggregate() bool {
	return s.doNotAggregate
}

// LastHWAggregateCount and HWCumulativeLen return the hardware bookkeeping
// of the last accepted packet.
func (s *State) LastHWAggregateCount() uint32 { return s.lastHWAggregateCount }
func (s *State) HWCumulativeLen() uint32      { return s.hwCumulativeLen }

func (s *State) Counters() FlowCounters {
	return s.counters
}

// Reset drops all bookkeeping. It must only be called on an idle state.
func (s *State) Reset() {
	*s = State{counters: s.counters}
}

func (s *State) start(buf *model.Buffer, h protocol.Headers) {
	if n := h.HeadersLen() + h.PayloadLen; n < len(buf.Data) {
		buf.Data = buf.Data[:n]
	}
	s.chain.Start(buf)
	s.hdr = h
	s.curAggregateCount = 0
	s.adjustedCumulative = uint32(h.PayloadLen)
	s.lastHWAggregateCount = buf.Meta.AggregateCount
	s.hwCumulativeLen = buf.Meta.CumulativeIPLength
}

// tcpFlagsOffset is the offset of the flags byte in the TCP header.
const tcpFlagsOffset = 13

func (s *State) append(buf *model.Buffer, h protocol.Headers) {
	buf.Pull(h.HeadersLen())
	if h.PayloadLen < len(buf.Data) {
		buf.Data = buf.Data[:h.PayloadLen]
	}
	s.chain.Append(buf)
	if h.TCPFlags&protocol.TCPFlagPSH != 0 && s.hdr.Tuple.Protocol == model.ProtoTCP {
		// The merged segment carries the push of its last segment.
		head := s.chain.Head()
		head.Data[s.hdr.IPHeaderLen+tcpFlagsOffset] |= protocol.TCPFlagPSH
		s.hdr.TCPFlags |= protocol.TCPFlagPSH
	}
	s.curAggregateCount++
	s.adjustedCumulative += uint32(h.PayloadLen)
	s.counters.AggregatedSegs++
	s.counters.AggregatedBytes += uint64(h.PayloadLen)
}
