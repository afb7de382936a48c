// Package gro coalesces consecutive same-flow segments that the device
// reports as one hardware aggregate into a single buffer with a fragment
// chain, and fixes up the merged headers when the aggregate is flushed.
package gro

import (
	"encoding/binary"

	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "gro")

const (
	udpLengthOffset   = 4
	udpChecksumOffset = 6

	// TCP segments with any of these flags are never merged.
	tcpFlushFlags = protocol.TCPFlagSYN | protocol.TCPFlagFIN | protocol.TCPFlagRST | protocol.TCPFlagURG
)

// Limits bound what the aggregator will merge.
type Limits struct {
	// MaxPayload is the largest cumulative length increase one continuation
	// may report.
	MaxPayload uint32
	// MaxSegments caps the segments in one aggregate.
	MaxSegments uint32
	// MaxAggregateSize caps the merged IPv4 total length.
	MaxAggregateSize uint32
}

// Verdict says what Receive did with a packet.
type Verdict uint8

const (
	// VerdictHead means the packet started a new aggregate.
	VerdictHead Verdict = iota
	// VerdictAppend means the packet joined the in-progress aggregate.
	VerdictAppend
	// VerdictSingle means the packet was delivered on its own.
	VerdictSingle
	// VerdictCorrupt means the hardware bookkeeping failed validation; the
	// packet was delivered on its own and the flow stops aggregating.
	VerdictCorrupt
)

func (v Verdict) String() string {
	switch v {
	case VerdictHead:
		return "head"
	case VerdictAppend:
		return "append"
	case VerdictSingle:
		return "single"
	case VerdictCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// Aggregator runs the aggregation state machine over flow States. It holds
// no per-flow data and is safe for concurrent use as long as each State is
// only touched by one goroutine at a time.
type Aggregator struct {
	limits   Limits
	out      model.Deliverer
	counters *stats.Counters
}

// NewAggregator creates an Aggregator that hands finished buffers to out.
func NewAggregator(limits Limits, out model.Deliverer, counters *stats.Counters) *Aggregator {
	return &Aggregator{limits: limits, out: out, counters: counters}
}

// Receive feeds one packet of the flow owning st into the state machine. The
// aggregator takes ownership of buf.
func (a *Aggregator) Receive(st *State, buf *model.Buffer, h protocol.Headers) Verdict {
	m := &buf.Meta
	st.counters.Packets++

	if !m.Continuation {
		a.Flush(st)
		st.Reset()
		if h.TCPFlags&tcpFlushFlags != 0 {
			st.lastHWAggregateCount = m.AggregateCount
			st.hwCumulativeLen = m.CumulativeIPLength
			a.Deliver(buf)
			return VerdictSingle
		}
		st.start(buf, h)
		if h.TCPFlags&protocol.TCPFlagPSH != 0 {
			a.Flush(st)
		}
		return VerdictHead
	}

	if st.doNotAggregate {
		a.Deliver(buf)
		return VerdictSingle
	}

	if !st.Active() {
		// The aggregate this continues was already flushed. Pick the
		// bookkeeping back up from this packet.
		st.start(buf, h)
		return VerdictHead
	}

	if !a.validContinuation(st, m, h) {
		log.WithField("flow", h.Tuple).Debugf("Rejected continuation count=%d cum=%d (have count=%d cum=%d)",
			m.AggregateCount, m.CumulativeIPLength, st.lastHWAggregateCount, st.hwCumulativeLen)
		a.Flush(st)
		st.doNotAggregate = true
		st.counters.Corruptions++
		a.counters.CorruptHints.Add(1)
		a.Deliver(buf)
		return VerdictCorrupt
	}
	st.lastHWAggregateCount = m.AggregateCount
	st.hwCumulativeLen = m.CumulativeIPLength

	if h.TCPFlags&tcpFlushFlags != 0 {
		a.Flush(st)
		a.Deliver(buf)
		return VerdictSingle
	}

	template := st.hdr.PayloadLen
	merged := uint32(st.hdr.HeadersLen()) + st.adjustedCumulative + uint32(h.PayloadLen)
	if h.PayloadLen > template || merged > a.limits.MaxAggregateSize {
		a.Flush(st)
		st.start(buf, h)
		return VerdictHead
	}

	st.append(buf, h)
	a.counters.AggregatedSegments.Add(1)

	if h.PayloadLen < template ||
		h.TCPFlags&protocol.TCPFlagPSH != 0 ||
		(a.limits.MaxSegments > 0 && uint32(st.Segments()) >= a.limits.MaxSegments) {
		a.Flush(st)
	}
	return VerdictAppend
}

func (a *Aggregator) validContinuation(st *State, m *model.RxMeta, h protocol.Headers) bool {
	if m.AggregateCount != st.lastHWAggregateCount+1 {
		return false
	}
	if m.CumulativeIPLength <= st.hwCumulativeLen {
		return false
	}
	delta := m.CumulativeIPLength - st.hwCumulativeLen
	if delta > a.limits.MaxPayload {
		return false
	}
	return delta == uint32(h.PayloadLen)
}

// Flush delivers the in-progress aggregate of st, if any, and returns st to
// idle. It reports whether a buffer was delivered. The hardware bookkeeping
// and the do-not-aggregate mark survive a flush.
func (a *Aggregator) Flush(st *State) bool {
	if st.chain.Empty() {
		return false
	}
	count := st.curAggregateCount
	if count > 0 {
		a.fixup(st, st.chain.Head())
	}
	head := st.chain.Detach()
	st.hdr = protocol.Headers{}
	st.curAggregateCount = 0
	st.adjustedCumulative = 0
	st.counters.Flushes++

	a.counters.Flushes.Add(1)
	a.Deliver(head)
	return true
}

// fixup rewrites the head's headers to describe the merged aggregate and
// sets the segmentation metadata the consumer needs to split it again.
func (a *Aggregator) fixup(st *State, head *model.Buffer) {
	d := head.Data
	ihl := st.hdr.IPHeaderLen
	l4 := st.hdr.L4HeaderLen
	total := ihl + l4 + int(st.adjustedCumulative)

	binary.BigEndian.PutUint16(d[2:4], uint16(total))
	binary.BigEndian.PutUint16(d[10:12], ipv4HeaderChecksum(d[:ihl]))

	switch st.hdr.Tuple.Protocol {
	case model.ProtoUDP:
		ulen := uint16(protocol.UDPHeaderLen + int(st.adjustedCumulative))
		binary.BigEndian.PutUint16(d[ihl+udpLengthOffset:], ulen)
		binary.BigEndian.PutUint16(d[ihl+udpChecksumOffset:],
			pseudoHeaderSum(st.hdr.Tuple.SrcIP, st.hdr.Tuple.DstIP, model.ProtoUDP, ulen))
		head.Checksum = model.ChecksumPartial
		head.CsumStart = uint16(ihl)
		head.CsumOffset = udpChecksumOffset
		head.GSOType = model.GSOUDPL4
	case model.ProtoTCP:
		head.Checksum = model.ChecksumUnnecessary
		head.GSOType = model.GSOTCPv4
	}
	head.GSOSegs = uint16(st.curAggregateCount + 1)
	head.GSOSize = uint16(st.hdr.PayloadLen)
}

// Deliver hands buf to the consumer. If the consumer refuses it, the buffer
// and its fragment chain are released here.
func (a *Aggregator) Deliver(buf *model.Buffer) {
	if err := a.out.Deliver(buf); err != nil {
		a.counters.DeliverFailures.Add(1)
		log.WithError(err).Debug("Consumer rejected buffer")
		buf.Release()
		return
	}
	a.counters.Delivered.Add(1)
}
