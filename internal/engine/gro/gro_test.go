package gro

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
	"NetSpectraRx/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = Limits{MaxPayload: 1472, MaxSegments: 64, MaxAggregateSize: 65535}

type collector struct {
	bufs []*model.Buffer
	err  error
}

func (c *collector) Deliver(buf *model.Buffer) error {
	if c.err != nil {
		return c.err
	}
	c.bufs = append(c.bufs, buf)
	return nil
}

type harness struct {
	t        *testing.T
	agg      *Aggregator
	out      *collector
	counters *stats.Counters
	pool     *model.BufferPool
	x        *protocol.Extractor
	st       State
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:        t,
		out:      &collector{},
		counters: &stats.Counters{},
		pool:     model.NewBufferPool(2048),
		x:        protocol.NewExtractor(),
	}
	h.agg = NewAggregator(testLimits, h.out, h.counters)
	return h
}

func (h *harness) feed(buf *model.Buffer) Verdict {
	hdr, err := h.x.Extract(buf.Data)
	require.NoError(h.t, err)
	return h.agg.Receive(&h.st, buf, hdr)
}

func verifyIPv4Checksum(t *testing.T, pkt []byte) {
	ihl := int(pkt[0]&0x0f) * 4
	assert.Equal(t, uint16(0xffff), fold(sum(pkt[:ihl], 0)), "IPv4 header checksum")
}

// completeUDPChecksum finishes a partial checksum the way a consumer would.
func completeUDPChecksum(pkt []byte, start, offset int) {
	c := ^fold(sum(pkt[start:], 0))
	binary.BigEndian.PutUint16(pkt[start+offset:], c)
}

func TestUDPAggregateOfFour(t *testing.T) {
	h := newHarness(t)
	ft := testutil.UDPTuple("10.1.1.1", "10.1.1.2", 5001, 6001)
	b := &testutil.Burst{Pool: h.pool, Tuple: ft}

	assert.Equal(t, VerdictHead, h.feed(b.Next(512)))
	for i := 0; i < 3; i++ {
		assert.Equal(t, VerdictAppend, h.feed(b.Next(512)))
	}
	assert.True(t, h.st.Active())
	assert.Equal(t, 4, h.st.Segments())
	assert.Empty(t, h.out.bufs)

	require.True(t, h.agg.Flush(&h.st))
	require.Len(t, h.out.bufs, 1)
	assert.False(t, h.st.Active())

	out := h.out.bufs[0]
	pkt := out.Bytes()
	assert.Equal(t, 20+8+2048, len(pkt))
	assert.Equal(t, uint16(2076), binary.BigEndian.Uint16(pkt[2:4]))
	assert.Equal(t, uint16(2056), binary.BigEndian.Uint16(pkt[24:26]))
	assert.Equal(t, uint16(4), out.GSOSegs)
	assert.Equal(t, uint16(512), out.GSOSize)
	assert.Equal(t, model.GSOUDPL4, out.GSOType)
	assert.Equal(t, model.ChecksumPartial, out.Checksum)
	verifyIPv4Checksum(t, pkt)

	assert.Equal(t, pseudoHeaderSum(ft.SrcIP, ft.DstIP, model.ProtoUDP, 2056), binary.BigEndian.Uint16(pkt[26:28]))
	completeUDPChecksum(pkt, int(out.CsumStart), int(out.CsumOffset))
	full := uint32(pseudoHeaderSum(ft.SrcIP, ft.DstIP, model.ProtoUDP, 2056))
	assert.Equal(t, uint16(0xffff), fold(sum(pkt[20:], full)), "completed UDP checksum")

	// Payloads of the four segments follow each other in order.
	for i := 0; i < 4; i++ {
		seg := pkt[28+i*512 : 28+(i+1)*512]
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 512), seg)
	}

	s := h.counters.Snapshot()
	assert.Equal(t, uint64(3), s.AggregatedSegments)
	assert.Equal(t, uint64(1), s.Flushes)
	assert.Equal(t, uint64(1), s.Delivered)

	out.Release()
	assert.Zero(t, h.pool.Stats().Outstanding())
}

func TestTCPAggregate(t *testing.T) {
	h := newHarness(t)
	b := &testutil.Burst{Tuple: testutil.TCPTuple("10.1.1.1", "10.1.1.2", 40000, 443)}

	h.feed(b.Next(1000))
	h.feed(b.Next(1000))
	h.agg.Flush(&h.st)

	require.Len(t, h.out.bufs, 1)
	out := h.out.bufs[0]
	assert.Equal(t, model.GSOTCPv4, out.GSOType)
	assert.Equal(t, model.ChecksumUnnecessary, out.Checksum)
	assert.Equal(t, uint16(2), out.GSOSegs)
	assert.Equal(t, uint16(2040), binary.BigEndian.Uint16(out.Data[2:4]))
	verifyIPv4Checksum(t, out.Data)
}

func TestEmptyFlushIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.agg.Flush(&h.st))
	assert.False(t, h.agg.Flush(&h.st))
	assert.Equal(t, stats.Snapshot{}, h.counters.Snapshot())
	assert.Empty(t, h.out.bufs)
	assert.Equal(t, FlowCounters{}, h.st.Counters())
}

func TestSingleSegmentFlushUntouched(t *testing.T) {
	h := newHarness(t)
	ft := testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)
	raw := testutil.Build(testutil.Packet{Tuple: ft, Payload: 300, Fill: 1})
	b := &testutil.Burst{Tuple: ft}

	h.feed(b.Next(300))
	h.agg.Flush(&h.st)
	require.Len(t, h.out.bufs, 1)
	out := h.out.bufs[0]
	assert.Equal(t, raw, out.Data)
	assert.Equal(t, model.GSONone, out.GSOType)
	assert.Zero(t, out.GSOSegs)
}

func TestContinuationRejection(t *testing.T) {
	h := newHarness(t)
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

	h.feed(b.Next(512))
	h.feed(b.Next(512))

	bad := b.Next(512)
	bad.Meta.CumulativeIPLength = 100
	assert.Equal(t, VerdictCorrupt, h.feed(bad))

	// Prior aggregate flushed, then the bad packet delivered alone.
	require.Len(t, h.out.bufs, 2)
	assert.Equal(t, uint16(2), h.out.bufs[0].GSOSegs)
	assert.Same(t, bad, h.out.bufs[1])
	assert.True(t, h.st.DoNotAggregate())
	assert.False(t, h.st.Active())
	assert.Equal(t, uint64(1), h.counters.CorruptHints.Load())

	// Well-formed continuations are still delivered singly.
	assert.Equal(t, VerdictSingle, h.feed(b.Next(512)))
	assert.Len(t, h.out.bufs, 3)
	assert.True(t, h.st.DoNotAggregate())

	// A fresh hardware aggregate clears the mark.
	b.Restart()
	assert.Equal(t, VerdictHead, h.feed(b.Next(512)))
	assert.False(t, h.st.DoNotAggregate())
	assert.Equal(t, VerdictAppend, h.feed(b.Next(512)))
}

func TestContinuationValidation(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(m *model.RxMeta)
	}{
		{"count skips", func(m *model.RxMeta) { m.AggregateCount++ }},
		{"count repeats", func(m *model.RxMeta) { m.AggregateCount-- }},
		{"cumulative stalls", func(m *model.RxMeta) { m.CumulativeIPLength -= 512 }},
		{"delta exceeds max payload", func(m *model.RxMeta) { m.CumulativeIPLength += 2000 }},
		{"delta differs from payload", func(m *model.RxMeta) { m.CumulativeIPLength += 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}
			h.feed(b.Next(512))
			pkt := b.Next(512)
			tt.tamper(&pkt.Meta)
			assert.Equal(t, VerdictCorrupt, h.feed(pkt))
			assert.True(t, h.st.DoNotAggregate())
		})
	}
}

func TestSizeIncreaseStartsNewHead(t *testing.T) {
	h := newHarness(t)
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

	h.feed(b.Next(512))
	h.feed(b.Next(512))
	assert.Equal(t, VerdictHead, h.feed(b.Next(700)))

	require.Len(t, h.out.bufs, 1)
	assert.Equal(t, 20+8+1024, h.out.bufs[0].Len())
	assert.True(t, h.st.Active())
	assert.Equal(t, 1, h.st.Segments())
	assert.Equal(t, uint32(700), h.st.AdjustedLen())

	// The new head is validated against the bookkeeping it carried.
	assert.Equal(t, VerdictAppend, h.feed(b.Next(700)))
}

func TestSizeDecreaseEndsBurst(t *testing.T) {
	h := newHarness(t)
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

	h.feed(b.Next(512))
	h.feed(b.Next(512))
	assert.Equal(t, VerdictAppend, h.feed(b.Next(100)))

	require.Len(t, h.out.bufs, 1)
	out := h.out.bufs[0]
	assert.Equal(t, uint16(3), out.GSOSegs)
	assert.Equal(t, uint16(512), out.GSOSize)
	assert.Equal(t, uint16(20+8+1124), binary.BigEndian.Uint16(out.Data[2:4]))
	assert.False(t, h.st.Active())

	// A continuation after the flush picks the bookkeeping back up.
	assert.Equal(t, VerdictHead, h.feed(b.Next(512)))
	assert.Equal(t, VerdictAppend, h.feed(b.Next(512)))
}

func TestMaxSegments(t *testing.T) {
	h := newHarness(t)
	h.agg.limits.MaxSegments = 3
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

	for i := 0; i < 3; i++ {
		h.feed(b.Next(100))
	}
	require.Len(t, h.out.bufs, 1)
	assert.Equal(t, uint16(3), h.out.bufs[0].GSOSegs)
}

func TestMaxAggregateSize(t *testing.T) {
	h := newHarness(t)
	h.agg.limits.MaxAggregateSize = 28 + 1000
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

	h.feed(b.Next(400))
	h.feed(b.Next(400))
	assert.Equal(t, VerdictHead, h.feed(b.Next(400)))
	require.Len(t, h.out.bufs, 1)
	assert.Equal(t, uint16(2), h.out.bufs[0].GSOSegs)
}

func TestTCPControlFlags(t *testing.T) {
	h := newHarness(t)
	ft := testutil.TCPTuple("10.1.1.1", "10.1.1.2", 40000, 443)
	b := &testutil.Burst{Tuple: ft}
	h.feed(b.Next(500))
	h.feed(b.Next(500))

	fin := b.Next(500)
	fin.Data[33] |= protocol.TCPFlagFIN
	assert.Equal(t, VerdictSingle, h.feed(fin))
	require.Len(t, h.out.bufs, 2)
	assert.Same(t, fin, h.out.bufs[1])
	assert.False(t, h.st.Active())

	psh := &testutil.Burst{Tuple: ft}
	h.feed(psh.Next(500))
	p := psh.Next(500)
	p.Data[33] |= protocol.TCPFlagPSH
	assert.Equal(t, VerdictAppend, h.feed(p))
	require.Len(t, h.out.bufs, 3)
	merged := h.out.bufs[2]
	assert.Equal(t, uint16(2), merged.GSOSegs)
	assert.Equal(t, protocol.TCPFlagPSH|protocol.TCPFlagACK, merged.Data[33], "merged header carries PSH")
}

func TestDeliverFailureReleasesChain(t *testing.T) {
	h := newHarness(t)
	h.out.err = errors.New("queue full")
	b := &testutil.Burst{Pool: h.pool, Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

	for i := 0; i < 5; i++ {
		h.feed(b.Next(256))
	}
	h.agg.Flush(&h.st)

	st := h.pool.Stats()
	assert.Equal(t, uint64(5), st.Allocated)
	assert.Zero(t, st.Outstanding())
	assert.Zero(t, st.DoubleReleases)
	assert.Equal(t, uint64(1), h.counters.DeliverFailures.Load())
}

func TestAggregateLengthConservation(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		h := newHarness(t)
		b := &testutil.Burst{Tuple: testutil.UDPTuple("10.1.1.1", "10.1.1.2", 1, 2)}

		size := 64 + r.Intn(1400)
		n := 1 + r.Intn(20)
		total := 0
		for i := 0; i < n; i++ {
			h.feed(b.Next(size))
			total += size
		}
		last := 1 + r.Intn(size)
		h.feed(b.Next(last))
		total += last
		h.agg.Flush(&h.st)

		var payload int
		for _, out := range h.out.bufs {
			payload += out.Len() - 28
			if out.GSOSegs > 0 {
				udpLen := binary.BigEndian.Uint16(out.Data[24:26])
				assert.Equal(t, out.Len()-20, int(udpLen))
			}
		}
		assert.Equal(t, total, payload, "round %d", round)
	}
}
