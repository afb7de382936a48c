package sim

import (
	"errors"

	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/model"
)

// Receive turns a raw IPv4 packet into a receive buffer with the metadata
// the hardware would attach, and returns the receive context it is steered
// to.
func (d *Device) Receive(pool *model.BufferPool, data []byte, iface uint8) (*model.Buffer, uint8) {
	var buf *model.Buffer
	if pool != nil {
		buf = pool.Get(data)
	} else {
		buf = model.NewBuffer(data)
	}
	buf.InterfaceID = iface

	d.mu.Lock()
	defer d.mu.Unlock()

	h, err := d.x.Extract(buf.Data)
	if err != nil {
		switch {
		case len(data) > 0 && data[0]>>4 == 6:
			buf.Meta.Flags = model.FlagIPv6
		case !errors.Is(err, protocol.ErrNotIPv4):
			buf.Meta.Flags = model.FlagIPv4 | model.FlagException
		}
		return buf, 0
	}

	m := &buf.Meta
	m.Flags = model.FlagIPv4
	switch h.Tuple.Protocol {
	case model.ProtoTCP:
		m.Flags |= model.FlagTCP
	case model.ProtoUDP:
		m.Flags |= model.FlagUDP
	}
	if h.Fragment {
		m.Flags |= model.FlagException
		return buf, 0
	}

	m.ToeplitzHash = protocol.HashTuple(d.cfg.RSSKey, h.Tuple)
	ctxID := uint8(m.ToeplitzHash % uint32(d.cfg.NumContexts))
	if r, ok := d.search(h.Tuple, m.ToeplitzHash); ok {
		m.FlowIndex = r.Index
		m.FlowIndexValid = true
		m.FlowMetadata = r.Metadata
		if int(r.Steering) < d.cfg.NumContexts {
			ctxID = r.Steering
		}
	}
	m.Steering = ctxID
	buf.ContextID = ctxID

	d.annotate(&d.rings[ctxID], m, h)
	return buf, ctxID
}

// annotate marks packets that extend the ring's open hardware aggregate. A
// segment shorter than the first one closes the aggregate.
func (d *Device) annotate(agg *aggregate, m *model.RxMeta, h protocol.Headers) {
	controls := h.TCPFlags&(protocol.TCPFlagSYN|protocol.TCPFlagFIN|protocol.TCPFlagRST|protocol.TCPFlagURG) != 0
	extends := agg.open && agg.tuple == h.Tuple && !controls &&
		h.PayloadLen > 0 && h.PayloadLen <= agg.segSize &&
		(d.cfg.MaxBurst == 0 || agg.count+1 < d.cfg.MaxBurst)

	if extends {
		agg.count++
		agg.cumLen += uint32(h.PayloadLen)
		m.Continuation = true
		if h.PayloadLen < agg.segSize {
			agg.open = false
		}
	} else {
		*agg = aggregate{
			open:    !controls && h.PayloadLen > 0,
			tuple:   h.Tuple,
			cumLen:  uint32(h.PayloadLen),
			segSize: h.PayloadLen,
		}
	}
	m.AggregateCount = agg.count
	m.CumulativeIPLength = agg.cumLen
}
