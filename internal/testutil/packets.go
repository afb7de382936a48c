// Package testutil builds IPv4 packets and receive buffers for engine tests.
package testutil

import (
	"net/netip"

	"NetSpectraRx/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet describes a packet to build.
type Packet struct {
	Tuple   model.FiveTuple
	Payload int
	// Fill is the byte repeated through the payload.
	Fill     byte
	Seq      uint32
	Ack      uint32
	TCPFlags uint8
	MoreFrag bool
}

// UDPTuple returns a UDP tuple between two IPv4 addresses.
func UDPTuple(src, dst string, sport, dport uint16) model.FiveTuple {
	return model.FiveTuple{
		SrcIP:    netip.MustParseAddr(src),
		DstIP:    netip.MustParseAddr(dst),
		SrcPort:  sport,
		DstPort:  dport,
		Protocol: model.ProtoUDP,
	}
}

// TCPTuple returns a TCP tuple between two IPv4 addresses.
func TCPTuple(src, dst string, sport, dport uint16) model.FiveTuple {
	ft := UDPTuple(src, dst, sport, dport)
	ft.Protocol = model.ProtoTCP
	return ft
}

// Build serializes p into raw bytes starting at the IPv4 header, with valid
// lengths and checksums.
func Build(p Packet) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       uint16(p.Seq),
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocol(p.Tuple.Protocol),
		SrcIP:    p.Tuple.SrcIP.AsSlice(),
		DstIP:    p.Tuple.DstIP.AsSlice(),
	}
	if p.MoreFrag {
		ip.Flags = layers.IPv4MoreFragments
	}

	payload := make([]byte, p.Payload)
	for i := range payload {
		payload[i] = p.Fill
	}

	var l4 gopacket.SerializableLayer
	switch p.Tuple.Protocol {
	case model.ProtoTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(p.Tuple.SrcPort),
			DstPort: layers.TCPPort(p.Tuple.DstPort),
			Seq:     p.Seq,
			Ack:     p.Ack,
			Window:  65535,
			FIN:     p.TCPFlags&0x01 != 0,
			SYN:     p.TCPFlags&0x02 != 0,
			RST:     p.TCPFlags&0x04 != 0,
			PSH:     p.TCPFlags&0x08 != 0,
			ACK:     p.TCPFlags&0x10 != 0,
			URG:     p.TCPFlags&0x20 != 0,
		}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		l4 = tcp
	default:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(p.Tuple.SrcPort),
			DstPort: layers.UDPPort(p.Tuple.DstPort),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		l4 = udp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, l4, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Meta returns receive metadata with the classification flags matching ft.
func Meta(ft model.FiveTuple, hash uint32) model.RxMeta {
	m := model.RxMeta{ToeplitzHash: hash, Flags: model.FlagIPv4}
	switch ft.Protocol {
	case model.ProtoTCP:
		m.Flags |= model.FlagTCP
	case model.ProtoUDP:
		m.Flags |= model.FlagUDP
	}
	return m
}

// Burst yields the buffers of one hardware aggregate: a head followed by
// continuation packets with consistent bookkeeping.
type Burst struct {
	Pool    *model.BufferPool
	Tuple   model.FiveTuple
	Hash    uint32
	Iface   uint8
	Context uint8

	count  uint32
	cumLen uint32
	seq    uint32
}

// Next builds the next packet of the burst. The first call produces the head.
func (b *Burst) Next(payload int) *model.Buffer {
	meta := Meta(b.Tuple, b.Hash)
	if b.count > 0 {
		meta.Continuation = true
	}
	b.cumLen += uint32(payload)
	meta.AggregateCount = b.count
	meta.CumulativeIPLength = b.cumLen
	meta.Steering = b.Context
	b.count++

	flags := uint8(0)
	if b.Tuple.Protocol == model.ProtoTCP {
		flags = 0x10
	}
	data := Build(Packet{Tuple: b.Tuple, Payload: payload, Fill: byte(b.count), Seq: b.seq, TCPFlags: flags})
	b.seq += uint32(payload)

	var buf *model.Buffer
	if b.Pool != nil {
		buf = b.Pool.Get(data)
	} else {
		buf = model.NewBuffer(data)
	}
	buf.Meta = meta
	buf.InterfaceID = b.Iface
	buf.ContextID = b.Context
	return buf
}

// Restart makes the following Next call produce a fresh head.
func (b *Burst) Restart() {
	b.count = 0
	b.cumLen = 0
}
