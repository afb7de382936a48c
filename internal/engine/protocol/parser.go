package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"NetSpectraRx/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	ErrNotIPv4       = errors.New("not an IPv4 packet")
	ErrUnsupportedL4 = errors.New("not a TCP or UDP packet")
	ErrTruncated     = errors.New("truncated packet")
)

const UDPHeaderLen = 8

// TCP flag bits as they appear in byte 13 of the TCP header.
const (
	TCPFlagFIN uint8 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

// Headers is what the engine needs to know about a packet's L3/L4 layout.
type Headers struct {
	Tuple       model.FiveTuple
	IPHeaderLen int
	L4HeaderLen int
	// PayloadLen is the L4 data length, excluding both headers.
	PayloadLen int
	TCPFlags   uint8
	// Fragment is set for any IPv4 fragment, first or later.
	Fragment bool
}

// HeadersLen returns the combined L3 and L4 header length.
func (h Headers) HeadersLen() int {
	return h.IPHeaderLen + h.L4HeaderLen
}

// Extractor pulls the 5-tuple and header layout out of raw IPv4 packets. It
// reuses its decoding layers between calls, so each receive context owns one.
type Extractor struct {
	parser  *gopacket.DecodingLayerParser
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

// NewExtractor creates an Extractor for packets that start at the IPv4 header.
func NewExtractor() *Extractor {
	x := &Extractor{decoded: make([]gopacket.LayerType, 0, 4)}
	x.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &x.ip4, &x.tcp, &x.udp, &x.payload)
	x.parser.IgnoreUnsupported = true
	return x
}

// Extract decodes data and returns its headers. Packets that are not IPv4,
// or whose L4 protocol is neither TCP nor UDP, yield ErrNotIPv4 or
// ErrUnsupportedL4 and must skip aggregation.
func (x *Extractor) Extract(data []byte) (Headers, error) {
	var h Headers
	if len(data) == 0 || data[0]>>4 != 4 {
		return h, ErrNotIPv4
	}
	x.decoded = x.decoded[:0]
	if err := x.parser.DecodeLayers(data, &x.decoded); err != nil {
		return h, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	var haveIP, haveTCP, haveUDP bool
	for _, lt := range x.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}
	if !haveIP {
		return h, ErrNotIPv4
	}

	h.IPHeaderLen = int(x.ip4.IHL) * 4
	h.Fragment = x.ip4.Flags&layers.IPv4MoreFragments != 0 || x.ip4.FragOffset != 0
	h.Tuple.Protocol = uint8(x.ip4.Protocol)
	h.Tuple.SrcIP, _ = netip.AddrFromSlice(x.ip4.SrcIP)
	h.Tuple.DstIP, _ = netip.AddrFromSlice(x.ip4.DstIP)

	switch {
	case haveTCP:
		h.L4HeaderLen = int(x.tcp.DataOffset) * 4
		h.Tuple.SrcPort = uint16(x.tcp.SrcPort)
		h.Tuple.DstPort = uint16(x.tcp.DstPort)
		h.TCPFlags = tcpFlags(&x.tcp)
	case haveUDP:
		h.L4HeaderLen = UDPHeaderLen
		h.Tuple.SrcPort = uint16(x.udp.SrcPort)
		h.Tuple.DstPort = uint16(x.udp.DstPort)
	default:
		if h.Fragment {
			// Fragments are not decoded past the IPv4 header.
			return h, nil
		}
		return h, ErrUnsupportedL4
	}

	h.PayloadLen = int(x.ip4.Length) - h.IPHeaderLen - h.L4HeaderLen
	if h.PayloadLen < 0 || int(x.ip4.Length) > len(data) {
		return h, ErrTruncated
	}
	return h, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= TCPFlagFIN
	}
	if tcp.SYN {
		f |= TCPFlagSYN
	}
	if tcp.RST {
		f |= TCPFlagRST
	}
	if tcp.PSH {
		f |= TCPFlagPSH
	}
	if tcp.ACK {
		f |= TCPFlagACK
	}
	if tcp.URG {
		f |= TCPFlagURG
	}
	if tcp.ECE {
		f |= TCPFlagECE
	}
	if tcp.CWR {
		f |= TCPFlagCWR
	}
	return f
}
