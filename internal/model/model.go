package model

import (
	"fmt"
	"net/netip"
)

// L4 protocol numbers carried in FiveTuple.Protocol.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// FiveTuple represents the 5-tuple of a network flow. It is comparable, so it
// can be used directly for equality checks and as a map key.
type FiveTuple struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%d:%s:%d->%s:%d", ft.Protocol, ft.SrcIP, ft.SrcPort, ft.DstIP, ft.DstPort)
}

// IsZero reports whether the tuple is unset.
func (ft FiveTuple) IsZero() bool {
	return ft == FiveTuple{}
}

// RxFlags are the protocol classification bits reported by the device for a
// received packet.
type RxFlags uint8

const (
	FlagIPv4 RxFlags = 1 << iota
	FlagIPv6
	FlagTCP
	FlagUDP
	// FlagException marks packets the device routed to the exception path.
	FlagException
)

// Has reports whether all bits in f are set.
func (r RxFlags) Has(f RxFlags) bool {
	return r&f == f
}

// RxMeta is the per-packet metadata the device delivers alongside the raw
// buffer.
type RxMeta struct {
	// Continuation is set when this packet extends the in-progress hardware
	// aggregate for its flow.
	Continuation bool

	FlowIndex        uint32
	FlowIndexValid   bool
	FlowIndexTimeout bool
	// FlowMetadata is the tag the device read from its mirror record when it
	// resolved FlowIndex.
	FlowMetadata uint32

	AggregateCount     uint32
	CumulativeIPLength uint32

	ToeplitzHash uint32
	// Steering is the receive context the device wants future packets of
	// this flow to land on.
	Steering uint8

	Flags RxFlags
}

// HintUsable reports whether the device resolved the flow index for this
// packet.
func (m *RxMeta) HintUsable() bool {
	return m.FlowIndexValid && !m.FlowIndexTimeout
}
