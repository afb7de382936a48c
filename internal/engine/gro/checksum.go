package gro

import (
	"encoding/binary"
	"net/netip"
)

// sum adds b to initial as a sequence of big-endian 16-bit words.
func sum(b []byte, initial uint32) uint32 {
	s := initial
	for len(b) >= 2 {
		s += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		s += uint32(b[0]) << 8
	}
	return s
}

func fold(s uint32) uint16 {
	for s > 0xffff {
		s = (s >> 16) + (s & 0xffff)
	}
	return uint16(s)
}

// ipv4HeaderChecksum computes the header checksum of hdr, treating the
// checksum field itself as zero.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	s := sum(hdr[:10], 0)
	s = sum(hdr[12:], s)
	return ^fold(s)
}

// pseudoHeaderSum is the folded, uncomplemented IPv4 pseudo-header sum for an
// L4 segment of length bytes.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length uint16) uint16 {
	s4 := src.As4()
	d4 := dst.As4()
	s := sum(s4[:], 0)
	s = sum(d4[:], s)
	s += uint32(proto)
	s += uint32(length)
	return fold(s)
}
