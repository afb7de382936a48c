package protocol

import (
	"encoding/binary"

	"NetSpectraRx/internal/model"
)

// DefaultRSSKey is the 40-byte Toeplitz key most NICs ship with.
var DefaultRSSKey = []byte{
	0x6d, 0x5a, 0x56, 0xda, 0x25, 0x5b, 0x0e, 0xc2,
	0x41, 0x67, 0x25, 0x3d, 0x43, 0xa3, 0x8f, 0xb0,
	0xd0, 0xca, 0x2b, 0xcb, 0xae, 0x7b, 0x30, 0xb4,
	0x77, 0xcb, 0x2d, 0xa3, 0x80, 0x30, 0xf2, 0x0c,
	0x6a, 0x42, 0xb7, 0x3b, 0xbe, 0xac, 0x01, 0xfa,
}

// Toeplitz computes the RSS Toeplitz hash of input under key. The key must be
// at least len(input)+4 bytes long.
func Toeplitz(key, input []byte) uint32 {
	var result uint32
	window := binary.BigEndian.Uint32(key)
	keyBit := 32
	for _, b := range input {
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				result ^= window
			}
			window <<= 1
			if key[keyBit/8]&(0x80>>uint(keyBit%8)) != 0 {
				window |= 1
			}
			keyBit++
		}
	}
	return result
}

// HashTuple returns the device-equivalent flow hash of an IPv4 5-tuple:
// source address, destination address, source port, destination port.
func HashTuple(key []byte, ft model.FiveTuple) uint32 {
	var input [12]byte
	src := ft.SrcIP.As4()
	dst := ft.DstIP.As4()
	copy(input[0:4], src[:])
	copy(input[4:8], dst[:])
	binary.BigEndian.PutUint16(input[8:10], ft.SrcPort)
	binary.BigEndian.PutUint16(input[10:12], ft.DstPort)
	return Toeplitz(key, input[:])
}
