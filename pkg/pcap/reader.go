// Package pcap reads capture files and yields the network-layer bytes of
// each frame, ready to be handed to a receive path that starts at the IP
// header.
package pcap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Packet is one frame stripped down to its network layer.
type Packet struct {
	Timestamp time.Time
	Data      []byte
}

type source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader reads packets from a pcap or pcapng file.
type Reader struct {
	file    *os.File
	src     source
	skipped int
}

// NewReader opens filePath. The format is detected from the magic number.
func NewReader(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(file)
	magic, err := br.Peek(4)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var src source
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	return &Reader{file: file, src: src}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// LinkType returns the link type of the capture.
func (r *Reader) LinkType() layers.LinkType {
	return r.src.LinkType()
}

// Skipped returns how many frames without a network layer were dropped.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the next frame that carries a network layer. It returns
// io.EOF at the end of the file.
func (r *Reader) Next() (Packet, error) {
	for {
		data, ci, err := r.src.ReadPacketData()
		if err != nil {
			return Packet{}, err
		}
		nl, ok := networkLayer(data, r.src.LinkType())
		if !ok {
			r.skipped++
			continue
		}
		return Packet{Timestamp: ci.Timestamp, Data: nl}, nil
	}
}

// ReadPackets sends every packet to out and closes it at the end of the
// file. Read errors other than io.EOF are returned.
func (r *Reader) ReadPackets(out chan<- Packet) error {
	defer close(out)
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		out <- p
	}
}

func networkLayer(data []byte, lt layers.LinkType) ([]byte, bool) {
	if lt == layers.LinkTypeRaw || lt == layers.LinkTypeIPv4 {
		return data, len(data) > 0
	}
	packet := gopacket.NewPacket(data, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	nl := packet.NetworkLayer()
	if nl == nil {
		return nil, false
	}
	out := make([]byte, 0, len(nl.LayerContents())+len(nl.LayerPayload()))
	out = append(out, nl.LayerContents()...)
	out = append(out, nl.LayerPayload()...)
	return out, true
}
