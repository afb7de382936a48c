package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/factory"
	"NetSpectraRx/internal/model"
)

// ErrBackpressure is returned by Pcap.Deliver when the write queue is full.
var ErrBackpressure = errors.New("pcap sink queue is full")

const (
	pcapSnapLen       = 65536
	defaultPcapBuffer = 10000
)

func init() {
	factory.RegisterSink("pcap", func(cfg *config.Config) (model.Sink, error) {
		return NewPcap(cfg.Sink.Pcap)
	})
}

type record struct {
	ci   gopacket.CaptureInfo
	data []byte
}

// Pcap writes every delivered buffer as one raw IPv4 record to a pcap file.
// Aggregates are written as the coalesced datagram, with a partial checksum
// completed the way the host stack would. A single goroutine owns the file
// so records keep delivery order.
type Pcap struct {
	file    *os.File
	w       *pcapgo.Writer
	records chan record
	wg      sync.WaitGroup
	once    sync.Once
	written atomic.Uint64
}

// NewPcap creates <path>/<timestamp>.pcap and starts the writer goroutine.
func NewPcap(cfg config.PcapConfig) (*Pcap, error) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pcap directory: %w", err)
	}
	name := filepath.Join(cfg.Path, time.Now().Format("2006-01-02_15-04-05")+".pcap")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file: %w", err)
	}

	w := pcapgo.NewWriter(file)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap file header: %w", err)
	}

	size := cfg.ChannelBufferSize
	if size <= 0 {
		size = defaultPcapBuffer
	}
	s := &Pcap{file: file, w: w, records: make(chan record, size)}
	s.wg.Add(1)
	go s.run()
	log.Infof("Pcap sink writing to %s", name)
	return s, nil
}

// Path returns the file being written.
func (s *Pcap) Path() string {
	return s.file.Name()
}

// Deliver queues a copy of buf and releases it. When the queue is full buf
// is left to the caller and ErrBackpressure is returned.
func (s *Pcap) Deliver(buf *model.Buffer) error {
	data := buf.Bytes()
	if buf.Checksum == model.ChecksumPartial {
		completeChecksum(data, int(buf.CsumStart), int(buf.CsumOffset))
	}
	r := record{
		ci:   gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)},
		data: data,
	}
	select {
	case s.records <- r:
		buf.Release()
		return nil
	default:
		return ErrBackpressure
	}
}

// completeChecksum replaces the pseudo-header sum at start+offset with the
// full L4 checksum over data[start:].
func completeChecksum(data []byte, start, offset int) {
	if start < 0 || start+offset+2 > len(data) {
		return
	}
	var s uint32
	b := data[start:]
	for len(b) >= 2 {
		s += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		s += uint32(b[0]) << 8
	}
	for s > 0xffff {
		s = (s >> 16) + (s & 0xffff)
	}
	c := ^uint16(s)
	if c == 0 {
		// Zero means no checksum for UDP.
		c = 0xffff
	}
	binary.BigEndian.PutUint16(data[start+offset:], c)
}

func (s *Pcap) run() {
	defer s.wg.Done()
	for r := range s.records {
		if err := s.w.WritePacket(r.ci, r.data); err != nil {
			log.WithError(err).Error("Error writing pcap record")
			continue
		}
		s.written.Add(1)
	}
}

// Close flushes queued records and closes the file. Deliver must not be
// called afterwards.
func (s *Pcap) Close() error {
	var err error
	s.once.Do(func() {
		close(s.records)
		s.wg.Wait()
		err = s.file.Close()
		log.Infof("Pcap sink closed after %d records.", s.written.Load())
	})
	return err
}
