// Package sink holds the consumers that take delivered buffers from the
// engine: a discard sink, a NATS publisher and a pcap file writer.
package sink

import (
	"sync/atomic"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/factory"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "sink")

func init() {
	factory.RegisterSink("discard", func(*config.Config) (model.Sink, error) {
		return NewDiscard(), nil
	})
}

// Discard releases every buffer it receives and counts what it saw.
type Discard struct {
	buffers  atomic.Uint64
	segments atomic.Uint64
	bytes    atomic.Uint64
}

func NewDiscard() *Discard {
	return &Discard{}
}

func (d *Discard) Deliver(buf *model.Buffer) error {
	d.buffers.Add(1)
	d.segments.Add(uint64(gsoSegments(buf)))
	d.bytes.Add(uint64(buf.Len()))
	buf.Release()
	return nil
}

func (d *Discard) Close() error {
	log.Infof("Discard sink closed after %d buffers (%d segments, %d bytes).",
		d.buffers.Load(), d.segments.Load(), d.bytes.Load())
	return nil
}

// Totals returns buffers, wire segments and bytes seen so far.
func (d *Discard) Totals() (buffers, segments, bytes uint64) {
	return d.buffers.Load(), d.segments.Load(), d.bytes.Load()
}

// gsoSegments is the number of original segments a delivered buffer stands for.
func gsoSegments(buf *model.Buffer) int {
	if buf.GSOType != model.GSONone && buf.GSOSegs > 0 {
		return int(buf.GSOSegs)
	}
	return 1
}
