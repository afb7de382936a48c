package model

import (
	"sync"
	"sync/atomic"
)

// ChecksumMode tells the consumer how much checksum work is left on a buffer.
type ChecksumMode uint8

const (
	ChecksumNone ChecksumMode = iota
	// ChecksumUnnecessary means the device already validated the L4 checksum.
	ChecksumUnnecessary
	// ChecksumPartial means the L4 checksum field holds the folded
	// pseudo-header sum and the remainder starts at CsumStart.
	ChecksumPartial
)

// GSOType identifies the segmentation format of a coalesced buffer.
type GSOType uint8

const (
	GSONone GSOType = iota
	GSOTCPv4
	GSOUDPL4
)

func (t GSOType) String() string {
	switch t {
	case GSOTCPv4:
		return "tcpv4"
	case GSOUDPL4:
		return "udp_l4"
	default:
		return "none"
	}
}

// Buffer is one receive buffer. A head buffer may own a fragment chain of
// further buffers that were stitched onto it; releasing or delivering the
// head covers the whole chain.
type Buffer struct {
	// Data starts at the IPv4 header for a head buffer. Buffers inside a
	// fragment chain hold payload only.
	Data []byte

	Meta        RxMeta
	InterfaceID uint8
	ContextID   uint8

	// Segmentation metadata, set on coalesced buffers at flush time.
	GSOType  GSOType
	GSOSegs  uint16
	GSOSize  uint16
	Checksum ChecksumMode
	// CsumStart and CsumOffset locate the L4 checksum field relative to the
	// start of Data when Checksum is ChecksumPartial.
	CsumStart  uint16
	CsumOffset uint16

	frags *Buffer
	next  *Buffer

	pool     *BufferPool
	storage  []byte
	released bool
}

// NewBuffer wraps data in a buffer that is not backed by a pool.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{Data: data}
}

// Pull drops n bytes from the front of Data.
func (b *Buffer) Pull(n int) {
	if n > len(b.Data) {
		n = len(b.Data)
	}
	b.Data = b.Data[n:]
}

// Frags returns the first buffer of the fragment chain, or nil.
func (b *Buffer) Frags() *Buffer {
	return b.frags
}

// Next returns the following buffer inside a fragment chain.
func (b *Buffer) Next() *Buffer {
	return b.next
}

// Len returns the number of bytes in the buffer including its fragment chain.
func (b *Buffer) Len() int {
	n := len(b.Data)
	for f := b.frags; f != nil; f = f.next {
		n += len(f.Data)
	}
	return n
}

// Segments returns the number of buffers making up b.
func (b *Buffer) Segments() int {
	n := 1
	for f := b.frags; f != nil; f = f.next {
		n++
	}
	return n
}

// Bytes returns a contiguous copy of the buffer and its fragment chain.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.Len())
	out = append(out, b.Data...)
	for f := b.frags; f != nil; f = f.next {
		out = append(out, f.Data...)
	}
	return out
}

// Released reports whether Release was already called on b.
func (b *Buffer) Released() bool {
	return b.released
}

// Release frees b and every buffer in its fragment chain.
func (b *Buffer) Release() {
	if b.released {
		if b.pool != nil {
			b.pool.doubleReleases.Add(1)
		}
		return
	}
	b.released = true
	frags := b.frags
	b.frags = nil
	for f := frags; f != nil; {
		next := f.next
		f.next = nil
		f.Release()
		f = next
	}
	if b.pool != nil {
		b.pool.put(b)
	}
	b.Data = nil
}

// Chain is an owned, singly linked fragment chain. The head is the buffer
// that is eventually delivered; appending moves a buffer into the chain and
// detaching moves the whole chain back out.
type Chain struct {
	head *Buffer
	tail *Buffer
	n    int
}

// Start makes b the head of an empty chain.
func (c *Chain) Start(b *Buffer) {
	c.head = b
	c.tail = b
	c.n = 1
}

// Append links b after the current tail. The chain owns b afterwards; the
// caller must not keep using it.
func (c *Chain) Append(b *Buffer) {
	b.next = nil
	if c.head == nil {
		c.Start(b)
		return
	}
	if c.tail == c.head {
		c.head.frags = b
	} else {
		c.tail.next = b
	}
	c.tail = b
	c.n++
}

// Detach hands the head, together with its fragments, back to the caller
// and leaves the chain empty.
func (c *Chain) Detach() *Buffer {
	head := c.head
	*c = Chain{}
	return head
}

func (c *Chain) Head() *Buffer {
	return c.head
}

func (c *Chain) Tail() *Buffer {
	return c.tail
}

func (c *Chain) Empty() bool {
	return c.head == nil
}

// Len returns the number of buffers in the chain.
func (c *Chain) Len() int {
	return c.n
}

// PoolStats is a point-in-time view of buffer accounting.
type PoolStats struct {
	Allocated      uint64
	Released       uint64
	DoubleReleases uint64
}

// Outstanding returns the number of buffers handed out and not yet released.
func (s PoolStats) Outstanding() int64 {
	return int64(s.Allocated) - int64(s.Released)
}

// BufferPool hands out receive buffers backed by reusable storage and keeps
// count of every allocation and release.
type BufferPool struct {
	pool sync.Pool
	size int

	allocs         atomic.Uint64
	releases       atomic.Uint64
	doubleReleases atomic.Uint64
}

// NewBufferPool creates a pool whose storage blocks hold size bytes.
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		return make([]byte, size)
	}
	return bp
}

// Get returns a buffer holding a copy of data.
func (bp *BufferPool) Get(data []byte) *Buffer {
	var storage []byte
	if len(data) <= bp.size {
		storage = bp.pool.Get().([]byte)
	} else {
		storage = make([]byte, len(data))
	}
	n := copy(storage, data)
	bp.allocs.Add(1)
	return &Buffer{Data: storage[:n], storage: storage, pool: bp}
}

func (bp *BufferPool) put(b *Buffer) {
	bp.releases.Add(1)
	if cap(b.storage) >= bp.size {
		bp.pool.Put(b.storage[:bp.size])
	}
	b.storage = nil
}

// Stats returns pool statistics.
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Allocated:      bp.allocs.Load(),
		Released:       bp.releases.Load(),
		DoubleReleases: bp.doubleReleases.Load(),
	}
}
