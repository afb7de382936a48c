package model

import "context"

// Aggregator defines the common interface for the receive aggregation engine,
// allowing the surrounding driver code to feed it without knowing its internals.
type Aggregator interface {
	// Start launches the per-context processing workers.
	Start()

	// Stop gracefully shuts down the engine, flushing every pending aggregate.
	Stop()

	// Submit queues a batch for one receive context. Ownership of the
	// buffers passes to the engine only on a nil return.
	Submit(ctx context.Context, contextID uint8, batch []*Buffer) error
}

// Deliverer is the host networking stack hand-off. It takes ownership of the
// buffer, including its fragment chain, only when it returns nil.
type Deliverer interface {
	Deliver(buf *Buffer) error
}

// DelivererFunc adapts an ordinary function to the Deliverer interface.
type DelivererFunc func(buf *Buffer) error

func (f DelivererFunc) Deliver(buf *Buffer) error {
	return f(buf)
}

// Sink is a Deliverer that holds resources, such as a connection or an open
// file, that must be released on shutdown.
type Sink interface {
	Deliverer
	Close() error
}
