package fst

import "context"

// Device is the control surface of the hardware the mirror is shared with.
type Device interface {
	// Wake powers the device up far enough that co-processor memory can be
	// written. Every successful Wake is paired with one Release.
	Wake(ctx context.Context) error
	Release()
	// InvalidateFlowCache asks the device to drop its cached flow lookups.
	InvalidateFlowCache() error
}
