// Package fst maintains the hardware flow mirror: the copy of flow routing
// records the device searches on its own. Records are written either
// straight into host memory or, for co-processor memory, by a deferred update
// worker that wakes the device first.
package fst

import (
	"errors"
	"fmt"
	"sync"

	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "fst")

var (
	ErrIndexRange = errors.New("flow index out of range")
	ErrAsleep     = errors.New("device is not awake")
)

// Record is one mirror record, stored at the same index as its flow entry.
type Record struct {
	Index uint32
	Tuple model.FiveTuple
	// Steering is the receive context the device steers the flow to.
	Steering uint8
	Metadata uint32
	Valid    bool
}

// Memory is where mirror records live.
type Memory interface {
	Write(r Record) error
	Clear(index uint32) error
}

// HostMemory is mirror memory the host can address directly. It is also the
// backing store the device searches.
type HostMemory struct {
	mu      sync.RWMutex
	records []Record
}

// NewHostMemory allocates room for capacity records.
func NewHostMemory(capacity uint32) *HostMemory {
	return &HostMemory{records: make([]Record, capacity)}
}

func (m *HostMemory) Write(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(r.Index) >= len(m.records) {
		return fmt.Errorf("write record %d: %w", r.Index, ErrIndexRange)
	}
	r.Valid = true
	m.records[r.Index] = r
	return nil
}

func (m *HostMemory) Clear(index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(index) >= len(m.records) {
		return fmt.Errorf("clear record %d: %w", index, ErrIndexRange)
	}
	m.records[index] = Record{}
	return nil
}

// Read returns the record at index.
func (m *HostMemory) Read(index uint32) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(index) >= len(m.records) || !m.records[index].Valid {
		return Record{}, false
	}
	return m.records[index], true
}

// Search walks at most maxSkid+1 slots from hash's bucket looking for ft,
// the same way the device resolves a flow index.
func (m *HostMemory) Search(ft model.FiveTuple, hash uint32, maxSkid uint32) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := uint32(len(m.records))
	if n == 0 {
		return Record{}, false
	}
	mask := n - 1
	for i := uint32(0); i <= maxSkid && i < n; i++ {
		r := m.records[(hash+i)&mask]
		if r.Valid && r.Tuple == ft {
			return r, true
		}
	}
	return Record{}, false
}

// Len returns the number of valid records.
func (m *HostMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for i := range m.records {
		if m.records[i].Valid {
			n++
		}
	}
	return n
}
