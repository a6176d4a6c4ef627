package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
)

// Batch is one recorded destination write.
type Batch struct {
	Key     protocol.StreamKey
	Records []*protocol.MessageView
}

// RecordingDestination is an in-memory destination for tests. It records
// successful writes and can be told to fail or to block.
type RecordingDestination struct {
	mu      sync.Mutex
	batches []Batch
	closed  bool

	// FailWith, when set, is returned by every Write.
	FailWith error
	// Delay is slept before each write, honoring ctx.
	Delay time.Duration
	// Gate, when non-nil, blocks each write until a value is received.
	Gate chan struct{}
}

// NewRecordingDestination creates an empty recording destination.
func NewRecordingDestination() *RecordingDestination {
	return &RecordingDestination{}
}

// Write records the batch unless configured to fail.
func (d *RecordingDestination) Write(ctx context.Context, key protocol.StreamKey, records []*protocol.MessageView) error {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWith != nil {
		return d.FailWith
	}
	d.batches = append(d.batches, Batch{Key: key, Records: append([]*protocol.MessageView(nil), records...)})
	return nil
}

// Close marks the destination closed.
func (d *RecordingDestination) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// SetFailure changes the error returned by subsequent writes.
func (d *RecordingDestination) SetFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FailWith = err
}

// Batches returns a copy of the recorded batches.
func (d *RecordingDestination) Batches() []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Batch(nil), d.batches...)
}

// RecordCount returns the number of records written for key.
func (d *RecordingDestination) RecordCount(key protocol.StreamKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.batches {
		if b.Key == key {
			n += len(b.Records)
		}
	}
	return n
}

// TotalRecords returns the number of records written across all streams.
func (d *RecordingDestination) TotalRecords() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.batches {
		n += len(b.Records)
	}
	return n
}

// Closed reports whether Close was called.
func (d *RecordingDestination) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
