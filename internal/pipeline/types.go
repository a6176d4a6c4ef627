// Package pipeline is the asynchronous destination buffering engine. It bounds
// the memory held by in-flight records across streams, decides which stream
// to flush and when, and releases a checkpoint upstream only after every
// record that preceded it has been durably written.
package pipeline

import (
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
)

// QueueEntry is one buffered record.
type QueueEntry struct {
	Message *protocol.MessageView
	// Seq is the session-wide sequence number, starting at 1.
	Seq  int64
	Size int64
}

// CheckpointEntry is one tracked state message.
type CheckpointEntry struct {
	Message *protocol.MessageView
	// Seq is the last record sequence offered when the state arrived.
	Seq  int64
	Size int64
}

// FlushReason explains why a stream was flushed.
type FlushReason string

const (
	// FlushReasonSize means the buffer exceeded the flush threshold.
	FlushReasonSize FlushReason = "size"
	// FlushReasonMemoryPressure means total allocation crossed the high watermark.
	FlushReasonMemoryPressure FlushReason = "memory_pressure"
	// FlushReasonTime means the buffer was not flushed for a full interval.
	FlushReasonTime FlushReason = "time"
	// FlushReasonClose is used for the forced flush at session end.
	FlushReasonClose FlushReason = "close"
)

// StreamSnapshot is a point-in-time view of one StreamBuffer used by the
// scheduler.
type StreamSnapshot struct {
	Key         protocol.StreamKey
	Bytes       int64
	Records     int
	LastFlushAt time.Time
	Flushing    bool
}

// FlushDecision names the stream to flush next.
type FlushDecision struct {
	Key    protocol.StreamKey
	Reason FlushReason
	Bytes  int64
}

// StateEmitter receives the verbatim bytes of a checkpoint that may be
// acknowledged upstream. Calls are serialized and in sequence order.
type StateEmitter func(raw []byte) error
