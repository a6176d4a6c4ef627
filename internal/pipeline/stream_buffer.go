package pipeline

import (
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
)

// Batch is a run of entries taken from the head of a StreamBuffer and handed
// to the destination. It stays in flight until acked or nacked.
type Batch struct {
	Key     protocol.StreamKey
	Entries []QueueEntry
	Bytes   int64
	Reason  FlushReason
}

// Records returns the messages of the batch in order.
func (b *Batch) Records() []*protocol.MessageView {
	out := make([]*protocol.MessageView, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Message
	}
	return out
}

// StreamBuffer is the FIFO of records waiting to be flushed for one stream,
// plus the memory capacity granted to it. At most one batch per stream is in
// flight so records reach the destination in enqueue order.
type StreamBuffer struct {
	key protocol.StreamKey

	mu          sync.Mutex
	queue       []QueueEntry
	head        int
	queuedBytes int64
	inflight    *Batch
	capacity    int64
	reserved    int64
	lastFlushAt time.Time
}

// NewStreamBuffer creates an empty buffer. LastFlushAt starts at now so a new
// stream waits a full interval before it is time-triggered.
func NewStreamBuffer(key protocol.StreamKey, now time.Time) *StreamBuffer {
	return &StreamBuffer{key: key, lastFlushAt: now}
}

// Key returns the stream key.
func (b *StreamBuffer) Key() protocol.StreamKey { return b.key }

// Offer appends an entry. It never rejects.
func (b *StreamBuffer) Offer(msg *protocol.MessageView, seq, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offerLocked(msg, seq, size)
}

// TryOffer appends an entry only if the granted capacity covers it. On
// failure the missing amount is reserved so ReleaseUnused will not hand the
// capacity accumulated for this entry back.
func (b *StreamBuffer) TryOffer(msg *protocol.MessageView, seq, size int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity-b.usedLocked() < size {
		b.reserved = size
		return false
	}
	b.reserved = 0
	b.offerLocked(msg, seq, size)
	return true
}

func (b *StreamBuffer) offerLocked(msg *protocol.MessageView, seq, size int64) {
	b.queue = append(b.queue, QueueEntry{Message: msg, Seq: seq, Size: size})
	b.queuedBytes += size
}

// Poll removes and returns the head entry.
func (b *StreamBuffer) Poll() (QueueEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head == len(b.queue) {
		return QueueEntry{}, false
	}
	e := b.popLocked()
	b.compactLocked()
	return e, true
}

// Peek returns the head entry without removing it.
func (b *StreamBuffer) Peek() (QueueEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head == len(b.queue) {
		return QueueEntry{}, false
	}
	return b.queue[b.head], true
}

func (b *StreamBuffer) popLocked() QueueEntry {
	e := b.queue[b.head]
	b.queue[b.head] = QueueEntry{}
	b.head++
	b.queuedBytes -= e.Size
	return e
}

// compactLocked drops the consumed prefix once it dominates the slice.
func (b *StreamBuffer) compactLocked() {
	if b.head == len(b.queue) {
		b.queue = b.queue[:0]
		b.head = 0
		return
	}
	if b.head > 1024 && b.head*2 > len(b.queue) {
		n := copy(b.queue, b.queue[b.head:])
		clear(b.queue[n:])
		b.queue = b.queue[:n]
		b.head = 0
	}
}

// CurrentSize returns the queued bytes, excluding any batch in flight.
func (b *StreamBuffer) CurrentSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queuedBytes
}

// Len returns the number of queued entries, excluding any batch in flight.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) - b.head
}

// Drain moves entries from the head into a new in-flight batch, stopping
// before maxBytes would be exceeded. The batch holds at least one entry.
// It returns nil when the buffer is empty or a batch is already in flight.
func (b *StreamBuffer) Drain(maxBytes int64) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight != nil || b.head == len(b.queue) {
		return nil
	}

	batch := &Batch{Key: b.key}
	for b.head < len(b.queue) {
		next := b.queue[b.head]
		if len(batch.Entries) > 0 && batch.Bytes+next.Size > maxBytes {
			break
		}
		batch.Entries = append(batch.Entries, b.popLocked())
		batch.Bytes += next.Size
	}
	b.compactLocked()
	b.inflight = batch
	return batch
}

// Ack settles the in-flight batch as durably written.
func (b *StreamBuffer) Ack(batch *Batch, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight != batch {
		return
	}
	b.inflight = nil
	b.lastFlushAt = now
}

// Nack returns the in-flight batch to the head of the queue.
func (b *StreamBuffer) Nack(batch *Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight != batch {
		return
	}
	b.inflight = nil

	rest := b.queue[b.head:]
	queue := make([]QueueEntry, 0, len(batch.Entries)+len(rest))
	queue = append(queue, batch.Entries...)
	queue = append(queue, rest...)
	b.queue = queue
	b.head = 0
	b.queuedBytes += batch.Bytes
}

// MinUnacked returns the smallest sequence still queued or in flight.
func (b *StreamBuffer) MinUnacked() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight != nil && len(b.inflight.Entries) > 0 {
		return b.inflight.Entries[0].Seq, true
	}
	if b.head < len(b.queue) {
		return b.queue[b.head].Seq, true
	}
	return 0, false
}

// LastFlushAt returns the time of the last acknowledged flush, or the
// creation time if the buffer was never flushed.
func (b *StreamBuffer) LastFlushAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlushAt
}

// Flushing reports whether a batch is in flight.
func (b *StreamBuffer) Flushing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight != nil
}

// Capacity returns the memory granted to this buffer.
func (b *StreamBuffer) Capacity() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// AddCapacity records a memory grant.
func (b *StreamBuffer) AddCapacity(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity += n
}

// ReleaseCapacity gives up to n bytes of capacity back and returns the
// amount released.
func (b *StreamBuffer) ReleaseCapacity(n int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.capacity {
		n = b.capacity
	}
	if n < 0 {
		n = 0
	}
	b.capacity -= n
	return n
}

// ReleaseUnused gives back whole blocks that are neither holding records nor
// reserved for a pending offer, and returns the amount released.
func (b *StreamBuffer) ReleaseUnused(block int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	unused := b.capacity - b.usedLocked() - b.reserved
	if unused < block {
		return 0
	}
	n := unused / block * block
	b.capacity -= n
	return n
}

func (b *StreamBuffer) usedLocked() int64 {
	used := b.queuedBytes
	if b.inflight != nil {
		used += b.inflight.Bytes
	}
	return used
}

// Snapshot captures the state the scheduler needs.
func (b *StreamBuffer) Snapshot() StreamSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return StreamSnapshot{
		Key:         b.key,
		Bytes:       b.queuedBytes,
		Records:     len(b.queue) - b.head,
		LastFlushAt: b.lastFlushAt,
		Flushing:    b.inflight != nil,
	}
}
