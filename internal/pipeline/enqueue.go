package pipeline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"go.uber.org/zap"
)

// bufferSet is the session's stream buffers, created on first use.
type bufferSet struct {
	mu      sync.RWMutex
	buffers map[protocol.StreamKey]*StreamBuffer
}

func newBufferSet() *bufferSet {
	return &bufferSet{buffers: make(map[protocol.StreamKey]*StreamBuffer)}
}

func (s *bufferSet) get(key protocol.StreamKey) (*StreamBuffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[key]
	return b, ok
}

func (s *bufferSet) getOrCreate(key protocol.StreamKey, now time.Time) *StreamBuffer {
	if b, ok := s.get(key); ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[key]; ok {
		return b
	}
	b := NewStreamBuffer(key, now)
	s.buffers[key] = b
	return b
}

// all returns the buffers ordered by key.
func (s *bufferSet) all() []*StreamBuffer {
	s.mu.RLock()
	out := make([]*StreamBuffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

func (s *bufferSet) snapshots() []StreamSnapshot {
	buffers := s.all()
	snaps := make([]StreamSnapshot, len(buffers))
	for i, b := range buffers {
		snaps[i] = b.Snapshot()
	}
	return snaps
}

// EnqueueOptions wires a BufferEnqueue.
type EnqueueOptions struct {
	Memory       *MemoryManager
	Tracker      *CheckpointTracker
	Backpressure *Backpressure
	// Catalog, when set, rejects records of unknown streams.
	Catalog *protocol.Catalog
	// DefaultNamespace is applied to records and stream states without one.
	DefaultNamespace string
	// FlushThreshold is the queued size past which Notify is called.
	FlushThreshold int64
	// Notify asks the scheduler to run soon. It must not block.
	Notify func()
	// Healthy returns the session failure, if any, so a waiting producer
	// stops instead of waiting for memory that will never be freed.
	Healthy func() error
	Logger  *zap.Logger
	Now     func() time.Time

	metrics *sessionMetrics
	buffers *bufferSet
}

// BufferEnqueue is the producer side of the engine. Sequence assignment, the
// offer into the buffer and publication of the last offered sequence happen
// under one lock, so every sequence up to LastOffered is visible in some
// buffer or already flushed.
type BufferEnqueue struct {
	opts    EnqueueOptions
	buffers *bufferSet
	logger  *zap.Logger

	mu          sync.Mutex
	nextSeq     int64
	lastOffered atomic.Int64
	starved     atomic.Bool
}

// NewBufferEnqueue creates the producer side of a session.
func NewBufferEnqueue(opts EnqueueOptions) *BufferEnqueue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notify == nil {
		opts.Notify = func() {}
	}
	if opts.Healthy == nil {
		opts.Healthy = func() error { return nil }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.buffers == nil {
		opts.buffers = newBufferSet()
	}
	return &BufferEnqueue{
		opts:    opts,
		buffers: opts.buffers,
		logger:  opts.Logger.With(zap.String("component", "buffer_enqueue")),
	}
}

// route applies the default namespace.
func (e *BufferEnqueue) route(msg *protocol.MessageView) *protocol.MessageView {
	return msg.WithDefaultNamespace(e.opts.DefaultNamespace)
}

// AddRecord buffers a record, waiting for memory while the budget is
// exhausted. It fails for records of streams outside the catalog and for
// records that could never fit in the budget.
func (e *BufferEnqueue) AddRecord(ctx context.Context, msg *protocol.MessageView) error {
	msg = e.route(msg)
	key := msg.Key()
	if e.opts.Catalog != nil && !e.opts.Catalog.Contains(key) {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeValidation, "stream %s is not in the configured catalog", key).
			WithDetail("stream", key.String())
	}

	size := msg.Size()
	if size > e.opts.Memory.Budget() {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeCapacity,
			"record of %d bytes exceeds the memory budget of %d bytes", size, e.opts.Memory.Budget()).
			WithDetail("stream", key.String())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	buf := e.buffers.getOrCreate(key, e.opts.Now())
	seq := e.nextSeq + 1
	for !buf.TryOffer(msg, seq, size) {
		if grant := e.opts.Memory.RequestMemory(); grant > 0 {
			buf.AddCapacity(grant)
			continue
		}
		if err := e.opts.Healthy(); err != nil {
			e.starved.Store(false)
			return err
		}

		e.starved.Store(true)
		e.opts.Notify()
		waited, err := e.opts.Backpressure.Wait(ctx)
		if err != nil {
			e.starved.Store(false)
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeTimeout, "cancelled while waiting for buffer memory").
				WithDetail("stream", key.String())
		}
		if e.opts.metrics != nil {
			e.opts.metrics.collector.RecordBackpressureWait(waited)
		}
	}
	e.starved.Store(false)
	e.opts.Backpressure.Reset()

	e.nextSeq = seq
	e.lastOffered.Store(seq)
	if e.opts.metrics != nil {
		e.opts.metrics.recordAccepted(key.String(), size)
	}

	if e.opts.FlushThreshold > 0 && buf.CurrentSize() > e.opts.FlushThreshold {
		e.opts.Notify()
	}
	return nil
}

// AddState tracks a checkpoint behind every record offered so far.
func (e *BufferEnqueue) AddState(msg *protocol.MessageView) error {
	msg = e.route(msg)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.opts.Tracker.TrackCheckpoint(msg, e.nextSeq, msg.Size()); err != nil {
		return err
	}
	if e.opts.metrics != nil {
		e.opts.metrics.stateAccepted()
	}
	return nil
}

// LastOffered returns the highest sequence whose record is in a buffer.
func (e *BufferEnqueue) LastOffered() int64 {
	return e.lastOffered.Load()
}

// Starved reports whether the producer is waiting for memory.
func (e *BufferEnqueue) Starved() bool {
	return e.starved.Load()
}

// CommittedWatermark returns the highest sequence S such that every record
// with sequence <= S has been acknowledged by the destination.
func (e *BufferEnqueue) CommittedWatermark() int64 {
	// Read lastOffered before scanning: a record offered after this point
	// has a larger sequence and cannot lower the result.
	committed := e.lastOffered.Load()
	for _, b := range e.buffers.all() {
		if seq, ok := b.MinUnacked(); ok && seq-1 < committed {
			committed = seq - 1
		}
	}
	return committed
}
