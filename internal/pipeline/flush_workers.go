package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/destination"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type flushJob struct {
	buffer *StreamBuffer
	batch  *Batch
}

// FlushWorkers writes drained batches to the destination with a fixed number
// of goroutines. A successful write releases the batch memory and gives the
// session a chance to emit checkpoints; a failed write puts the batch back at
// the head of its buffer and fails the session.
type FlushWorkers struct {
	dest    destination.Destination
	memory  *MemoryManager
	metrics *sessionMetrics
	logger  *zap.Logger
	now     func() time.Time

	jobs  chan flushJob
	acked chan struct{}

	// onAck runs after every successful write.
	onAck func()
	// onFailure runs after every failed write.
	onFailure func(error)

	pressureInFlight atomic.Int32
}

func newFlushWorkers(dest destination.Destination, memory *MemoryManager, m *sessionMetrics,
	workers int, now func() time.Time, logger *zap.Logger) *FlushWorkers {
	return &FlushWorkers{
		dest:      dest,
		memory:    memory,
		metrics:   m,
		logger:    logger.With(zap.String("component", "flush_workers")),
		now:       now,
		jobs:      make(chan flushJob, workers),
		acked:     make(chan struct{}, 1),
		onAck:     func() {},
		onFailure: func(error) {},
	}
}

// Run starts n workers in g. They exit once the job channel is closed and
// drained.
func (w *FlushWorkers) Run(ctx context.Context, g *errgroup.Group, n int) {
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			for job := range w.jobs {
				w.flush(ctx, id, job)
			}
			return nil
		})
	}
}

// Submit queues a drained batch, blocking while every worker is busy.
func (w *FlushWorkers) Submit(ctx context.Context, buffer *StreamBuffer, batch *Batch) error {
	if batch.Reason == FlushReasonMemoryPressure {
		w.pressureInFlight.Add(1)
	}
	select {
	case w.jobs <- flushJob{buffer: buffer, batch: batch}:
		return nil
	case <-ctx.Done():
		buffer.Nack(batch)
		w.settled(batch)
		return ctx.Err()
	}
}

// CloseJobs stops accepting batches. Submit must not be called afterwards.
func (w *FlushWorkers) CloseJobs() {
	close(w.jobs)
}

// Acked is signalled after a batch settles either way.
func (w *FlushWorkers) Acked() <-chan struct{} {
	return w.acked
}

// PressureInFlight reports whether a memory pressure flush is running.
func (w *FlushWorkers) PressureInFlight() bool {
	return w.pressureInFlight.Load() > 0
}

func (w *FlushWorkers) flush(ctx context.Context, worker int, job flushJob) {
	batch := job.batch
	stream := batch.Key.String()

	spanCtx, span := observability.StartFlushSpan(ctx, stream, string(batch.Reason), batch.Bytes, len(batch.Entries))
	start := w.now()
	err := w.dest.Write(spanCtx, batch.Key, batch.Records())
	elapsed := w.now().Sub(start)
	observability.EndSpan(span, err)
	w.metrics.flushDone(batch, elapsed, err)

	if err != nil {
		job.buffer.Nack(batch)
		w.settled(batch)
		w.logger.Error("flush failed",
			zap.Int("worker", worker),
			zap.String("stream", stream),
			zap.String("reason", string(batch.Reason)),
			zap.Int("records", len(batch.Entries)),
			zap.Int64("bytes", batch.Bytes),
			zap.Error(err))
		w.onFailure(nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "destination write failed").
			WithDetail("stream", stream))
		return
	}

	job.buffer.Ack(batch, w.now())
	w.memory.Free(job.buffer.ReleaseUnused(w.memory.BlockSize()))
	w.settled(batch)

	w.logger.Debug("flushed batch",
		zap.Int("worker", worker),
		zap.String("stream", stream),
		zap.String("reason", string(batch.Reason)),
		zap.Int("records", len(batch.Entries)),
		zap.Int64("bytes", batch.Bytes),
		zap.Duration("elapsed", elapsed))
	w.onAck()
}

func (w *FlushWorkers) settled(batch *Batch) {
	if batch.Reason == FlushReasonMemoryPressure {
		w.pressureInFlight.Add(-1)
	}
	select {
	case w.acked <- struct{}{}:
	default:
	}
}
