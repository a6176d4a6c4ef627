package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/destination"
	"github.com/ajitpratap0/nebula-sink/pkg/metrics"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrConsumerClosed is returned by Accept after Close.
var ErrConsumerClosed = errors.New("consumer is closed")

// Options configures an AsyncConsumer.
type Options struct {
	Config      *config.Config
	Destination destination.Destination
	// Emitter receives checkpoints that are safe to acknowledge upstream.
	Emitter StateEmitter
	// Catalog, when set, restricts the accepted streams.
	Catalog *protocol.Catalog
	Logger  *zap.Logger
	// SessionID labels logs and metrics; Config.Name is used when empty.
	SessionID string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// AsyncConsumer accepts the message stream of one sync session, buffers
// records per stream within a memory budget, flushes them to the destination
// in the background and emits each checkpoint once every record before it
// has been written.
//
// Accept must be called from a single goroutine. Start must be called before
// Accept and Close ends the session.
type AsyncConsumer struct {
	cfg     *config.Config
	dest    destination.Destination
	emitter StateEmitter
	logger  *zap.Logger
	now     func() time.Time

	memory    *MemoryManager
	buffers   *bufferSet
	tracker   *CheckpointTracker
	scheduler *FlushScheduler
	enqueue   *BufferEnqueue
	workers   *FlushWorkers
	metrics   *sessionMetrics
	backoff   *Backpressure

	wake           chan struct{}
	stop           chan struct{}
	dispatcherDone chan struct{}
	group          *errgroup.Group

	emitMu sync.Mutex

	errMu   sync.Mutex
	err     error
	started atomic.Bool
	closed  atomic.Bool
}

// NewAsyncConsumer validates the options and builds the engine.
func NewAsyncConsumer(opts Options) (*AsyncConsumer, error) {
	if opts.Config == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "config is required")
	}
	if opts.Destination == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "destination is required")
	}
	if opts.Emitter == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "state emitter is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid config")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SessionID == "" {
		opts.SessionID = opts.Config.Name
	}

	cfg := opts.Config
	budget, err := cfg.Buffer.ResolveMemoryBudget()
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to resolve memory budget")
	}
	memory, err := NewMemoryManager(budget, cfg.Buffer.BlockBytes)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With(zap.String("session", opts.SessionID))
	c := &AsyncConsumer{
		cfg:     cfg,
		dest:    opts.Destination,
		emitter: opts.Emitter,
		logger:  logger,
		now:     opts.Clock,
		memory:  memory,
		buffers: newBufferSet(),
		tracker: NewCheckpointTracker(),
		scheduler: NewFlushScheduler(FlushPolicy{
			ThresholdBytes: cfg.Flush.ThresholdBytes,
			Interval:       cfg.Flush.Interval,
			HighWatermark:  cfg.Flush.HighWatermark,
		}),
		metrics:        newSessionMetrics(metrics.NewCollector(opts.SessionID)),
		backoff:        NewBackpressure(cfg.Backpressure.InitialDelay, cfg.Backpressure.MaxDelay),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}

	c.enqueue = NewBufferEnqueue(EnqueueOptions{
		Memory:           memory,
		Tracker:          c.tracker,
		Backpressure:     c.backoff,
		Catalog:          opts.Catalog,
		DefaultNamespace: cfg.Catalog.DefaultNamespace,
		FlushThreshold:   cfg.Flush.ThresholdBytes,
		Notify:           c.notify,
		Healthy:          c.Err,
		Logger:           logger,
		Now:              opts.Clock,
		metrics:          c.metrics,
		buffers:          c.buffers,
	})

	c.workers = newFlushWorkers(opts.Destination, memory, c.metrics, cfg.Flush.Workers, opts.Clock, logger)
	c.workers.onAck = c.emitCheckpoints
	c.workers.onFailure = c.fail

	logger.Info("consumer created",
		zap.Int64("memory_budget", budget),
		zap.Int64("block_bytes", cfg.Buffer.BlockBytes),
		zap.Int64("flush_threshold", cfg.Flush.ThresholdBytes),
		zap.Int64("max_batch_bytes", cfg.Flush.BatchBytes()),
		zap.Duration("flush_interval", cfg.Flush.Interval),
		zap.Int("workers", cfg.Flush.Workers))
	return c, nil
}

// Start launches the flush workers, the dispatcher and the status logger.
// Cancelling ctx aborts in-flight writes and fails the session.
func (c *AsyncConsumer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "consumer already started")
	}

	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.workers.Run(gctx, g, c.cfg.Flush.Workers)
	g.Go(func() error {
		defer close(c.dispatcherDone)
		c.dispatch(gctx)
		return nil
	})
	if interval := c.cfg.Observability.StatusInterval; interval > 0 {
		g.Go(func() error {
			c.logStatus(gctx, interval)
			return nil
		})
	}
	return nil
}

// Accept handles one serialized message. Records are buffered, states are
// tracked, malformed lines and other message types are counted and skipped.
// An error means the session cannot continue.
func (c *AsyncConsumer) Accept(ctx context.Context, line []byte) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if !c.started.Load() {
		return nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "consumer not started")
	}
	if err := c.Err(); err != nil {
		return err
	}

	msg, ok := protocol.Parse(line)
	if !ok {
		c.metrics.skipped("malformed")
		c.logger.Debug("skipping malformed message", zap.Int("bytes", len(line)))
		return nil
	}

	switch msg.Type() {
	case protocol.MessageTypeRecord:
		return c.enqueue.AddRecord(ctx, msg)
	case protocol.MessageTypeState:
		if err := c.enqueue.AddState(msg); err != nil {
			return err
		}
		c.notify()
		return nil
	default:
		c.metrics.skipped(string(msg.Type()))
		c.logger.Debug("skipping message", zap.String("type", string(msg.Type())))
		return nil
	}
}

// Close flushes every buffered record, emits the checkpoints they unlock and
// closes the destination. Checkpoints that are still not covered are dropped.
// It returns the session failure, if any.
func (c *AsyncConsumer) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrConsumerClosed
	}

	var errs []error
	if c.started.Load() {
		close(c.stop)
		<-c.dispatcherDone

		if err := c.forceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
		c.workers.CloseJobs()
		if err := c.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Err() == nil {
		c.emitCheckpoints()
	}
	if leftover := c.tracker.DrainAll(); len(leftover) > 0 {
		c.metrics.checkpointsDroppedAdd(len(leftover))
		c.logger.Warn("dropping checkpoints whose records were not flushed",
			zap.Int("checkpoints", len(leftover)),
			zap.Int64("committed", c.enqueue.CommittedWatermark()),
			zap.Int64("last_offered", c.enqueue.LastOffered()))
	}

	if err := c.dest.Close(ctx); err != nil {
		errs = append(errs, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "failed to close destination"))
	}
	if err := c.Err(); err != nil {
		errs = append([]error{err}, errs...)
	}

	stats := c.Stats()
	c.logger.Info("consumer closed",
		zap.Int64("records_accepted", stats.RecordsAccepted),
		zap.Int64("records_flushed", stats.RecordsFlushed),
		zap.Int64("checkpoints_emitted", stats.CheckpointsEmitted),
		zap.Int64("checkpoints_dropped", stats.CheckpointsDropped),
		zap.Duration("uptime", stats.Uptime))
	return errors.Join(errs...)
}

// Err returns the error that failed the session, or nil.
func (c *AsyncConsumer) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Stats returns a snapshot of the session counters.
func (c *AsyncConsumer) Stats() Stats {
	s := c.metrics.snapshot()
	s.CheckpointsPending = c.tracker.Len()
	s.BackpressureWaits = c.backoff.Waits()
	s.MemoryAllocated = c.memory.Allocated()
	s.MemoryBudget = c.memory.Budget()
	s.Streams = len(c.buffers.all())
	return s
}

// CommittedWatermark returns the highest sequence up to which every record
// has been written.
func (c *AsyncConsumer) CommittedWatermark() int64 {
	return c.enqueue.CommittedWatermark()
}

func (c *AsyncConsumer) fail(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
		c.logger.Error("session failed", zap.Error(err))
	}
}

func (c *AsyncConsumer) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch re-evaluates the scheduler on every tick, wake-up and settled
// batch until Close stops it.
func (c *AsyncConsumer) dispatch(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Flush.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			c.fail(nebulaerrors.Wrap(ctx.Err(), nebulaerrors.ErrorTypeTimeout, "session cancelled"))
			return
		case <-ticker.C:
			c.emitCheckpoints()
			c.publishGauges()
		case <-c.wake:
		case <-c.workers.Acked():
		}

		if err := c.scheduleFlushes(ctx); err != nil {
			return
		}
	}
}

// scheduleFlushes submits batches until the scheduler has nothing to flush.
// At most one memory pressure flush runs at a time.
func (c *AsyncConsumer) scheduleFlushes(ctx context.Context) error {
	budget := c.memory.Budget()
	maxBatch := c.cfg.Flush.BatchBytes()

	pressureIssued := false
	for c.Err() == nil {
		allocated := c.memory.Allocated()
		if c.enqueue.Starved() {
			// A producer refused memory means the budget is exhausted for it
			// even when the allocation is below the watermark.
			allocated = budget
		}
		if pressureIssued || c.workers.PressureInFlight() {
			allocated = 0
		}

		decision, ok := c.scheduler.Next(c.buffers.snapshots(), allocated, budget, c.now())
		if !ok {
			return nil
		}
		buffer, ok := c.buffers.get(decision.Key)
		if !ok {
			return nil
		}
		batch := buffer.Drain(maxBatch)
		if batch == nil {
			return nil
		}
		batch.Reason = decision.Reason
		if decision.Reason == FlushReasonMemoryPressure {
			pressureIssued = true
		}

		c.logger.Debug("scheduling flush",
			zap.String("stream", decision.Key.String()),
			zap.String("reason", string(decision.Reason)),
			zap.Int64("buffered", decision.Bytes),
			zap.Int64("batch_bytes", batch.Bytes),
			zap.Int64("allocated", c.memory.Allocated()))
		if err := c.workers.Submit(ctx, buffer, batch); err != nil {
			return err
		}
	}
	return nil
}

// forceFlush drains every buffer, waiting for in-flight batches, until all
// records are written or the session fails.
func (c *AsyncConsumer) forceFlush(ctx context.Context) error {
	maxBatch := c.cfg.Flush.BatchBytes()
	for {
		if err := c.Err(); err != nil {
			return nil
		}

		pending := false
		for _, buffer := range c.buffers.all() {
			if batch := buffer.Drain(maxBatch); batch != nil {
				batch.Reason = FlushReasonClose
				if err := c.workers.Submit(ctx, buffer, batch); err != nil {
					return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeTimeout, "final flush interrupted")
				}
			}
			if buffer.Flushing() || buffer.Len() > 0 {
				pending = true
			}
		}
		if !pending {
			return nil
		}

		select {
		case <-c.workers.Acked():
		case <-time.After(c.cfg.Flush.TickInterval):
		case <-ctx.Done():
			return nebulaerrors.Wrap(ctx.Err(), nebulaerrors.ErrorTypeTimeout, "final flush interrupted")
		}
	}
}

// emitCheckpoints forwards every checkpoint covered by the committed
// watermark. Emission is serialized so checkpoints leave in sequence order.
func (c *AsyncConsumer) emitCheckpoints() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if c.Err() != nil {
		return
	}
	committed := c.enqueue.CommittedWatermark()
	entries := c.tracker.GetBestCheckpoint(committed)
	for i, entry := range entries {
		if err := c.emitter(entry.Message.Raw()); err != nil {
			c.metrics.checkpointsEmittedAdd(i)
			c.fail(nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to emit checkpoint"))
			return
		}
	}
	if len(entries) > 0 {
		c.metrics.checkpointsEmittedAdd(len(entries))
		c.logger.Debug("emitted checkpoints",
			zap.Int("count", len(entries)),
			zap.Int64("committed", committed))
	}
}

func (c *AsyncConsumer) publishGauges() {
	collector := c.metrics.collector
	collector.SetMemory(c.memory.Allocated(), c.memory.Budget())
	for _, snap := range c.buffers.snapshots() {
		collector.SetBuffer(snap.Key.String(), snap.Bytes, snap.Records)
	}
	collector.SetCheckpointsTracked(c.tracker.Len())
}

func (c *AsyncConsumer) logStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, snap := range c.buffers.snapshots() {
			if snap.Records == 0 && !snap.Flushing {
				continue
			}
			_, next := c.scheduler.IsTimeTriggered(snap.LastFlushAt, c.now())
			c.logger.Info("buffer status",
				zap.String("stream", snap.Key.String()),
				zap.Int("records", snap.Records),
				zap.Int64("bytes", snap.Bytes),
				zap.Bool("flushing", snap.Flushing),
				zap.String("time_trigger", next))
		}
		stats := c.Stats()
		c.logger.Info("session status",
			zap.Int64("records_accepted", stats.RecordsAccepted),
			zap.Int64("records_flushed", stats.RecordsFlushed),
			zap.Int("checkpoints_pending", stats.CheckpointsPending),
			zap.Int64("memory_allocated", stats.MemoryAllocated),
			zap.Int64("memory_budget", stats.MemoryBudget))
	}
}
