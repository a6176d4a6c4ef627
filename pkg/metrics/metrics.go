// Package metrics provides Prometheus instrumentation for the nebula-sink
// buffering engine: memory usage, per-stream buffer depth, flush activity and
// checkpoint emission.
//
// # Basic Usage
//
//	collector := metrics.NewCollector("orders-sync")
//	collector.SetMemory(allocated, budget)
//	collector.RecordFlush("public.users", "size", bytes, elapsed, nil)
//
// All vectors are registered once on the default registry and labelled by
// session, so several sessions in one process do not collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MemoryAllocated tracks bytes currently granted by the memory manager
	MemoryAllocated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_sink_memory_allocated_bytes",
			Help: "Bytes currently granted to stream buffers",
		},
		[]string{"session"},
	)

	// MemoryBudget tracks the configured memory budget
	MemoryBudget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_sink_memory_budget_bytes",
			Help: "Total memory budget of the session",
		},
		[]string{"session"},
	)

	// BufferBytes tracks queued bytes per stream
	BufferBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_sink_buffer_bytes",
			Help: "Bytes queued in a stream buffer",
		},
		[]string{"session", "stream"},
	)

	// BufferRecords tracks queued records per stream
	BufferRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_sink_buffer_records",
			Help: "Records queued in a stream buffer",
		},
		[]string{"session", "stream"},
	)

	// RecordsEnqueued counts records accepted into buffers
	RecordsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_sink_records_enqueued_total",
			Help: "Records accepted into stream buffers",
		},
		[]string{"session", "stream"},
	)

	// Flushes counts destination writes by outcome and trigger
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_sink_flushes_total",
			Help: "Destination writes by stream, trigger reason and outcome",
		},
		[]string{"session", "stream", "reason", "status"},
	)

	// FlushedBytes counts bytes durably written
	FlushedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_sink_flushed_bytes_total",
			Help: "Bytes acknowledged by the destination",
		},
		[]string{"session", "stream"},
	)

	// FlushDuration observes destination write latency
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_sink_flush_duration_seconds",
			Help:    "Duration of destination writes",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"session", "stream"},
	)

	// CheckpointsTracked tracks checkpoints waiting for their records
	CheckpointsTracked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_sink_checkpoints_tracked",
			Help: "Checkpoints waiting for their records to be flushed",
		},
		[]string{"session"},
	)

	// CheckpointsEmitted counts checkpoints forwarded to the orchestrator
	CheckpointsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_sink_checkpoints_emitted_total",
			Help: "Checkpoints emitted upstream",
		},
		[]string{"session"},
	)

	// CheckpointsDropped counts checkpoints discarded at shutdown
	CheckpointsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_sink_checkpoints_dropped_total",
			Help: "Checkpoints discarded because their records were not flushed",
		},
		[]string{"session"},
	)

	// MessagesSkipped counts malformed or non-data messages
	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_sink_messages_skipped_total",
			Help: "Input lines that were not buffered, by reason",
		},
		[]string{"session", "reason"},
	)

	// BackpressureWait observes how long the producer waited for memory
	BackpressureWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_sink_backpressure_wait_seconds",
			Help:    "Time the producer spent waiting for memory",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"session"},
	)
)

// Collector records metrics for one session.
type Collector struct {
	session string
}

// NewCollector creates a collector labelled with the session name.
func NewCollector(session string) *Collector {
	return &Collector{session: session}
}

// Session returns the session label.
func (c *Collector) Session() string {
	return c.session
}

// SetMemory records the memory manager state.
func (c *Collector) SetMemory(allocated, budget int64) {
	MemoryAllocated.WithLabelValues(c.session).Set(float64(allocated))
	MemoryBudget.WithLabelValues(c.session).Set(float64(budget))
}

// SetBuffer records the depth of a stream buffer.
func (c *Collector) SetBuffer(stream string, bytes int64, records int) {
	BufferBytes.WithLabelValues(c.session, stream).Set(float64(bytes))
	BufferRecords.WithLabelValues(c.session, stream).Set(float64(records))
}

// RecordEnqueued counts one record accepted for stream.
func (c *Collector) RecordEnqueued(stream string) {
	RecordsEnqueued.WithLabelValues(c.session, stream).Inc()
}

// RecordFlush records the outcome of one destination write.
func (c *Collector) RecordFlush(stream, reason string, bytes int64, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	Flushes.WithLabelValues(c.session, stream, reason, status).Inc()
	FlushDuration.WithLabelValues(c.session, stream).Observe(elapsed.Seconds())
	if err == nil {
		FlushedBytes.WithLabelValues(c.session, stream).Add(float64(bytes))
	}
}

// SetCheckpointsTracked records how many checkpoints are pending.
func (c *Collector) SetCheckpointsTracked(n int) {
	CheckpointsTracked.WithLabelValues(c.session).Set(float64(n))
}

// RecordCheckpointsEmitted counts emitted checkpoints.
func (c *Collector) RecordCheckpointsEmitted(n int) {
	CheckpointsEmitted.WithLabelValues(c.session).Add(float64(n))
}

// RecordCheckpointsDropped counts discarded checkpoints.
func (c *Collector) RecordCheckpointsDropped(n int) {
	CheckpointsDropped.WithLabelValues(c.session).Add(float64(n))
}

// RecordSkipped counts an input line that was not buffered.
func (c *Collector) RecordSkipped(reason string) {
	MessagesSkipped.WithLabelValues(c.session, reason).Inc()
}

// RecordBackpressureWait observes a producer wait.
func (c *Collector) RecordBackpressureWait(d time.Duration) {
	BackpressureWait.WithLabelValues(c.session).Observe(d.Seconds())
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
