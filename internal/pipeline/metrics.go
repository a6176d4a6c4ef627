package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/metrics"
)

// Stats is a snapshot of session counters.
type Stats struct {
	RecordsAccepted    int64         `json:"records_accepted"`
	BytesAccepted      int64         `json:"bytes_accepted"`
	RecordsFlushed     int64         `json:"records_flushed"`
	BytesFlushed       int64         `json:"bytes_flushed"`
	Flushes            int64         `json:"flushes"`
	FlushFailures      int64         `json:"flush_failures"`
	StatesAccepted     int64         `json:"states_accepted"`
	CheckpointsEmitted int64         `json:"checkpoints_emitted"`
	CheckpointsDropped int64         `json:"checkpoints_dropped"`
	CheckpointsPending int           `json:"checkpoints_pending"`
	Malformed          int64         `json:"malformed"`
	OtherMessages      int64         `json:"other_messages"`
	BackpressureWaits  int64         `json:"backpressure_waits"`
	MemoryAllocated    int64         `json:"memory_allocated_bytes"`
	MemoryBudget       int64         `json:"memory_budget_bytes"`
	Streams            int           `json:"streams"`
	Uptime             time.Duration `json:"uptime"`
}

// sessionMetrics keeps the in-process counters behind Stats and mirrors
// them to Prometheus.
type sessionMetrics struct {
	collector *metrics.Collector
	startTime time.Time

	recordsAccepted    atomic.Int64
	bytesAccepted      atomic.Int64
	recordsFlushed     atomic.Int64
	bytesFlushed       atomic.Int64
	flushes            atomic.Int64
	flushFailures      atomic.Int64
	statesAccepted     atomic.Int64
	checkpointsEmitted atomic.Int64
	checkpointsDropped atomic.Int64
	malformed          atomic.Int64
	otherMessages      atomic.Int64
}

func newSessionMetrics(collector *metrics.Collector) *sessionMetrics {
	return &sessionMetrics{collector: collector, startTime: time.Now()}
}

func (m *sessionMetrics) recordAccepted(stream string, size int64) {
	m.recordsAccepted.Add(1)
	m.bytesAccepted.Add(size)
	m.collector.RecordEnqueued(stream)
}

func (m *sessionMetrics) stateAccepted() {
	m.statesAccepted.Add(1)
}

func (m *sessionMetrics) flushDone(batch *Batch, elapsed time.Duration, err error) {
	m.collector.RecordFlush(batch.Key.String(), string(batch.Reason), batch.Bytes, elapsed, err)
	if err != nil {
		m.flushFailures.Add(1)
		return
	}
	m.flushes.Add(1)
	m.recordsFlushed.Add(int64(len(batch.Entries)))
	m.bytesFlushed.Add(batch.Bytes)
}

func (m *sessionMetrics) checkpointsEmittedAdd(n int) {
	m.checkpointsEmitted.Add(int64(n))
	m.collector.RecordCheckpointsEmitted(n)
}

func (m *sessionMetrics) checkpointsDroppedAdd(n int) {
	m.checkpointsDropped.Add(int64(n))
	m.collector.RecordCheckpointsDropped(n)
}

func (m *sessionMetrics) skipped(reason string) {
	if reason == "malformed" {
		m.malformed.Add(1)
	} else {
		m.otherMessages.Add(1)
	}
	m.collector.RecordSkipped(reason)
}

func (m *sessionMetrics) snapshot() Stats {
	return Stats{
		RecordsAccepted:    m.recordsAccepted.Load(),
		BytesAccepted:      m.bytesAccepted.Load(),
		RecordsFlushed:     m.recordsFlushed.Load(),
		BytesFlushed:       m.bytesFlushed.Load(),
		Flushes:            m.flushes.Load(),
		FlushFailures:      m.flushFailures.Load(),
		StatesAccepted:     m.statesAccepted.Load(),
		CheckpointsEmitted: m.checkpointsEmitted.Load(),
		CheckpointsDropped: m.checkpointsDropped.Load(),
		Malformed:          m.malformed.Load(),
		OtherMessages:      m.otherMessages.Load(),
		Uptime:             time.Since(m.startTime),
	}
}
