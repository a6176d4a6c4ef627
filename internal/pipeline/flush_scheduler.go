package pipeline

import (
	"fmt"
	"time"
)

// FlushPolicy holds the scheduler thresholds.
type FlushPolicy struct {
	// ThresholdBytes triggers a flush of any buffer holding more bytes.
	ThresholdBytes int64
	// Interval triggers a flush of a buffer not flushed for this long.
	Interval time.Duration
	// HighWatermark is the fraction of the budget above which the largest
	// buffer is flushed regardless of its size.
	HighWatermark float64
}

// FlushScheduler picks the next stream to flush. It keeps no state, so one
// scheduler can be consulted by any number of goroutines.
type FlushScheduler struct {
	policy FlushPolicy
}

// NewFlushScheduler creates a scheduler for policy.
func NewFlushScheduler(policy FlushPolicy) *FlushScheduler {
	return &FlushScheduler{policy: policy}
}

// Policy returns the scheduler thresholds.
func (s *FlushScheduler) Policy() FlushPolicy { return s.policy }

// Next returns the stream to flush, if any. Streams with a flush in flight
// or no queued bytes are never chosen. Triggers are tried in order: size,
// memory pressure, time.
func (s *FlushScheduler) Next(snapshots []StreamSnapshot, allocated, budget int64, now time.Time) (FlushDecision, bool) {
	var (
		largest     *StreamSnapshot
		stalest     *StreamSnapshot
		oversized   *StreamSnapshot
		anyEligible bool
	)

	for i := range snapshots {
		snap := &snapshots[i]
		if snap.Flushing || snap.Bytes <= 0 {
			continue
		}
		anyEligible = true

		if largest == nil || larger(snap, largest) {
			largest = snap
		}
		if snap.Bytes > s.policy.ThresholdBytes && (oversized == nil || larger(snap, oversized)) {
			oversized = snap
		}
		if ok, _ := s.IsTimeTriggered(snap.LastFlushAt, now); ok {
			if stalest == nil || staler(snap, stalest) {
				stalest = snap
			}
		}
	}

	switch {
	case !anyEligible:
		return FlushDecision{}, false
	case oversized != nil:
		return FlushDecision{Key: oversized.Key, Reason: FlushReasonSize, Bytes: oversized.Bytes}, true
	case budget > 0 && float64(allocated) > s.policy.HighWatermark*float64(budget):
		return FlushDecision{Key: largest.Key, Reason: FlushReasonMemoryPressure, Bytes: largest.Bytes}, true
	case stalest != nil:
		return FlushDecision{Key: stalest.Key, Reason: FlushReasonTime, Bytes: stalest.Bytes}, true
	default:
		return FlushDecision{}, false
	}
}

// IsTimeTriggered reports whether a full interval has elapsed since
// lastFlushAt, with a short explanation for logs.
func (s *FlushScheduler) IsTimeTriggered(lastFlushAt, now time.Time) (bool, string) {
	elapsed := now.Sub(lastFlushAt)
	if elapsed >= s.policy.Interval {
		return true, fmt.Sprintf("%s since last flush, interval %s", elapsed, s.policy.Interval)
	}
	return false, fmt.Sprintf("%s since last flush, next in %s", elapsed, s.policy.Interval-elapsed)
}

// larger orders by bytes, then by key for a deterministic pick.
func larger(a, b *StreamSnapshot) bool {
	if a.Bytes != b.Bytes {
		return a.Bytes > b.Bytes
	}
	return a.Key.String() < b.Key.String()
}

func staler(a, b *StreamSnapshot) bool {
	if !a.LastFlushAt.Equal(b.LastFlushAt) {
		return a.LastFlushAt.Before(b.LastFlushAt)
	}
	return a.Key.String() < b.Key.String()
}
