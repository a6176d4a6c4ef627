package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// Backpressure paces a producer that was refused memory. Each Wait sleeps
// twice as long as the previous one, up to MaxDelay, until Reset.
type Backpressure struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	next         time.Duration

	waits     atomic.Int64
	totalWait atomic.Int64 // nanoseconds
}

// NewBackpressure creates a controller with the given delay bounds.
func NewBackpressure(initialDelay, maxDelay time.Duration) *Backpressure {
	if initialDelay <= 0 {
		initialDelay = time.Millisecond
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &Backpressure{initialDelay: initialDelay, maxDelay: maxDelay, next: initialDelay}
}

// Wait sleeps for the current delay and grows it. It returns early with the
// context error if ctx is cancelled. Wait is not safe for concurrent use;
// the enqueuer calls it under its lock.
func (b *Backpressure) Wait(ctx context.Context) (time.Duration, error) {
	delay := b.next
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	b.waits.Add(1)
	b.totalWait.Add(int64(delay))
	b.next *= 2
	if b.next > b.maxDelay {
		b.next = b.maxDelay
	}
	return delay, nil
}

// Reset restores the initial delay after the producer made progress.
func (b *Backpressure) Reset() {
	b.next = b.initialDelay
}

// NextDelay returns the delay the next Wait will use.
func (b *Backpressure) NextDelay() time.Duration {
	return b.next
}

// Waits returns how many times the producer waited.
func (b *Backpressure) Waits() int64 { return b.waits.Load() }

// TotalWait returns the time spent waiting.
func (b *Backpressure) TotalWait() time.Duration { return time.Duration(b.totalWait.Load()) }
