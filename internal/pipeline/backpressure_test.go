package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackpressureDoubles(t *testing.T) {
	b := NewBackpressure(time.Millisecond, 4*time.Millisecond)
	ctx := context.Background()

	for _, want := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond} {
		got, err := b.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, int64(4), b.Waits())
	assert.Equal(t, 11*time.Millisecond, b.TotalWait())

	b.Reset()
	assert.Equal(t, time.Millisecond, b.NextDelay())
}

func TestBackpressureCancelled(t *testing.T) {
	b := NewBackpressure(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), b.Waits())
}

func TestBackpressureDefaults(t *testing.T) {
	b := NewBackpressure(0, 0)
	assert.Equal(t, time.Millisecond, b.NextDelay())
}
