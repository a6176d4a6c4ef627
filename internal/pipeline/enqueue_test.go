package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/ajitpratap0/nebula-sink/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnqueue(t *testing.T, budget, block int64, mutate func(*EnqueueOptions)) *BufferEnqueue {
	t.Helper()
	memory, err := NewMemoryManager(budget, block)
	require.NoError(t, err)
	opts := EnqueueOptions{
		Memory:       memory,
		Tracker:      NewCheckpointTracker(),
		Backpressure: NewBackpressure(time.Millisecond, 5*time.Millisecond),
		Logger:       testutil.TestLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewBufferEnqueue(opts)
}

func TestEnqueueWatermark(t *testing.T) {
	e := newTestEnqueue(t, 10_000, 1_000, nil)
	ctx := context.Background()

	require.NoError(t, e.AddRecord(ctx, testutil.MustParse(t, testutil.RecordLine("users", "", 1))))
	require.NoError(t, e.AddRecord(ctx, testutil.MustParse(t, testutil.RecordLine("orders", "", 1))))
	require.NoError(t, e.AddState(testutil.MustParse(t, testutil.GlobalStateLine(1))))
	require.NoError(t, e.AddRecord(ctx, testutil.MustParse(t, testutil.RecordLine("users", "", 2))))

	assert.Equal(t, int64(3), e.LastOffered())
	assert.Equal(t, int64(0), e.CommittedWatermark())
	assert.Equal(t, 1, e.opts.Tracker.Len())

	users, ok := e.buffers.get(protocol.StreamKey{Name: "users"})
	require.True(t, ok)
	orders, ok := e.buffers.get(protocol.StreamKey{Name: "orders"})
	require.True(t, ok)

	batch := orders.Drain(1 << 20)
	orders.Ack(batch, time.Now())
	assert.Equal(t, int64(0), e.CommittedWatermark(), "users seq 1 is still buffered")

	batch = users.Drain(1 << 20)
	assert.Equal(t, int64(0), e.CommittedWatermark(), "users batch is in flight")
	users.Ack(batch, time.Now())
	assert.Equal(t, int64(3), e.CommittedWatermark())

	best := e.opts.Tracker.GetBestCheckpoint(e.CommittedWatermark())
	require.Len(t, best, 1)
	assert.Equal(t, int64(2), best[0].Seq)
}

func TestEnqueueDefaultNamespace(t *testing.T) {
	e := newTestEnqueue(t, 10_000, 1_000, func(o *EnqueueOptions) { o.DefaultNamespace = "public" })

	require.NoError(t, e.AddRecord(context.Background(), testutil.MustParse(t, testutil.RecordLine("users", "", 1))))
	require.NoError(t, e.AddRecord(context.Background(), testutil.MustParse(t, testutil.RecordLine("users", "crm", 1))))

	_, ok := e.buffers.get(protocol.StreamKey{Name: "users", Namespace: "public"})
	assert.True(t, ok)
	_, ok = e.buffers.get(protocol.StreamKey{Name: "users", Namespace: "crm"})
	assert.True(t, ok)
	_, ok = e.buffers.get(protocol.StreamKey{Name: "users"})
	assert.False(t, ok)
}

func TestEnqueueRejectsUnknownStream(t *testing.T) {
	var users protocol.ConfiguredStream
	users.Stream.Name = "users"
	catalog := protocol.NewCatalog([]protocol.ConfiguredStream{users}, "")

	e := newTestEnqueue(t, 10_000, 1_000, func(o *EnqueueOptions) { o.Catalog = catalog })

	require.NoError(t, e.AddRecord(context.Background(), testutil.MustParse(t, testutil.RecordLine("users", "", 1))))
	err := e.AddRecord(context.Background(), testutil.MustParse(t, testutil.RecordLine("orders", "", 1)))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeValidation))
	assert.Equal(t, int64(1), e.LastOffered())
}

func TestEnqueueRecordLargerThanBudget(t *testing.T) {
	e := newTestEnqueue(t, 50, 50, nil)

	err := e.AddRecord(context.Background(), testutil.MustParse(t, testutil.RecordLine("users", "", 1)))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeCapacity))
}

func TestEnqueueWaitsForMemory(t *testing.T) {
	line := testutil.RecordLine("users", "", 1)
	size := int64(len(line))
	budget := 2*size + size/2
	notified := make(chan struct{}, 16)

	e := newTestEnqueue(t, budget, budget, func(o *EnqueueOptions) {
		o.Notify = func() {
			select {
			case notified <- struct{}{}:
			default:
			}
		}
	})
	ctx := context.Background()

	require.NoError(t, e.AddRecord(ctx, testutil.MustParse(t, line)))
	require.NoError(t, e.AddRecord(ctx, testutil.MustParse(t, line)))

	done := make(chan error, 1)
	go func() {
		done <- e.AddRecord(ctx, testutil.MustParse(t, line))
	}()

	testutil.AssertEventually(t, e.Starved, 2*time.Second, "producer should wait for memory")
	assert.NotEmpty(t, notified)

	users, ok := e.buffers.get(protocol.StreamKey{Name: "users"})
	require.True(t, ok)
	batch := users.Drain(budget)
	require.NotNil(t, batch)
	users.Ack(batch, time.Now())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not resume after memory was released")
	}
	assert.False(t, e.Starved())
	assert.Equal(t, int64(3), e.LastOffered())
}

func TestEnqueueWaitCancelled(t *testing.T) {
	line := testutil.RecordLine("users", "", 1)
	size := int64(len(line))
	e := newTestEnqueue(t, size, size, nil)

	require.NoError(t, e.AddRecord(context.Background(), testutil.MustParse(t, line)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.AddRecord(ctx, testutil.MustParse(t, line))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, e.Starved())
	assert.Equal(t, int64(1), e.LastOffered())
}

func TestEnqueueStopsWaitingWhenUnhealthy(t *testing.T) {
	line := testutil.RecordLine("users", "", 1)
	size := int64(len(line))
	failed := nebulaerrors.New(nebulaerrors.ErrorTypeDestination, "boom")

	e := newTestEnqueue(t, size, size, func(o *EnqueueOptions) {
		o.Healthy = func() error { return failed }
	})
	require.NoError(t, e.AddRecord(context.Background(), testutil.MustParse(t, line)))

	err := e.AddRecord(context.Background(), testutil.MustParse(t, line))
	assert.ErrorIs(t, err, failed)
}
