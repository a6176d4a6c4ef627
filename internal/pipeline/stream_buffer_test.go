package pipeline

import (
	"testing"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/ajitpratap0/nebula-sink/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usersKey = protocol.StreamKey{Name: "users"}

func fillBuffer(t *testing.T, b *StreamBuffer, n int, size int64) {
	t.Helper()
	for i := 1; i <= n; i++ {
		b.Offer(testutil.MustParse(t, testutil.RecordLine("users", "", i)), int64(i), size)
	}
}

func TestStreamBufferFIFO(t *testing.T) {
	b := NewStreamBuffer(usersKey, time.Now())
	fillBuffer(t, b, 3, 10)

	assert.Equal(t, int64(30), b.CurrentSize())
	assert.Equal(t, 3, b.Len())

	head, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(1), head.Seq)

	e, ok := b.Poll()
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, int64(20), b.CurrentSize())

	b.Poll()
	b.Poll()
	_, ok = b.Poll()
	assert.False(t, ok)
	assert.Equal(t, int64(0), b.CurrentSize())
}

func TestStreamBufferDrainAck(t *testing.T) {
	created := time.Unix(1000, 0)
	b := NewStreamBuffer(usersKey, created)
	fillBuffer(t, b, 3, 10)

	batch := b.Drain(25)
	require.NotNil(t, batch)
	assert.Len(t, batch.Entries, 2)
	assert.Equal(t, int64(20), batch.Bytes)
	assert.Len(t, batch.Records(), 2)
	assert.True(t, b.Flushing())
	assert.Equal(t, int64(10), b.CurrentSize())

	assert.Nil(t, b.Drain(100), "one batch in flight per stream")

	seq, ok := b.MinUnacked()
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)

	acked := created.Add(time.Minute)
	b.Ack(batch, acked)
	assert.False(t, b.Flushing())
	assert.Equal(t, acked, b.LastFlushAt())

	seq, ok = b.MinUnacked()
	require.True(t, ok)
	assert.Equal(t, int64(3), seq)
}

func TestStreamBufferNackRestoresOrder(t *testing.T) {
	b := NewStreamBuffer(usersKey, time.Now())
	fillBuffer(t, b, 2, 10)

	batch := b.Drain(100)
	require.NotNil(t, batch)
	b.Offer(testutil.MustParse(t, testutil.RecordLine("users", "", 3)), 3, 10)

	b.Nack(batch)
	assert.False(t, b.Flushing())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, int64(30), b.CurrentSize())

	again := b.Drain(100)
	require.NotNil(t, again)
	seqs := make([]int64, 0, len(again.Entries))
	for _, e := range again.Entries {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestStreamBufferDrainOversizedEntry(t *testing.T) {
	b := NewStreamBuffer(usersKey, time.Now())
	fillBuffer(t, b, 2, 50)

	batch := b.Drain(10)
	require.NotNil(t, batch)
	assert.Len(t, batch.Entries, 1)
}

func TestStreamBufferEmpty(t *testing.T) {
	b := NewStreamBuffer(usersKey, time.Now())
	assert.Nil(t, b.Drain(100))
	_, ok := b.MinUnacked()
	assert.False(t, ok)
}

func TestStreamBufferCapacity(t *testing.T) {
	b := NewStreamBuffer(usersKey, time.Now())
	msg := testutil.MustParse(t, testutil.RecordLine("users", "", 1))

	assert.False(t, b.TryOffer(msg, 1, 60))
	b.AddCapacity(100)
	assert.True(t, b.TryOffer(msg, 1, 60))
	assert.False(t, b.TryOffer(msg, 2, 60))
	assert.Equal(t, int64(0), b.ReleaseUnused(10), "capacity reserved for the pending offer is kept")

	b.AddCapacity(100)
	assert.True(t, b.TryOffer(msg, 2, 60))
	assert.Equal(t, int64(50), b.ReleaseUnused(50))
	assert.Equal(t, int64(150), b.Capacity())

	assert.Equal(t, int64(150), b.ReleaseCapacity(500))
	assert.Equal(t, int64(0), b.Capacity())
}

func TestStreamBufferSnapshot(t *testing.T) {
	now := time.Unix(2000, 0)
	b := NewStreamBuffer(usersKey, now)
	fillBuffer(t, b, 4, 5)

	snap := b.Snapshot()
	assert.Equal(t, usersKey, snap.Key)
	assert.Equal(t, int64(20), snap.Bytes)
	assert.Equal(t, 4, snap.Records)
	assert.Equal(t, now, snap.LastFlushAt)
	assert.False(t, snap.Flushing)
}
