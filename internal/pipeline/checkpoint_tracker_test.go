package pipeline

import (
	"errors"
	"testing"

	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/ajitpratap0/nebula-sink/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cursors(t *testing.T, entries []CheckpointEntry) []int64 {
	t.Helper()
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Seq)
	}
	return out
}

func trackGlobal(t *testing.T, tr *CheckpointTracker, seq int64) {
	t.Helper()
	msg := testutil.MustParse(t, testutil.GlobalStateLine(int(seq)))
	require.NoError(t, tr.TrackCheckpoint(msg, seq, msg.Size()))
}

func TestCheckpointTrackerScenario(t *testing.T) {
	tr := NewCheckpointTracker()
	for _, seq := range []int64{100, 200, 300, 400} {
		trackGlobal(t, tr, seq)
	}
	assert.Equal(t, SyncModeGlobal, tr.Mode())

	assert.Empty(t, tr.GetBestCheckpoint(50))
	assert.Equal(t, []int64{100}, cursors(t, tr.GetBestCheckpoint(150)))

	trackGlobal(t, tr, 500)
	assert.Equal(t, []int64{400}, cursors(t, tr.GetBestCheckpoint(425)))
	assert.Equal(t, []int64{500}, cursors(t, tr.GetBestCheckpoint(500)))
	assert.Empty(t, tr.GetBestCheckpoint(550))
	assert.Equal(t, 0, tr.Len())
}

func TestCheckpointTrackerRoundTrip(t *testing.T) {
	tr := NewCheckpointTracker()
	msg := testutil.MustParse(t, testutil.GlobalStateLine(7))
	require.NoError(t, tr.TrackCheckpoint(msg, 42, msg.Size()))

	got := tr.GetBestCheckpoint(42)
	require.Len(t, got, 1)
	assert.Same(t, msg, got[0].Message)
	assert.Equal(t, msg.Raw(), got[0].Message.Raw())
}

func TestCheckpointTrackerStreamMode(t *testing.T) {
	tr := NewCheckpointTracker()
	track := func(stream string, seq int64) {
		msg := testutil.MustParse(t, testutil.StreamStateLine(stream, int(seq)))
		require.NoError(t, tr.TrackCheckpoint(msg, seq, msg.Size()))
	}
	track("a", 10)
	track("b", 20)
	track("a", 30)

	assert.Equal(t, SyncModeStream, tr.Mode())
	assert.Equal(t, 3, tr.Len())
	assert.Positive(t, tr.Size())

	best := tr.GetBestCheckpoint(25)
	require.Len(t, best, 2)
	assert.Equal(t, []int64{10, 20}, cursors(t, best))
	assert.Equal(t, protocol.StreamKey{Name: "a"}, best[0].Message.Key())
	assert.Equal(t, protocol.StreamKey{Name: "b"}, best[1].Message.Key())

	assert.Equal(t, []int64{30}, cursors(t, tr.DrainAll()))
	assert.Equal(t, 0, tr.Len())
}

func TestCheckpointTrackerModeMismatch(t *testing.T) {
	global := testutil.MustParse(t, testutil.GlobalStateLine(1))
	stream := testutil.MustParse(t, testutil.StreamStateLine("users", 1))

	tr := NewCheckpointTracker()
	require.NoError(t, tr.TrackCheckpoint(global, 1, global.Size()))
	err := tr.TrackCheckpoint(stream, 2, stream.Size())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncModeMismatch))
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	tr = NewCheckpointTracker()
	require.NoError(t, tr.TrackCheckpoint(stream, 1, stream.Size()))
	err = tr.TrackCheckpoint(global, 2, global.Size())
	assert.ErrorIs(t, err, ErrSyncModeMismatch)
}

func TestCheckpointTrackerLegacyIsGlobal(t *testing.T) {
	legacy := testutil.MustParse(t, []byte(`{"type":"STATE","state":{"data":{"cursor":1}}}`))
	global := testutil.MustParse(t, testutil.GlobalStateLine(2))

	tr := NewCheckpointTracker()
	require.NoError(t, tr.TrackCheckpoint(legacy, 1, legacy.Size()))
	require.NoError(t, tr.TrackCheckpoint(global, 2, global.Size()))
	assert.Equal(t, []int64{2}, cursors(t, tr.GetBestCheckpoint(2)))
}

func TestCheckpointTrackerMonotonic(t *testing.T) {
	tr := NewCheckpointTracker()
	var last int64
	for seq := int64(1); seq <= 50; seq++ {
		trackGlobal(t, tr, seq*3)
		for _, e := range tr.GetBestCheckpoint(seq * 2) {
			assert.Greater(t, e.Seq, last)
			last = e.Seq
		}
	}
}
