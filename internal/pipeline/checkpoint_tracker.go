package pipeline

import (
	"errors"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
)

// SyncMode is the checkpoint granularity of a session.
type SyncMode int

const (
	// SyncModeUnset means no checkpoint has been tracked yet.
	SyncModeUnset SyncMode = iota
	// SyncModeGlobal keeps one list for GLOBAL and LEGACY states.
	SyncModeGlobal
	// SyncModeStream keeps one list per stream.
	SyncModeStream
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeGlobal:
		return "global"
	case SyncModeStream:
		return "stream"
	default:
		return "unset"
	}
}

// ErrSyncModeMismatch is wrapped by the error returned when a session mixes
// GLOBAL and STREAM states.
var ErrSyncModeMismatch = errors.New("checkpoint sync mode mismatch")

// syncModeOf maps a declared state type to its sync mode.
func syncModeOf(t protocol.StateType) SyncMode {
	if t == protocol.StateTypeStream {
		return SyncModeStream
	}
	return SyncModeGlobal
}

type checkpointList struct {
	mu      sync.Mutex
	entries []CheckpointEntry
}

// CheckpointTracker holds state messages until the records that preceded
// them are flushed.
type CheckpointTracker struct {
	mu    sync.RWMutex
	mode  SyncMode
	lists map[protocol.StreamKey]*checkpointList
}

// NewCheckpointTracker creates an empty tracker.
func NewCheckpointTracker() *CheckpointTracker {
	return &CheckpointTracker{lists: make(map[protocol.StreamKey]*checkpointList)}
}

// TrackCheckpoint stores msg with the sequence it must wait for. The first
// call fixes the sync mode; a state of the other kind afterwards fails.
func (t *CheckpointTracker) TrackCheckpoint(msg *protocol.MessageView, seq, size int64) error {
	mode := syncModeOf(msg.StateType())
	var key protocol.StreamKey
	if mode == SyncModeStream {
		key = msg.Key()
	}

	list, err := t.list(mode, key)
	if err != nil {
		return err
	}

	list.mu.Lock()
	list.entries = append(list.entries, CheckpointEntry{Message: msg, Seq: seq, Size: size})
	list.mu.Unlock()
	return nil
}

func (t *CheckpointTracker) list(mode SyncMode, key protocol.StreamKey) (*checkpointList, error) {
	t.mu.RLock()
	current := t.mode
	list, ok := t.lists[key]
	t.mu.RUnlock()
	if current == mode && ok {
		return list, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == SyncModeUnset {
		t.mode = mode
	}
	if t.mode != mode {
		return nil, nebulaerrors.Wrap(ErrSyncModeMismatch, nebulaerrors.ErrorTypeConfig,
			"state type "+mode.String()+" received in a "+t.mode.String()+" session")
	}
	if list, ok = t.lists[key]; !ok {
		list = &checkpointList{}
		t.lists[key] = list
	}
	return list, nil
}

// GetBestCheckpoint returns, per list, the latest entry with Seq <= committed
// and removes it together with every earlier entry of that list. The result
// is ordered by Seq and empty when nothing is eligible.
func (t *CheckpointTracker) GetBestCheckpoint(committed int64) []CheckpointEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best []CheckpointEntry
	for _, list := range t.lists {
		list.mu.Lock()
		idx := -1
		for i, e := range list.entries {
			if e.Seq > committed {
				break
			}
			idx = i
		}
		if idx >= 0 {
			best = append(best, list.entries[idx])
			rest := list.entries[idx+1:]
			list.entries = append(make([]CheckpointEntry, 0, len(rest)), rest...)
		}
		list.mu.Unlock()
	}
	sortBySeq(best)
	return best
}

// DrainAll removes and returns every tracked entry ordered by Seq.
func (t *CheckpointTracker) DrainAll() []CheckpointEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []CheckpointEntry
	for _, list := range t.lists {
		list.mu.Lock()
		all = append(all, list.entries...)
		list.entries = nil
		list.mu.Unlock()
	}
	sortBySeq(all)
	return all
}

// Mode returns the sync mode, SyncModeUnset before the first state.
func (t *CheckpointTracker) Mode() SyncMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// Len returns the number of tracked entries.
func (t *CheckpointTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, list := range t.lists {
		list.mu.Lock()
		n += len(list.entries)
		list.mu.Unlock()
	}
	return n
}

// Size returns the bytes of tracked entries.
func (t *CheckpointTracker) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, list := range t.lists {
		list.mu.Lock()
		for _, e := range list.entries {
			n += e.Size
		}
		list.mu.Unlock()
	}
	return n
}

func sortBySeq(entries []CheckpointEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Seq != entries[j].Seq {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Message.Key().String() < entries[j].Message.Key().String()
	})
}
