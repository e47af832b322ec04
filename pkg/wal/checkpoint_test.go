// ABOUTME: Tests for checkpoint flush-and-truncate behavior

package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointAppendsMarkerAndFlushes(t *testing.T) {
	w := newWAL(t)
	require.NoError(t, w.Append(pageFrame(1, 1, 0x01)))
	require.NoError(t, w.Append(&Frame{PageID: CommitPageID, TxnID: 1}))

	flushed := false
	cp := NewCheckpointer(w, func() error {
		flushed = true
		return nil
	})
	require.NoError(t, cp.Checkpoint())
	require.True(t, flushed)

	segments, err := w.findSegments()
	require.NoError(t, err)
	frames, err := ReadAll(segments)
	require.NoError(t, err)
	require.Equal(t, CheckpointPageID, frames[len(frames)-1].PageID)
}

func TestCheckpointPropagatesFlushError(t *testing.T) {
	w := newWAL(t)
	cp := NewCheckpointer(w, func() error {
		return errBoom
	})
	require.Error(t, cp.Checkpoint())
}

func TestCheckpointSkippedLeavesNoMarkerAndPrunesNothing(t *testing.T) {
	w := newWAL(t)
	require.NoError(t, w.Append(pageFrame(1, 1, 0x01)))
	require.NoError(t, w.Append(&Frame{PageID: CommitPageID, TxnID: 1}))

	before, err := w.findSegments()
	require.NoError(t, err)

	cp := NewCheckpointer(w, func() error {
		return ErrCheckpointSkipped
	})
	require.NoError(t, cp.Checkpoint())

	after, err := w.findSegments()
	require.NoError(t, err)
	require.Equal(t, before, after)

	frames, err := ReadAll(after)
	require.NoError(t, err)
	for _, f := range frames {
		require.NotEqual(t, CheckpointPageID, f.PageID)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
