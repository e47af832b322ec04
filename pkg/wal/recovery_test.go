// ABOUTME: Tests for replay of committed transactions and checkpoint truncation
// ABOUTME: Verifies uncommitted frames are never replayed

package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoverReplaysOnlyCommittedTxns(t *testing.T) {
	w := newWAL(t)

	// Txn 1: committed, writes page 1.
	require.NoError(t, w.Append(pageFrame(1, 1, 0xAA)))
	require.NoError(t, w.Append(&Frame{PageID: CommitPageID, TxnID: 1}))

	// Txn 2: never commits, writes page 2.
	require.NoError(t, w.Append(pageFrame(2, 2, 0xBB)))

	require.NoError(t, w.Fsync())

	replayed := make(map[uint32]byte)
	stats, err := NewRecovery(w).RecoverWithStats(func(pageID uint32, image [PageSize]byte) error {
		replayed[pageID] = image[0]
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, stats.CommittedTxns)
	require.Equal(t, 1, stats.UncommittedTxns)
	require.Equal(t, 1, stats.ReplayedFrames)
	require.Equal(t, byte(0xAA), replayed[1])
	_, sawPage2 := replayed[2]
	require.False(t, sawPage2, "frames from an uncommitted transaction must not be replayed")
}

func TestRecoverSkipsFramesBeforeCheckpoint(t *testing.T) {
	w := newWAL(t)

	require.NoError(t, w.Append(pageFrame(1, 1, 0x01)))
	require.NoError(t, w.Append(&Frame{PageID: CommitPageID, TxnID: 1}))
	require.NoError(t, w.Append(&Frame{PageID: CheckpointPageID}))
	require.NoError(t, w.Append(pageFrame(2, 2, 0x02)))
	require.NoError(t, w.Append(&Frame{PageID: CommitPageID, TxnID: 2}))
	require.NoError(t, w.Fsync())

	var replayedPages []uint32
	_, err := NewRecovery(w).RecoverWithStats(func(pageID uint32, image [PageSize]byte) error {
		replayedPages = append(replayedPages, pageID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, replayedPages)
}

func TestRecoverOnFreshDatabaseIsNoOp(t *testing.T) {
	w := &WAL{Path: filepath.Join(t.TempDir(), "fresh.db")}
	require.NoError(t, w.Open())
	defer w.Close()

	called := false
	stats, err := NewRecovery(w).RecoverWithStats(func(uint32, [PageSize]byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, 0, stats.TotalFrames)
}
