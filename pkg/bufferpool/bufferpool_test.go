// ABOUTME: Tests for pin-counted buffer pool eviction behavior
// ABOUTME: Verifies pinned/dirty frames are never evicted and flush clears dirty bits

package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/horizon-db/horizon/pkg/common"
	"github.com/horizon-db/horizon/pkg/pager"
)

func openPool(t *testing.T, capacity int) (*pager.Pager, *Pool) {
	t.Helper()
	p, err := pager.Open(filepath.Join(t.TempDir(), "horizon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, New(p, capacity)
}

func TestPinLoadsAndCaches(t *testing.T) {
	_, bp := openPool(t, 4)
	f, err := bp.PinNew()
	require.NoError(t, err)
	require.Equal(t, 1, bp.Len())
	bp.Unpin(f.PageID, false)
}

func TestPinTwiceSharesFrame(t *testing.T) {
	_, bp := openPool(t, 4)
	f1, err := bp.PinNew()
	require.NoError(t, err)

	f2, err := bp.Pin(f1.PageID)
	require.NoError(t, err)
	require.Same(t, f1, f2)

	bp.Unpin(f1.PageID, false)
	bp.Unpin(f2.PageID, false)
}

func TestEvictsLeastRecentlyUsedUnpinnedClean(t *testing.T) {
	_, bp := openPool(t, 2)

	a, _ := bp.PinNew()
	b, _ := bp.PinNew()
	bp.Unpin(a.PageID, false)
	bp.Unpin(b.PageID, false)

	// a is now the LRU victim candidate (unpinned, clean, pushed first).
	c, err := bp.PinNew()
	require.NoError(t, err)
	bp.Unpin(c.PageID, false)

	require.Equal(t, 2, bp.Len())
	_, aCached := bp.frames[a.PageID]
	require.False(t, aCached, "a was the least recently used frame and must be the one evicted")
	_, bCached := bp.frames[b.PageID]
	require.True(t, bCached)
}

func TestFullPoolRefusesWhenAllPinned(t *testing.T) {
	_, bp := openPool(t, 1)
	f, err := bp.PinNew()
	require.NoError(t, err)
	defer bp.Unpin(f.PageID, false)

	_, err = bp.PinNew()
	require.ErrorIs(t, err, common.ErrBufferFull)
}

func TestDirtyFrameNeverEvicted(t *testing.T) {
	_, bp := openPool(t, 1)
	f, err := bp.PinNew()
	require.NoError(t, err)
	copy(f.Data, []byte("dirty"))
	bp.Unpin(f.PageID, true)

	_, err = bp.PinNew()
	require.ErrorIs(t, err, common.ErrBufferFull, "dirty frame must not be evicted before flush")
}

func TestFlushAllClearsDirtyAndPersists(t *testing.T) {
	p, bp := openPool(t, 4)
	f, err := bp.PinNew()
	require.NoError(t, err)
	copy(f.Data, []byte("persisted"))
	bp.Unpin(f.PageID, true)

	require.NoError(t, bp.FlushAll())

	onDisk, err := p.Read(f.PageID)
	require.NoError(t, err)
	require.Equal(t, byte('p'), onDisk[0])
	require.False(t, f.dirty, "FlushAll must mark the frame clean")

	// Discard drops the cached frame, leaving the pool empty.
	bp.Discard(f.PageID)
	require.Equal(t, 0, bp.Len())
}
