package horizon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/horizon-db/horizon/pkg/common"
)

func openTestDb(t *testing.T) *Db {
	t.Helper()
	path := filepath.Join(t.TempDir(), "horizon.db")
	opts := DefaultOptions()
	opts.CheckpointInterval = 0 // tests drive checkpoints explicitly
	opts.GCInterval = 0
	db, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateTreeThenPutGetCommit(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))

	txn := db.Begin(false)
	require.NoError(t, txn.Put("rows", []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	reader := db.Begin(true)
	val, ok, err := reader.Get("rows", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
	require.NoError(t, reader.Commit())
}

func TestCreateTreeDuplicateFails(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))
	require.ErrorIs(t, db.CreateTree("rows"), common.ErrDuplicate)
}

func TestGetUnknownTreeFails(t *testing.T) {
	db := openTestDb(t)
	txn := db.Begin(true)
	_, _, err := txn.Get("ghost", []byte("k"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestDropTreeRemovesFromCatalog(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))
	require.NoError(t, db.DropTree("rows"))
	require.Empty(t, db.Trees())

	txn := db.Begin(true)
	_, _, err := txn.Get("rows", []byte("k"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestScanReturnsVisibleRowsInOrder(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))

	txn := db.Begin(false)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, txn.Put("rows", []byte(k), []byte(k+k)))
	}
	require.NoError(t, txn.Commit())

	deleter := db.Begin(false)
	_, err := deleter.Delete("rows", []byte("b"))
	require.NoError(t, err)
	require.NoError(t, deleter.Commit())

	reader := db.Begin(true)
	var seen []string
	require.NoError(t, reader.Scan("rows", nil, func(key, val []byte) bool {
		seen = append(seen, string(key))
		return true
	}))
	require.Equal(t, []string{"a", "c", "d"}, seen)
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))

	txn := db.Begin(false)
	require.NoError(t, txn.Put("rows", []byte("k"), []byte("v")))
	require.NoError(t, txn.Rollback())

	reader := db.Begin(true)
	_, ok, err := reader.Get("rows", []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReopenRecoversCommittedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "horizon.db")
	opts := DefaultOptions()
	opts.CheckpointInterval = 0
	opts.GCInterval = 0

	db, err := Open(path, opts)
	require.NoError(t, err)
	require.NoError(t, db.CreateTree("rows"))

	// Several transactions commit before the restart, so the pre-restart
	// id space is more than one wide.
	for _, k := range []string{"a", "b", "c"} {
		txn := db.Begin(false)
		require.NoError(t, txn.Put("rows", []byte(k), []byte(k+k)))
		require.NoError(t, txn.Commit())
	}
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Close())

	reopened, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	reader := reopened.Begin(true)
	for _, k := range []string{"a", "b", "c"} {
		val, ok, err := reader.Get("rows", []byte(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte(k+k), val)
	}
	require.NoError(t, reader.Commit())

	// New transactions issued after the restart must not collide with
	// pre-restart ids, and their writes must be visible alongside the
	// recovered rows.
	writer := reopened.Begin(false)
	require.NoError(t, writer.Put("rows", []byte("d"), []byte("dd")))
	require.NoError(t, writer.Commit())

	after := reopened.Begin(true)
	val, ok, err := after.Get("rows", []byte("d"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("dd"), val)
	val, ok, err = after.Get("rows", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("aa"), val)
	require.NoError(t, after.Commit())
}

func TestCheckpointSkipsPagesOfActiveWriter(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))

	txn := db.Begin(false)
	require.NoError(t, txn.Put("rows", []byte("k"), []byte("v")))

	// txn is still open (neither committed nor rolled back): a checkpoint
	// tick right now must not flush its dirty pages to the main file.
	require.NoError(t, db.Checkpoint())
	require.NotEmpty(t, db.pool.DirtyPages(), "the writer's pages must still be dirty, not flushed")
	require.NoError(t, txn.Commit())
}

func TestUncommittedWriteDoesNotSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "horizon.db")
	opts := DefaultOptions()
	opts.CheckpointInterval = 0
	opts.GCInterval = 0

	db, err := Open(path, opts)
	require.NoError(t, err)
	require.NoError(t, db.CreateTree("rows"))

	txn := db.Begin(false)
	require.NoError(t, txn.Put("rows", []byte("k"), []byte("v")))
	// Never committed or rolled back: simulates a crash mid-transaction.
	require.NoError(t, db.pager.Sync())
	require.NoError(t, db.pager.Close())
	require.NoError(t, db.wal.Close())

	reopened, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	reader := reopened.Begin(true)
	_, ok, err := reader.Get("rows", []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, reader.Commit())
}

func TestAutocommitPutGetDelete(t *testing.T) {
	db := openTestDb(t)
	require.NoError(t, db.CreateTree("rows"))

	require.NoError(t, db.Put("rows", []byte("k"), []byte("v")))

	val, ok, err := db.Get("rows", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)

	var seen []string
	require.NoError(t, db.Scan("rows", nil, func(key, val []byte) bool {
		seen = append(seen, string(key))
		return true
	}))
	require.Equal(t, []string{"k"}, seen)

	existed, err := db.Delete("rows", []byte("k"))
	require.NoError(t, err)
	require.True(t, existed)

	_, ok, err = db.Get("rows", []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}
