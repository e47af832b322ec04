// ABOUTME: Db ties the pager, WAL, buffer pool, B+Tree catalog, and MVCC
// ABOUTME: manager together into the single entry point external callers use

package horizon

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/horizon-db/horizon/internal/logger"
	"github.com/horizon-db/horizon/internal/metrics"
	"github.com/horizon-db/horizon/pkg/btree"
	"github.com/horizon-db/horizon/pkg/bufferpool"
	"github.com/horizon-db/horizon/pkg/common"
	"github.com/horizon-db/horizon/pkg/mvcc"
	"github.com/horizon-db/horizon/pkg/pager"
	"github.com/horizon-db/horizon/pkg/wal"
)

// Db is one open embedded database: a single backing file plus its WAL
// sidecar, wired through a buffer pool and an MVCC transaction manager.
// Multiple Dbs can be open in the same process, each owning its own
// pager, pool, and manager — there is no process-wide singleton.
type Db struct {
	path string
	opts Options

	pager *pager.Pager
	wal   *wal.WAL
	pool  *bufferpool.Pool
	mgr   *mvcc.Manager
	cat   *catalog

	checkpointer *wal.Checkpointer
	gc           *mvcc.GC

	log     *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	trees map[string]*btree.BTree
}

// Open opens (creating if necessary) the database file at path, replaying
// its WAL if one is present, and returns a Db ready to accept
// transactions.
func Open(path string, opts Options) (*Db, error) {
	opts = opts.withDefaults()
	opts.Logger.LogServerStart(path)

	p, err := pager.Open(path)
	if err != nil {
		return nil, fmt.Errorf("horizon: open pager: %w", err)
	}

	w := &wal.WAL{Path: path}
	if err := w.Open(); err != nil {
		p.Close()
		return nil, fmt.Errorf("horizon: open wal: %w", err)
	}

	recoveryStart := time.Now()
	recovery := wal.NewRecovery(w)
	stats, err := recovery.RecoverWithStats(func(pageID uint32, image [wal.PageSize]byte) error {
		return p.Write(pageID, image[:])
	})
	opts.Logger.LogRecovery(time.Since(recoveryStart), stats.CommittedTxns, stats.ReplayedFrames, err)
	opts.Metrics.RecordRecovery(time.Since(recoveryStart), stats.ReplayedFrames)
	if err != nil {
		w.Close()
		p.Close()
		return nil, fmt.Errorf("horizon: recovery: %w", err)
	}
	if stats.ReplayedFrames > 0 {
		if err := p.Sync(); err != nil {
			w.Close()
			p.Close()
			return nil, fmt.Errorf("horizon: sync after recovery: %w", err)
		}
	}

	pool := bufferpool.New(p, opts.BufferPoolCapacity)

	// floor must sit past every transaction id a durable page could
	// already reference: the higher of the persisted commit high-water
	// mark and whatever id recovery saw in a WAL frame (a transaction can
	// commit without every one of its dirty pages reaching the header
	// flush that records LastCommittedTxn, so recovery's view can run
	// ahead of the pager's). Anything below floor is then always safe to
	// treat as committed, with no need to reconstruct the exact pre-
	// restart commit set.
	floor := mvcc.TxnID(p.LastCommittedTxn()) + 1
	if recovered := mvcc.TxnID(stats.MaxTxnID) + 1; recovered > floor {
		floor = recovered
	}
	mgr := mvcc.New(w, floor)
	mgr.SetPageSource(pool)
	mgr.SetCommitTracker(p)

	cat, err := loadCatalog(p)
	if err != nil {
		w.Close()
		p.Close()
		return nil, err
	}

	db := &Db{
		path:    path,
		opts:    opts,
		pager:   p,
		wal:     w,
		pool:    pool,
		mgr:     mgr,
		cat:     cat,
		log:     opts.Logger,
		metrics: opts.Metrics,
		trees:   make(map[string]*btree.BTree),
	}

	db.checkpointer = wal.NewCheckpointer(w, func() error {
		if mgr.HasActiveWriters() {
			// A transaction somewhere has written at least once and not
			// yet resolved. Its dirty pages may still be undone by a
			// rollback, and an undo restores row bytes in the buffer pool
			// but can never un-flush a page the main file already has —
			// so skip the whole tick (flush, marker, and prune) rather
			// than risk making an uncommitted write durable ahead of its
			// WAL commit frame, or pruning away WAL frames a later flush
			// still needs.
			db.log.LogCheckpoint(0, 0, nil)
			return wal.ErrCheckpointSkipped
		}
		start := time.Now()
		err := pool.FlushAll()
		db.log.LogCheckpoint(time.Since(start), 0, err)
		db.metrics.RecordCheckpoint(time.Since(start))
		return err
	})
	if opts.CheckpointInterval > 0 {
		db.checkpointer.SetInterval(opts.CheckpointInterval)
		db.checkpointer.Start()
	}

	db.gc = mvcc.NewGC(mgr, opts.GCInterval)
	if opts.GCInterval > 0 {
		db.gc.Start()
	}

	opts.Logger.LogServerReady()
	return db, nil
}

// Close stops background tasks, flushes every dirty frame, and closes the
// WAL and pager.
func (db *Db) Close() error {
	// Stop waits for the loop to exit, and Open starts the loop only for
	// a positive CheckpointInterval.
	if db.checkpointer != nil && db.opts.CheckpointInterval > 0 {
		db.checkpointer.Stop()
	}
	if db.gc != nil {
		db.gc.Stop()
	}
	if err := db.pool.FlushAll(); err != nil {
		return fmt.Errorf("horizon: final flush: %w", err)
	}
	if err := db.wal.Close(); err != nil {
		return fmt.Errorf("horizon: close wal: %w", err)
	}
	if err := db.pager.Close(); err != nil {
		return fmt.Errorf("horizon: close pager: %w", err)
	}
	db.log.LogServerShutdown()
	return nil
}

// Checkpoint forces an immediate checkpoint, outside of the background
// interval.
func (db *Db) Checkpoint() error {
	return db.checkpointer.Checkpoint()
}

// CreateTree registers a new named table tree. It does not allocate a
// root page until the first row is written into it.
func (db *Db) CreateTree(name string) error {
	if err := db.cat.create(name); err != nil {
		return err
	}
	id := uuid.New()
	db.log.Info("tree created").Str("tree", name).Str("correlation_id", id.String()).Send()
	return nil
}

// DropTree removes name from the catalog. It does not walk and free the
// tree's pages; reclaiming those is left to a future full vacuum, since
// nothing in this system currently needs table drops to be space-eager.
func (db *Db) DropTree(name string) error {
	if err := db.cat.drop(name); err != nil {
		return err
	}
	db.mu.Lock()
	delete(db.trees, name)
	db.mu.Unlock()
	return nil
}

// Trees lists every registered tree name, in sorted order.
func (db *Db) Trees() []string {
	return db.cat.names()
}

// tree resolves name to its live *btree.BTree, loading its current root
// page id from the catalog the first time it's touched in this process.
func (db *Db) tree(name string) (*btree.BTree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.trees[name]; ok {
		return t, nil
	}
	root, ok := db.cat.get(name)
	if !ok {
		return nil, fmt.Errorf("horizon: tree %q: %w", name, common.ErrNotFound)
	}
	t := btree.New(db.pool, root)
	db.trees[name] = t
	return t, nil
}

// syncRoot persists tree's current root page id back to the catalog if a
// write changed it (a leaf split or root collapse reassigns RootPageID).
func (db *Db) syncRoot(name string, t *btree.BTree) error {
	return db.cat.setRoot(name, t.RootPageID)
}

// Begin starts a new transaction with its own MVCC snapshot.
func (db *Db) Begin(readOnly bool) *Txn {
	return &Txn{db: db, txn: db.mgr.Begin(readOnly), start: time.Now(), touched: make(map[string]struct{})}
}
