// ABOUTME: Snapshot-isolated transaction manager: begin/commit/rollback,
// ABOUTME: first-updater-wins write conflicts, and waits-for deadlock detection

package mvcc

import (
	"fmt"
	"sync"

	"github.com/horizon-db/horizon/pkg/common"
	"github.com/horizon-db/horizon/pkg/wal"
)

// PageSource lets the manager log page images to the WAL ahead of a
// commit marker. *bufferpool.Pool satisfies it; tests that never attach
// one simply skip page-image logging (the WAL then only ever carries
// commit markers, which is enough for the in-memory-only test scenarios
// that pass a nil WAL in the first place).
type PageSource interface {
	DirtyPages() map[uint32][]byte
}

// CommitTracker persists the high-water mark of committed transaction
// ids so a later Open can recognize it without replaying the entire WAL
// history. *pager.Pager satisfies it.
type CommitTracker interface {
	SetLastCommittedTxn(txnID uint64) error
}

// Store is the ordered-map surface a table tree must provide. It is
// satisfied by *btree.BTree; Manager is generic over it so a single
// transaction can touch multiple named trees under one waits-for graph
// and one global txn id space.
type Store interface {
	Get(key []byte) ([]byte, bool, error)
	Insert(key, val []byte) error
	Delete(key []byte) (bool, error)
}

// intentKey names a row within a specific tree, scoping write intents and
// undo chains so identical keys in different tables never collide.
type intentKey struct {
	tree string
	key  string
}

// TxnState is a transaction's lifecycle stage.
type TxnState int

const (
	StateActive TxnState = iota
	StateCommitted
	StateAborted
)

// undoEntry restores the row a transaction touched to what it held
// immediately before that transaction's first write to it.
type undoEntry struct {
	ik         intentKey
	priorBytes []byte // nil + !existed means the row did not exist before
	existed    bool
	version    version // the pre-image, for undo-chain visibility walks
}

// Manager coordinates every transaction against every tree registered
// with it. One Manager serves an entire open database: the txn id space,
// the write-intent table, and the waits-for graph are all global, backed
// by a single monotonic txn id counter.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextTxnID TxnID
	// floorTxnID is the boundary, fixed at construction, between
	// transactions from a previous process lifetime and new ones this
	// Manager will hand out. isCommittedLocked treats any id below it as
	// committed unconditionally: every row durable on a page already
	// reflects only committed writes (the buffer pool never checkpoints
	// a page a still-active write intent holds — see HasActiveWriters),
	// so an id from a previous run that isn't committed can never be
	// anyone's xmin/xmax on a page that made it to disk in the first
	// place. This is what lets a fresh, empty committed set after Open
	// still see every previously committed row correctly.
	floorTxnID TxnID
	active     map[TxnID]*Txn
	committed  map[TxnID]struct{}
	aborted    map[TxnID]struct{}

	writeIntents map[intentKey]TxnID
	waitsFor     map[TxnID]map[TxnID]struct{}
	undoChains   map[intentKey][]undoEntry

	wal     *wal.WAL      // nil is valid: an in-memory-only manager (used by tests)
	pages   PageSource    // nil is valid: skips page-image WAL logging
	tracker CommitTracker // nil is valid: skips persisting the commit high-water mark
}

// New creates a Manager whose first-issued transaction id is floor. w
// may be nil for tests that do not exercise durability; a real Db always
// supplies its WAL so commit can append and fsync a commit frame.
//
// floor must be one past the highest transaction id that could already
// be referenced by a durable page — Db.Open computes it from the
// persisted commit high-water mark and whatever recovery replayed, so
// that ids never collide across a restart and every id below floor is
// safely treated as committed. Pass 1 for a brand-new database.
func New(w *wal.WAL, floor TxnID) *Manager {
	if floor < 1 {
		floor = 1
	}
	m := &Manager{
		nextTxnID:    floor,
		floorTxnID:   floor,
		active:       make(map[TxnID]*Txn),
		committed:    make(map[TxnID]struct{}),
		aborted:      make(map[TxnID]struct{}),
		writeIntents: make(map[intentKey]TxnID),
		waitsFor:     make(map[TxnID]map[TxnID]struct{}),
		undoChains:   make(map[intentKey][]undoEntry),
		wal:          w,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetPageSource attaches the buffer pool a committing transaction should
// pull dirty page images from when writing its WAL commit record. Not
// part of New so tests that only care about visibility/deadlock logic
// can build a Manager without a pool at all.
func (m *Manager) SetPageSource(ps PageSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = ps
}

// SetCommitTracker attaches the pager a committing transaction should
// persist its id to, so the next Open can resume nextTxnID past it
// without necessarily having to replay this far back into the WAL.
func (m *Manager) SetCommitTracker(ct CommitTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker = ct
}

// HasActiveWriters reports whether any transaction anywhere currently
// holds a write intent — i.e. has written at least once and not yet
// committed or rolled back. A checkpoint must not flush any dirty page
// while this is true: the dirtying transaction might still abort, and an
// undo restores a row's bytes but never un-flushes a page already
// written to the main file.
func (m *Manager) HasActiveWriters() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writeIntents) > 0
}

// Txn is a single transaction's handle: its immutable snapshot, its undo
// log for rollback, and the write intents it currently holds.
type Txn struct {
	ID       TxnID
	ReadOnly bool

	mgr      *Manager
	snapshot Snapshot
	state    TxnState
	undo     []undoEntry
	held     map[intentKey]struct{}
}

// Begin allocates a txn id and captures an immutable snapshot of the
// commit horizon and currently-active transaction set.
func (m *Manager) Begin(readOnly bool) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextTxnID
	m.nextTxnID++

	active := make(map[TxnID]struct{}, len(m.active))
	for id := range m.active {
		active[id] = struct{}{}
	}

	t := &Txn{
		ID:       id,
		ReadOnly: readOnly,
		mgr:      m,
		snapshot: Snapshot{NextTxnID: id, Active: active},
		state:    StateActive,
		held:     make(map[intentKey]struct{}),
	}
	m.active[id] = t
	return t
}

// isCommittedLocked reports whether id refers to a transaction that has
// committed. Must be called with m.mu held. Any id from before this
// Manager's floorTxnID is treated as committed unconditionally — see the
// floorTxnID field comment for why that is always safe.
func (m *Manager) isCommittedLocked(id TxnID) bool {
	if id < m.floorTxnID {
		return true
	}
	_, ok := m.committed[id]
	return ok
}

// isAbortedLocked reports whether id refers to a transaction that rolled
// back. An id below floorTxnID can never be reported aborted: if it had
// aborted, its undo would have run before the prior process exited and no
// durable page could still carry it as an xmin/xmax.
func (m *Manager) isAbortedLocked(id TxnID) bool {
	if id < m.floorTxnID {
		return false
	}
	_, ok := m.aborted[id]
	return ok
}

// State reports the transaction's current lifecycle stage, which may have
// changed to StateAborted out from under the caller if it lost a deadlock.
func (t *Txn) State() TxnState {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.state
}

func (t *Txn) checkActive() error {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.state != StateActive {
		return common.ErrTxnAborted
	}
	return nil
}

// Get returns the value visible to t's snapshot for key in the named
// tree, walking the undo chain past any version t's snapshot cannot see
// yet.
func (t *Txn) Get(store Store, treeName string, key []byte) ([]byte, bool, error) {
	if err := t.checkActive(); err != nil {
		return nil, false, err
	}

	raw, found, err := store.Get(key)
	if err != nil {
		return nil, false, err
	}

	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.mgr.resolveLocked(t, treeName, key, raw, found)
}

// resolveLocked applies t's snapshot to the raw tuple bytes already read
// from store (or, failing that, the tree's undo chain for key), returning
// the visible image and whether the key is visibly present. Must be
// called with m.mu held. Shared by Get and Scan so both see identical
// visibility semantics.
func (m *Manager) resolveLocked(t *Txn, treeName string, key []byte, raw []byte, found bool) ([]byte, bool, error) {
	if found {
		v, err := decodeVersion(raw)
		if err != nil {
			return nil, false, err
		}
		if m.visible(v, t.snapshot, t.ID) {
			return v.Image, true, nil
		}
	}

	ik := intentKey{tree: treeName, key: string(key)}
	chain := m.undoChains[ik]
	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i].version
		if !m.visible(v, t.snapshot, t.ID) {
			continue
		}
		return v.Image, true, nil
	}
	return nil, false, nil
}

// Put inserts or updates key's row-image. Writers to the same row are
// fully serialized through its write intent (blocking, with deadlock
// detection on the waits-for graph); WriteConflict then fires only if the
// stored tuple carries a deleter's xmax that this transaction's own
// snapshot cannot see yet. Overwriting a value put by a transaction the
// snapshot cannot see is not a conflict.
func (t *Txn) Put(store Store, treeName string, key []byte, val []byte) error {
	return t.write(store, treeName, key, func(cur version, existed bool) (version, error) {
		return version{Xmin: t.ID, Xmax: 0, Image: val}, nil
	})
}

// Delete tombstones key by setting xmax to this transaction's id, leaving
// the prior image in the undo chain for snapshots that started earlier.
func (t *Txn) Delete(store Store, treeName string, key []byte) (bool, error) {
	var existedOut bool
	err := t.write(store, treeName, key, func(cur version, existed bool) (version, error) {
		if !existed {
			return version{}, common.ErrNotFound
		}
		existedOut = true
		return version{Xmin: cur.Xmin, Xmax: t.ID, Image: cur.Image}, nil
	})
	if err == common.ErrNotFound {
		return false, nil
	}
	return existedOut, err
}

// write is the shared body of Put/Delete: acquire the row's write intent
// (blocking and deadlock-checking as needed), check for a first-updater
// conflict, build the replacement via next, push an undo entry, and store
// the new tuple.
func (t *Txn) write(store Store, treeName string, key []byte, next func(cur version, existed bool) (version, error)) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.ReadOnly {
		return fmt.Errorf("mvcc: write in a read-only transaction")
	}

	ik := intentKey{tree: treeName, key: string(key)}
	if err := t.mgr.acquireIntent(t, ik); err != nil {
		return err
	}
	t.held[ik] = struct{}{}

	raw, found, err := store.Get(key)
	if err != nil {
		return err
	}
	var cur version
	if found {
		cur, err = decodeVersion(raw)
		if err != nil {
			return err
		}
	}

	t.mgr.mu.Lock()
	if found && cur.Xmax != 0 && t.mgr.visible(cur, t.snapshot, t.ID) {
		t.mgr.mu.Unlock()
		return common.ErrWriteConflict
	}
	t.mgr.mu.Unlock()

	nv, err := next(cur, found)
	if err != nil {
		return err
	}

	t.undo = append(t.undo, undoEntry{ik: ik, priorBytes: raw, existed: found, version: cur})

	if err := store.Insert(key, encodeVersion(nv)); err != nil {
		return err
	}

	if found {
		// The chain keeps the pre-image with the id of the transaction
		// that ended it as xmax: an earlier deleter if there was one,
		// otherwise t.
		prior := cur
		if prior.Xmax == 0 {
			prior.Xmax = t.ID
		}
		t.mgr.mu.Lock()
		t.mgr.undoChains[ik] = append(t.mgr.undoChains[ik], undoEntry{ik: ik, version: prior})
		t.mgr.mu.Unlock()
	}

	return nil
}

// Commit durably records the transaction as committed: it appends a WAL
// commit frame (when the manager has a WAL) and fsyncs before releasing
// intents, so the durable linearization point precedes visibility to
// other transactions. Read-only transactions skip the WAL entirely —
// there is nothing to make durable.
func (t *Txn) Commit() error {
	t.mgr.mu.Lock()
	if t.state != StateActive {
		t.mgr.mu.Unlock()
		if t.state == StateAborted {
			return common.ErrTxnAborted
		}
		return nil
	}
	t.mgr.mu.Unlock()

	if !t.ReadOnly && t.mgr.wal != nil && len(t.undo) > 0 {
		t.mgr.mu.Lock()
		pages := PageSource(nil)
		if t.mgr.pages != nil {
			pages = t.mgr.pages
		}
		t.mgr.mu.Unlock()

		if pages != nil {
			// Page images are logged ahead of the commit marker (write-
			// ahead) so a crash right after the marker's fsync still has
			// every byte this commit needed on replay, independent of
			// when the buffer pool's own checkpoint eventually flushes
			// the same pages to the main file.
			for pageID, image := range pages.DirtyPages() {
				frame := &wal.Frame{PageID: pageID, TxnID: uint64(t.ID)}
				copy(frame.Image[:], image)
				if err := t.mgr.wal.Append(frame); err != nil {
					return fmt.Errorf("mvcc: page image append: %w", err)
				}
			}
		}

		if err := t.mgr.wal.Append(&wal.Frame{PageID: wal.CommitPageID, TxnID: uint64(t.ID)}); err != nil {
			return fmt.Errorf("mvcc: commit frame append: %w", err)
		}
		if err := t.mgr.wal.Fsync(); err != nil {
			return fmt.Errorf("mvcc: commit fsync: %w", err)
		}
	}

	t.mgr.mu.Lock()
	t.state = StateCommitted
	t.mgr.committed[t.ID] = struct{}{}
	delete(t.mgr.active, t.ID)
	t.mgr.releaseIntentsLocked(t)
	tracker := t.mgr.tracker
	t.mgr.mu.Unlock()
	t.mgr.cond.Broadcast()

	if tracker != nil {
		if err := tracker.SetLastCommittedTxn(uint64(t.ID)); err != nil {
			return fmt.Errorf("mvcc: persist commit high-water mark: %w", err)
		}
	}
	return nil
}

// Rollback replays undo entries in reverse order, restoring each row to
// its pre-transaction state, and marks the transaction aborted.
func (t *Txn) Rollback(stores map[string]Store) error {
	t.mgr.mu.Lock()
	alreadyDone := t.state != StateActive
	t.mgr.mu.Unlock()
	if alreadyDone {
		return nil
	}

	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		store, ok := stores[e.ik.tree]
		if !ok {
			continue
		}
		if !e.existed {
			if _, err := store.Delete([]byte(e.ik.key)); err != nil {
				return fmt.Errorf("mvcc: rollback delete: %w", err)
			}
			continue
		}
		if err := store.Insert([]byte(e.ik.key), e.priorBytes); err != nil {
			return fmt.Errorf("mvcc: rollback restore: %w", err)
		}
	}

	t.mgr.mu.Lock()
	t.state = StateAborted
	t.mgr.aborted[t.ID] = struct{}{}
	delete(t.mgr.active, t.ID)
	t.mgr.releaseIntentsLocked(t)
	t.mgr.mu.Unlock()
	t.mgr.cond.Broadcast()
	return nil
}
