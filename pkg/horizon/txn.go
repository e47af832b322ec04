// ABOUTME: Txn is the external handle callers use to read and write rows,
// ABOUTME: thin sugar over mvcc.Txn that resolves tree names through the Db

package horizon

import (
	"time"

	"github.com/horizon-db/horizon/pkg/btree"
	"github.com/horizon-db/horizon/pkg/common"
	"github.com/horizon-db/horizon/pkg/mvcc"
)

// Txn is a single transaction's handle, spanning however many named
// trees it touches.
type Txn struct {
	db      *Db
	txn     *mvcc.Txn
	start   time.Time
	touched map[string]struct{}
}

// Get returns the value visible to this transaction's snapshot for key
// in tree, or ok=false if absent or deleted.
func (t *Txn) Get(treeName string, key []byte) ([]byte, bool, error) {
	tree, err := t.db.tree(treeName)
	if err != nil {
		return nil, false, err
	}
	return t.txn.Get(tree, treeName, key)
}

// Put inserts or updates key's value in tree.
func (t *Txn) Put(treeName string, key, val []byte) error {
	tree, err := t.db.tree(treeName)
	if err != nil {
		return err
	}
	if err := t.txn.Put(tree, treeName, key, val); err != nil {
		if err == common.ErrWriteConflict {
			t.db.metrics.WriteConflicts.Inc()
		} else if err == common.ErrDeadlock {
			t.db.metrics.Deadlocks.Inc()
		}
		return err
	}
	t.touched[treeName] = struct{}{}
	return nil
}

// Delete tombstones key in tree, returning whether it was present.
func (t *Txn) Delete(treeName string, key []byte) (bool, error) {
	tree, err := t.db.tree(treeName)
	if err != nil {
		return false, err
	}
	existed, err := t.txn.Delete(tree, treeName, key)
	if err != nil {
		if err == common.ErrWriteConflict {
			t.db.metrics.WriteConflicts.Inc()
		} else if err == common.ErrDeadlock {
			t.db.metrics.Deadlocks.Inc()
		}
		return false, err
	}
	if existed {
		t.touched[treeName] = struct{}{}
	}
	return existed, nil
}

// Scan calls fn for every key >= start in tree visible to this
// transaction's snapshot, in key order, until fn returns false.
func (t *Txn) Scan(treeName string, start []byte, fn func(key, val []byte) bool) error {
	tree, err := t.db.tree(treeName)
	if err != nil {
		return err
	}
	return t.txn.Scan(tree, treeName, start, fn)
}

// Commit durably records the transaction, then persists any root page id
// changes its writes caused in the touched trees' catalog entries.
func (t *Txn) Commit() error {
	err := t.txn.Commit()
	t.db.log.TxnLogger(uint64(t.txn.ID)).LogTxnOutcome(uint64(t.txn.ID), err == nil, time.Since(t.start), err)
	t.db.metrics.RecordTxn(outcome(err), time.Since(t.start))
	if err != nil {
		return err
	}

	t.db.mu.Lock()
	trees := make(map[string]*btree.BTree, len(t.touched))
	for name := range t.touched {
		if tr, ok := t.db.trees[name]; ok {
			trees[name] = tr
		}
	}
	t.db.mu.Unlock()

	for name, tr := range trees {
		if err := t.db.syncRoot(name, tr); err != nil {
			return err
		}
	}
	return nil
}

// Rollback undoes every write this transaction made and marks it aborted.
func (t *Txn) Rollback() error {
	stores := make(map[string]mvcc.Store, len(t.touched))
	t.db.mu.Lock()
	for name, tr := range t.db.trees {
		stores[name] = tr
	}
	t.db.mu.Unlock()

	err := t.txn.Rollback(stores)
	t.db.log.TxnLogger(uint64(t.txn.ID)).LogTxnOutcome(uint64(t.txn.ID), false, time.Since(t.start), err)
	t.db.metrics.RecordTxn("rolled_back", time.Since(t.start))
	return err
}

func outcome(err error) string {
	if err == nil {
		return "committed"
	}
	return "failed"
}
