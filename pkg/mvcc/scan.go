// ABOUTME: Snapshot-filtered range scan over a tree's raw tuple storage
// ABOUTME: Reuses Get's visibility resolution so Scan and Get never disagree

package mvcc

// Scanner is the ordered range-walk surface a table tree must provide
// beyond Store. *btree.BTree satisfies it via its own Scan.
type Scanner interface {
	Scan(start []byte, fn func(key, val []byte) bool) error
}

// Scan calls fn for every key >= start, in key order, whose current or
// undo-chain version is visible to t's snapshot. fn receives the
// resolved row image, not the raw (xmin, xmax, image) tuple. Iteration
// stops early if fn returns false.
func (t *Txn) Scan(store Scanner, treeName string, start []byte, fn func(key, val []byte) bool) error {
	if err := t.checkActive(); err != nil {
		return err
	}

	var scanErr error
	err := store.Scan(start, func(key, raw []byte) bool {
		t.mgr.mu.Lock()
		val, visible, err := t.mgr.resolveLocked(t, treeName, key, raw, true)
		t.mgr.mu.Unlock()
		if err != nil {
			scanErr = err
			return false
		}
		if !visible {
			return true // not visible to this snapshot, keep scanning
		}
		return fn(key, val)
	})
	if err != nil {
		return err
	}
	return scanErr
}
