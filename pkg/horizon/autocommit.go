// ABOUTME: Autocommit sugar: a single read or write issued directly
// ABOUTME: against a Db runs as its own implicit begin/commit/rollback

package horizon

// Get runs key's lookup in tree as its own implicit read-only transaction,
// committing (releasing the snapshot) before returning.
func (db *Db) Get(treeName string, key []byte) ([]byte, bool, error) {
	txn := db.Begin(true)
	val, ok, err := txn.Get(treeName, key)
	if err != nil {
		txn.Rollback()
		return nil, false, err
	}
	if err := txn.Commit(); err != nil {
		return nil, false, err
	}
	return val, ok, nil
}

// Put writes key's value in tree as its own implicit begin/commit pair. A
// failed write is implicitly rolled back rather than left half-applied.
func (db *Db) Put(treeName string, key, val []byte) error {
	txn := db.Begin(false)
	if err := txn.Put(treeName, key, val); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// Delete tombstones key in tree as its own implicit begin/commit pair,
// reporting whether the key was present. A failed delete is implicitly
// rolled back.
func (db *Db) Delete(treeName string, key []byte) (bool, error) {
	txn := db.Begin(false)
	existed, err := txn.Delete(treeName, key)
	if err != nil {
		txn.Rollback()
		return false, err
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	return existed, nil
}

// Scan walks tree from start as its own implicit read-only transaction,
// calling fn for each visible key until fn returns false or the tree is
// exhausted.
func (db *Db) Scan(treeName string, start []byte, fn func(key, val []byte) bool) error {
	txn := db.Begin(true)
	if err := txn.Scan(treeName, start, fn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
