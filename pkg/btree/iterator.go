// ABOUTME: Forward iterator over the tree, following each leaf's
// ABOUTME: next-pointer so at most one leaf frame is ever pinned at a time

package btree

import "github.com/horizon-db/horizon/pkg/bufferpool"

// Iterator walks leaf cells in key order starting from a seek point. It
// pins only the leaf it currently sits on — crossing into the next leaf
// unpins the old one first — so a caller that holds an Iterator open
// across slow per-key work never ties up more than one frame. Close must
// be called when done (or when abandoning the iterator early).
type Iterator struct {
	tree *BTree
	leaf *bufferpool.Frame
	idx  uint16
}

// NewIterator creates an iterator positioned before the first key.
func (t *BTree) NewIterator() *Iterator {
	return &Iterator{tree: t}
}

// SeekLE positions the iterator at the last key <= start (or the first
// key, if none is <=). Returns false if the tree is empty. Only the
// landing leaf ends up pinned; every internal page visited on the way
// down is unpinned again before descending further.
func (it *Iterator) SeekLE(start []byte) (bool, error) {
	it.Close()
	if it.tree.RootPageID == 0 {
		return false, nil
	}

	pageID := it.tree.RootPageID
	for {
		f, err := it.tree.pool.Pin(pageID)
		if err != nil {
			return false, err
		}
		node := Node(f.Data)
		idx := lookupLE(node, start, it.tree.cmp)

		if node.ntype() == NodeLeaf {
			it.leaf = f
			it.idx = idx
			return idx < node.nkeys(), nil
		}

		child := node.getPtr(idx)
		it.tree.pool.Unpin(pageID, false)
		pageID = child
	}
}

// Valid reports whether the iterator currently points at a real cell.
func (it *Iterator) Valid() bool {
	if it.leaf == nil {
		return false
	}
	return it.idx < Node(it.leaf.Data).nkeys()
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return Node(it.leaf.Data).getKey(it.idx)
}

// Val returns the current value, following an overflow chain if needed.
func (it *Iterator) Val() ([]byte, error) {
	val, isOverflow := Node(it.leaf.Data).getRawValue(it.idx)
	if !isOverflow {
		return append([]byte(nil), val...), nil
	}
	return it.tree.readOverflowChain(leUint32(val))
}

// Next advances to the next key in order, crossing into the next leaf
// via its next-pointer once the current one is exhausted.
func (it *Iterator) Next() {
	it.idx++
	if it.idx < Node(it.leaf.Data).nkeys() {
		return
	}

	next := Node(it.leaf.Data).rightLink()
	it.tree.pool.Unpin(it.leaf.PageID, false)
	it.leaf = nil
	if next == 0 {
		return // exhausted the whole tree
	}

	f, err := it.tree.pool.Pin(next)
	if err != nil {
		return
	}
	it.leaf = f
	it.idx = 0
}

// Close releases the currently pinned leaf, if any.
func (it *Iterator) Close() {
	if it.leaf != nil {
		it.tree.pool.Unpin(it.leaf.PageID, false)
		it.leaf = nil
	}
}

// Scan calls fn for every key >= start in order until fn returns false
// or the tree is exhausted.
func (t *BTree) Scan(start []byte, fn func(key, val []byte) bool) error {
	it := t.NewIterator()
	defer it.Close()

	ok, err := it.SeekLE(start)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if t.cmp(it.Key(), start) < 0 {
		it.Next()
	}

	for it.Valid() {
		val, err := it.Val()
		if err != nil {
			return err
		}
		if !fn(it.Key(), val) {
			return nil
		}
		it.Next()
	}
	return nil
}
