// ABOUTME: Delete: removes a leaf cell, then merges or borrows from a
// ABOUTME: sibling on the way back up the descent path, collapsing the root if needed

package btree

import (
	"github.com/horizon-db/horizon/pkg/bufferpool"
)

type pathStep struct {
	frame      *bufferpool.Frame
	childIndex uint16 // index of the pointer this step followed into the next step
}

// Delete removes key, rebalancing underfull nodes on the way back up.
// It reports whether the key was present.
func (t *BTree) Delete(key []byte) (bool, error) {
	if t.RootPageID == 0 {
		return false, nil
	}

	var path []pathStep
	pageID := t.RootPageID
	for {
		f, err := t.pool.Pin(pageID)
		if err != nil {
			t.unwindPath(path)
			return false, err
		}
		node := Node(f.Data)
		idx := lookupLE(node, key, t.cmp)

		if node.ntype() == NodeLeaf {
			if idx >= node.nkeys() || t.cmp(node.getKey(idx), key) != 0 {
				t.pool.Unpin(f.PageID, false)
				t.unwindPath(path)
				return false, nil
			}
			if val, isOverflow := node.getRawValue(idx); isOverflow {
				if err := t.freeOverflowChain(leUint32(val)); err != nil {
					t.pool.Unpin(f.PageID, false)
					t.unwindPath(path)
					return false, err
				}
			}
			if err := deleteCellFromNode(node, idx); err != nil {
				t.pool.Unpin(f.PageID, false)
				t.unwindPath(path)
				return false, err
			}
			path = append(path, pathStep{frame: f})
			break
		}

		path = append(path, pathStep{frame: f, childIndex: idx})
		pageID = node.getPtr(idx)
	}

	if err := t.rebalanceUp(path); err != nil {
		return true, err
	}
	return true, nil
}

func (t *BTree) unwindPath(path []pathStep) {
	for _, s := range path {
		t.pool.Unpin(s.frame.PageID, false)
	}
}

// rebalanceUp walks path from the leaf back to the root, merging or
// borrowing for any node that dropped below mergeThreshold, then
// collapses the root if it became a single-child internal node.
func (t *BTree) rebalanceUp(path []pathStep) error {
	for i := len(path) - 1; i > 0; i-- {
		node := Node(path[i].frame.Data)
		t.pool.Unpin(path[i].frame.PageID, true)

		if node.nbytes() >= mergeThreshold {
			t.unwindPath(path[:i])
			return nil
		}

		parentStep := path[i-1]
		parent := Node(parentStep.frame.Data)
		idx := parentStep.childIndex

		changed, err := t.mergeOrBorrow(parent, idx)
		if err != nil || !changed {
			// A borrow rewrites parent's separator, so parent goes back
			// dirty; the ancestors above it were not touched.
			t.pool.Unpin(parentStep.frame.PageID, true)
			t.unwindPath(path[:i-1])
			return err
		}
		// parent was structurally modified; keep walking up to check it.
	}

	// Root: collapse one level if it is an internal node with a single
	// remaining child.
	rootFrame := path[0].frame
	root := Node(rootFrame.Data)
	if root.ntype() == NodeInternal && root.nkeys() == 1 {
		onlyChild := root.getPtr(0)
		t.pool.Unpin(rootFrame.PageID, true)
		if err := t.pool.Free(rootFrame.PageID); err != nil {
			return err
		}
		t.RootPageID = onlyChild
		return nil
	}
	t.pool.Unpin(rootFrame.PageID, true)
	return nil
}

// mergeOrBorrow fixes up the underfull child at parent's idx'th pointer
// by borrowing a cell from a sibling, or merging with one. It reports
// whether parent itself was structurally changed (a cell removed),
// which the caller must re-check for underflow.
func (t *BTree) mergeOrBorrow(parent Node, idx uint16) (bool, error) {
	childID := parent.getPtr(idx)
	childFrame, err := t.pool.Pin(childID)
	if err != nil {
		return false, err
	}
	defer t.pool.Unpin(childID, true)
	child := Node(childFrame.Data)

	if idx+1 < parent.nkeys() {
		rightID := parent.getPtr(idx + 1)
		rightFrame, err := t.pool.Pin(rightID)
		if err != nil {
			return false, err
		}
		right := Node(rightFrame.Data)

		if right.nbytes()+child.nbytes()-Header <= PageSize {
			mergeNodes(child, child, right)
			t.pool.Unpin(rightID, true)
			if err := t.pool.Free(rightID); err != nil {
				return false, err
			}
			if err := deleteCellFromNode(parent, idx+1); err != nil {
				return false, err
			}
			return true, nil
		}

		borrowFromRight(parent, idx, child, right)
		t.pool.Unpin(rightID, true)
		return false, nil
	}

	if idx > 0 {
		leftID := parent.getPtr(idx - 1)
		leftFrame, err := t.pool.Pin(leftID)
		if err != nil {
			return false, err
		}
		left := Node(leftFrame.Data)

		if left.nbytes()+child.nbytes()-Header <= PageSize {
			mergeNodes(left, left, child)
			t.pool.Unpin(leftID, true)
			t.pool.Unpin(childID, true)
			if err := t.pool.Free(childID); err != nil {
				return false, err
			}
			if err := deleteCellFromNode(parent, idx); err != nil {
				return false, err
			}
			return true, nil
		}

		borrowFromLeft(parent, idx, left, child)
		t.pool.Unpin(leftID, true)
		return false, nil
	}

	return false, nil
}

// mergeNodes merges left and right's cells into dst (which may alias
// left) and leaves dst holding every cell from both, in place. right is
// being freed by the caller, so if both are leaves dst inherits right's
// next-leaf link to keep the chain intact; internal nodes recompute
// their rightmost-child pointer from the merged cells instead.
func mergeNodes(dst, left, right Node) {
	scratch := make(Node, 2*PageSize)
	scratch.setHeader(left.ntype(), left.nkeys()+right.nkeys())
	copyCells(scratch, left, 0, 0, left.nkeys())
	copyCells(scratch, right, left.nkeys(), 0, right.nkeys())
	if left.ntype() == NodeInternal {
		if scratch.nkeys() > 0 {
			scratch.setRightLink(scratch.getPtr(scratch.nkeys() - 1))
		}
	} else {
		scratch.setRightLink(right.rightLink())
	}
	clear(dst)
	copy(dst, scratch[:PageSize])
}

// borrowFromRight moves the right sibling's first cell into child and
// updates the parent's separator key at idx+1.
func borrowFromRight(parent Node, idx uint16, child, right Node) {
	key := append([]byte(nil), right.getKey(0)...)
	val, isOverflow := right.getRawValue(0)
	val = append([]byte(nil), val...)
	var overflowHead uint32
	if isOverflow {
		overflowHead = leUint32(val)
	}
	ptr := uint32(0)
	if right.ntype() == NodeInternal {
		ptr = right.getPtr(0)
	}

	insertCellIntoNode(child, child.nkeys(), ptr, key, val, overflowHead, isOverflow)
	deleteCellFromNode(right, 0)

	newSeparator := append([]byte(nil), right.getKey(0)...)
	replaceCellInNode(parent, idx+1, newSeparator, nil, 0, false)
}

// borrowFromLeft moves the left sibling's last cell into child and
// updates the parent's separator key at idx.
func borrowFromLeft(parent Node, idx uint16, left, child Node) {
	lastIdx := left.nkeys() - 1
	key := append([]byte(nil), left.getKey(lastIdx)...)
	val, isOverflow := left.getRawValue(lastIdx)
	val = append([]byte(nil), val...)
	var overflowHead uint32
	if isOverflow {
		overflowHead = leUint32(val)
	}
	ptr := uint32(0)
	if left.ntype() == NodeInternal {
		ptr = left.getPtr(lastIdx)
	}

	insertCellIntoNode(child, 0, ptr, key, val, overflowHead, isOverflow)
	deleteCellFromNode(left, lastIdx)

	replaceCellInNode(parent, idx, key, nil, 0, false)
}

// deleteCellFromNode removes the cell at idx, shifting later cells down.
func deleteCellFromNode(n Node, idx uint16) error {
	scratch := make(Node, 2*PageSize)
	scratch.setHeader(n.ntype(), n.nkeys()-1)
	copyCells(scratch, n, 0, 0, idx)
	copyCells(scratch, n, idx, idx+1, n.nkeys()-(idx+1))
	fixupRightLink(scratch, n)
	clear(n)
	copy(n, scratch[:PageSize])
	return nil
}
