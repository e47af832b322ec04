// ABOUTME: In-place B+Tree: pages are mutated through pinned buffer frames
// ABOUTME: Splits happen on the way down during insert; deletes merge or borrow on the way back up

package btree

import (
	"bytes"
	"fmt"

	"github.com/horizon-db/horizon/pkg/bufferpool"
	"github.com/horizon-db/horizon/pkg/common"
)

// splitThreshold is the point at which a node is considered full enough
// that it must be split before another cell could possibly be added to
// it — sized so the worst-case single cell (a max-size key plus an
// overflow pointer) always still fits afterward.
const splitThreshold = PageSize - (4 + MaxKeySize + 4)

// mergeThreshold is the point below which a node is considered
// underfull and a candidate to borrow from a sibling or merge.
const mergeThreshold = PageSize / 4

// BTree is an in-place B+Tree over pages managed by a bufferpool.Pool.
// RootPageID is 0 until the first Insert, at which point the tree
// allocates its first leaf page.
type BTree struct {
	pool       *bufferpool.Pool
	RootPageID uint32
	cmp        func(a, b []byte) int
}

// New wraps pool with a tree rooted at root (0 for a brand new, empty
// tree).
func New(pool *bufferpool.Pool, root uint32) *BTree {
	return &BTree{pool: pool, RootPageID: root, cmp: bytes.Compare}
}

// Get looks up key, returning its value (following an overflow chain if
// necessary) and whether it was found.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	if t.RootPageID == 0 {
		return nil, false, nil
	}
	pageID := t.RootPageID
	for {
		f, err := t.pool.Pin(pageID)
		if err != nil {
			return nil, false, err
		}
		node := Node(f.Data)
		idx := lookupLE(node, key, t.cmp)

		if node.ntype() == NodeLeaf {
			found := idx < node.nkeys() && t.cmp(node.getKey(idx), key) == 0
			if !found {
				t.pool.Unpin(pageID, false)
				return nil, false, nil
			}
			val, isOverflow := node.getRawValue(idx)
			if !isOverflow {
				out := append([]byte(nil), val...)
				t.pool.Unpin(pageID, false)
				return out, true, nil
			}
			headID := leUint32(val)
			t.pool.Unpin(pageID, false)
			full, err := t.readOverflowChain(headID)
			return full, true, err
		}

		child := node.getPtr(idx)
		t.pool.Unpin(pageID, false)
		pageID = child
	}
}

// Count returns the total number of keys in the tree by walking the leaf
// chain and summing each leaf's cell count, never deserializing a single
// key or value. It holds at most one pin at a time.
func (t *BTree) Count() (int, error) {
	if t.RootPageID == 0 {
		return 0, nil
	}
	pageID, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}

	total := 0
	for pageID != 0 {
		f, err := t.pool.Pin(pageID)
		if err != nil {
			return 0, err
		}
		node := Node(f.Data)
		total += int(node.nkeys())
		next := node.rightLink()
		t.pool.Unpin(pageID, false)
		pageID = next
	}
	return total, nil
}

// leftmostLeaf descends the tree's leftmost edge to find the first leaf
// page, the entry point for a full leaf-chain walk.
func (t *BTree) leftmostLeaf() (uint32, error) {
	pageID := t.RootPageID
	for {
		f, err := t.pool.Pin(pageID)
		if err != nil {
			return 0, err
		}
		node := Node(f.Data)
		if node.ntype() == NodeLeaf {
			t.pool.Unpin(pageID, false)
			return pageID, nil
		}
		child := node.getPtr(0)
		t.pool.Unpin(pageID, false)
		pageID = child
	}
}

func (t *BTree) readOverflowChain(headID uint32) ([]byte, error) {
	return readOverflow(headID, func(id uint32) ([]byte, error) {
		f, err := t.pool.Pin(id)
		if err != nil {
			return nil, err
		}
		buf := append([]byte(nil), f.Data...)
		t.pool.Unpin(id, false)
		return buf, nil
	})
}

func (t *BTree) freeOverflowChain(headID uint32) error {
	return freeOverflow(headID,
		func(id uint32) ([]byte, error) {
			f, err := t.pool.Pin(id)
			if err != nil {
				return nil, err
			}
			buf := append([]byte(nil), f.Data...)
			t.pool.Unpin(id, false)
			return buf, nil
		},
		func(id uint32) error {
			return t.pool.Free(id)
		})
}

func (t *BTree) allocOverflowPage() (uint32, []byte, error) {
	f, err := t.pool.PinNew()
	if err != nil {
		return 0, nil, err
	}
	t.pool.MarkDirty(f.PageID)
	t.pool.Unpin(f.PageID, true)
	return f.PageID, f.Data, nil
}

// Insert inserts or updates key with val, splitting full nodes on the
// way down so no split ever has to propagate back up through an
// already-released parent.
func (t *BTree) Insert(key, val []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("btree: key exceeds %d bytes", MaxKeySize)
	}

	spilledVal := val
	var overflowHead uint32
	isOverflow := false
	if len(val) > MaxInlineValueSize {
		head, err := writeOverflow(val, t.allocOverflowPage)
		if err != nil {
			return err
		}
		overflowHead = head
		isOverflow = true
		spilledVal = nil
	}

	if t.RootPageID == 0 {
		f, err := t.pool.PinNew()
		if err != nil {
			return err
		}
		node := Node(f.Data)
		node.setHeader(NodeLeaf, 1)
		putCell(node, 0, 0, key, spilledVal, overflowHead, isOverflow)
		t.pool.Unpin(f.PageID, true)
		t.RootPageID = f.PageID
		return nil
	}

	rootFrame, err := t.pool.Pin(t.RootPageID)
	if err != nil {
		return err
	}
	if Node(rootFrame.Data).nbytes() >= splitThreshold {
		newRootID, err := t.splitRoot(rootFrame)
		t.pool.Unpin(rootFrame.PageID, true)
		if err != nil {
			return err
		}
		t.RootPageID = newRootID
		rootFrame, err = t.pool.Pin(t.RootPageID)
		if err != nil {
			return err
		}
	}

	return t.insertNonFull(rootFrame, key, spilledVal, overflowHead, isOverflow)
}

// splitRoot allocates a new internal root with the old root as its only
// child, then splits that child — growing the tree by one level.
func (t *BTree) splitRoot(oldRoot *bufferpool.Frame) (uint32, error) {
	newRootFrame, err := t.pool.PinNew()
	if err != nil {
		return 0, err
	}
	newRoot := Node(newRootFrame.Data)
	// The single child's separator key must cover the whole space; reuse
	// its own first key as the sentinel, matching lookupLE's convention
	// that index 0 is always <= the search key.
	firstKey := append([]byte(nil), Node(oldRoot.Data).getKey(0)...)
	rebuildCell0Key(newRoot, oldRoot.PageID, firstKey)

	if err := t.splitChild(newRootFrame, 0); err != nil {
		t.pool.Unpin(newRootFrame.PageID, true)
		return 0, err
	}
	t.pool.Unpin(newRootFrame.PageID, true)
	return newRootFrame.PageID, nil
}

// rebuildCell0Key rewrites a freshly-initialized single-cell internal
// node's only cell now that we know the real separator key.
func rebuildCell0Key(n Node, ptr uint32, key []byte) {
	n.setHeader(NodeInternal, 1)
	putCell(n, 0, ptr, key, nil, 0, false)
}

// splitChild splits the idx'th child of parent (which must not itself be
// full) into two siblings and inserts a new separator cell into parent.
func (t *BTree) splitChild(parentFrame *bufferpool.Frame, idx uint16) error {
	parent := Node(parentFrame.Data)
	childID := parent.getPtr(idx)
	childFrame, err := t.pool.Pin(childID)
	if err != nil {
		return err
	}
	defer t.pool.Unpin(childID, true)

	child := Node(childFrame.Data)
	nkeys := child.nkeys()

	splitAt := uint16(0)
	for i := uint16(0); i < nkeys; i++ {
		splitAt = i + 1
		if child.kvPos(splitAt) >= PageSize/2 {
			break
		}
	}
	if splitAt == 0 {
		splitAt = 1
	}
	if splitAt >= nkeys {
		splitAt = nkeys - 1
	}

	siblingFrame, err := t.pool.PinNew()
	if err != nil {
		return err
	}
	defer t.pool.Unpin(siblingFrame.PageID, true)

	childOldRight := child.rightLink()

	sibling := Node(siblingFrame.Data)
	sibling.setHeader(child.ntype(), nkeys-splitAt)
	copyCells(sibling, child, 0, splitAt, nkeys-splitAt)

	siblingKey := append([]byte(nil), sibling.getKey(0)...)

	// Truncate child in place to its lower half; the upper-half bytes
	// are still physically present but no longer reachable once nkeys
	// shrinks, and will be overwritten by future cells.
	child.setHeader(child.ntype(), splitAt)

	// The leaf chain must stay a total order: the new sibling takes
	// over child's old next-leaf link, and child's link is retargeted
	// to point at the sibling. Internal nodes carry a rightmost-child
	// pointer instead, recomputed from each node's own final cells.
	if child.ntype() == NodeLeaf {
		sibling.setRightLink(childOldRight)
		child.setRightLink(siblingFrame.PageID)
	} else {
		sibling.setRightLink(sibling.getPtr(sibling.nkeys() - 1))
		child.setRightLink(child.getPtr(child.nkeys() - 1))
	}

	return insertCellIntoNode(parent, idx+1, siblingFrame.PageID, siblingKey, nil, 0, false)
}

// insertNonFull inserts into a subtree rooted at frame, which the caller
// guarantees is not full.
func (t *BTree) insertNonFull(frame *bufferpool.Frame, key, val []byte, overflowHead uint32, isOverflow bool) error {
	node := Node(frame.Data)
	idx := lookupLE(node, key, t.cmp)

	if node.ntype() == NodeLeaf {
		defer t.pool.Unpin(frame.PageID, true)
		if idx < node.nkeys() && t.cmp(node.getKey(idx), key) == 0 {
			if oldVal, wasOverflow := node.getRawValue(idx); wasOverflow {
				if err := t.freeOverflowChain(leUint32(oldVal)); err != nil {
					return err
				}
			}
			return replaceCellInNode(node, idx, key, val, overflowHead, isOverflow)
		}
		return insertCellIntoNode(node, idx+1, 0, key, val, overflowHead, isOverflow)
	}

	childID := node.getPtr(idx)
	childFrame, err := t.pool.Pin(childID)
	if err != nil {
		t.pool.Unpin(frame.PageID, false)
		return err
	}
	if Node(childFrame.Data).nbytes() >= splitThreshold {
		t.pool.Unpin(childID, false)
		if err := t.splitChild(frame, idx); err != nil {
			t.pool.Unpin(frame.PageID, false)
			return err
		}
		// The separator may now route to the new right sibling instead.
		idx = lookupLE(node, key, t.cmp)
		childID = node.getPtr(idx)
		childFrame, err = t.pool.Pin(childID)
		if err != nil {
			t.pool.Unpin(frame.PageID, false)
			return err
		}
	}

	t.pool.Unpin(frame.PageID, false)
	return t.insertNonFull(childFrame, key, val, overflowHead, isOverflow)
}

// insertCellIntoNode inserts a new cell at idx, shifting later cells up
// by rebuilding the node's bytes in a scratch buffer and copying it back
// — still in place in the sense that the page keeps the same id and the
// frame already pinned in the buffer pool is simply overwritten.
func insertCellIntoNode(n Node, idx uint16, ptr uint32, key, val []byte, overflowHead uint32, isOverflow bool) error {
	scratch := make(Node, 2*PageSize)
	scratch.setHeader(n.ntype(), n.nkeys()+1)
	copyCells(scratch, n, 0, 0, idx)
	putCell(scratch, idx, ptr, key, val, overflowHead, isOverflow)
	copyCells(scratch, n, idx+1, idx, n.nkeys()-idx)
	fixupRightLink(scratch, n)

	if scratch.nbytes() > PageSize {
		return fmt.Errorf("%w: node overflow after insert", common.ErrFull)
	}
	clear(n)
	copy(n, scratch[:PageSize])
	return nil
}

// replaceCellInNode rewrites the cell at idx with a new value, shifting
// subsequent cells to account for any size change.
func replaceCellInNode(n Node, idx uint16, key, val []byte, overflowHead uint32, isOverflow bool) error {
	scratch := make(Node, 2*PageSize)
	scratch.setHeader(n.ntype(), n.nkeys())
	copyCells(scratch, n, 0, 0, idx)
	ptr := uint32(0)
	if n.ntype() == NodeInternal {
		ptr = n.getPtr(idx)
	}
	putCell(scratch, idx, ptr, key, val, overflowHead, isOverflow)
	copyCells(scratch, n, idx+1, idx+1, n.nkeys()-(idx+1))
	fixupRightLink(scratch, n)

	if scratch.nbytes() > PageSize {
		return fmt.Errorf("%w: node overflow after update", common.ErrFull)
	}
	clear(n)
	copy(n, scratch[:PageSize])
	return nil
}

func clear(n Node) {
	for i := range n {
		n[i] = 0
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
