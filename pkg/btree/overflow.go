// ABOUTME: Overflow page chains for values too large to fit in one cell
// ABOUTME: Each overflow page holds a next-pointer, a length, and a data span

package btree

import "encoding/binary"

const overflowHeader = 8 // next page id (4) + payload length in this page (4)

const overflowCap = PageSize - overflowHeader

// writeOverflow stores val across as many chained pages as needed and
// returns the head page id. alloc must return a zeroed page and its id.
func writeOverflow(val []byte, alloc func() (uint32, []byte, error)) (uint32, error) {
	var headID uint32
	var prevID uint32
	var prevBuf []byte
	first := true

	remaining := val
	for len(remaining) > 0 || first {
		n := len(remaining)
		if n > overflowCap {
			n = overflowCap
		}
		id, buf, err := alloc()
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(buf[4:8], uint32(n))
		copy(buf[overflowHeader:], remaining[:n])
		remaining = remaining[n:]

		if first {
			headID = id
			first = false
		} else {
			binary.LittleEndian.PutUint32(prevBuf[0:4], id)
		}
		prevID = id
		prevBuf = buf
	}
	_ = prevID
	return headID, nil
}

// readOverflow reconstructs the value stored in the chain starting at
// headID.
func readOverflow(headID uint32, read func(uint32) ([]byte, error)) ([]byte, error) {
	var out []byte
	id := headID
	for id != 0 {
		buf, err := read(id)
		if err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(buf[4:8])
		out = append(out, buf[overflowHeader:overflowHeader+n]...)
		id = binary.LittleEndian.Uint32(buf[0:4])
	}
	return out, nil
}

// freeOverflow releases every page in the chain starting at headID.
func freeOverflow(headID uint32, read func(uint32) ([]byte, error), free func(uint32) error) error {
	id := headID
	for id != 0 {
		buf, err := read(id)
		if err != nil {
			return err
		}
		next := binary.LittleEndian.Uint32(buf[0:4])
		if err := free(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
