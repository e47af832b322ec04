// ABOUTME: Row version tuple (xmin, xmax, row-image) stored as a B+Tree
// ABOUTME: leaf payload; xmax == 0 means the unbounded sentinel "absent"

package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/horizon-db/horizon/pkg/common"
)

// TxnID identifies a transaction. 0 is never a valid id.
type TxnID uint64

// version is the on-disk tuple a table tree stores for one logical row.
// Xmax == 0 means no deleter has touched this version yet.
type version struct {
	Xmin  TxnID
	Xmax  TxnID
	Image []byte
}

const versionHeaderSize = 16

func encodeVersion(v version) []byte {
	buf := make([]byte, versionHeaderSize+len(v.Image))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(v.Xmin))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(v.Xmax))
	copy(buf[versionHeaderSize:], v.Image)
	return buf
}

func decodeVersion(b []byte) (version, error) {
	if len(b) < versionHeaderSize {
		return version{}, fmt.Errorf("mvcc: truncated version tuple: %w", common.ErrCorrupt)
	}
	return version{
		Xmin:  TxnID(binary.LittleEndian.Uint64(b[0:8])),
		Xmax:  TxnID(binary.LittleEndian.Uint64(b[8:16])),
		Image: append([]byte(nil), b[versionHeaderSize:]...),
	}, nil
}
