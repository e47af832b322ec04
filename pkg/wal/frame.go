// ABOUTME: WAL frame encoding: a page image plus a checksum chained to the
// ABOUTME: previous frame so truncation or reordering is detectable at recovery

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/horizon-db/horizon/pkg/common"
)

// PageSize must match pkg/pager.PageSize; duplicated here (rather than
// imported) to keep this package free of a dependency on the pager.
const PageSize = 4096

const (
	// FrameHeaderSize is PageID(4) + TxnID(8) + Reserved(4).
	FrameHeaderSize = 16

	// FrameSize is the full on-disk size of one frame: header + page
	// image + chained checksum.
	FrameSize = FrameHeaderSize + PageSize + 4

	// CommitPageID is the sentinel page id marking a commit frame: a
	// frame with this page id carries no page image to replay, only the
	// fact that TxnID committed.
	CommitPageID = 0
)

// Frame is one entry in the write-ahead log: either a before-commit page
// image for TxnID's writes, or — when PageID is CommitPageID — the
// durability point at which TxnID's writes become visible to recovery.
type Frame struct {
	PageID uint32
	TxnID  uint64
	Image  [PageSize]byte
}

// encode serializes the frame and chains its checksum to prevChecksum so
// that recovery can detect a frame that was never actually written (a
// torn tail left by a crash mid-append).
func (f *Frame) encode(prevChecksum uint32) []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.PageID)
	binary.LittleEndian.PutUint64(buf[4:12], f.TxnID)
	copy(buf[FrameHeaderSize:FrameHeaderSize+PageSize], f.Image[:])

	var salt [4]byte
	binary.LittleEndian.PutUint32(salt[:], prevChecksum)
	h := crc32.NewIEEE()
	h.Write(salt[:])
	h.Write(buf[:FrameHeaderSize+PageSize])
	crc := h.Sum32()

	binary.LittleEndian.PutUint32(buf[FrameHeaderSize+PageSize:], crc)
	return buf
}

// decodeFrame validates and decodes a frame, checking its checksum against
// prevChecksum. It returns the frame and its own checksum (to chain into
// the next call).
func decodeFrame(data []byte, prevChecksum uint32) (*Frame, uint32, error) {
	if len(data) != FrameSize {
		return nil, 0, fmt.Errorf("%w: short frame", common.ErrCorrupt)
	}

	storedCRC := binary.LittleEndian.Uint32(data[FrameHeaderSize+PageSize:])

	var salt [4]byte
	binary.LittleEndian.PutUint32(salt[:], prevChecksum)
	h := crc32.NewIEEE()
	h.Write(salt[:])
	h.Write(data[:FrameHeaderSize+PageSize])
	if h.Sum32() != storedCRC {
		return nil, 0, ErrCorrupted
	}

	f := &Frame{
		PageID: binary.LittleEndian.Uint32(data[0:4]),
		TxnID:  binary.LittleEndian.Uint64(data[4:12]),
	}
	copy(f.Image[:], data[FrameHeaderSize:FrameHeaderSize+PageSize])
	return f, storedCRC, nil
}

// IsCommit reports whether the frame marks the commit point of its
// transaction rather than carrying a page image to replay.
func (f *Frame) IsCommit() bool {
	return f.PageID == CommitPageID
}
