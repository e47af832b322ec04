// ABOUTME: Fixed-size page I/O over a single database file
// ABOUTME: Owns the file header, page allocation, and the on-disk free list

package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path"
	"sync"
	"syscall"

	"github.com/horizon-db/horizon/pkg/common"
)

const (
	// PageSize is the fixed size of every page in the file, including
	// page 0 (the header page).
	PageSize = 4096

	// HeaderPageID is the page holding the file header. It is never
	// handed out by Allocate.
	HeaderPageID = 0

	magic         = uint32(0x686f7269) // "hori"
	formatVersion = uint32(1)
)

// header is the fixed-layout content of page 0.
//
//	offset  size  field
//	0       4     magic
//	4       4     format version
//	8       4     page count (including the header page)
//	12      4     free list head (0 = empty)
//	16      8     schema generation
//	24      8     last committed transaction id
//	32      4     crc32 over bytes [0, 32)
type header struct {
	pageCount        uint32
	freeListHead     uint32
	schemaGen        uint64
	lastCommittedTxn uint64
}

// headerChecksumLen is the span of the header covered by its checksum —
// everything written by encode before the checksum field itself.
const headerChecksumLen = 32

func (h *header) encode() []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[4:], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:], h.pageCount)
	binary.LittleEndian.PutUint32(buf[12:], h.freeListHead)
	binary.LittleEndian.PutUint64(buf[16:], h.schemaGen)
	binary.LittleEndian.PutUint64(buf[24:], h.lastCommittedTxn)
	crc := crc32.ChecksumIEEE(buf[:headerChecksumLen])
	binary.LittleEndian.PutUint32(buf[headerChecksumLen:], crc)
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < PageSize {
		return nil, common.NewCorruptError(HeaderPageID, "short header page")
	}
	if got := binary.LittleEndian.Uint32(buf[0:]); got != magic {
		return nil, common.ErrVersionMismatch
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != formatVersion {
		return nil, common.ErrVersionMismatch
	}
	wantCRC := binary.LittleEndian.Uint32(buf[headerChecksumLen:])
	if gotCRC := crc32.ChecksumIEEE(buf[:headerChecksumLen]); gotCRC != wantCRC {
		return nil, common.NewCorruptError(HeaderPageID, "header checksum mismatch")
	}
	return &header{
		pageCount:        binary.LittleEndian.Uint32(buf[8:]),
		freeListHead:     binary.LittleEndian.Uint32(buf[12:]),
		schemaGen:        binary.LittleEndian.Uint64(buf[16:]),
		lastCommittedTxn: binary.LittleEndian.Uint64(buf[24:]),
	}, nil
}

// Pager performs positional reads and writes of fixed-size pages against a
// single backing file and tracks free pages in an on-disk stack threaded
// through the freed pages themselves.
type Pager struct {
	mu   sync.Mutex
	file *os.File
	hdr  header
}

// Open opens path, creating it (and fsyncing its parent directory) if it
// does not already exist. A freshly created file gets a single header
// page with an empty free list.
func Open(filePath string) (*Pager, error) {
	f, err := openFileSync(filePath)
	if err != nil {
		return nil, err
	}

	p := &Pager{file: f}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat: %v", common.ErrIO, err)
	}

	if stat.Size() == 0 {
		p.hdr = header{pageCount: 1}
		if err := p.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		if err := p.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		return p, nil
	}

	buf := make([]byte, PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header: %v", common.ErrIO, err)
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.hdr = *hdr
	return p, nil
}

// Close flushes nothing implicitly — callers must Sync before Close if
// durability is required — and releases the file descriptor.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", common.ErrIO, err)
	}
	return nil
}

// PageCount reports the number of pages in the file, including the
// header page.
func (p *Pager) PageCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.pageCount
}

// SchemaGeneration returns the counter bumped on every structural change
// to the catalog of trees stored in the file.
func (p *Pager) SchemaGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.schemaGen
}

// BumpSchemaGeneration increments and persists the schema generation.
func (p *Pager) BumpSchemaGeneration() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hdr.schemaGen++
	return p.writeHeaderLocked()
}

// LastCommittedTxn returns the highest transaction id known to have
// committed as of the last header flush.
func (p *Pager) LastCommittedTxn() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.lastCommittedTxn
}

// SetLastCommittedTxn persists the given transaction id as the most
// recent committed one. Called by the MVCC layer after a commit's WAL
// frames are durable.
func (p *Pager) SetLastCommittedTxn(txnID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if txnID > p.hdr.lastCommittedTxn {
		p.hdr.lastCommittedTxn = txnID
	}
	return p.writeHeaderLocked()
}

// Read reads the page at id into a freshly allocated PageSize buffer.
func (p *Pager) Read(id uint32) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(id)
}

func (p *Pager) readLocked(id uint32) ([]byte, error) {
	if id >= p.hdr.pageCount {
		return nil, common.NewCorruptError(id, "page id out of range")
	}
	buf := make([]byte, PageSize)
	n, err := p.file.ReadAt(buf, int64(id)*PageSize)
	if err != nil && n != PageSize {
		return nil, fmt.Errorf("%w: read page %d: %v", common.ErrIO, id, err)
	}
	return buf, nil
}

// Write writes data (which must be exactly PageSize bytes) to page id.
func (p *Pager) Write(id uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(id, data)
}

func (p *Pager) writeLocked(id uint32, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("%w: page %d: wrong buffer size %d", common.ErrCorrupt, id, len(data))
	}
	if id >= p.hdr.pageCount {
		return common.NewCorruptError(id, "write beyond page count")
	}
	if _, err := p.file.WriteAt(data, int64(id)*PageSize); err != nil {
		return fmt.Errorf("%w: write page %d: %v", common.ErrIO, id, err)
	}
	return nil
}

// Allocate returns the id of a fresh, zeroed page: either one popped off
// the free list or a new page appended to the file.
func (p *Pager) Allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hdr.freeListHead != 0 {
		id := p.hdr.freeListHead
		buf, err := p.readLocked(id)
		if err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(buf[0:4])
		p.hdr.freeListHead = next
		if err := p.writeHeaderLocked(); err != nil {
			return 0, err
		}
		zero := make([]byte, PageSize)
		if err := p.writeLocked(id, zero); err != nil {
			return 0, err
		}
		return id, nil
	}

	id := p.hdr.pageCount
	p.hdr.pageCount++
	zero := make([]byte, PageSize)
	if _, err := p.file.WriteAt(zero, int64(id)*PageSize); err != nil {
		p.hdr.pageCount--
		return 0, fmt.Errorf("%w: extend file: %v", common.ErrIO, err)
	}
	if err := p.writeHeaderLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// Free pushes id onto the head of the on-disk free list (LIFO), so the
// most recently freed page is the next one reused. The page's first four
// bytes are overwritten with the previous free-list head pointer; callers
// must not reuse page content after freeing it.
func (p *Pager) Free(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == HeaderPageID {
		return fmt.Errorf("%w: cannot free header page", common.ErrCorrupt)
	}

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.hdr.freeListHead)
	if err := p.writeLocked(id, buf); err != nil {
		return err
	}
	p.hdr.freeListHead = id
	return p.writeHeaderLocked()
}

// Sync flushes the file to stable storage.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", common.ErrIO, err)
	}
	return nil
}

func (p *Pager) writeHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHeaderLocked()
}

func (p *Pager) writeHeaderLocked() error {
	if _, err := p.file.WriteAt(p.hdr.encode(), 0); err != nil {
		return fmt.Errorf("%w: write header: %v", common.ErrIO, err)
	}
	return nil
}

// File exposes the underlying *os.File for components (the WAL) that need
// to share the same directory for fsync-on-create semantics.
func (p *Pager) File() *os.File {
	return p.file
}

func openFileSync(filePath string) (*os.File, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrIO, filePath, err)
	}

	dirfd, err := syscall.Open(path.Dir(filePath), os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: open dir: %v", common.ErrIO, err)
	}
	defer syscall.Close(dirfd)
	if err := syscall.Fsync(dirfd); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: fsync dir: %v", common.ErrIO, err)
	}
	return f, nil
}
