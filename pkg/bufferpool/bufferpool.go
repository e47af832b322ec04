// ABOUTME: Pin-counted buffer pool with LRU eviction over the pager
// ABOUTME: Refuses to evict pinned or dirty frames; callers must flush first

package bufferpool

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/horizon-db/horizon/pkg/common"
	"github.com/horizon-db/horizon/pkg/pager"
)

// DefaultCapacity is the frame count a pool is given when the caller
// doesn't have a better number in mind.
const DefaultCapacity = 1024

// Frame is a cached, possibly-dirty copy of one on-disk page together with
// its pin count. Callers obtain a Frame through Pin and must Unpin it
// exactly once when done.
type Frame struct {
	PageID uint32
	Data   []byte // always pager.PageSize bytes; mutate in place, then MarkDirty

	pinCount int
	dirty    bool
	elem     *list.Element // position in the LRU list when pinCount == 0
}

// Pool is a bounded cache of Frames backed by a pager.Pager. Frames with a
// nonzero pin count, and dirty frames, are never chosen for eviction —
// BufferFull is returned instead so the caller can release pins or flush.
type Pool struct {
	mu       sync.Mutex
	pager    *pager.Pager
	capacity int
	frames   map[uint32]*Frame
	lru      *list.List // unpinned frames, clean or dirty, front = least recently used victim candidate
}

// New creates a Pool with room for capacity frames.
func New(p *pager.Pager, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		pager:    p,
		capacity: capacity,
		frames:   make(map[uint32]*Frame),
		lru:      list.New(),
	}
}

// Pin loads (or reuses) the frame for pageID and increments its pin
// count. The returned Frame must be released with Unpin.
func (bp *Pool) Pin(pageID uint32) (*Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if f, ok := bp.frames[pageID]; ok {
		if f.pinCount == 0 && f.elem != nil {
			bp.lru.Remove(f.elem)
			f.elem = nil
		}
		f.pinCount++
		return f, nil
	}

	if len(bp.frames) >= bp.capacity {
		if !bp.evictOneLocked() {
			return nil, common.ErrBufferFull
		}
	}

	data, err := bp.pager.Read(pageID)
	if err != nil {
		return nil, err
	}
	f := &Frame{PageID: pageID, Data: data, pinCount: 1}
	bp.frames[pageID] = f
	return f, nil
}

// PinNew allocates a fresh page through the pager and pins its frame.
func (bp *Pool) PinNew() (*Frame, error) {
	id, err := bp.pager.Allocate()
	if err != nil {
		return nil, err
	}
	return bp.Pin(id)
}

// Unpin decrements the pin count for pageID. If dirty is true the frame is
// marked dirty (sticky across calls — a clean Unpin never un-dirties a
// frame another writer dirtied).
func (bp *Pool) Unpin(pageID uint32, dirty bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	f, ok := bp.frames[pageID]
	if !ok {
		return
	}
	if dirty {
		f.dirty = true
	}
	if f.pinCount > 0 {
		f.pinCount--
	}
	if f.pinCount == 0 {
		f.elem = bp.lru.PushBack(f)
	}
}

// DirtyPages returns a snapshot copy of every currently-dirty frame's
// image, keyed by page id. Unlike FlushAll it does not write to the
// pager or clear the dirty flag — it exists so a committing transaction
// can write its pages' current images to the WAL ahead of the next
// checkpoint's actual flush.
func (bp *Pool) DirtyPages() map[uint32][]byte {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make(map[uint32][]byte)
	for id, f := range bp.frames {
		if f.dirty {
			out[id] = append([]byte(nil), f.Data...)
		}
	}
	return out
}

// MarkDirty flags a currently-pinned frame as dirty without unpinning it.
func (bp *Pool) MarkDirty(pageID uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if f, ok := bp.frames[pageID]; ok {
		f.dirty = true
	}
}

// Free returns a page to the pager's free list. The frame, if cached,
// must not be pinned.
func (bp *Pool) Free(pageID uint32) error {
	bp.mu.Lock()
	if f, ok := bp.frames[pageID]; ok {
		if f.pinCount > 0 {
			bp.mu.Unlock()
			return fmt.Errorf("bufferpool: cannot free pinned page %d", pageID)
		}
		if f.elem != nil {
			bp.lru.Remove(f.elem)
		}
		delete(bp.frames, pageID)
	}
	bp.mu.Unlock()
	return bp.pager.Free(pageID)
}

// evictOneLocked evicts the least-recently-used unpinned clean frame. It
// returns false if no frame is eligible — every frame is pinned or dirty,
// and the caller must flush or wait.
func (bp *Pool) evictOneLocked() bool {
	for e := bp.lru.Front(); e != nil; e = e.Next() {
		f := e.Value.(*Frame)
		if f.pinCount != 0 {
			continue
		}
		if f.dirty {
			continue
		}
		bp.lru.Remove(e)
		delete(bp.frames, f.PageID)
		return true
	}
	return false
}

// FlushAll writes every dirty frame back through the pager and fsyncs.
// Frames remain cached and are marked clean on success.
func (bp *Pool) FlushAll() error {
	bp.mu.Lock()
	dirty := make([]*Frame, 0)
	for _, f := range bp.frames {
		if f.dirty {
			dirty = append(dirty, f)
		}
	}
	bp.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	// Dirty frames touch disjoint pages, so the pager's positional writes
	// can run concurrently; errgroup collects the first failure instead of
	// hand-rolling a WaitGroup plus an error slice.
	var g errgroup.Group
	for _, f := range dirty {
		f := f
		g.Go(func() error {
			return bp.pager.Write(f.PageID, f.Data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := bp.pager.Sync(); err != nil {
		return err
	}

	bp.mu.Lock()
	for _, f := range dirty {
		f.dirty = false
	}
	bp.mu.Unlock()
	return nil
}

// Discard drops a frame from the cache without writing it back, used to
// roll back an in-place mutation made by an aborted transaction. The
// caller is responsible for having re-read the page from disk afterward
// if it needs the pre-mutation content again.
func (bp *Pool) Discard(pageID uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if f, ok := bp.frames[pageID]; ok {
		if f.elem != nil {
			bp.lru.Remove(f.elem)
		}
		delete(bp.frames, pageID)
	}
}

// Len reports the number of frames currently cached, for metrics and
// tests.
func (bp *Pool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.frames)
}
