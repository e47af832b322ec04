// ABOUTME: Tree directory: maps table names to their current B+Tree root
// ABOUTME: page id, persisted in a single fixed page rewritten on every change

package horizon

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/horizon-db/horizon/pkg/common"
	"github.com/horizon-db/horizon/pkg/pager"
)

// catalogPageID is the first page a fresh database ever allocates, so it
// always lands at id 1 (id 0 is the pager's own header page).
const catalogPageID = 1

// catalog is a flat name -> root page id directory. It trades unbounded
// scale for simplicity: every entry must fit in one page, which is ample
// for the number of tables a single embedded database actually opens.
type catalog struct {
	mu      sync.Mutex
	pager   *pager.Pager
	entries map[string]uint32
}

func loadCatalog(p *pager.Pager) (*catalog, error) {
	c := &catalog{pager: p, entries: make(map[string]uint32)}
	if p.PageCount() <= catalogPageID {
		if _, err := p.Allocate(); err != nil {
			return nil, fmt.Errorf("horizon: allocate catalog page: %w", err)
		}
		return c, c.saveLocked()
	}
	buf, err := p.Read(catalogPageID)
	if err != nil {
		return nil, fmt.Errorf("horizon: read catalog page: %w", err)
	}
	if err := c.decode(buf); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *catalog) decode(buf []byte) error {
	if len(buf) < 4 {
		return common.NewCorruptError(catalogPageID, "short catalog page")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+2 > len(buf) {
			return common.NewCorruptError(catalogPageID, "truncated catalog entry")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+nameLen+4 > len(buf) {
			return common.NewCorruptError(catalogPageID, "truncated catalog entry")
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		root := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		c.entries[name] = root
	}
	return nil
}

// saveLocked serializes the directory back to its fixed page. Must be
// called with c.mu held.
func (c *catalog) saveLocked() error {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic layout, easier to diff by hand

	buf := make([]byte, pager.PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(names)))
	off := 4
	for _, name := range names {
		if off+2+len(name)+4 > len(buf) {
			return fmt.Errorf("horizon: catalog page full, too many tables")
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(name)))
		off += 2
		copy(buf[off:], name)
		off += len(name)
		binary.LittleEndian.PutUint32(buf[off:], c.entries[name])
		off += 4
	}
	if err := c.pager.Write(catalogPageID, buf); err != nil {
		return err
	}
	return c.pager.Sync()
}

func (c *catalog) get(name string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	root, ok := c.entries[name]
	return root, ok
}

func (c *catalog) create(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; exists {
		return common.ErrDuplicate
	}
	c.entries[name] = 0
	return c.saveLocked()
}

func (c *catalog) drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; !exists {
		return common.ErrNotFound
	}
	delete(c.entries, name)
	return c.saveLocked()
}

// setRoot records tree's current root page id, called after a commit
// touches it (root splits/collapses change the id in place).
func (c *catalog) setRoot(name string, root uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[name] == root {
		return nil
	}
	c.entries[name] = root
	return c.saveLocked()
}

func (c *catalog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
