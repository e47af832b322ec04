// ABOUTME: Periodic checkpointing: flush dirty pages, mark the WAL tail,
// ABOUTME: and prune segments that precede the mark

package wal

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrCheckpointSkipped is a sentinel flushFn may return to tell Checkpoint
// not to proceed to the marker-and-prune step this tick — e.g. because a
// write is still in flight and its dirty pages were deliberately left
// unflushed. Checkpoint treats it as a clean no-op rather than a failure;
// crucially it also means the marker is not appended and no segment is
// pruned, since both steps assume every page reachable from before the
// marker already made it into the main file.
var ErrCheckpointSkipped = errors.New("wal: checkpoint skipped")

// DefaultCheckpointInterval is how often the background checkpointer
// runs when no interval is configured.
const DefaultCheckpointInterval = 5 * time.Minute

// Checkpointer periodically flushes the buffer pool and truncates WAL
// segments that are no longer needed for recovery.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  func() error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer that calls flushFn (typically
// bufferpool.Pool.FlushAll) at each checkpoint.
func NewCheckpointer(wal *WAL, flushFn func() error) *Checkpointer {
	return &Checkpointer{
		wal:      wal,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the checkpoint loop in a background goroutine.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Checkpoint()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes all dirty pages to the main file, appends a
// checkpoint marker frame, and prunes WAL segments that now precede it.
func (c *Checkpointer) Checkpoint() error {
	if err := c.flushFn(); err != nil {
		if errors.Is(err, ErrCheckpointSkipped) {
			return nil
		}
		return fmt.Errorf("wal: checkpoint flush: %w", err)
	}

	marker := &Frame{PageID: CheckpointPageID}
	if err := c.wal.Append(marker); err != nil {
		return fmt.Errorf("wal: checkpoint marker: %w", err)
	}
	if err := c.wal.Fsync(); err != nil {
		return fmt.Errorf("wal: checkpoint fsync: %w", err)
	}

	return c.pruneSegmentsBeforeCurrent()
}

// pruneSegmentsBeforeCurrent removes every segment file older than the
// one the checkpoint marker landed in, since their frames can never be
// replayed past the marker anyway.
func (c *Checkpointer) pruneSegmentsBeforeCurrent() error {
	c.wal.mu.Lock()
	defer c.wal.mu.Unlock()

	segments, err := c.wal.findSegments()
	if err != nil {
		return err
	}
	if len(segments) <= 1 {
		return nil
	}
	for _, seg := range segments[:len(segments)-1] {
		os.Remove(seg)
	}
	return nil
}

// SetInterval changes the checkpoint interval for subsequent ticks.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}
