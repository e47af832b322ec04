// ABOUTME: Background garbage collection of undo chain entries no live
// ABOUTME: snapshot can still observe, run as a cooperative ticking goroutine

package mvcc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultGCInterval matches the WAL's default checkpoint cadence so the
// two cooperative background passes run at a comparable rhythm.
const DefaultGCInterval = 5 * time.Minute

// GC periodically prunes undo chain entries whose xmax predates every
// live transaction's snapshot horizon.
type GC struct {
	mgr      *Manager
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
}

// NewGC creates a GC bound to mgr. Call Start to begin the background
// loop; it is not started automatically.
func NewGC(mgr *Manager, interval time.Duration) *GC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &GC{mgr: mgr, interval: interval}
}

// Start begins the periodic GC loop in its own goroutine.
func (g *GC) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopCh != nil {
		return
	}
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go g.run()
}

// Stop halts the loop and waits for it to exit.
func (g *GC) Stop() {
	g.mu.Lock()
	stopCh := g.stopCh
	doneCh := g.doneCh
	g.stopCh = nil
	g.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (g *GC) run() {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			_ = g.Sweep(context.Background())
		}
	}
}

// Sweep computes the minimum live snapshot horizon and discards every
// undo entry whose superseding transaction committed strictly before it —
// no snapshot still active can possibly need to see that far back. Each
// key's chain is pruned concurrently via errgroup, mirroring the
// bufferpool's fan-out flush.
func (g *GC) Sweep(ctx context.Context) error {
	g.mgr.mu.Lock()
	minTS := g.mgr.nextTxnID
	for _, t := range g.mgr.active {
		if t.snapshot.NextTxnID < minTS {
			minTS = t.snapshot.NextTxnID
		}
	}
	keys := make([]intentKey, 0, len(g.mgr.undoChains))
	for ik := range g.mgr.undoChains {
		keys = append(keys, ik)
	}
	g.mgr.mu.Unlock()

	group, _ := errgroup.WithContext(ctx)
	results := make([][]undoEntry, len(keys))
	for i, ik := range keys {
		i, ik := i, ik
		group.Go(func() error {
			g.mgr.mu.Lock()
			chain := g.mgr.undoChains[ik]
			g.mgr.mu.Unlock()

			kept := make([]undoEntry, 0, len(chain))
			for _, e := range chain {
				if e.version.Xmax != 0 && e.version.Xmax < minTS {
					continue
				}
				kept = append(kept, e)
			}
			results[i] = kept
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	g.mgr.mu.Lock()
	for i, ik := range keys {
		if len(results[i]) == 0 {
			delete(g.mgr.undoChains, ik)
		} else {
			g.mgr.undoChains[ik] = results[i]
		}
	}
	g.mgr.mu.Unlock()
	return nil
}
