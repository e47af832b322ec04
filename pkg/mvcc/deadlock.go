// ABOUTME: Write-intent acquisition and waits-for-graph deadlock detection
// ABOUTME: On a cycle, the younger (higher-id) of the requester and the holder
// ABOUTME: it would wait on is aborted; other members of a longer cycle are not considered

package mvcc

import "github.com/horizon-db/horizon/pkg/common"

// acquireIntent blocks t until it holds the write intent for ik, detecting
// deadlock cycles before blocking rather than after. A self-conflict (t
// already holds ik) is a no-op re-entrant acquire.
func (m *Manager) acquireIntent(t *Txn, ik intentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		holder, held := m.writeIntents[ik]
		if !held || holder == t.ID {
			m.writeIntents[ik] = t.ID
			return nil
		}

		if m.waitsForLocked(holder, t.ID) {
			// Cycle would close: t waiting on holder, and holder already
			// (transitively) waiting on t. Abort the younger transaction —
			// the one with the larger id, since ids are assigned in begin
			// order.
			if holder > t.ID {
				m.forceAbortLocked(holder)
				continue // retry now that holder's intents were released
			}
			t.state = StateAborted
			m.aborted[t.ID] = struct{}{}
			delete(m.active, t.ID)
			m.releaseIntentsLocked(t)
			return common.ErrDeadlock
		}

		m.addWaitLocked(t.ID, holder)
		m.cond.Wait()
		m.removeWaitLocked(t.ID, holder)

		if t.state != StateActive {
			return common.ErrTxnAborted
		}
	}
}

// waitsForLocked reports whether from transitively waits for to in the
// waits-for graph (a path from -> ... -> to).
func (m *Manager) waitsForLocked(from, to TxnID) bool {
	if from == to {
		return true
	}
	seen := map[TxnID]struct{}{from: {}}
	stack := []TxnID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range m.waitsFor[cur] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

func (m *Manager) addWaitLocked(waiter, holder TxnID) {
	edges, ok := m.waitsFor[waiter]
	if !ok {
		edges = make(map[TxnID]struct{})
		m.waitsFor[waiter] = edges
	}
	edges[holder] = struct{}{}
}

func (m *Manager) removeWaitLocked(waiter, holder TxnID) {
	if edges, ok := m.waitsFor[waiter]; ok {
		delete(edges, holder)
		if len(edges) == 0 {
			delete(m.waitsFor, waiter)
		}
	}
}

// forceAbortLocked marks a transaction aborted in place, as the deadlock
// victim chosen by a different goroutine's acquireIntent call. The
// victim's own goroutine observes this the next time it checks its state
// (every write, and at Commit) and unwinds via Rollback.
func (m *Manager) forceAbortLocked(id TxnID) {
	victim, ok := m.active[id]
	if !ok || victim.state != StateActive {
		return
	}
	victim.state = StateAborted
	m.aborted[id] = struct{}{}
	delete(m.active, id)
	m.releaseIntentsLocked(victim)
	m.cond.Broadcast()
}

// releaseIntentsLocked frees every write intent t holds and clears any
// waits-for edges pointing at it, waking blocked waiters. Must be called
// with m.mu held.
func (m *Manager) releaseIntentsLocked(t *Txn) {
	for ik := range t.held {
		if m.writeIntents[ik] == t.ID {
			delete(m.writeIntents, ik)
		}
	}
	for waiter, edges := range m.waitsFor {
		delete(edges, t.ID)
		if len(edges) == 0 {
			delete(m.waitsFor, waiter)
		}
	}
}
