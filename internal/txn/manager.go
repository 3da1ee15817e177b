// Package txn implements the transaction identifier manager and the
// row-lock manager (spec sections 4.1's transaction model and 5's
// concurrency model): handing out Xids, tracking which ones are running,
// committed, or aborted, computing snapshots, and serializing concurrent
// row-level lockers with the Block/Skip/Error wait policies.
package txn

import (
	"fmt"
	"sync"

	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
)

// state is what the manager remembers about one Xid beyond "in progress".
type state struct {
	status       txnslot.XidStatus
	xactLogStart common.UndoPtr // transaction-header record: undo.RecTxnHeader
}

// Manager hands out Xids, tracks their commit/abort status, and answers
// txnslot.Oracle queries for the slot manager. It mirrors the bookkeeping
// split the teacher keeps in its txns package, minus the catalog/file lock
// hierarchy (src/txns/locker.go's HierarchyLocker): this engine only ever
// latches whole pages (internal/bufferpool, internal/page's own RWMutex) or
// individual rows (Locker below), so there is no catalog/file granularity
// to arbitrate.
type Manager struct {
	mu        sync.Mutex
	nextEpoch uint32
	nextCtr   uint32

	running map[common.Xid]struct{}
	states  map[common.Xid]*state

	// discardHorizon is set to FrozenXid by New and is not read or advanced
	// afterwards; discard horizons are tracked per undo log (undo.Log's
	// OldestData/OldestXid), which internal/discard advances.
	discardHorizon common.Xid
}

func New() *Manager {
	return &Manager{
		// Counters 0 and 1 of epoch 0 are NilXid and FrozenXid.
		nextCtr:        2,
		running:        make(map[common.Xid]struct{}),
		states:         make(map[common.Xid]*state),
		discardHorizon: common.FrozenXid,
	}
}

// Begin assigns a fresh Xid and marks it running.
func (m *Manager) Begin() common.Xid {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextCtr == 0 {
		m.nextEpoch++
	}
	xid := common.NewXid(m.nextEpoch, m.nextCtr)
	m.nextCtr++

	m.running[xid] = struct{}{}
	m.states[xid] = &state{status: txnslot.StatusInProgress}
	return xid
}

// SetTxnHeader records the undo pointer of a transaction's header record
// (undo.RecTxnHeader), written once at Begin time via undo.Log.WriteHeader
// and consulted by rollback/discard to walk a transaction's whole undo
// chain.
func (m *Manager) SetTxnHeader(xid common.Xid, ptr common.UndoPtr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[xid]
	assert.Assert(ok, "setting txn header for unknown xid %s", xid)
	st.xactLogStart = ptr
}

func (m *Manager) TxnHeader(xid common.Xid) (common.UndoPtr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[xid]
	if !ok {
		return common.NilUndoPtr, false
	}
	return st.xactLogStart, !st.xactLogStart.IsNil()
}

// Commit marks xid committed. allVisible is false when rows it touched may
// still be invisible to an older running snapshot (the common case); the
// discard horizon walk later promotes it to all-visible once no running
// snapshot predates it.
func (m *Manager) Commit(xid common.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, xid)
	st, ok := m.states[xid]
	assert.Assert(ok, "committing unknown xid %s", xid)
	st.status = txnslot.StatusCommittedNotAllVisible
}

// Abort marks xid aborted but not yet undone; the rollback engine clears it
// to StatusAbortedUndone once undo application finishes.
func (m *Manager) Abort(xid common.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, xid)
	st, ok := m.states[xid]
	assert.Assert(ok, "aborting unknown xid %s", xid)
	if st.status != txnslot.StatusAbortedUndone {
		st.status = txnslot.StatusInProgress // aborted-but-not-undone reads as "in progress" to visibility
	}
}

// Tracked reports whether xid has any state at all — running, committed,
// aborted, or undone. False means either xid was never assigned by this
// manager or this process restarted and never rebuilt its bookkeeping for
// it: the forgotten-abort scan's signal that an undo log's header names a
// dead Xid.
func (m *Manager) Tracked(xid common.Xid) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[xid]
	return ok
}

// AdoptDeadXid gives a dead Xid (one an undo log's header chain still names
// but this manager never tracked — see Tracked) the bookkeeping it needs to
// go through the normal rollback path: MarkUndone and Abort both assert the
// xid already has state. It is deliberately not added to running, so until
// the forgotten-abort scan's rollback finishes, it reads as in-progress to
// visibility rather than as a live running transaction no snapshot should
// ever wait on.
func (m *Manager) AdoptDeadXid(xid common.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[xid]; ok {
		return
	}
	m.states[xid] = &state{status: txnslot.StatusInProgress}
}

// MarkUndone is called by the rollback engine once every undo record for
// xid has been applied.
func (m *Manager) MarkUndone(xid common.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[xid]
	assert.Assert(ok, "marking unknown xid %s undone", xid)
	st.status = txnslot.StatusAbortedUndone
}

// PromoteAllVisible is called by internal/discard once no running snapshot
// predates xid, so its committed rows no longer need a visibility check.
func (m *Manager) PromoteAllVisible(xid common.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[xid]
	if ok && st.status == txnslot.StatusCommittedNotAllVisible {
		st.status = txnslot.StatusCommittedAllVisible
	}
}

// Status implements txnslot.Oracle.
func (m *Manager) Status(xid common.Xid) txnslot.XidStatus {
	if xid == common.FrozenXid {
		return txnslot.StatusCommittedAllVisible
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[xid]
	if !ok {
		return txnslot.StatusAbortedUndone
	}
	return st.status
}

// Snapshot takes a consistent read view for xid: everything committed
// before the oldest still-running Xid is definitely visible, everything at
// or after the next-to-be-assigned Xid is definitely not, and the
// currently-running set decides the rest.
func (m *Manager) Snapshot(self common.Xid) common.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	xmax := common.NewXid(m.nextEpoch, m.nextCtr)
	xmin := xmax
	inProgress := make([]common.Xid, 0, len(m.running))
	for xid := range m.running {
		inProgress = append(inProgress, xid)
		if xid.Precedes(xmin) {
			xmin = xid
		}
	}
	return common.NewSnapshot(xmin, xmax, self, inProgress)
}

// OldestRunning reports the oldest Xid any live snapshot might still need,
// the bound internal/discard must not advance past.
func (m *Manager) OldestRunning() common.Xid {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := common.NewXid(m.nextEpoch, m.nextCtr)
	for xid := range m.running {
		if xid.Precedes(oldest) {
			oldest = xid
		}
	}
	return oldest
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("txn.Manager{running=%d, tracked=%d}", len(m.running), len(m.states))
}
