package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/zheap/internal/common"
)

// ErrDeadlockAvoided is returned instead of blocking when granting the
// wait would let an older transaction wait behind a younger one — the
// same wait-die rule the teacher's txnqueue.checkDeadlockCondition
// enforces ("only older transactions can wait for younger ones").
var ErrDeadlockAvoided = fmt.Errorf("txn: wait would violate deadlock-avoidance ordering")

type rowHolder struct {
	xid  common.Xid
	mode common.RowLockMode
}

// rowQueue is one Tid's lock state: the modes currently granted, plus
// waiters queued behind an incompatible grant. Grounded on the teacher's
// txnQueue (src/txns/txnqueue.go), collapsed from a linked list of
// per-granularity entries down to the single row granularity this engine
// needs — internal/heap never locks more than one Tid at a time.
type rowQueue struct {
	mu      sync.Mutex
	granted []rowHolder
	waiters []*waiter
}

type waiter struct {
	xid          common.Xid
	mode         common.RowLockMode
	ready        chan struct{}
	failed       error
	otherHolders bool
}

// Locker serializes row-level locking for the DML kernel's Lock operation
// and for write-write conflict detection ahead of Update/Delete (spec
// section 4.5 and 5). Unlike the teacher's HierarchyLocker it has a single
// granularity: callers that also need page-level exclusion go through
// internal/bufferpool's page latch instead.
type Locker struct {
	mu    sync.Mutex
	queue map[common.Tid]*rowQueue
}

func NewLocker() *Locker {
	return &Locker{queue: make(map[common.Tid]*rowQueue)}
}

func (l *Locker) queueFor(tid common.Tid) *rowQueue {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queue[tid]
	if !ok {
		q = &rowQueue{}
		l.queue[tid] = q
	}
	return q
}

func compatibleWithAll(mode common.RowLockMode, holders []rowHolder, self common.Xid) bool {
	for _, h := range holders {
		if h.xid == self {
			continue
		}
		if !mode.Compatible(h.mode) {
			return false
		}
	}
	return true
}

// otherHolders reports whether any xid besides self currently holds a
// grant in q. Callers hold q.mu.
func otherHolders(q *rowQueue, self common.Xid) bool {
	for _, h := range q.granted {
		if h.xid != self {
			return true
		}
	}
	return false
}

// Lock acquires mode on tid for xid, honoring policy (spec section 5:
// Block/Skip/Error). Re-entrant: a transaction that already holds a lock
// on tid has its grant combined to the stronger of the two modes instead
// of queuing behind itself.
//
// The second return value reports whether some other xid already held a
// grant on tid at the moment this lock was confirmed — spec section 4.5's
// multi-locker bit (page.TFMultiLocker) must be set exactly when this is
// true, which callers can't determine on their own since grants and
// releases happen under this package's own lock.
//
// Returns (false, common.ErrLockNotAvailable) under WaitError or WaitSkip
// when the lock isn't immediately available, and (false,
// ErrDeadlockAvoided) under WaitBlock when granting the wait would let an
// older transaction wait behind a younger one.
func (l *Locker) Lock(ctx context.Context, xid common.Xid, tid common.Tid, mode common.RowLockMode, policy common.WaitPolicy) (bool, error) {
	q := l.queueFor(tid)

	q.mu.Lock()
	for i, h := range q.granted {
		if h.xid == xid {
			q.granted[i].mode = h.mode.Combine(mode)
			others := otherHolders(q, xid)
			q.mu.Unlock()
			return others, nil
		}
	}

	if compatibleWithAll(mode, q.granted, xid) {
		others := otherHolders(q, xid)
		q.granted = append(q.granted, rowHolder{xid: xid, mode: mode})
		q.mu.Unlock()
		return others, nil
	}

	if policy != common.WaitBlock {
		q.mu.Unlock()
		return false, common.ErrLockNotAvailable
	}

	for _, h := range q.granted {
		if h.xid == xid {
			continue
		}
		if !xid.Precedes(h.xid) {
			// xid is not older than a blocking holder: waiting here risks
			// a cycle, so this transaction backs off instead of the
			// holder being forced to.
			q.mu.Unlock()
			return false, ErrDeadlockAvoided
		}
	}

	w := &waiter{xid: xid, mode: mode, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return w.otherHolders, w.failed
	case <-ctx.Done():
		l.cancelWait(q, w)
		return false, ctx.Err()
	}
}

func (l *Locker) cancelWait(q *rowQueue, target *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Unlock releases every lock xid holds on tid.
func (l *Locker) Unlock(tid common.Tid, xid common.Xid) {
	q := l.queueFor(tid)
	q.mu.Lock()
	for i, h := range q.granted {
		if h.xid == xid {
			q.granted = append(q.granted[:i], q.granted[i+1:]...)
			break
		}
	}
	l.wakeWaiters(q)
	q.mu.Unlock()
}

// wakeWaiters promotes the longest compatible prefix of the wait queue,
// mirroring the teacher's txnQueue.processBatch: a batch of mutually
// compatible waiters is granted together, stopping at the first
// incompatible request.
func (l *Locker) wakeWaiters(q *rowQueue) {
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		if !compatibleWithAll(w.mode, q.granted, w.xid) {
			break
		}
		w.otherHolders = otherHolders(q, w.xid)
		q.granted = append(q.granted, rowHolder{xid: w.xid, mode: w.mode})
		q.waiters = q.waiters[1:]
		close(w.ready)
	}
}

// ReleaseAll drops every row lock xid holds across every Tid, called when
// a transaction commits or finishes rollback.
func (l *Locker) ReleaseAll(xid common.Xid) {
	l.mu.Lock()
	tids := make([]common.Tid, 0, len(l.queue))
	for tid := range l.queue {
		tids = append(tids, tid)
	}
	l.mu.Unlock()

	for _, tid := range tids {
		l.Unlock(tid, xid)
	}
}
