package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
)

// NewSpeculativeToken generates a token to pass to SpeculativeInsert,
// drawn from a uuid rather than a per-backend counter since this engine
// has no single in-process backend identity to count from (see
// common.SpeculativeToken's doc comment).
func NewSpeculativeToken() common.SpeculativeToken {
	id := uuid.New()
	b := id[:]
	return common.SpeculativeToken(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// Insert appends payload as a new row in relation's page ident, on behalf
// of tx. The kernel call below both writes the tuple and chains the undo
// record onto tx's cursor for relation.
func (e *Engine) Insert(pg *page.Page, ident common.PageIdentity, tx *Transaction, payload []byte) (common.Tid, common.LSN, error) {
	cur := tx.cursorFor(e, ident.FileID)
	return e.Kernel.Insert(pg, ident, cur, payload)
}

// SpeculativeInsert is the first half of insert-on-conflict-do-nothing: the
// row is written and visible to tx immediately, but CompleteSpeculativeInsert
// must be called once the caller knows whether a conflicting unique value
// was found elsewhere.
func (e *Engine) SpeculativeInsert(pg *page.Page, ident common.PageIdentity, tx *Transaction, payload []byte, token common.SpeculativeToken) (common.Tid, common.LSN, error) {
	cur := tx.cursorFor(e, ident.FileID)
	return e.Kernel.SpeculativeInsert(pg, ident, cur, payload, token)
}

// CompleteSpeculativeInsert finishes a SpeculativeInsert: success confirms
// the row, failure unwinds it in place without waiting for a full abort.
func (e *Engine) CompleteSpeculativeInsert(pg *page.Page, ident common.PageIdentity, tx *Transaction, tid common.Tid, success bool) (common.LSN, error) {
	cur := tx.cursorFor(e, ident.FileID)
	return e.Kernel.CompleteSpeculative(pg, ident, cur, tid, success)
}

// Delete marks tid deleted on behalf of tx, after first taking the
// exclusive row lock spec section 6 requires before any write. result is
// common.Ok on success; any other value is returned alongside a non-nil
// conflict describing why, and err is reserved for genuine failures
// (corruption, I/O, context cancellation) rather than for an ordinary
// non-Ok outcome.
func (e *Engine) Delete(ctx context.Context, pg *page.Page, ident common.PageIdentity, tx *Transaction, tid common.Tid, snap common.Snapshot, policy common.WaitPolicy) (result common.TMResult, conflict *common.LockConflict, lsn common.LSN, err error) {
	result, _, conflict, err = e.checkAndLock(ctx, pg, ident, tx, tid, snap, common.RowLockExclusive, policy)
	if err != nil || result != common.Ok {
		return result, conflict, common.NilLSN, err
	}

	cur := tx.cursorFor(e, ident.FileID)
	lsn, err = e.Kernel.Delete(pg, ident, cur, tid)
	if err != nil {
		return common.Ok, nil, common.NilLSN, err
	}
	return common.Ok, nil, lsn, nil
}

// Update applies newPayload to tid on behalf of tx, choosing the in-place
// path when newPayload is exactly as long as the current tuple's payload
// (the common case for fixed-width columns) and falling back to a
// non-in-place delete+insert otherwise. See Delete for the result/conflict/
// err split.
func (e *Engine) Update(ctx context.Context, pg *page.Page, ident common.PageIdentity, tx *Transaction, tid common.Tid, newPayload []byte, snap common.Snapshot, policy common.WaitPolicy) (result common.TMResult, newTid common.Tid, lsn common.LSN, conflict *common.LockConflict, err error) {
	result, _, conflict, err = e.checkAndLock(ctx, pg, ident, tx, tid, snap, common.RowLockExclusive, policy)
	if err != nil || result != common.Ok {
		return result, common.Tid{}, common.NilLSN, conflict, err
	}

	cur := tx.cursorFor(e, ident.FileID)
	lp := pg.LinePointer(tid.Offset)
	if lp.State != page.LPNormal {
		return common.Invisible, common.Tid{}, common.NilLSN, nil, nil
	}
	current := pg.ReadTuple(lp.Offset, lp.Length())
	if len(newPayload) == len(current.Payload) {
		lsn, err = e.Kernel.UpdateInPlace(pg, ident, cur, tid, newPayload)
		if err != nil {
			return common.Ok, common.Tid{}, common.NilLSN, nil, err
		}
		return common.Ok, tid, lsn, nil, nil
	}

	newTid, lsn, err = e.Kernel.UpdateNonInPlace(pg, ident, tid, pg, ident, cur, newPayload)
	if err != nil {
		return common.Ok, common.Tid{}, common.NilLSN, nil, err
	}
	return common.Ok, newTid, lsn, nil, nil
}

// Lock acquires mode on tid for tx: first the logical row lock through
// Locks (so concurrent lockers queue or fail per policy), then the undo
// record through the kernel that lets a reader reconstruct who held what
// lock when, per spec section 6's tuple-lock operation. See Delete for the
// result/conflict/err split.
func (e *Engine) Lock(ctx context.Context, pg *page.Page, ident common.PageIdentity, tx *Transaction, tid common.Tid, mode common.RowLockMode, snap common.Snapshot, policy common.WaitPolicy) (result common.TMResult, lsn common.LSN, conflict *common.LockConflict, err error) {
	var otherHolders bool
	result, otherHolders, conflict, err = e.checkAndLock(ctx, pg, ident, tx, tid, snap, mode, policy)
	if err != nil || result != common.Ok {
		return result, common.NilLSN, conflict, err
	}

	cur := tx.cursorFor(e, ident.FileID)
	lsn, err = e.Kernel.Lock(pg, ident, cur, tid, mode, otherHolders)
	if err != nil {
		return common.Ok, common.NilLSN, nil, err
	}
	return common.Ok, lsn, nil, nil
}

// checkAndLock is the shared pre-write sequence spec section 6 requires of
// Delete/Update/Lock: the target version must resolve as visible and
// current to tx's snapshot before any row lock is even attempted, and the
// row lock itself must be granted before the kernel mutates anything. The
// second return value reports whether some other xid already held a grant
// on tid at the moment this one was confirmed (txn.Locker.Lock's own
// second return value, passed through) — only Lock's caller needs it, to
// set page.TFMultiLocker correctly, but every caller of checkAndLock gets
// it back rather than have Lock duplicate the visibility/self-modified
// checks on its own.
func (e *Engine) checkAndLock(ctx context.Context, pg *page.Page, ident common.PageIdentity, tx *Transaction, tid common.Tid, snap common.Snapshot, mode common.RowLockMode, policy common.WaitPolicy) (common.TMResult, bool, *common.LockConflict, error) {
	lp := pg.LinePointer(tid.Offset)
	if lp.State != page.LPNormal {
		if lp.State == page.LPDeleted {
			return common.Deleted, false, &common.LockConflict{CurrentTid: tid}, nil
		}
		return common.Invisible, false, nil, nil
	}

	_, visible, err := e.Kernel.Resolve(pg, ident, tid, snap)
	if err != nil {
		return common.Ok, false, nil, fmt.Errorf("engine: resolving %s: %w", tid, err)
	}
	if !visible {
		return common.Invisible, false, nil, nil
	}
	if owner, ok := currentOwner(pg, lp); ok && owner == tx.Xid {
		return common.SelfModified, false, &common.LockConflict{CurrentTid: tid, SelfModified: true}, nil
	}

	otherHolders, err := e.Locks.Lock(ctx, tx.Xid, tid, mode, policy)
	if err != nil {
		if ctx.Err() != nil {
			return common.Ok, false, nil, err
		}
		if policy == common.WaitSkip || errors.Is(err, common.ErrLockNotAvailable) {
			return common.WouldBlock, false, &common.LockConflict{CurrentTid: tid}, nil
		}
		// txn.ErrDeadlockAvoided: this xid backed off rather than risk a
		// wait cycle. The caller sees it as an ordinary lock conflict, not
		// a Go error, and is expected to retry or abort on its own terms.
		return common.BeingModified, false, &common.LockConflict{CurrentTid: tid}, nil
	}
	return common.Ok, otherHolders, nil, nil
}

// currentOwner reports the xid whose transaction slot a live (LPNormal)
// tuple currently names, if it names one at all — a frozen or slot-reused
// tuple has none, since ownership was already resolved at freeze time.
func currentOwner(pg *page.Page, lp page.LinePointer) (common.Xid, bool) {
	hdr := pg.ReadTupleHeader(lp.Offset)
	if hdr.SlotIndex == page.FrozenSlot {
		return common.NilXid, false
	}
	return pg.Slot(hdr.SlotIndex).Xid, true
}
