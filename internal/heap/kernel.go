// Package heap implements the DML kernel (spec section 4.5), the
// visibility resolver (4.6), and pruning/space reuse (4.7) — the three
// page-level algorithms that sit directly on top of internal/page,
// internal/undo, internal/txnslot, and internal/wal.
package heap

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// Kernel wires the DML operations together. It has no per-transaction
// state of its own — every call is handed a TxnCursor describing the
// writer — mirroring how the teacher's handler functions
// (zheapam_handler.c's zheap_insert/zheap_delete/zheap_update, adapted to
// Go) take the executing backend's state as a parameter instead of
// thumbing through global backend-local variables.
type Kernel struct {
	Pool   *bufferpool.Pool
	Slots  *txnslot.Manager
	WAL    *wal.Log
	Oracle txnslot.Oracle
	Undo   *undo.Store
}

func New(pool *bufferpool.Pool, slots *txnslot.Manager, log *wal.Log, oracle txnslot.Oracle, store *undo.Store) *Kernel {
	return &Kernel{Pool: pool, Slots: slots, WAL: log, Oracle: oracle, Undo: store}
}

// TxnCursor is the per-writer state the DML kernel threads through a
// transaction's operations: which undo log it appends to, the back-link to
// its own previous record (spec section 4.2's "every record carries the
// back-link to the prior record of its transaction"), and whether it is a
// subtransaction (txnslot bulk-recycle is toplevel-only).
type TxnCursor struct {
	Xid              common.Xid
	Relation         common.FileID
	Log              *undo.Log
	Prev             common.UndoPtr
	IsSubtransaction bool
}

func (c *TxnCursor) slotRequest(allowBulk bool) txnslot.Request {
	return txnslot.Request{
		Xid:              c.Xid,
		Relation:         c.Relation,
		Oracle:           nil, // filled in by caller with the Kernel's Oracle
		Log:              c.Log,
		TxnPrevForXid:    c.Prev,
		IsSubtransaction: c.IsSubtransaction,
		AllowBulkRecycle: allowBulk,
	}
}

// acquireSlot runs the find-or-allocate/overflow/bulk-recycle ladder of
// spec section 4.4, returning the slot index and emitting WAL for any
// slot-reuse records it had to write along the way.
func (k *Kernel) acquireSlot(pg *page.Page, ident common.PageIdentity, cur *TxnCursor) (uint16, error) {
	req := cur.slotRequest(false)
	req.Oracle = k.Oracle

	res, err := k.Slots.FindOrAllocate(pg, req)
	if err != nil {
		// No overflow-page allocator is wired in this engine revision
		// (spec section 4.4's "attempt overflow-page allocation" step is
		// a metapage-exclusive-lock operation the relation layer, not
		// yet built, owns); fall straight to the toplevel bulk-recycle
		// fallback the spec permits when overflow also fails.
		req.AllowBulkRecycle = true
		res, err = k.Slots.FindOrAllocate(pg, req)
		if err != nil {
			return 0, err
		}
	}
	if n := len(res.ReuseRecords); n > 0 {
		// I2: a slot-reuse record is itself a link in cur's own
		// transaction chain (its Xid is the requesting transaction, not
		// the recycled occupant's), so later records this transaction
		// writes must back-link through it rather than skip over it.
		cur.Prev = res.ReuseRecords[n-1]

		// One ZHEAP_UNDO_APPLY record for the whole bulk-recycle batch,
		// mirroring internal/rollback/apply.go's own use of the type: the
		// full post-recycle page image plus the slot's new owner, so
		// replay can redo every flipped slot-reused bit in one step
		// instead of needing res.ReuseRecords itself to be durable.
		if _, err := k.WAL.Append(wal.RecUndoApply, wal.UndoApplyPayload{
			Block:         ident.PageID,
			RevertedImage: append([]byte(nil), pg.GetData()...),
			SlotIndex:     res.SlotIndex,
			SlotXid:       cur.Xid,
			SlotLatestPtr: common.NilUndoPtr,
		}.Marshal()); err != nil {
			return 0, fmt.Errorf("heap: logging slot reuse: %w", err)
		}
	}
	return res.SlotIndex, nil
}

func (k *Kernel) emitUndo(pg *page.Page, slotIndex uint16, cur *TxnCursor, rec undo.Record) (common.UndoPtr, error) {
	rec.Xid = cur.Xid
	rec.Relation = cur.Relation
	rec.TxnPrev = cur.Prev
	rec.PagePrev = pg.Slot(slotIndex).LatestPtr
	ptr, err := cur.Log.Append(undo.Encode(rec))
	if err != nil {
		return common.NilUndoPtr, fmt.Errorf("heap: appending undo record: %w", err)
	}
	cur.Prev = ptr
	pg.SetSlot(slotIndex, page.TxnSlot{Xid: cur.Xid, LatestPtr: ptr})

	// Spec section 4.1's crash-safe bootstrap: a restarted node reconstructs
	// every undo log's insertion point from the last ZHEAP_UNDOMETA record
	// observed per log, so every undo append that moves a log's insertion
	// point needs a companion WAL record recording where it moved to.
	if _, err := k.WAL.Append(wal.RecUndoMeta, wal.UndoMetaPayload{
		Log:         cur.Log.Number(),
		InsertPoint: cur.Log.InsertPoint(),
		Xid:         cur.Xid,
	}.Marshal()); err != nil {
		return common.NilUndoPtr, fmt.Errorf("heap: logging undo insertion point: %w", err)
	}
	return ptr, nil
}

// Insert implements spec section 4.5's Insert operation.
func (k *Kernel) Insert(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, payload []byte) (common.Tid, common.LSN, error) {
	return k.insertLocked(pg, ident, cur, payload, 0)
}

// SpeculativeInsert is identical to Insert except the speculative-insert
// bit is set and the token is carried in the undo record, so a concurrent
// unique-constraint checker can recognize and wait on it.
func (k *Kernel) SpeculativeInsert(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, payload []byte, token common.SpeculativeToken) (common.Tid, common.LSN, error) {
	return k.insertLocked(pg, ident, cur, payload, token)
}

func (k *Kernel) insertLocked(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, payload []byte, specToken common.SpeculativeToken) (common.Tid, common.LSN, error) {
	tid, lsn, err := k.tryInsertLocked(pg, ident, cur, payload, specToken)
	if errors.Is(err, common.ErrOutOfPageSpace) {
		if pruned, pruneErr := k.Prune(pg, ident); pruneErr == nil && pruned {
			tid, lsn, err = k.tryInsertLocked(pg, ident, cur, payload, specToken)
		}
	}
	return tid, lsn, err
}

func (k *Kernel) tryInsertLocked(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, payload []byte, specToken common.SpeculativeToken) (common.Tid, common.LSN, error) {
	var tid common.Tid
	var lsn common.LSN
	err := k.Pool.WithMarkDirty(cur.Xid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		slotIndex, err := k.acquireSlot(pg, ident, cur)
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		lpOffset, ok := pg.FindFreeLinePointer()
		if !ok {
			return common.LogRecordLocInfo{}, common.ErrOutOfPageSpace
		}

		flags := uint8(0)
		if specToken != 0 {
			flags |= page.TFSpeculative
		}
		hdr := page.TupleHeader{Flags: flags, SlotIndex: slotIndex, SpecToken: specToken}
		tupOff, ok := pg.PutTuple(hdr, payload)
		if !ok {
			return common.LogRecordLocInfo{}, common.ErrOutOfPageSpace
		}
		pg.SetLinePointer(lpOffset, page.LinePointer{State: page.LPNormal, Offset: tupOff, Aux: uint16(len(payload)) + tupleHeaderSizeConst})

		ptr, err := k.emitUndo(pg, slotIndex, cur, undo.Record{
			Type:    undo.RecInsert,
			Tid:     common.Tid{BlockNumber: ident.PageID, Offset: lpOffset},
			Payload: undo.InsertPayload{SpecToken: specToken}.Marshal(),
		})
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		l, err := k.WAL.Append(wal.RecInsert, wal.InsertPayload{
			Block: ident.PageID, Offset: lpOffset, Tuple: payload, UndoHint: ptr,
		}.Marshal())
		if err != nil {
			return common.LogRecordLocInfo{}, fmt.Errorf("heap: logging insert: %w", err)
		}
		pg.SetPageLSN(l)

		tid = common.Tid{BlockNumber: ident.PageID, Offset: lpOffset}
		lsn = l
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
	return tid, lsn, err
}

// tupleHeaderSizeConst mirrors the unexported tupleHeaderSize in
// internal/page; duplicated as a constant here rather than exported from
// page, since line-pointer length accounting is the only thing outside
// that package that needs it.
const tupleHeaderSizeConst = 26

// CompleteSpeculative implements spec 4.5's speculative-insert completion:
// success clears the speculative bit in place; failure turns the line
// pointer Unused and writes an abort-insert undo record.
func (k *Kernel) CompleteSpeculative(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, tid common.Tid, success bool) (common.LSN, error) {
	var lsn common.LSN
	err := k.Pool.WithMarkDirty(cur.Xid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		lp := pg.LinePointer(tid.Offset)
		if lp.State != page.LPNormal {
			return common.LogRecordLocInfo{}, common.NewCorruptionError(ident, "spec-complete-state", fmt.Sprintf("line pointer %d is %s, want NORMAL", tid.Offset, lp.State))
		}
		hdr := pg.ReadTupleHeader(lp.Offset)

		if success {
			hdr.Flags &^= page.TFSpeculative
			pg.WriteTupleHeader(lp.Offset, hdr)
		} else {
			pg.SetLinePointer(tid.Offset, page.LinePointer{State: page.LPUnused})
			if _, err := k.emitUndo(pg, hdr.SlotIndex, cur, undo.Record{
				Type:    undo.RecInsert,
				Tid:     tid,
				Flags:   undo.FlagSpeculative,
				Payload: undo.InsertPayload{SpecToken: hdr.SpecToken}.Marshal(),
			}); err != nil {
				return common.LogRecordLocInfo{}, err
			}
		}

		var l common.LSN
		var err error
		if success {
			l, err = k.WAL.Append(wal.RecSpecConfirm, wal.SpecCompletePayload{Block: ident.PageID, Offset: tid.Offset}.Marshal())
		} else {
			l, err = k.WAL.Append(wal.RecSpecAbort, wal.SpecCompletePayload{Block: ident.PageID, Offset: tid.Offset}.Marshal())
		}
		if err != nil {
			return common.LogRecordLocInfo{}, fmt.Errorf("heap: logging spec-complete: %w", err)
		}
		pg.SetPageLSN(l)
		lsn = l
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
	return lsn, err
}

// Delete implements spec section 4.5's Delete operation.
func (k *Kernel) Delete(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, tid common.Tid) (common.LSN, error) {
	var lsn common.LSN
	err := k.Pool.WithMarkDirty(cur.Xid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		l, err := k.deleteLocked(pg, ident, cur, tid, undo.RecDelete, common.Tid{})
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}
		lsn = l
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
	return lsn, err
}

// deleteLocked performs the shared origin-side work of Delete and a
// non-in-place Update: clear the tuple body, mark the line pointer
// Deleted carrying the owning slot index, and write the undo record
// (recType distinguishes a plain delete from a non-in-place-update
// origin, which additionally carries newTid). Must run inside
// Pool.WithMarkDirty's closure.
func (k *Kernel) deleteLocked(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, tid common.Tid, recType undo.RecordType, newTid common.Tid) (common.LSN, error) {
	lp := pg.LinePointer(tid.Offset)
	if lp.State != page.LPNormal {
		return common.NilLSN, common.NewCorruptionError(ident, "delete-state", fmt.Sprintf("line pointer %d is %s, want NORMAL", tid.Offset, lp.State))
	}
	tup := pg.ReadTuple(lp.Offset, lp.Length())
	slotIndex, err := k.acquireSlot(pg, ident, cur)
	if err != nil {
		return common.NilLSN, err
	}

	var payload []byte
	if recType == undo.RecNonInPlaceUpdate {
		payload = undo.NonInPlaceUpdatePayload{PriorTuple: tup.Payload, NewTid: newTid}.Marshal()
	} else {
		payload = undo.DeletePayload{PriorTuple: tup.Payload}.Marshal()
	}
	ptr, err := k.emitUndo(pg, slotIndex, cur, undo.Record{Type: recType, Tid: tid, Payload: payload})
	if err != nil {
		return common.NilLSN, err
	}

	pg.SetLinePointer(tid.Offset, page.LinePointer{State: page.LPDeleted, Aux: slotIndex})

	var l common.LSN
	if recType == undo.RecNonInPlaceUpdate {
		l, err = k.WAL.Append(wal.RecUpdate, wal.UpdatePayload{
			Block: ident.PageID, OriginOffset: tid.Offset, NewTid: newTid,
			InPlace: false, OldTuple: tup.Payload, UndoHint: ptr,
		}.Marshal())
	} else {
		l, err = k.WAL.Append(wal.RecDelete, wal.DeletePayload{
			Block: ident.PageID, Offset: tid.Offset, Tuple: tup.Payload, UndoHint: ptr,
		}.Marshal())
	}
	if err != nil {
		return common.NilLSN, fmt.Errorf("heap: logging delete: %w", err)
	}
	pg.SetPageLSN(l)
	return l, nil
}

// UpdateInPlace implements spec section 4.5's in-place update path: the
// new payload must be exactly as long as the current one (this engine
// does not shift neighboring tuples to grow one in place). Callers decide
// eligibility (spec's "new image fits on the page and no index without
// delete-marking covers a modified column") before calling this; use
// UpdateNonInPlace otherwise.
func (k *Kernel) UpdateInPlace(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, tid common.Tid, newPayload []byte) (common.LSN, error) {
	var lsn common.LSN
	err := k.Pool.WithMarkDirty(cur.Xid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		lp := pg.LinePointer(tid.Offset)
		if lp.State != page.LPNormal {
			return common.LogRecordLocInfo{}, common.NewCorruptionError(ident, "update-state", fmt.Sprintf("line pointer %d is %s, want NORMAL", tid.Offset, lp.State))
		}
		tup := pg.ReadTuple(lp.Offset, lp.Length())
		if len(newPayload) != len(tup.Payload) {
			return common.LogRecordLocInfo{}, fmt.Errorf("heap: in-place update payload length changed (%d -> %d): %w", len(tup.Payload), len(newPayload), common.ErrOutOfPageSpace)
		}

		slotIndex, err := k.acquireSlot(pg, ident, cur)
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		ptr, err := k.emitUndo(pg, slotIndex, cur, undo.Record{
			Type: undo.RecInPlaceUpdate, Tid: tid,
			Payload: undo.InPlaceUpdatePayload{PriorTuple: tup.Payload}.Marshal(),
		})
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		pg.OverwriteTuplePayload(lp.Offset, lp.Length(), newPayload)
		hdr := pg.ReadTupleHeader(lp.Offset)
		hdr.Flags |= page.TFInPlaceUpdated
		hdr.SlotIndex = slotIndex
		pg.WriteTupleHeader(lp.Offset, hdr)

		l, err := k.WAL.Append(wal.RecUpdate, wal.UpdatePayload{
			Block: ident.PageID, OriginOffset: tid.Offset, NewTid: tid,
			InPlace: true, NewTuple: newPayload, OldTuple: tup.Payload, UndoHint: ptr,
		}.Marshal())
		if err != nil {
			return common.LogRecordLocInfo{}, fmt.Errorf("heap: logging in-place update: %w", err)
		}
		pg.SetPageLSN(l)
		lsn = l
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
	return lsn, err
}

// UpdateNonInPlace implements spec section 4.5's non-in-place path: delete
// on the origin page, insert on the destination page (which may be the
// same page, e.g. after compaction frees enough room for a wider row).
// Each half is its own critical section under its own page's exclusive
// lock, per the spec's "each forms the head of its own per-page chain" —
// origin and destination never need to be locked simultaneously.
func (k *Kernel) UpdateNonInPlace(
	originPg *page.Page, originIdent common.PageIdentity, originTid common.Tid,
	destPg *page.Page, destIdent common.PageIdentity,
	cur *TxnCursor, newPayload []byte,
) (newTid common.Tid, lsn common.LSN, err error) {
	newTid, _, err = k.insertLocked(destPg, destIdent, cur, newPayload, 0)
	if err != nil {
		return common.Tid{}, common.NilLSN, fmt.Errorf("heap: non-in-place update insert: %w", err)
	}

	err = k.Pool.WithMarkDirty(cur.Xid, originIdent, originPg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		l, err := k.deleteLocked(pg, originIdent, cur, originTid, undo.RecNonInPlaceUpdate, newTid)
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}
		lsn = l
		return common.LogRecordLocInfo{Location: originIdent, LSN: l}, nil
	})
	if err != nil {
		return common.Tid{}, common.NilLSN, fmt.Errorf("heap: non-in-place update origin delete: %w", err)
	}
	return newTid, lsn, nil
}

// Lock implements spec section 4.5's Lock operation: promote the tuple's
// lock mode to the strongest currently active, flip the multi-locker bit
// once a second distinct locker shows up, and always write a lock undo
// record (the multi-locker bit is only cleared lazily, on the last
// locker's departure — spec section 9's open question resolved in favor
// of the simpler lazy-clear).
func (k *Kernel) Lock(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, tid common.Tid, mode common.RowLockMode, alreadyHeldByOther bool) (common.LSN, error) {
	var lsn common.LSN
	err := k.Pool.WithMarkDirty(cur.Xid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		lp := pg.LinePointer(tid.Offset)
		if lp.State != page.LPNormal {
			return common.LogRecordLocInfo{}, common.NewCorruptionError(ident, "lock-state", fmt.Sprintf("line pointer %d is %s, want NORMAL", tid.Offset, lp.State))
		}
		hdr := pg.ReadTupleHeader(lp.Offset)
		priorFlags := hdr.Flags
		priorMode := hdr.LockMode

		slotIndex, err := k.acquireSlot(pg, ident, cur)
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		newMode := hdr.LockMode.Combine(mode)
		hdr.LockMode = newMode
		hdr.Flags |= page.TFHasLock
		if alreadyHeldByOther {
			hdr.Flags |= page.TFMultiLocker
		}
		hdr.SlotIndex = slotIndex
		pg.WriteTupleHeader(lp.Offset, hdr)

		ptr, err := k.emitUndo(pg, slotIndex, cur, undo.Record{
			Type: undo.RecLock, Tid: tid,
			Payload: undo.LockPayload{
				PriorFlags: priorFlags, PriorLockRank: lockRank(priorMode), NewLockRank: lockRank(newMode),
			}.Marshal(),
		})
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		l, err := k.WAL.Append(wal.RecLock, wal.LockPayload{
			Block: ident.PageID, Offset: tid.Offset, LockMode: newMode, UndoHint: ptr,
		}.Marshal())
		if err != nil {
			return common.LogRecordLocInfo{}, fmt.Errorf("heap: logging lock: %w", err)
		}
		pg.SetPageLSN(l)
		lsn = l
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
	return lsn, err
}

func lockRank(m common.RowLockMode) uint8 {
	switch m {
	case common.RowLockExclusive:
		return 2
	case common.RowLockShare:
		return 1
	default:
		return 0
	}
}

// BulkInsert implements spec section 4.5's bulk-insert (copy) operation:
// coalesce consecutive free line-pointer offsets into ranges and emit one
// undo record per range, with a single WAL record carrying the union of
// ranges.
func (k *Kernel) BulkInsert(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, payloads [][]byte) ([]common.Tid, common.LSN, error) {
	tids, lsn, err := k.tryBulkInsert(pg, ident, cur, payloads)
	if errors.Is(err, common.ErrOutOfPageSpace) {
		if pruned, pruneErr := k.Prune(pg, ident); pruneErr == nil && pruned {
			tids, lsn, err = k.tryBulkInsert(pg, ident, cur, payloads)
		}
	}
	return tids, lsn, err
}

func (k *Kernel) tryBulkInsert(pg *page.Page, ident common.PageIdentity, cur *TxnCursor, payloads [][]byte) ([]common.Tid, common.LSN, error) {
	var tids []common.Tid
	var lsn common.LSN
	err := k.Pool.WithMarkDirty(cur.Xid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		slotIndex, err := k.acquireSlot(pg, ident, cur)
		if err != nil {
			return common.LogRecordLocInfo{}, err
		}

		offsets := make([]uint16, 0, len(payloads))
		for _, payload := range payloads {
			lpOffset, ok := pg.FindFreeLinePointer()
			if !ok {
				return common.LogRecordLocInfo{}, common.ErrOutOfPageSpace
			}
			tupOff, ok := pg.PutTuple(page.TupleHeader{SlotIndex: slotIndex}, payload)
			if !ok {
				return common.LogRecordLocInfo{}, common.ErrOutOfPageSpace
			}
			pg.SetLinePointer(lpOffset, page.LinePointer{State: page.LPNormal, Offset: tupOff, Aux: uint16(len(payload)) + tupleHeaderSizeConst})
			offsets = append(offsets, lpOffset)
			tids = append(tids, common.Tid{BlockNumber: ident.PageID, Offset: lpOffset})
		}

		ranges := coalesceRanges(offsets)
		for _, r := range ranges {
			if _, err := k.emitUndo(pg, slotIndex, cur, undo.Record{
				Type: undo.RecMultiInsert,
				Tid:  common.Tid{BlockNumber: ident.PageID, Offset: r.StartOffset},
				Payload: undo.MultiInsertPayload{
					StartOffset: r.StartOffset, Count: r.Count,
				}.Marshal(),
			}); err != nil {
				return common.LogRecordLocInfo{}, err
			}
		}

		l, err := k.WAL.Append(wal.RecMultiInsert, wal.MultiInsertPayload{
			Block:  ident.PageID,
			Ranges: walRanges(ranges),
			Tuples: payloads,
		}.Marshal())
		if err != nil {
			return common.LogRecordLocInfo{}, fmt.Errorf("heap: logging bulk insert: %w", err)
		}
		pg.SetPageLSN(l)
		lsn = l
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
	return tids, lsn, err
}

type offsetRange struct {
	StartOffset uint16
	Count       uint16
}

// coalesceRanges merges consecutive offsets (assumed sorted as allocated)
// into contiguous [start, start+count) ranges.
func coalesceRanges(offsets []uint16) []offsetRange {
	if len(offsets) == 0 {
		return nil
	}
	var ranges []offsetRange
	start := offsets[0]
	count := uint16(1)
	for i := 1; i < len(offsets); i++ {
		if offsets[i] == offsets[i-1]+1 {
			count++
			continue
		}
		ranges = append(ranges, offsetRange{StartOffset: start, Count: count})
		start = offsets[i]
		count = 1
	}
	ranges = append(ranges, offsetRange{StartOffset: start, Count: count})
	return ranges
}

func walRanges(ranges []offsetRange) []wal.InsertRange {
	out := make([]wal.InsertRange, len(ranges))
	for i, r := range ranges {
		out[i] = wal.InsertRange{StartOffset: r.StartOffset, Count: r.Count}
	}
	return out
}
