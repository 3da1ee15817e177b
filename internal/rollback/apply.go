package rollback

import (
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// tupleHeaderSizeConst mirrors internal/page's unexported tupleHeaderSize;
// see internal/heap/kernel.go's identical constant for why it's duplicated
// rather than exported.
const tupleHeaderSizeConst = 26

// applyPageBatch implements spec section 4.8 steps 3-4 for one page:
// revert every record in records (already ordered newest-first) under the
// page's exclusive lock, then either clear xid's slot or rewind its
// LatestPtr to the newest record this batch didn't reach, and emit one
// ZHEAP_UNDO_APPLY WAL record for the whole batch.
func (e *Engine) applyPageBatch(xid common.Xid, ident common.PageIdentity, records []recordAt) error {
	pg, err := e.Pool.GetPage(ident)
	if err != nil {
		return fmt.Errorf("fetching page: %w", err)
	}
	defer e.Pool.Unpin(ident)

	slotIndex, found := txnslot.FindSlotForXid(pg, xid)
	if !found {
		// Already fully applied (or this page was never really touched
		// by this xid by the time we got here, e.g. a retried batch
		// after a crash mid-rollback) — idempotent no-op per spec
		// section 4.8 step 5.
		return nil
	}

	expect := pg.Slot(slotIndex).LatestPtr

	return e.Pool.WithMarkDirty(common.NilXid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		for _, ra := range records {
			if ra.Ptr != expect {
				// Not the newest unapplied record for this page — either
				// already applied by a previous (possibly crashed) pass,
				// or stale. Skip it and keep walking toward stopping at
				// whatever the slot itself says is current.
				continue
			}
			applyRecord(pg, slotIndex, ra.Rec)
			expect = ra.Rec.PagePrev
		}

		var newSlot page.TxnSlot
		if !expect.IsNil() {
			newSlot = page.TxnSlot{Xid: xid, LatestPtr: expect}
		}
		pg.SetSlot(slotIndex, newSlot)

		l, err := e.WAL.Append(wal.RecUndoApply, wal.UndoApplyPayload{
			Block:         ident.PageID,
			RevertedImage: append([]byte(nil), pg.GetData()...),
			SlotIndex:     slotIndex,
			SlotXid:       newSlot.Xid,
			SlotLatestPtr: newSlot.LatestPtr,
		}.Marshal())
		if err != nil {
			return common.LogRecordLocInfo{}, fmt.Errorf("logging undo-apply: %w", err)
		}
		pg.SetPageLSN(l)
		return common.LogRecordLocInfo{Location: ident, LSN: l}, nil
	})
}

// applyRecord reverts one undo record's effect on pg. Callers hold the
// page's exclusive lock (via Pool.WithMarkDirty).
func applyRecord(pg *page.Page, slotIndex uint16, rec undo.Record) {
	switch rec.Type {
	case undo.RecInsert:
		if rec.IsSpeculative() {
			// This record documents that CompleteSpeculative already
			// turned the line pointer Unused at completion time; there
			// is nothing left for rollback to do.
			return
		}
		clearLinePointer(pg, rec.Tid.Offset)

	case undo.RecMultiInsert:
		p := undo.UnmarshalMultiInsertPayload(rec.Payload)
		for off := p.StartOffset; off < p.StartOffset+p.Count; off++ {
			clearLinePointer(pg, off)
		}

	case undo.RecDelete:
		p := undo.UnmarshalDeletePayload(rec.Payload)
		restoreTuple(pg, rec.Tid.Offset, slotIndex, p.PriorTuple)

	case undo.RecNonInPlaceUpdate:
		p := undo.UnmarshalNonInPlaceUpdatePayload(rec.Payload)
		restoreTuple(pg, rec.Tid.Offset, slotIndex, p.PriorTuple)

	case undo.RecInPlaceUpdate:
		p := undo.UnmarshalInPlaceUpdatePayload(rec.Payload)
		lp := pg.LinePointer(rec.Tid.Offset)
		if lp.State != page.LPNormal {
			return
		}
		pg.OverwriteTuplePayload(lp.Offset, lp.Length(), p.PriorTuple)
		hdr := pg.ReadTupleHeader(lp.Offset)
		hdr.Flags &^= page.TFInPlaceUpdated
		pg.WriteTupleHeader(lp.Offset, hdr)

	case undo.RecLock:
		p := undo.UnmarshalLockPayload(rec.Payload)
		lp := pg.LinePointer(rec.Tid.Offset)
		if lp.State != page.LPNormal {
			return
		}
		hdr := pg.ReadTupleHeader(lp.Offset)
		hdr.Flags = p.PriorFlags
		hdr.LockMode = decodeLockRank(p.PriorLockRank)
		pg.WriteTupleHeader(lp.Offset, hdr)

	case undo.RecSlotReuse, undo.RecTxnHeader:
		// No page mutation of its own; these only exist to keep the
		// per-transaction chain connected (see groupByPage).
	}
}

func clearLinePointer(pg *page.Page, offset uint16) {
	if pg.LinePointer(offset).State == page.LPNormal {
		pg.SetLinePointer(offset, page.LinePointer{State: page.LPUnused})
	}
}

// restoreTuple undoes a delete (plain or the origin half of a non-in-place
// update): re-materializes priorPayload as a fresh tuple and points the
// line pointer at it. The new bytes may land at a different page offset
// than the original tuple occupied — this engine's line-pointer/tuple
// split allows that, since the line pointer is the only stable handle a
// Tid carries; see DESIGN.md for why an exact byte-for-byte restore isn't
// attempted.
func restoreTuple(pg *page.Page, offset uint16, slotIndex uint16, priorPayload []byte) {
	lp := pg.LinePointer(offset)
	if lp.State != page.LPDeleted {
		return
	}
	newOff, ok := pg.PutTuple(page.TupleHeader{SlotIndex: slotIndex}, priorPayload)
	if !ok {
		pg.Compact()
		newOff, ok = pg.PutTuple(page.TupleHeader{SlotIndex: slotIndex}, priorPayload)
		if !ok {
			// Out of space even after compaction: the page genuinely
			// cannot hold what it held before the delete (e.g. an
			// overflow page was detached in between). This should not
			// happen in a correctly functioning engine; leaving the
			// line pointer Deleted here is safer than corrupting it.
			return
		}
	}
	pg.SetLinePointer(offset, page.LinePointer{
		State:  page.LPNormal,
		Offset: newOff,
		Aux:    uint16(len(priorPayload)) + tupleHeaderSizeConst,
	})
}

func decodeLockRank(r uint8) common.RowLockMode {
	switch r {
	case 2:
		return common.RowLockExclusive
	case 1:
		return common.RowLockShare
	default:
		return common.RowLockNone
	}
}
