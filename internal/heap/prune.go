package heap

import (
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
)

// Prune implements spec section 4.7: reclaim whatever a page's line
// pointers and transaction slots make safely reclaimable, then compact the
// tuple area. Callers hold the page's exclusive lock (the same discipline
// acquireSlot's callers already follow) for the duration of the call.
//
// The spec's steps 2 and 3 are phrased as two blanket rules over "line
// pointers whose owning slot is committed" / "aborted-and-undone", but
// applying either rule to every line pointer state would be wrong: a committed
// xid is the overwhelmingly common case for a live Normal tuple, so rule 2
// can only be targeting already-Deleted line pointers (their slot index
// survives specifically so this step can find them). Symmetrically, by the
// time a transaction's status reaches AbortedUndone, the rollback engine (spec
// section 4.8) has already rewound every delete it performed back to Normal,
// so an AbortedUndone owner can only still be sitting on a Normal line pointer
// if its last operation was an insert that was never deleted — garbage safe
// to reclaim outright. This split is recorded as an Open Question decision in
// the design ledger.
func (k *Kernel) Prune(pg *page.Page, ident common.PageIdentity) (bool, error) {
	var pruned bool
	err := k.Pool.WithMarkDirty(common.NilXid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		hint := pg.PruneXid()
		if hint != common.NilXid && k.Oracle.Status(hint) == txnslot.StatusInProgress {
			return common.LogRecordLocInfo{}, errSkipPrune
		}

		n := pg.LineCount()
		var oldestBlocking common.Xid
		any := false

		for off := uint16(1); off <= n; off++ {
			lp := pg.LinePointer(off)
			switch lp.State {
			case page.LPDeleted:
				slotIdx := lp.SlotIndex()
				if slotIdx == page.FrozenSlot {
					continue
				}
				slot := pg.Slot(slotIdx)
				if slot.Xid == common.NilXid {
					continue
				}
				switch k.Oracle.Status(slot.Xid) {
				case txnslot.StatusCommittedAllVisible:
					pg.SetLinePointer(off, page.LinePointer{State: page.LPUnused})
					any = true
				case txnslot.StatusCommittedNotAllVisible:
					oldestBlocking = olderOf(oldestBlocking, slot.Xid)
				case txnslot.StatusInProgress:
					oldestBlocking = olderOf(oldestBlocking, slot.Xid)
				}

			case page.LPNormal:
				hdr := pg.ReadTupleHeader(lp.Offset)
				xid, ok := normalOwnerXid(pg, hdr)
				if !ok {
					continue
				}
				if k.Oracle.Status(xid) == txnslot.StatusAbortedUndone {
					pg.SetLinePointer(off, page.LinePointer{State: page.LPUnused})
					any = true
				}
			}
		}

		pg.SetPruneXid(oldestBlocking)
		if !any {
			return common.LogRecordLocInfo{}, errSkipPrune
		}

		pg.Compact()
		pruned = true

		// No WAL record for pruning itself: spec section 6's record list
		// has no prune entry, and reclaiming space is purely physical and
		// idempotent — after a crash, replaying the operations that
		// preceded the prune reconstructs a page that is logically
		// identical (same visible tuples), just with less free space
		// until the next prune attempt. PageLSN is left untouched since
		// nothing durable happened that a future read needs to see
		// reflected in it.
		return common.LogRecordLocInfo{Location: ident, LSN: pg.PageLSN()}, nil
	})
	if err == errSkipPrune {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return pruned, nil
}

// normalOwnerXid resolves the xid that would need to be AbortedUndone for a
// Normal line pointer to be prunable garbage: the slot's own occupant Xid,
// or — if the slot has since been reused — the tuple's own frozen Xid, which
// is the only remaining record of who actually wrote this tuple.
func normalOwnerXid(pg *page.Page, hdr page.TupleHeader) (common.Xid, bool) {
	if hdr.SlotIndex == page.FrozenSlot {
		return common.NilXid, false
	}
	if hdr.HasFlag(page.TFSlotReused) {
		return hdr.FrozenXid, true
	}
	slot := pg.Slot(hdr.SlotIndex)
	if slot.Xid == common.NilXid {
		return common.NilXid, false
	}
	return slot.Xid, true
}

// olderOf returns whichever of a, b is non-nil and would block pruning
// longest; the zero value (NilXid) never blocks anything, so an absent side
// is simply not preferred.
func olderOf(a, b common.Xid) common.Xid {
	if a == common.NilXid {
		return b
	}
	if b == common.NilXid {
		return a
	}
	if b.Precedes(a) {
		return b
	}
	return a
}

// errSkipPrune is a private sentinel returned from the WithMarkDirty
// closure to signal "nothing changed, don't mark the page dirty" without
// treating it as a real failure; Prune translates it back to (false, nil).
var errSkipPrune = fmt.Errorf("heap: prune found nothing reclaimable")
