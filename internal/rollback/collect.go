package rollback

import (
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/undo"
)

// recordAt pairs a decoded undo record with the pointer it lives at, which
// applyPageBatch needs both to revert the mutation and to rewind the
// page's slot.
type recordAt struct {
	Ptr common.UndoPtr
	Rec undo.Record
}

// collectWindow walks xid's per-transaction back-link chain (TxnPrev)
// starting at start, accumulating records until either the chain reaches
// stopAt/nil or the window has grown past limit bytes — spec section 4.8's
// bounded-window requirement. The window always contains at least one
// record when one is available, even if that single record exceeds limit,
// so a window can never stall making no progress.
func collectWindow(store *undo.Store, xid common.Xid, start common.UndoPtr, limit int, stopAt common.UndoPtr) ([]recordAt, common.UndoPtr, error) {
	var window []recordAt
	ptr := start
	size := 0

	for !ptr.IsNil() && ptr != stopAt {
		rec, err := store.Read(ptr)
		if err != nil {
			return nil, common.NilUndoPtr, fmt.Errorf("reading undo record at %s: %w", ptr, err)
		}
		if rec.Xid != xid {
			return nil, common.NilUndoPtr, common.NewCorruptionError(common.PageIdentity{}, "rollback-chain",
				fmt.Sprintf("undo record at %s belongs to %s, not %s", ptr, rec.Xid, xid))
		}

		window = append(window, recordAt{Ptr: ptr, Rec: rec})
		size += len(rec.Payload) + recordFixedOverhead

		next := rec.TxnPrev
		if size >= limit && len(window) > 0 {
			return window, next, nil
		}
		ptr = next
	}
	return window, ptr, nil
}

// recordFixedOverhead approximates the on-disk framing size of an undo
// record beyond its payload, for window-size accounting; it doesn't need
// to be exact, only a stable proxy for "how much undo did we just read".
const recordFixedOverhead = 44 + 4

// groupByPage splits a window into per-page batches, in the order
// collectWindow visited them (newest record for that page first). Records
// that don't identify a revertible page mutation — slot-reuse bookkeeping
// and transaction headers — only matter for chain continuity and are
// dropped here.
func groupByPage(window []recordAt) map[common.PageIdentity][]recordAt {
	groups := make(map[common.PageIdentity][]recordAt)
	for _, ra := range window {
		switch ra.Rec.Type {
		case undo.RecSlotReuse, undo.RecTxnHeader:
			continue
		}
		ident := common.PageIdentity{FileID: ra.Rec.Relation, PageID: ra.Rec.Tid.BlockNumber}
		groups[ident] = append(groups[ident], ra)
	}
	return groups
}
