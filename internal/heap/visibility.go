package heap

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/undo"
)

// Resolve implements spec section 4.6: given (Tid, snapshot), walks the
// page's line pointer, transaction slot, and undo chain to decide whether
// a visible image exists and, if so, what it is. Callers must hold at
// least a shared lock on pg for the duration of the call (the in-place
// update path can otherwise mutate the current tuple bytes out from under
// a concurrent reader that holds only a pin).
func (k *Kernel) Resolve(pg *page.Page, ident common.PageIdentity, tid common.Tid, snap common.Snapshot) (page.Tuple, bool, error) {
	lp := pg.LinePointer(tid.Offset)

	switch lp.State {
	case page.LPUnused, page.LPDead:
		return page.Tuple{}, false, nil

	case page.LPDeleted:
		slotIndex := lp.SlotIndex()
		if slotIndex == page.FrozenSlot {
			return page.Tuple{}, false, nil
		}
		slot := pg.Slot(slotIndex)
		if slot.Xid == common.NilXid {
			return page.Tuple{}, false, nil
		}
		return k.walkChain(ident, tid, snap, slot.LatestPtr, nil)

	case page.LPNormal:
		hdr := pg.ReadTupleHeader(lp.Offset)
		cur := pg.ReadTuple(lp.Offset, lp.Length())

		if hdr.SlotIndex == page.FrozenSlot && !hdr.HasFlag(page.TFSlotReused) {
			return cur, true, nil
		}

		var chainPtr common.UndoPtr
		if hdr.HasFlag(page.TFSlotReused) {
			chainPtr = hdr.FrozenPtr
		} else {
			chainPtr = pg.Slot(hdr.SlotIndex).LatestPtr
		}
		return k.walkChain(ident, tid, snap, chainPtr, cur.Payload)

	default:
		return page.Tuple{}, false, common.NewCorruptionError(ident, "visibility-state",
			fmt.Sprintf("line pointer %d has unrecognized state %s", tid.Offset, lp.State))
	}
}

// walkChain descends the per-page undo chain starting at ptr looking for
// the newest record belonging to tid, skipping lock-only and slot-reuse
// markers and records written for other tuples that happen to share this
// slot (spec 4.6 step 4's "descend the per-page chain for the prior
// data-modifying record"). currentBytes is the tuple image that the
// operation about to be classified at ptr is known to have produced; it is
// nil only when resolving a Deleted line pointer, where the live body has
// already been reclaimed and the first matching record found must itself
// be the delete.
func (k *Kernel) walkChain(ident common.PageIdentity, tid common.Tid, snap common.Snapshot, ptr common.UndoPtr, currentBytes []byte) (page.Tuple, bool, error) {
	for {
		if ptr.IsNil() {
			return page.Tuple{}, false, nil
		}

		rec, err := k.Undo.Read(ptr)
		if errors.Is(err, common.ErrUndoUnavailable) {
			// The pointer we'd need crossed the discard horizon: spec
			// section 4.6 step 5 says treat this as all-visible.
			if currentBytes == nil {
				return page.Tuple{}, false, nil
			}
			return page.Tuple{Payload: currentBytes}, true, nil
		}
		if err != nil {
			return page.Tuple{}, false, fmt.Errorf("heap: resolving %s: %w", tid, err)
		}

		if rec.Tid != tid || rec.Type == undo.RecLock || rec.Type == undo.RecSlotReuse || rec.Type == undo.RecTxnHeader {
			ptr = rec.PagePrev
			continue
		}

		switch rec.Type {
		case undo.RecInsert, undo.RecMultiInsert:
			if currentBytes == nil {
				return page.Tuple{}, false, common.NewCorruptionError(ident, "visibility-chain",
					fmt.Sprintf("reached insert record for %s with no known tuple image", tid))
			}
			if snap.Visible(rec.Xid) {
				return page.Tuple{Payload: currentBytes}, true, nil
			}
			return page.Tuple{}, false, nil

		case undo.RecInPlaceUpdate:
			prior := undo.UnmarshalInPlaceUpdatePayload(rec.Payload).PriorTuple
			if snap.Visible(rec.Xid) {
				return page.Tuple{Payload: currentBytes}, true, nil
			}
			currentBytes = prior
			ptr = rec.PagePrev
			continue

		case undo.RecDelete:
			prior := undo.UnmarshalDeletePayload(rec.Payload).PriorTuple
			if snap.Visible(rec.Xid) {
				return page.Tuple{}, false, nil
			}
			currentBytes = prior
			ptr = rec.PagePrev
			continue

		case undo.RecNonInPlaceUpdate:
			prior := undo.UnmarshalNonInPlaceUpdatePayload(rec.Payload).PriorTuple
			if snap.Visible(rec.Xid) {
				return page.Tuple{}, false, nil
			}
			currentBytes = prior
			ptr = rec.PagePrev
			continue

		default:
			return page.Tuple{}, false, common.NewCorruptionError(ident, "visibility-chain",
				fmt.Sprintf("unexpected record type %s in chain for %s", rec.Type, tid))
		}
	}
}
