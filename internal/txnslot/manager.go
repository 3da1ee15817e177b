// Package txnslot implements the transaction-slot manager (spec section
// 4.4): allocating, reusing, and — when a committed-but-not-all-visible
// slot must be recycled — overflowing or writing a slot-reuse undo record
// before handing the slot to a new owner.
package txnslot

import (
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/undo"
)

// XidStatus is what the slot manager needs to know about a slot's occupant
// to decide whether (and how) it can be recycled. The actual bookkeeping
// lives in the transaction manager (internal/txn); this is consumed
// through the Oracle interface to avoid a package cycle.
type XidStatus uint8

const (
	StatusInProgress XidStatus = iota
	StatusCommittedAllVisible
	StatusCommittedNotAllVisible
	StatusAbortedUndone
)

// Oracle answers "what is the status of this Xid" for the slot manager.
type Oracle interface {
	Status(xid common.Xid) XidStatus
}

// Manager has no state of its own: every operation is scoped to one page
// under its caller's exclusive lock, per spec section 4.4 ("under the
// page's exclusive lock").
type Manager struct {
	store *undo.Store
}

func New(store *undo.Store) *Manager {
	return &Manager{store: store}
}

// Request bundles what FindOrAllocate needs: whose slot to find, which
// page, and how to write the slot-reuse undo record if recycling is
// required.
type Request struct {
	Xid              common.Xid
	Relation         common.FileID
	Oracle           Oracle
	Log              *undo.Log
	TxnPrevForXid    common.UndoPtr // the requesting xid's own prior undo pointer, for the slot-reuse record's back-link
	IsSubtransaction bool
	// AllowBulkRecycle is set once the caller has already tried (and
	// failed) to allocate an overflow page; only then does a toplevel
	// transaction recycle every committed slot on the page in one batch.
	AllowBulkRecycle bool
}

// Result reports which slot was handed out and every slot-reuse undo
// pointer written along the way (the caller emits one WAL record per
// pointer, per the DML kernel's ordered protocol).
type Result struct {
	SlotIndex    uint16
	ReuseRecords []common.UndoPtr
}

// FindOrAllocate implements spec section 4.4's "Find or allocate". Returns
// common.ErrSlotExhausted if recycling is impossible on this page (caller
// must either allocate/attach an overflow page and retry, or — for a
// subtransaction — fail outright).
func (m *Manager) FindOrAllocate(pg *page.Page, req Request) (Result, error) {
	n := pg.TxnSlotCount()

	for i := uint16(1); i <= n; i++ {
		if pg.Slot(i).Xid == req.Xid {
			return Result{SlotIndex: i}, nil
		}
	}

	// Free: no occupant at all.
	for i := uint16(1); i <= n; i++ {
		if pg.Slot(i).Xid == common.NilXid {
			pg.SetSlot(i, page.TxnSlot{Xid: req.Xid, LatestPtr: common.NilUndoPtr})
			return Result{SlotIndex: i}, nil
		}
	}

	// Trivially reusable: the occupant is fully done with and no reader
	// needs its Xid to interpret any tuple still pointing at the slot.
	// A Deleted line pointer still carrying this slot index as its only
	// reference (no tuple header to freeze) blocks reuse until pruning
	// clears it — see deletedLinePointerHoldsSlot.
	for i := uint16(1); i <= n; i++ {
		s := pg.Slot(i)
		if s.Xid == common.NilXid {
			continue
		}
		if deletedLinePointerHoldsSlot(pg, i) {
			continue
		}
		switch req.Oracle.Status(s.Xid) {
		case StatusCommittedAllVisible, StatusAbortedUndone:
			pg.SetSlot(i, page.TxnSlot{Xid: req.Xid, LatestPtr: common.NilUndoPtr})
			return Result{SlotIndex: i}, nil
		}
	}

	// Reusable after writing a slot-reuse record and flipping the
	// slot-reused bit on every tuple still referencing it.
	for i := uint16(1); i <= n; i++ {
		s := pg.Slot(i)
		if s.Xid == common.NilXid {
			continue
		}
		if req.Oracle.Status(s.Xid) != StatusCommittedNotAllVisible {
			continue
		}
		if deletedLinePointerHoldsSlot(pg, i) {
			continue
		}
		ptr, err := m.recycleOne(pg, i, s, req)
		if err != nil {
			return Result{}, err
		}
		markSlotReused(pg, i, s.Xid, s.LatestPtr)
		pg.SetSlot(i, page.TxnSlot{Xid: req.Xid, LatestPtr: common.NilUndoPtr})
		return Result{SlotIndex: i, ReuseRecords: []common.UndoPtr{ptr}}, nil
	}

	if !req.AllowBulkRecycle {
		return Result{}, fmt.Errorf("%w: no free or trivially reusable slot on page and overflow not yet attempted", common.ErrSlotExhausted)
	}

	if req.IsSubtransaction {
		return Result{}, fmt.Errorf("%w: subtransaction cannot bulk-recycle committed slots", common.ErrSlotExhausted)
	}

	return m.bulkRecycle(pg, req)
}

func (m *Manager) recycleOne(pg *page.Page, index uint16, occupant page.TxnSlot, req Request) (common.UndoPtr, error) {
	rec := undo.Record{
		Type:     undo.RecSlotReuse,
		Relation: req.Relation,
		Xid:      req.Xid,
		TxnPrev:  req.TxnPrevForXid,
		PagePrev: occupant.LatestPtr,
		Payload:  undo.SlotReusePayload{PriorXid: occupant.Xid, PriorPtr: occupant.LatestPtr}.Marshal(),
	}
	ptr, err := req.Log.Append(undo.Encode(rec))
	if err != nil {
		return common.NilUndoPtr, fmt.Errorf("txnslot: writing slot-reuse record: %w", err)
	}
	return ptr, nil
}

// bulkRecycle implements the toplevel-only fallback: recycle every
// committed slot on the page in one batch, emitting one slot-reuse record
// per recycled slot, then take whichever slot freed up first.
func (m *Manager) bulkRecycle(pg *page.Page, req Request) (Result, error) {
	n := pg.TxnSlotCount()
	var freed uint16
	var records []common.UndoPtr

	for i := uint16(1); i <= n; i++ {
		s := pg.Slot(i)
		if s.Xid == common.NilXid {
			continue
		}
		if deletedLinePointerHoldsSlot(pg, i) {
			continue
		}
		status := req.Oracle.Status(s.Xid)
		switch status {
		case StatusCommittedAllVisible, StatusAbortedUndone:
			if freed == 0 {
				freed = i
			}
			pg.SetSlot(i, page.TxnSlot{})
		case StatusCommittedNotAllVisible:
			ptr, err := m.recycleOne(pg, i, s, req)
			if err != nil {
				return Result{}, err
			}
			markSlotReused(pg, i, s.Xid, s.LatestPtr)
			records = append(records, ptr)
			if freed == 0 {
				freed = i
			}
			pg.SetSlot(i, page.TxnSlot{})
		}
	}

	if freed == 0 {
		return Result{}, fmt.Errorf("%w: every slot on page is held by an in-progress transaction", common.ErrSlotExhausted)
	}

	pg.SetSlot(freed, page.TxnSlot{Xid: req.Xid, LatestPtr: common.NilUndoPtr})
	return Result{SlotIndex: freed, ReuseRecords: records}, nil
}

// deletedLinePointerHoldsSlot reports whether any Deleted line pointer
// still carries slotIndex as its only reference to a prior version. A
// Deleted line pointer has no tuple header to freeze an occupant's Xid
// into, so — unlike a Normal tuple — it cannot survive its slot being
// handed to a new transaction; reuse must wait for pruning to reclaim it.
func deletedLinePointerHoldsSlot(pg *page.Page, slotIndex uint16) bool {
	n := pg.LineCount()
	for off := uint16(1); off <= n; off++ {
		lp := pg.LinePointer(off)
		if lp.State == page.LPDeleted && lp.SlotIndex() == slotIndex {
			return true
		}
	}
	return false
}

// markSlotReused freezes the prior occupant's Xid and last per-page undo
// pointer into every tuple still pointing at slotIndex, so the visibility
// resolver can keep walking that tuple's chain after the slot is handed to
// a new transaction (see the TupleHeader doc comment in internal/page).
func markSlotReused(pg *page.Page, slotIndex uint16, priorXid common.Xid, priorPtr common.UndoPtr) {
	n := pg.LineCount()
	for off := uint16(1); off <= n; off++ {
		lp := pg.LinePointer(off)
		if lp.State != page.LPNormal {
			continue
		}
		h := pg.ReadTupleHeader(lp.Offset)
		if h.SlotIndex != slotIndex {
			continue
		}
		h.Flags |= page.TFSlotReused
		h.FrozenXid = priorXid
		h.FrozenPtr = priorPtr
		pg.WriteTupleHeader(lp.Offset, h)
	}
}

// FindSlotForXid reports the index of the slot on pg currently owned by
// xid, if any. Shared by FindOrAllocate's own-slot check and the rollback
// engine (spec section 4.8 step 5), which needs to locate a page's slot
// for a transaction without going through the full find-or-allocate ladder.
func FindSlotForXid(pg *page.Page, xid common.Xid) (uint16, bool) {
	n := pg.TxnSlotCount()
	for i := uint16(1); i <= n; i++ {
		if pg.Slot(i).Xid == xid {
			return i, true
		}
	}
	return 0, false
}

// Mark writes slotIndex into a freshly inserted or updated tuple's header.
func Mark(pg *page.Page, tupleOffset, slotIndex uint16) {
	h := pg.ReadTupleHeader(tupleOffset)
	h.SlotIndex = slotIndex
	pg.WriteTupleHeader(tupleOffset, h)
}

// Freeze points slotIndex at the frozen sentinel wherever it appears as a
// tuple header, applied when the discard horizon advances past every undo
// record that slot could still be referenced through (spec section 4.4's
// Freeze operation, driven by internal/discard). The slot table entry
// itself is then cleared, leaving the slot free for a new owner.
func Freeze(pg *page.Page, slotIndex uint16) {
	n := pg.LineCount()
	for off := uint16(1); off <= n; off++ {
		lp := pg.LinePointer(off)
		switch lp.State {
		case page.LPNormal:
			h := pg.ReadTupleHeader(lp.Offset)
			if h.SlotIndex == slotIndex {
				h.SlotIndex = page.FrozenSlot
				h.Flags &^= page.TFSlotReused
				h.FrozenXid = common.NilXid
				h.FrozenPtr = common.NilUndoPtr
				pg.WriteTupleHeader(lp.Offset, h)
			}
		case page.LPDeleted:
			if lp.SlotIndex() == slotIndex {
				lp.Aux = page.FrozenSlot
				pg.SetLinePointer(off, lp)
			}
		}
	}
	pg.SetSlot(slotIndex, page.TxnSlot{})
}
