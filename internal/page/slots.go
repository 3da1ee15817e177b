package page

import (
	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
)

// FrozenSlot is the sentinel slot index meaning "all-visible; no undo
// lookup needed" (spec section 3's "additional sentinel slot index 0").
const FrozenSlot uint16 = 0

// TxnSlot is one entry of the page's transaction-slot array: the owning
// Xid and the latest UndoPtr that transaction wrote against this page.
type TxnSlot struct {
	Xid     common.Xid
	LatestPtr common.UndoPtr
}

func (p *Page) slotAddr(index uint16) uint16 {
	h := p.Header()
	assert.Assert(index >= 1 && index <= h.TxnSlotCount, "slot index %d out of range [1,%d]", index, h.TxnSlotCount)
	return h.Special + (index-1)*txnSlotSize
}

// Slot reads transaction slot index (1-based; 0 is the frozen sentinel and
// must be handled by the caller without calling Slot).
func (p *Page) Slot(index uint16) TxnSlot {
	addr := p.slotAddr(index)
	return TxnSlot{
		Xid:       p.xidAt(addr),
		LatestPtr: common.UndoPtr(p.uint64At(addr + 8)),
	}
}

func (p *Page) setSlotRaw(index uint16, xid common.Xid, ptr common.UndoPtr) {
	addr := p.slotAddr(index)
	p.putXid(addr, xid)
	p.putUint64(addr+8, uint64(ptr))
}

// SetSlot overwrites a transaction slot in place.
func (p *Page) SetSlot(index uint16, s TxnSlot) {
	p.setSlotRaw(index, s.Xid, s.LatestPtr)
}

// TxnSlotCount returns S, the number of slots (excluding the sentinel).
func (p *Page) TxnSlotCount() uint16 {
	return p.Header().TxnSlotCount
}

// OverflowLink returns the PageID of this page's overflow page, or (0,
// false) if none is attached. Overflow pages hold extra transaction slots
// when S is insufficient (spec section 3); a metapage tracks which blocks
// are overflow pages so sequential scans can skip them.
func (p *Page) OverflowLink() (common.PageID, bool) {
	raw := p.uint64At(uint16(Size) - overflowLinkSize)
	if raw == 0 {
		return 0, false
	}
	return common.PageID(raw - 1), true
}

func (p *Page) setOverflowLink(raw uint64) {
	p.putUint64(uint16(Size)-overflowLinkSize, raw)
}

// SetOverflowLink attaches (or clears, with ok=false) this page's overflow
// page.
func (p *Page) SetOverflowLink(id common.PageID, ok bool) {
	if !ok {
		p.setOverflowLink(0)
		return
	}
	p.setOverflowLink(uint64(id) + 1)
}
