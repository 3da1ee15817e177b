package page

import "github.com/Blackdeer1524/zheap/internal/assert"

// LPState is the state tag a line pointer carries (spec section 3).
type LPState uint16

const (
	LPUnused LPState = iota
	LPNormal
	LPDead
	LPDeleted
)

func (s LPState) String() string {
	switch s {
	case LPUnused:
		return "UNUSED"
	case LPNormal:
		return "NORMAL"
	case LPDead:
		return "DEAD"
	case LPDeleted:
		return "DELETED"
	default:
		return "INVALID"
	}
}

// LinePointer is one row slot's directory entry. For LPNormal, Offset
// locates the tuple payload and Aux is its byte length. For LPDeleted, Aux
// instead carries the transaction-slot index so a reader can still reach
// the prior version via that slot's undo chain even though the tuple body
// has been reclaimed. Aux is unused (zero) for LPUnused and LPDead.
type LinePointer struct {
	State  LPState
	Offset uint16
	Aux    uint16
}

// Length is Aux under LPNormal.
func (l LinePointer) Length() uint16 { return l.Aux }

// SlotIndex is Aux under LPDeleted.
func (l LinePointer) SlotIndex() uint16 { return l.Aux }

func lpAddr(index uint16) uint16 {
	return headerSize + index*linePointerSize
}

// LineCount returns the number of line pointers currently allocated on the
// page (not all of which are necessarily NORMAL).
func (p *Page) LineCount() uint16 {
	h := p.Header()
	assert.Assert(h.Lower >= headerSize, "line pointer array underruns header")
	return (h.Lower - headerSize) / linePointerSize
}

// LinePointer reads the 1-based line pointer at offset (Tid.Offset).
func (p *Page) LinePointer(offset uint16) LinePointer {
	assert.Assert(offset >= 1 && offset <= p.LineCount(), "line pointer %d out of range", offset)
	addr := lpAddr(offset - 1)
	state := LPState(p.uint16At(addr))
	off := p.uint16At(addr + 2)
	aux := p.uint16At(addr + 4)
	return LinePointer{State: state, Offset: off, Aux: aux}
}

func (p *Page) setLinePointer(offset uint16, lp LinePointer) {
	addr := lpAddr(offset - 1)
	p.putUint16(addr, uint16(lp.State))
	p.putUint16(addr+2, lp.Offset)
	p.putUint16(addr+4, lp.Aux)
}

// AllocateLinePointer appends a new UNUSED line pointer if the reserved
// space between the array and the tuple region allows it, returning its
// 1-based offset. Enforces invariant (i): the line-pointer array never
// overruns the space reserved for it.
func (p *Page) AllocateLinePointer() (uint16, bool) {
	h := p.Header()
	newLower := h.Lower + linePointerSize
	if newLower > h.Upper {
		return 0, false
	}
	p.setLower(newLower)
	count := p.LineCount()
	p.setLinePointer(count, LinePointer{State: LPUnused})
	return count, true
}

// FindFreeLinePointer scans for a reusable UNUSED slot before allocating a
// new one, the usual "reuse a dead line pointer" behavior after pruning.
func (p *Page) FindFreeLinePointer() (uint16, bool) {
	n := p.LineCount()
	for i := uint16(1); i <= n; i++ {
		if p.LinePointer(i).State == LPUnused {
			return i, true
		}
	}
	return p.AllocateLinePointer()
}

func (p *Page) SetLinePointer(offset uint16, lp LinePointer) {
	assert.Assert(offset >= 1 && offset <= p.LineCount(), "line pointer %d out of range", offset)
	p.setLinePointer(offset, lp)
}
