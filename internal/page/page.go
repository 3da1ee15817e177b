// Package page implements the on-disk page format (spec section 3 and 4.3):
// a fixed-size header, a line-pointer array growing upward from the header,
// a transaction-slot array living in a special area at the tail of the
// page, and a tuple region that grows downward from the special area. The
// gap between the line-pointer array and the tuple region is free space.
package page

import (
	"encoding/binary"
	"sync"

	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
)

// Size is the fixed page size in bytes. Real deployments might configure a
// different power of two; the engine only assumes it is large enough to
// hold the header, the special area, and at least one tuple.
const Size = 8192

// DefaultTxnSlotCount is S from spec section 3: the number of transaction
// slots a freshly created page carries before overflow pages are needed.
const DefaultTxnSlotCount = 4

// MaxTxnSlotCount is the compile-time bound on S mentioned in spec section 3
// ("compile-time configurable up to a small bound").
const MaxTxnSlotCount = 32

const (
	headerSize = 32 // layout version, flags, prune xid, page LSN, lower/upper/special offsets, slot count
	linePointerSize = 6
	txnSlotSize     = 16 // Xid (8) + UndoPtr (8)
	overflowLinkSize = 8 // PageID of the next overflow page, 0 = none
)

// Header flag bits.
const (
	FlagOverflowPage uint16 = 1 << iota // this page's line pointers don't carry user rows; scans must skip it
)

const layoutVersion uint16 = 1

// Page wraps one page's raw bytes with typed accessors and the page latch
// (RWMutex) satisfying common.Page — mirrors the teacher's SlottedPage,
// generalized to zheap's richer special area.
type Page struct {
	mu   sync.RWMutex
	data [Size]byte
}

func New(txnSlotCount uint16) *Page {
	assert.Assert(txnSlotCount > 0 && txnSlotCount <= MaxTxnSlotCount,
		"txn slot count %d out of range", txnSlotCount)

	p := &Page{}
	p.putUint16(0, layoutVersion)
	p.putUint16(2, 0) // flags
	p.putXid(4, common.NilXid)
	p.putLSN(12, common.NilLSN)
	special := uint16(Size) - overflowLinkSize - txnSlotCount*txnSlotSize
	p.putUint16(20, headerSize) // lower: end of line pointer array
	p.putUint16(22, special)    // upper: start of free tuple space
	p.putUint16(24, special)    // special: start of special area
	p.putUint16(26, txnSlotCount)
	for i := uint16(0); i < txnSlotCount; i++ {
		p.setSlotRaw(i+1, common.NilXid, common.NilUndoPtr)
	}
	p.setOverflowLink(0)
	return p
}

func (p *Page) Lock()       { p.mu.Lock() }
func (p *Page) Unlock()     { p.mu.Unlock() }
func (p *Page) RLock()      { p.mu.RLock() }
func (p *Page) RUnlock()    { p.mu.RUnlock() }
func (p *Page) TryLock() bool { return p.mu.TryLock() }

func (p *Page) GetData() []byte { return p.data[:] }

func (p *Page) SetData(d []byte) {
	assert.Assert(len(d) == Size, "page data must be exactly %d bytes, got %d", Size, len(d))
	copy(p.data[:], d)
}

func (p *Page) uint16At(off uint16) uint16 {
	return binary.BigEndian.Uint16(p.data[off : off+2])
}

func (p *Page) putUint16(off uint16, v uint16) {
	binary.BigEndian.PutUint16(p.data[off:off+2], v)
}

func (p *Page) uint64At(off uint16) uint64 {
	return binary.BigEndian.Uint64(p.data[off : off+8])
}

func (p *Page) putUint64(off uint16, v uint64) {
	binary.BigEndian.PutUint64(p.data[off:off+8], v)
}

func (p *Page) putXid(off uint16, x common.Xid)   { p.putUint64(off, uint64(x)) }
func (p *Page) xidAt(off uint16) common.Xid       { return common.Xid(p.uint64At(off)) }
func (p *Page) putLSN(off uint16, l common.LSN)   { p.putUint64(off, uint64(l)) }
func (p *Page) lsnAt(off uint16) common.LSN       { return common.LSN(p.uint64At(off)) }

// Header is a decoded snapshot of the fixed page header.
type Header struct {
	LayoutVersion uint16
	Flags         uint16
	PruneXid      common.Xid
	PageLSN       common.LSN
	Lower         uint16
	Upper         uint16
	Special       uint16
	TxnSlotCount  uint16
}

func (p *Page) Header() Header {
	return Header{
		LayoutVersion: p.uint16At(0),
		Flags:         p.uint16At(2),
		PruneXid:      p.xidAt(4),
		PageLSN:       p.lsnAt(12),
		Lower:         p.uint16At(20),
		Upper:         p.uint16At(22),
		Special:       p.uint16At(24),
		TxnSlotCount:  p.uint16At(26),
	}
}

func (p *Page) SetPageLSN(l common.LSN) { p.putLSN(12, l) }
func (p *Page) PageLSN() common.LSN     { return p.lsnAt(12) }

func (p *Page) SetPruneXid(x common.Xid) { p.putXid(4, x) }
func (p *Page) PruneXid() common.Xid     { return p.xidAt(4) }

func (p *Page) IsOverflowPage() bool {
	return p.uint16At(2)&FlagOverflowPage != 0
}

func (p *Page) MarkOverflowPage() {
	p.putUint16(2, p.uint16At(2)|FlagOverflowPage)
}

// FreeSpace is the gap between the line-pointer array and the tuple region.
func (p *Page) FreeSpace() uint16 {
	h := p.Header()
	if h.Upper < h.Lower {
		return 0
	}
	return h.Upper - h.Lower
}

func (p *Page) setLower(v uint16)  { p.putUint16(20, v) }
func (p *Page) setUpper(v uint16)  { p.putUint16(22, v) }

// UnsafeClear resets the page to an empty state with the given slot count,
// used when a page is recycled for a brand new relation block.
func (p *Page) UnsafeClear(txnSlotCount uint16) {
	fresh := New(txnSlotCount)
	copy(p.data[:], fresh.data[:])
}
