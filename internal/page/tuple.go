package page

import (
	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
)

// Tuple header flag bits (spec section 3: "two info masks and a data-offset
// byte"). Collapsed here into one flag byte plus a lock-mode byte; the
// payload itself is opaque to this package (columnar layout, null bitmaps,
// and TOAST pointers are the executor's concern, out of this engine's
// scope) so DataOffset is always tupleHeaderSize — kept as an explicit
// field rather than a constant so a caller that does prepend a null bitmap
// has somewhere to record its length.
const (
	TFNullBitmapPresent uint8 = 1 << iota
	TFHasExternal
	TFInPlaceUpdated
	TFHasLock
	TFMultiLocker
	TFSpeculative
	TFSlotReused
)

const tupleHeaderSize = 26

// TupleHeader is the fixed-size prefix of every tuple payload region entry.
// It is two-byte aligned at minimum so lock/flag bits can be mutated in
// place without reshuffling the tuple (spec section 3).
//
// FrozenXid/FrozenPtr are only meaningful when TFSlotReused is set. A
// slot's TxnSlot is page-resident and tracks only its current occupant, so
// once a slot is handed to a new transaction there is nothing left on the
// page for an older tuple's SlotIndex to dereference. Marking that tuple
// TFSlotReused and freezing the prior occupant's Xid and last UndoPtr
// directly into its header is what lets the visibility resolver keep
// walking that tuple's own undo chain after the slot has moved on.
type TupleHeader struct {
	Flags      uint8
	LockMode   common.RowLockMode
	SlotIndex  uint16
	DataOffset uint16
	SpecToken  common.SpeculativeToken
	FrozenXid  common.Xid
	FrozenPtr  common.UndoPtr
}

func (h TupleHeader) HasFlag(f uint8) bool { return h.Flags&f != 0 }

func encodeLockRank(m common.RowLockMode) uint8 {
	switch m {
	case common.RowLockExclusive:
		return 2
	case common.RowLockShare:
		return 1
	default:
		return 0
	}
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

func marshalTupleHeader(buf []byte, h TupleHeader) {
	assert.Assert(len(buf) >= tupleHeaderSize, "tuple header buffer too small")
	buf[0] = h.Flags
	buf[1] = encodeLockRank(h.LockMode)
	putU16(buf[2:4], h.SlotIndex)
	putU16(buf[4:6], h.DataOffset)
	putU32(buf[6:10], uint32(h.SpecToken))
	putU64(buf[10:18], uint64(h.FrozenXid))
	putU64(buf[18:26], uint64(h.FrozenPtr))
}

func unmarshalTupleHeader(buf []byte) TupleHeader {
	assert.Assert(len(buf) >= tupleHeaderSize, "tuple header buffer too small")
	return TupleHeader{
		Flags:      buf[0],
		LockMode:   decodeLockRank(buf[1]),
		SlotIndex:  getU16(buf[2:4]),
		DataOffset: getU16(buf[4:6]),
		SpecToken:  common.SpeculativeToken(getU32(buf[6:10])),
		FrozenXid:  common.Xid(getU64(buf[10:18])),
		FrozenPtr:  common.UndoPtr(getU64(buf[18:26])),
	}
}

func putU16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func getU16(b []byte) uint16    { return uint16(b[0])<<8 | uint16(b[1]) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Tuple is a decoded tuple: its header plus the raw column bytes.
type Tuple struct {
	Header  TupleHeader
	Payload []byte
}

func tupleTotalLen(payloadLen int) uint16 {
	return tupleHeaderSize + uint16(payloadLen)
}

// PutTuple writes a tuple (header+payload) into the free gap, growing Upper
// downward, and returns its byte offset. Returns ok=false if there isn't
// enough free space (caller maps that to ErrOutOfPageSpace and either
// prunes or falls back to a non-in-place update).
func (p *Page) PutTuple(h TupleHeader, payload []byte) (offset uint16, ok bool) {
	total := tupleTotalLen(len(payload))
	hdr := p.Header()
	if uint16(hdr.Upper-hdr.Lower) < total {
		return 0, false
	}
	newUpper := hdr.Upper - total
	buf := make([]byte, total)
	h.DataOffset = tupleHeaderSize
	marshalTupleHeader(buf, h)
	copy(buf[tupleHeaderSize:], payload)
	copy(p.data[newUpper:newUpper+total], buf)
	p.setUpper(newUpper)
	return newUpper, true
}

// ReadTuple decodes the tuple stored at offset with the given total length
// (as carried by the owning line pointer's Aux/Length field).
func (p *Page) ReadTuple(offset, length uint16) Tuple {
	raw := p.data[offset : offset+length]
	h := unmarshalTupleHeader(raw)
	payload := make([]byte, len(raw)-tupleHeaderSize)
	copy(payload, raw[tupleHeaderSize:])
	return Tuple{Header: h, Payload: payload}
}

// ReadTupleHeader decodes only the header, avoiding a payload copy when the
// caller (e.g. the visibility resolver checking flags) doesn't need it.
func (p *Page) ReadTupleHeader(offset uint16) TupleHeader {
	return unmarshalTupleHeader(p.data[offset : offset+tupleHeaderSize])
}

// WriteTupleHeader overwrites just the header in place — used for lock
// promotion, slot-reused marking, and speculative-insert completion, none
// of which change the payload.
func (p *Page) WriteTupleHeader(offset uint16, h TupleHeader) {
	h.DataOffset = tupleHeaderSize
	marshalTupleHeader(p.data[offset:offset+tupleHeaderSize], h)
}

// OverwriteTuplePayload replaces the payload of a same-length in-place
// update. Callers must have already verified newPayload is exactly as long
// as the tuple's current payload; heap.Kernel.UpdateInPlace is responsible
// for that check.
func (p *Page) OverwriteTuplePayload(offset, length uint16, newPayload []byte) {
	assert.Assert(uint16(len(newPayload)) == length-tupleHeaderSize,
		"in-place update payload length mismatch: have %d want %d", len(newPayload), length-tupleHeaderSize)
	copy(p.data[offset+tupleHeaderSize:offset+length], newPayload)
}

// Compact reclaims space from dead line pointers by sliding all live
// tuples toward Upper. Line pointers are rewritten with their new offsets
// but never renumbered — spec section 4.7: "line pointers do not move."
func (p *Page) Compact() {
	type live struct {
		idx    uint16
		off    uint16
		length uint16
	}
	n := p.LineCount()
	var entries []live
	for i := uint16(1); i <= n; i++ {
		lp := p.LinePointer(i)
		if lp.State == LPNormal {
			entries = append(entries, live{idx: i, off: lp.Offset, length: lp.Aux})
		}
	}
	// Slide from the highest offset (closest to the end of the page)
	// downward so copies never overlap into not-yet-moved data.
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].off > entries[i].off {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	h := p.Header()
	cursor := uint16(h.Special)
	for _, e := range entries {
		cursor -= e.length
		if cursor != e.off {
			copy(p.data[cursor:cursor+e.length], p.data[e.off:e.off+e.length])
		}
		lp := p.LinePointer(e.idx)
		lp.Offset = cursor
		p.SetLinePointer(e.idx, lp)
	}
	p.setUpper(cursor)
}
