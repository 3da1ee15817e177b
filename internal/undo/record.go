// Package undo implements the undo-record codec (spec section 4.2) and the
// per-writer undo-log store (spec section 4.1) that the DML kernel appends
// to before mutating a page.
package undo

import (
	"encoding/binary"
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
)

// RecordType discriminates the tagged variant of an undo record (spec
// section 3 "Undo record").
type RecordType uint8

const (
	RecTxnHeader RecordType = iota
	RecInsert
	RecDelete
	RecInPlaceUpdate
	RecNonInPlaceUpdate
	RecMultiInsert
	RecLock
	RecSlotReuse
)

func (t RecordType) String() string {
	switch t {
	case RecTxnHeader:
		return "TXN_HEADER"
	case RecInsert:
		return "INSERT"
	case RecDelete:
		return "DELETE"
	case RecInPlaceUpdate:
		return "INPLACE_UPDATE"
	case RecNonInPlaceUpdate:
		return "NON_INPLACE_UPDATE"
	case RecMultiInsert:
		return "MULTI_INSERT"
	case RecLock:
		return "LOCK"
	case RecSlotReuse:
		return "SLOT_REUSE"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record flag bits.
const (
	FlagSpeculative uint8 = 1 << iota
)

// Record is one undo log entry: the common header from spec section 3 plus
// a type-specific payload. TxnPrev is the per-transaction back-link (I2);
// PagePrev is the per-page chain back-link (I3), captured from the page's
// transaction slot's latest pointer at the time this record was prepared
// (DML kernel step 3).
type Record struct {
	Type     RecordType
	Flags    uint8
	Relation common.FileID
	Tid      common.Tid
	Xid      common.Xid
	TxnPrev  common.UndoPtr
	PagePrev common.UndoPtr
	Payload  []byte
}

func (r Record) IsSpeculative() bool { return r.Flags&FlagSpeculative != 0 }

// --- Type-specific payloads ---

type InsertPayload struct {
	SpecToken common.SpeculativeToken
}

func (p InsertPayload) Marshal() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(p.SpecToken))
	return b
}

func UnmarshalInsertPayload(b []byte) InsertPayload {
	assert.Assert(len(b) >= 4, "insert payload too short")
	return InsertPayload{SpecToken: common.SpeculativeToken(binary.BigEndian.Uint32(b))}
}

type DeletePayload struct {
	PriorTuple []byte
}

func (p DeletePayload) Marshal() []byte { return append([]byte(nil), p.PriorTuple...) }

func UnmarshalDeletePayload(b []byte) DeletePayload {
	return DeletePayload{PriorTuple: append([]byte(nil), b...)}
}

type InPlaceUpdatePayload struct {
	PriorTuple []byte
}

func (p InPlaceUpdatePayload) Marshal() []byte { return append([]byte(nil), p.PriorTuple...) }

func UnmarshalInPlaceUpdatePayload(b []byte) InPlaceUpdatePayload {
	return InPlaceUpdatePayload{PriorTuple: append([]byte(nil), b...)}
}

type NonInPlaceUpdatePayload struct {
	PriorTuple []byte
	NewTid     common.Tid
}

func (p NonInPlaceUpdatePayload) Marshal() []byte {
	b := make([]byte, 10+len(p.PriorTuple))
	binary.BigEndian.PutUint64(b[0:8], uint64(p.NewTid.BlockNumber))
	binary.BigEndian.PutUint16(b[8:10], p.NewTid.Offset)
	copy(b[10:], p.PriorTuple)
	return b
}

func UnmarshalNonInPlaceUpdatePayload(b []byte) NonInPlaceUpdatePayload {
	assert.Assert(len(b) >= 10, "non-in-place update payload too short")
	return NonInPlaceUpdatePayload{
		NewTid: common.Tid{
			BlockNumber: common.PageID(binary.BigEndian.Uint64(b[0:8])),
			Offset:      binary.BigEndian.Uint16(b[8:10]),
		},
		PriorTuple: append([]byte(nil), b[10:]...),
	}
}

type MultiInsertPayload struct {
	StartOffset uint16
	Count       uint16
}

func (p MultiInsertPayload) Marshal() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], p.StartOffset)
	binary.BigEndian.PutUint16(b[2:4], p.Count)
	return b
}

func UnmarshalMultiInsertPayload(b []byte) MultiInsertPayload {
	assert.Assert(len(b) >= 4, "multi-insert payload too short")
	return MultiInsertPayload{
		StartOffset: binary.BigEndian.Uint16(b[0:2]),
		Count:       binary.BigEndian.Uint16(b[2:4]),
	}
}

type LockPayload struct {
	PriorFlags    uint8
	PriorLockRank uint8
	NewLockRank   uint8
}

func (p LockPayload) Marshal() []byte {
	return []byte{p.PriorFlags, p.PriorLockRank, p.NewLockRank}
}

func UnmarshalLockPayload(b []byte) LockPayload {
	assert.Assert(len(b) >= 3, "lock payload too short")
	return LockPayload{PriorFlags: b[0], PriorLockRank: b[1], NewLockRank: b[2]}
}

type SlotReusePayload struct {
	PriorXid common.Xid
	PriorPtr common.UndoPtr
}

func (p SlotReusePayload) Marshal() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.PriorXid))
	binary.BigEndian.PutUint64(b[8:16], uint64(p.PriorPtr))
	return b
}

func UnmarshalSlotReusePayload(b []byte) SlotReusePayload {
	assert.Assert(len(b) >= 16, "slot-reuse payload too short")
	return SlotReusePayload{
		PriorXid: common.Xid(binary.BigEndian.Uint64(b[0:8])),
		PriorPtr: common.UndoPtr(binary.BigEndian.Uint64(b[8:16])),
	}
}

// TxnHeaderPayload is the first record of a transaction in a given log
// (spec section 3); NextTxnPtr is filled in lazily when the *next*
// transaction starts in this log (see store.go's writer bookkeeping), so a
// fresh header is written with a nil pointer.
type TxnHeaderPayload struct {
	NextTxnPtr common.UndoPtr
}

func (p TxnHeaderPayload) Marshal() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(p.NextTxnPtr))
	return b
}

func UnmarshalTxnHeaderPayload(b []byte) TxnHeaderPayload {
	assert.Assert(len(b) >= 8, "txn header payload too short")
	return TxnHeaderPayload{NextTxnPtr: common.UndoPtr(binary.BigEndian.Uint64(b))}
}

// --- Wire framing ---
//
// [4B frameLen][1B type][1B flags][4B relation][8B tid.block][2B tid.offset]
// [8B xid][8B txnPrev][8B pagePrev][payload...][4B frameLen]
//
// The trailing length mirror is what lets the rollback engine (section 4.8)
// walk a log backward one frame at a time without a separate index.

const fixedHeaderSize = 4 + 1 + 1 + 4 + 8 + 2 + 8 + 8 + 8 + 4

func Encode(r Record) []byte {
	total := fixedHeaderSize + len(r.Payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint32(b[0:4], uint32(total))
	b[4] = byte(r.Type)
	b[5] = r.Flags
	binary.BigEndian.PutUint32(b[6:10], uint32(r.Relation))
	binary.BigEndian.PutUint64(b[10:18], uint64(r.Tid.BlockNumber))
	binary.BigEndian.PutUint16(b[18:20], r.Tid.Offset)
	binary.BigEndian.PutUint64(b[20:28], uint64(r.Xid))
	binary.BigEndian.PutUint64(b[28:36], uint64(r.TxnPrev))
	binary.BigEndian.PutUint64(b[36:44], uint64(r.PagePrev))
	copy(b[44:total-4], r.Payload)
	binary.BigEndian.PutUint32(b[total-4:total], uint32(total))
	return b
}

// Decode parses a single frame starting at buf[0]. Returns the record and
// the number of bytes consumed.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < fixedHeaderSize {
		return Record{}, 0, fmt.Errorf("undo: truncated frame header (%d bytes)", len(buf))
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if total < fixedHeaderSize || total > len(buf) {
		return Record{}, 0, fmt.Errorf("undo: invalid frame length %d", total)
	}
	tail := binary.BigEndian.Uint32(buf[total-4 : total])
	if int(tail) != total {
		return Record{}, 0, fmt.Errorf("undo: frame length mismatch (head=%d tail=%d)", total, tail)
	}
	r := Record{
		Type:     RecordType(buf[4]),
		Flags:    buf[5],
		Relation: common.FileID(binary.BigEndian.Uint32(buf[6:10])),
		Tid: common.Tid{
			BlockNumber: common.PageID(binary.BigEndian.Uint64(buf[10:18])),
			Offset:      binary.BigEndian.Uint16(buf[18:20]),
		},
		Xid:      common.Xid(binary.BigEndian.Uint64(buf[20:28])),
		TxnPrev:  common.UndoPtr(binary.BigEndian.Uint64(buf[28:36])),
		PagePrev: common.UndoPtr(binary.BigEndian.Uint64(buf[36:44])),
	}
	if total > fixedHeaderSize {
		r.Payload = append([]byte(nil), buf[44:total-4]...)
	}
	return r, total, nil
}

// FrameLenBefore reads just the trailing length mirror ending at buf[end-4:end],
// which is how reverse traversal finds where the previous frame starts.
func FrameLenBefore(buf []byte, end int) (int, error) {
	if end < 4 {
		return 0, fmt.Errorf("undo: no frame before offset %d", end)
	}
	length := int(binary.BigEndian.Uint32(buf[end-4 : end]))
	if length < fixedHeaderSize || length > end {
		return 0, fmt.Errorf("undo: invalid reverse frame length %d at offset %d", length, end)
	}
	return length, nil
}
