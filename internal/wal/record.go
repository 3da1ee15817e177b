// Package wal implements the write-ahead log: the ZHEAP_* record types of
// spec section 6 and the sequential log store they're appended to (spec
// section 4.5 step 8, section 9's WAL-order guarantee).
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
)

// RecordType discriminates a WAL record's payload, one per entry in spec
// section 6's "WAL records emitted" list.
type RecordType uint8

const (
	RecInsert RecordType = iota
	RecDelete
	RecUpdate
	RecMultiInsert
	RecLock
	RecSpecConfirm
	RecSpecAbort
	RecUndoMeta
	RecUndoApply
	RecDiscard
)

func (t RecordType) String() string {
	switch t {
	case RecInsert:
		return "ZHEAP_INSERT"
	case RecDelete:
		return "ZHEAP_DELETE"
	case RecUpdate:
		return "ZHEAP_UPDATE"
	case RecMultiInsert:
		return "ZHEAP_MULTI_INSERT"
	case RecLock:
		return "ZHEAP_LOCK"
	case RecSpecConfirm:
		return "ZHEAP_SPEC_CONFIRM"
	case RecSpecAbort:
		return "ZHEAP_SPEC_ABORT"
	case RecUndoMeta:
		return "ZHEAP_UNDOMETA"
	case RecUndoApply:
		return "ZHEAP_UNDO_APPLY"
	case RecDiscard:
		return "ZHEAP_DISCARD"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record is one WAL entry: an LSN (filled in by Log.Append), a record
// type, and its opaque, type-specific payload.
type Record struct {
	LSN     common.LSN
	Type    RecordType
	Payload []byte
}

// --- Payloads ---

type InsertPayload struct {
	Block    common.PageID
	Offset   uint16
	Tuple    []byte
	UndoHint common.UndoPtr
}

func (p InsertPayload) Marshal() []byte {
	b := make([]byte, 18+len(p.Tuple))
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(b[8:10], p.Offset)
	binary.BigEndian.PutUint64(b[10:18], uint64(p.UndoHint))
	copy(b[18:], p.Tuple)
	return b
}

func UnmarshalInsertPayload(b []byte) InsertPayload {
	assert.Assert(len(b) >= 18, "insert WAL payload too short")
	return InsertPayload{
		Block:    common.PageID(binary.BigEndian.Uint64(b[0:8])),
		Offset:   binary.BigEndian.Uint16(b[8:10]),
		UndoHint: common.UndoPtr(binary.BigEndian.Uint64(b[10:18])),
		Tuple:    append([]byte(nil), b[18:]...),
	}
}

type DeletePayload struct {
	Block    common.PageID
	Offset   uint16
	Tuple    []byte // nil when full-page writes are on and the tuple is recoverable from the page image
	UndoHint common.UndoPtr
}

func (p DeletePayload) Marshal() []byte {
	b := make([]byte, 18+len(p.Tuple))
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(b[8:10], p.Offset)
	binary.BigEndian.PutUint64(b[10:18], uint64(p.UndoHint))
	copy(b[18:], p.Tuple)
	return b
}

func UnmarshalDeletePayload(b []byte) DeletePayload {
	assert.Assert(len(b) >= 18, "delete WAL payload too short")
	rest := append([]byte(nil), b[18:]...)
	if len(rest) == 0 {
		rest = nil
	}
	return DeletePayload{
		Block:    common.PageID(binary.BigEndian.Uint64(b[0:8])),
		Offset:   binary.BigEndian.Uint16(b[8:10]),
		UndoHint: common.UndoPtr(binary.BigEndian.Uint64(b[10:18])),
		Tuple:    rest,
	}
}

type UpdatePayload struct {
	Block        common.PageID
	OriginOffset uint16
	NewTid       common.Tid
	InPlace      bool
	NewTuple     []byte
	OldTuple     []byte // present for non-in-place updates and in-place updates with full-page-writes off
	UndoHint     common.UndoPtr
}

func (p UpdatePayload) Marshal() []byte {
	flags := byte(0)
	if p.InPlace {
		flags = 1
	}
	b := make([]byte, 29)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(b[8:10], p.OriginOffset)
	binary.BigEndian.PutUint64(b[10:18], uint64(p.NewTid.BlockNumber))
	binary.BigEndian.PutUint16(b[18:20], p.NewTid.Offset)
	b[20] = flags
	binary.BigEndian.PutUint64(b[21:29], uint64(p.UndoHint))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(p.NewTuple)))
	out := append(b, lenBuf...)
	out = append(out, p.NewTuple...)
	out = append(out, p.OldTuple...)
	return out
}

func UnmarshalUpdatePayload(b []byte) UpdatePayload {
	assert.Assert(len(b) >= 33, "update WAL payload too short")
	newLen := int(binary.BigEndian.Uint32(b[29:33]))
	rest := b[33:]
	assert.Assert(len(rest) >= newLen, "update WAL payload truncated")
	return UpdatePayload{
		Block:        common.PageID(binary.BigEndian.Uint64(b[0:8])),
		OriginOffset: binary.BigEndian.Uint16(b[8:10]),
		NewTid: common.Tid{
			BlockNumber: common.PageID(binary.BigEndian.Uint64(b[10:18])),
			Offset:      binary.BigEndian.Uint16(b[18:20]),
		},
		InPlace:  b[20] != 0,
		UndoHint: common.UndoPtr(binary.BigEndian.Uint64(b[21:29])),
		NewTuple: append([]byte(nil), rest[:newLen]...),
		OldTuple: append([]byte(nil), rest[newLen:]...),
	}
}

type InsertRange struct {
	StartOffset uint16
	Count       uint16
}

type MultiInsertPayload struct {
	Block  common.PageID
	Ranges []InsertRange
	Tuples [][]byte
}

func (p MultiInsertPayload) Marshal() []byte {
	b := make([]byte, 0, 8+2+4*len(p.Ranges))
	head := make([]byte, 10)
	binary.BigEndian.PutUint64(head[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(head[8:10], uint16(len(p.Ranges)))
	b = append(b, head...)
	for _, r := range p.Ranges {
		rb := make([]byte, 4)
		binary.BigEndian.PutUint16(rb[0:2], r.StartOffset)
		binary.BigEndian.PutUint16(rb[2:4], r.Count)
		b = append(b, rb...)
	}
	for _, t := range p.Tuples {
		lb := make([]byte, 4)
		binary.BigEndian.PutUint32(lb, uint32(len(t)))
		b = append(b, lb...)
		b = append(b, t...)
	}
	return b
}

func UnmarshalMultiInsertPayload(b []byte) MultiInsertPayload {
	assert.Assert(len(b) >= 10, "multi-insert WAL payload too short")
	block := common.PageID(binary.BigEndian.Uint64(b[0:8]))
	n := int(binary.BigEndian.Uint16(b[8:10]))
	off := 10
	ranges := make([]InsertRange, n)
	for i := 0; i < n; i++ {
		ranges[i] = InsertRange{
			StartOffset: binary.BigEndian.Uint16(b[off : off+2]),
			Count:       binary.BigEndian.Uint16(b[off+2 : off+4]),
		}
		off += 4
	}
	var tuples [][]byte
	for off < len(b) {
		l := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		tuples = append(tuples, append([]byte(nil), b[off:off+l]...))
		off += l
	}
	return MultiInsertPayload{Block: block, Ranges: ranges, Tuples: tuples}
}

type LockPayload struct {
	Block    common.PageID
	Offset   uint16
	LockMode common.RowLockMode
	UndoHint common.UndoPtr
}

func (p LockPayload) Marshal() []byte {
	b := make([]byte, 19)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(b[8:10], p.Offset)
	b[10] = lockRank(p.LockMode)
	binary.BigEndian.PutUint64(b[11:19], uint64(p.UndoHint))
	return b
}

func UnmarshalLockPayload(b []byte) LockPayload {
	assert.Assert(len(b) >= 19, "lock WAL payload too short")
	return LockPayload{
		Block:    common.PageID(binary.BigEndian.Uint64(b[0:8])),
		Offset:   binary.BigEndian.Uint16(b[8:10]),
		LockMode: rankToLock(b[10]),
		UndoHint: common.UndoPtr(binary.BigEndian.Uint64(b[11:19])),
	}
}

func lockRank(m common.RowLockMode) byte {
	switch m {
	case common.RowLockExclusive:
		return 2
	case common.RowLockShare:
		return 1
	default:
		return 0
	}
}

func rankToLock(r byte) common.RowLockMode {
	switch r {
	case 2:
		return common.RowLockExclusive
	case 1:
		return common.RowLockShare
	default:
		return common.RowLockNone
	}
}

type SpecCompletePayload struct {
	Block  common.PageID
	Offset uint16
}

func (p SpecCompletePayload) Marshal() []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(b[8:10], p.Offset)
	return b
}

func UnmarshalSpecCompletePayload(b []byte) SpecCompletePayload {
	assert.Assert(len(b) >= 10, "spec-complete WAL payload too short")
	return SpecCompletePayload{
		Block:  common.PageID(binary.BigEndian.Uint64(b[0:8])),
		Offset: binary.BigEndian.Uint16(b[8:10]),
	}
}

type UndoMetaPayload struct {
	Log         common.LogNumber
	InsertPoint uint64
	Xid         common.Xid
}

func (p UndoMetaPayload) Marshal() []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Log))
	binary.BigEndian.PutUint64(b[4:12], p.InsertPoint)
	binary.BigEndian.PutUint64(b[12:20], uint64(p.Xid))
	return b
}

func UnmarshalUndoMetaPayload(b []byte) UndoMetaPayload {
	assert.Assert(len(b) >= 20, "undo-meta WAL payload too short")
	return UndoMetaPayload{
		Log:         common.LogNumber(binary.BigEndian.Uint32(b[0:4])),
		InsertPoint: binary.BigEndian.Uint64(b[4:12]),
		Xid:         common.Xid(binary.BigEndian.Uint64(b[12:20])),
	}
}

type UndoApplyPayload struct {
	Block         common.PageID
	RevertedImage []byte
	SlotIndex     uint16
	SlotXid       common.Xid
	SlotLatestPtr common.UndoPtr
}

func (p UndoApplyPayload) Marshal() []byte {
	b := make([]byte, 26+len(p.RevertedImage))
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Block))
	binary.BigEndian.PutUint16(b[8:10], p.SlotIndex)
	binary.BigEndian.PutUint64(b[10:18], uint64(p.SlotXid))
	binary.BigEndian.PutUint64(b[18:26], uint64(p.SlotLatestPtr))
	copy(b[26:], p.RevertedImage)
	return b
}

func UnmarshalUndoApplyPayload(b []byte) UndoApplyPayload {
	assert.Assert(len(b) >= 26, "undo-apply WAL payload too short")
	return UndoApplyPayload{
		Block:         common.PageID(binary.BigEndian.Uint64(b[0:8])),
		SlotIndex:     binary.BigEndian.Uint16(b[8:10]),
		SlotXid:       common.Xid(binary.BigEndian.Uint64(b[10:18])),
		SlotLatestPtr: common.UndoPtr(binary.BigEndian.Uint64(b[18:26])),
		RevertedImage: append([]byte(nil), b[26:]...),
	}
}

type DiscardPayload struct {
	Log           common.LogNumber
	NewOldestData common.UndoPtr
	OldestXid     common.Xid
}

func (p DiscardPayload) Marshal() []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Log))
	binary.BigEndian.PutUint64(b[4:12], uint64(p.NewOldestData))
	binary.BigEndian.PutUint64(b[12:20], uint64(p.OldestXid))
	return b
}

func UnmarshalDiscardPayload(b []byte) DiscardPayload {
	assert.Assert(len(b) >= 20, "discard WAL payload too short")
	return DiscardPayload{
		Log:           common.LogNumber(binary.BigEndian.Uint32(b[0:4])),
		NewOldestData: common.UndoPtr(binary.BigEndian.Uint64(b[4:12])),
		OldestXid:     common.Xid(binary.BigEndian.Uint64(b[12:20])),
	}
}

// EncodeRecord and DecodeRecord expose the log's wire framing to callers
// outside this package that need to ship a Record somewhere other than
// this Log's own segment files — internal/replication threads a leader's
// records through a raft log entry this way.
func EncodeRecord(r Record) []byte {
	return encode(r.LSN, r.Type, r.Payload)
}

func DecodeRecord(buf []byte) (Record, int, error) {
	return decode(buf)
}

// --- Wire framing: [4B length][8B LSN][1B type][payload...] ---

const fixedHeaderSize = 4 + 8 + 1

func encode(lsn common.LSN, t RecordType, payload []byte) []byte {
	total := fixedHeaderSize + len(payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint32(b[0:4], uint32(total))
	binary.BigEndian.PutUint64(b[4:12], uint64(lsn))
	b[12] = byte(t)
	copy(b[13:], payload)
	return b
}

func decode(buf []byte) (Record, int, error) {
	if len(buf) < fixedHeaderSize {
		return Record{}, 0, fmt.Errorf("wal: truncated record header (%d bytes)", len(buf))
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if total < fixedHeaderSize || total > len(buf) {
		return Record{}, 0, fmt.Errorf("wal: invalid record length %d", total)
	}
	r := Record{
		LSN:  common.LSN(binary.BigEndian.Uint64(buf[4:12])),
		Type: RecordType(buf[12]),
	}
	if total > fixedHeaderSize {
		r.Payload = append([]byte(nil), buf[13:total]...)
	}
	return r, total, nil
}
