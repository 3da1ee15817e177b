package undo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
)

// DefaultSegmentSize bounds how large a single on-disk segment file grows
// before the store rolls to the next one. Undo pages never need full-page
// writes (spec section 4.1: "undo is written strictly sequentially and
// torn tails are harmless"), so segments are plain append-only files, not
// fixed-size pages.
const DefaultSegmentSize int64 = 16 << 20

var (
	// ErrAlreadyAttached is I4: at most one writer per undo log at a time.
	ErrAlreadyAttached = errors.New("undo: log already has an attached writer")
	ErrNotAttached     = errors.New("undo: no writer attached to this log")
)

// Log is one per-writer append-only undo log, addressed by UndoPtr. It owns
// a family of segment files under dir, named by segment index.
type Log struct {
	number      common.LogNumber
	fs          afero.Fs
	dir         string
	segmentSize int64
	logger      *zap.SugaredLogger

	appendMu sync.Mutex // I4: serializes Append and Attach/Detach
	attached bool
	writer   common.Xid

	insertPoint uint64 // next byte offset to append at
	lastHeader  common.UndoPtr // most recent RecTxnHeader written to this log, for NextTxnPtr chaining

	discardMu  sync.RWMutex // shared for readers, exclusive while advancing
	oldestData common.UndoPtr
	oldestXid  common.Xid
}

func newLog(number common.LogNumber, fs afero.Fs, dir string, segmentSize int64, logger *zap.SugaredLogger) *Log {
	return &Log{
		number:      number,
		fs:          fs,
		dir:         dir,
		segmentSize: segmentSize,
		logger:      logger,
		oldestData:  common.NewUndoPtr(number, 0),
	}
}

func (l *Log) segmentPath(index int64) string {
	return fmt.Sprintf("%s/undo_%06d_%020d.seg", l.dir, l.number, index)
}

// Attach makes writer the unique writer of this log (I4).
func (l *Log) Attach(writer common.Xid) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	if l.attached {
		return fmt.Errorf("%w: log %d held by %s", ErrAlreadyAttached, l.number, l.writer)
	}
	l.attached = true
	l.writer = writer
	return nil
}

// Detach releases the writer slot, normally called on transaction end.
func (l *Log) Detach(writer common.Xid) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	assert.Assert(l.attached && l.writer == writer, "detach by non-owning writer %s (owner %s)", writer, l.writer)
	l.attached = false
	l.writer = common.NilXid
}

// Attached reports the log's current writer, if any — used by the undo
// worker's forgotten-abort scan to check a dead xid's log is still sitting
// attached to it (and not reattached to some later writer) before detaching.
func (l *Log) Attached() (common.Xid, bool) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.writer, l.attached
}

// RestoreInsertPoint reconstructs the durable insertion point after a
// crash, from the last ZHEAP_UNDOMETA WAL record observed during recovery
// (spec section 4.1).
func (l *Log) RestoreInsertPoint(point uint64, writer common.Xid) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.insertPoint = point
	l.attached = writer != common.NilXid
	l.writer = writer
}

// WriteHeader appends a transaction-header record for writer — spec
// section 4.2 guarantee (a): "the first record of a transaction in a log
// is a transaction-header record." If this log already holds an earlier
// header (from a previous writer this log number was assigned to), that
// header's NextTxnPtr is patched in place to point at the new one, the
// lazy fill-in TxnHeaderPayload's doc comment promises.
func (l *Log) WriteHeader(writer common.Xid) (common.UndoPtr, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	offset := l.insertPoint
	frame := Encode(Record{
		Type:     RecTxnHeader,
		Xid:      writer,
		TxnPrev:  common.NilUndoPtr,
		PagePrev: common.NilUndoPtr,
		Payload:  TxnHeaderPayload{NextTxnPtr: common.NilUndoPtr}.Marshal(),
	})
	if err := l.writeAt(offset, frame); err != nil {
		return common.NilUndoPtr, fmt.Errorf("undo: writing header to log %d: %w", l.number, err)
	}
	l.insertPoint = offset + uint64(len(frame))
	ptr := common.NewUndoPtr(l.number, offset)

	if !l.lastHeader.IsNil() {
		patch := TxnHeaderPayload{NextTxnPtr: ptr}.Marshal()
		// The payload sits between the fixed header fields and the 4-byte
		// trailing length mirror that fixedHeaderSize also counts.
		if err := l.writeAt(l.lastHeader.Offset()+fixedHeaderSize-4, patch); err != nil {
			return common.NilUndoPtr, fmt.Errorf("undo: linking previous header in log %d: %w", l.number, err)
		}
	}
	l.lastHeader = ptr
	return ptr, nil
}

// Append writes one encoded record frame and returns its UndoPtr. Must be
// called by the attached writer; the append itself additionally serializes
// under appendMu so a single log is never torn by concurrent appends even
// if a caller forgets to Attach first (tests do this routinely).
func (l *Log) Append(frame []byte) (common.UndoPtr, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	offset := l.insertPoint
	if err := l.writeAt(offset, frame); err != nil {
		return common.NilUndoPtr, fmt.Errorf("undo: append to log %d: %w", l.number, err)
	}
	l.insertPoint = offset + uint64(len(frame))
	return common.NewUndoPtr(l.number, offset), nil
}

func (l *Log) writeAt(offset uint64, frame []byte) error {
	remaining := frame
	pos := offset
	for len(remaining) > 0 {
		segIndex := int64(pos) / l.segmentSize
		segOffset := int64(pos) % l.segmentSize
		n := l.segmentSize - segOffset
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if err := l.writeSegment(segIndex, segOffset, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		pos += uint64(n)
	}
	return nil
}

func (l *Log) writeSegment(segIndex, segOffset int64, chunk []byte) error {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := l.fs.OpenFile(l.segmentPath(segIndex), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(chunk, segOffset); err != nil {
		return err
	}
	return nil
}

// ReadAt fetches the raw frame bytes at ptr. Takes the log's shared discard
// lock for the duration of the bounds check and the read (spec section
// 4.9: "Readers fetching undo hold the shared discard lock for the
// duration of the pointer check and fetch"), so a concurrent discard
// advance can never invalidate a pointer a reader is mid-fetch on.
func (l *Log) ReadAt(ptr common.UndoPtr) ([]byte, error) {
	l.discardMu.RLock()
	defer l.discardMu.RUnlock()

	if ptr.Less(l.oldestData) {
		return nil, common.ErrUndoUnavailable
	}

	lenBuf, err := l.readAt(ptr.Offset(), 4)
	if err != nil {
		return nil, fmt.Errorf("undo: read frame length at %s: %w", ptr, err)
	}
	total := int(beUint32(lenBuf))
	frame, err := l.readAt(ptr.Offset(), int64(total))
	if err != nil {
		return nil, fmt.Errorf("undo: read frame at %s: %w", ptr, err)
	}
	return frame, nil
}

func (l *Log) readAt(offset uint64, length int64) ([]byte, error) {
	out := make([]byte, length)
	pos := offset
	read := int64(0)
	for read < length {
		segIndex := int64(pos) / l.segmentSize
		segOffset := int64(pos) % l.segmentSize
		n := l.segmentSize - segOffset
		if n > length-read {
			n = length - read
		}
		f, err := l.fs.Open(l.segmentPath(segIndex))
		if err != nil {
			return nil, err
		}
		_, err = f.ReadAt(out[read:read+n], segOffset)
		f.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		read += n
		pos += uint64(n)
	}
	return out, nil
}

// OldestData and OldestXid report the current discard horizon (spec
// section 4.9).
func (l *Log) OldestData() common.UndoPtr {
	l.discardMu.RLock()
	defer l.discardMu.RUnlock()
	return l.oldestData
}

func (l *Log) OldestXid() common.Xid {
	l.discardMu.RLock()
	defer l.discardMu.RUnlock()
	return l.oldestXid
}

// AdvanceOldestData moves the discard horizon forward under the log's
// exclusive discard lock. Callers (internal/discard) are responsible for
// only ever moving it forward and for having already confirmed newOldest
// is safe to dereference as a lower bound.
func (l *Log) AdvanceOldestData(newOldest common.UndoPtr, newOldestXid common.Xid) {
	l.discardMu.Lock()
	defer l.discardMu.Unlock()
	assert.Assert(!newOldest.Less(l.oldestData), "discard horizon must not move backward")
	l.oldestData = newOldest
	l.oldestXid = newOldestXid
}

func (l *Log) InsertPoint() uint64 { return l.insertPoint }
func (l *Log) Number() common.LogNumber { return l.number }

// NextRecord decodes one record frame starting at ptr and returns it along
// with the pointer immediately following it. Unlike the rollback engine's
// backward PagePrev/TxnPrev walks, this reads forward through the log's own
// append order — what WalkHeaders' callers need to reconstruct a dead xid's
// per-relation undo chains from a header's span.
func (l *Log) NextRecord(ptr common.UndoPtr) (Record, common.UndoPtr, error) {
	frame, err := l.ReadAt(ptr)
	if err != nil {
		return Record{}, common.NilUndoPtr, fmt.Errorf("undo: reading record at %s: %w", ptr, err)
	}
	rec, n, err := Decode(frame)
	if err != nil {
		return Record{}, common.NilUndoPtr, fmt.Errorf("undo: decoding record at %s: %w", ptr, err)
	}
	return rec, common.NewUndoPtr(ptr.Log(), ptr.Offset()+uint64(n)), nil
}

// WalkHeaders walks every transaction-header record still reachable in this
// log, from the oldest surviving one forward through each header's
// NextTxnPtr link. Discard only ever advances a log's horizon past whole
// xid groups (internal/discard's Sweep groups consecutive records by Xid,
// and a log has exactly one writer at a time, so a group always begins with
// that writer's RecTxnHeader), so OldestData always lands exactly on a
// header. visit receives the xid, the start of its record span (the first
// byte after its header), and the exclusive end of that span — the next
// header's position, or the log's live insert point for the most recently
// written header. Used by the undo worker's forgotten-abort scan.
func (l *Log) WalkHeaders(visit func(xid common.Xid, bodyStart, spanEnd common.UndoPtr) error) error {
	ptr := l.OldestData()
	for {
		frontier := l.InsertPoint()
		if ptr.Offset() >= frontier {
			return nil
		}

		rec, bodyStart, err := l.NextRecord(ptr)
		if err != nil {
			return fmt.Errorf("undo: walking headers of log %d: %w", l.number, err)
		}
		if rec.Type != RecTxnHeader {
			return fmt.Errorf("undo: expected header at %s in log %d, found %s", ptr, l.number, rec.Type)
		}

		next := UnmarshalTxnHeaderPayload(rec.Payload).NextTxnPtr
		spanEnd := next
		if spanEnd.IsNil() {
			spanEnd = common.NewUndoPtr(l.number, frontier)
		}

		if err := visit(rec.Xid, bodyStart, spanEnd); err != nil {
			return err
		}
		if next.IsNil() {
			return nil
		}
		ptr = next
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Store owns the set of per-writer logs and hands out the log a writer
// should attach to. A production deployment has many logs so many writers
// can append concurrently (I4 only forbids sharing *one* log); this engine
// keeps the mapping policy ("one log per backend/writer slot") a concern of
// the caller and just tracks logs by number here.
type Store struct {
	fs          afero.Fs
	baseDir     string
	segmentSize int64
	logger      *zap.SugaredLogger

	mu   sync.Mutex
	logs map[common.LogNumber]*Log
}

func NewStore(fs afero.Fs, baseDir string, segmentSize int64, logger *zap.SugaredLogger) *Store {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &Store{
		fs:          fs,
		baseDir:     baseDir,
		segmentSize: segmentSize,
		logger:      logger,
		logs:        make(map[common.LogNumber]*Log),
	}
}

// Log returns (creating if necessary) the Log for number.
func (s *Store) Log(number common.LogNumber) *Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[number]
	if !ok {
		l = newLog(number, s.fs, s.baseDir, s.segmentSize, s.logger)
		s.logs[number] = l
	}
	return l
}

// Logs returns a snapshot of all logs the store has opened, for the discard
// sweep and the undo worker's forgotten-abort scan.
func (s *Store) Logs() []*Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Log, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l)
	}
	return out
}

// Read decodes the record at ptr, dereferencing through the owning log.
func (s *Store) Read(ptr common.UndoPtr) (Record, error) {
	frame, err := s.Log(ptr.Log()).ReadAt(ptr)
	if err != nil {
		return Record{}, err
	}
	rec, _, err := Decode(frame)
	if err != nil {
		return Record{}, fmt.Errorf("undo: decode at %s: %w", ptr, err)
	}
	return rec, nil
}
