package replication

import (
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// FSM is the raft state machine every node (leader and standby alike)
// applies committed entries against. Unlike the teacher's fsm — whose
// Apply dispatches on a newline-delimited graph-action string, and whose
// Snapshot/Restore are both `panic("implement me")` — this FSM's entries
// are wal.Records, and its Snapshot/Restore are real: a standby must be
// able to catch up from a snapshot alone, without replaying this node's
// entire raft log history.
//
// Applying a record mirrors it into Log, the node's own local WAL, and
// additionally threads ZHEAP_UNDOMETA/ZHEAP_DISCARD records into Undo so
// a standby's undo store tracks the same per-log insert point and discard
// horizon the leader does (spec section 4.9).
type FSM struct {
	Log       *wal.Log
	Undo      *undo.Store
	Conflicts *ConflictTracker
	Cancel    func(queryID common.Xid) // notified once per conflicting running query; may be nil
	Logger    *zap.SugaredLogger
}

func NewFSM(log *wal.Log, undoStore *undo.Store, conflicts *ConflictTracker, cancel func(common.Xid), logger *zap.SugaredLogger) *FSM {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if conflicts == nil {
		conflicts = NewConflictTracker()
	}
	return &FSM{Log: log, Undo: undoStore, Conflicts: conflicts, Cancel: cancel, Logger: logger}
}

// Apply decodes one committed raft log entry and applies it. The return
// value becomes the ApplyFuture's Response on the node that proposed it
// (Node.Propose inspects it for a non-nil error).
func (f *FSM) Apply(l *hraft.Log) any {
	rec, _, err := wal.DecodeRecord(l.Data)
	if err != nil {
		return fmt.Errorf("replication: decoding raft entry at index %d: %w", l.Index, err)
	}

	if _, err := f.Log.Append(rec.Type, rec.Payload); err != nil {
		return fmt.Errorf("replication: mirroring %s into local WAL: %w", rec.Type, err)
	}

	switch rec.Type {
	case wal.RecUndoMeta:
		f.applyUndoMeta(wal.UnmarshalUndoMetaPayload(rec.Payload))
	case wal.RecDiscard:
		f.applyDiscard(wal.UnmarshalDiscardPayload(rec.Payload))
	}
	return nil
}

func (f *FSM) applyUndoMeta(p wal.UndoMetaPayload) {
	if f.Undo == nil {
		return
	}
	f.Undo.Log(p.Log).RestoreInsertPoint(p.InsertPoint, p.Xid)
}

// applyDiscard mirrors the leader's discard horizon onto this node's undo
// store and cancels every running query whose snapshot still needed undo
// at or before the new horizon — spec section 4.9's standby recovery
// conflict.
func (f *FSM) applyDiscard(p wal.DiscardPayload) {
	for _, queryID := range f.Conflicts.Conflicting(p.OldestXid) {
		f.Logger.Warnw("recovery conflict: cancelling query, its snapshot needs undo past the new discard horizon",
			"query", queryID, "log", p.Log, "oldestXid", p.OldestXid)
		if f.Cancel != nil {
			f.Cancel(queryID)
		}
		f.Conflicts.Unregister(queryID)
	}

	if f.Undo == nil {
		return
	}
	f.Undo.Log(p.Log).AdvanceOldestData(p.NewOldestData, p.OldestXid)
}

// Snapshot captures every record this node's local WAL currently holds,
// re-encoded through the same wire framing raft entries use, so Restore
// can rebuild a follower's mirrored WAL from the snapshot alone instead of
// replaying the whole raft log from index 0.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	var records [][]byte
	err := f.Log.Replay(func(r wal.Record) error {
		records = append(records, wal.EncodeRecord(r))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replication: snapshotting local WAL: %w", err)
	}
	return &fsmSnapshot{records: records}, nil
}

// Restore replaces this node's view of the replicated log with snapshot's
// contents, re-applying each record's side effects (the local WAL mirror
// and the undo-store bookkeeping Apply would have performed) in order. A
// node only ever calls this once, before rejoining the cluster, so
// re-running those side effects from scratch rather than diffing against
// whatever partial state it already had is both simpler and correct.
func (f *FSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()
	buf, err := io.ReadAll(snapshot)
	if err != nil {
		return fmt.Errorf("replication: reading snapshot: %w", err)
	}

	var pos int
	for pos < len(buf) {
		rec, n, err := wal.DecodeRecord(buf[pos:])
		if err != nil {
			return fmt.Errorf("replication: decoding snapshot record at byte %d: %w", pos, err)
		}
		if _, err := f.Log.Append(rec.Type, rec.Payload); err != nil {
			return fmt.Errorf("replication: restoring %s into local WAL: %w", rec.Type, err)
		}
		switch rec.Type {
		case wal.RecUndoMeta:
			f.applyUndoMeta(wal.UnmarshalUndoMetaPayload(rec.Payload))
		case wal.RecDiscard:
			f.applyDiscard(wal.UnmarshalDiscardPayload(rec.Payload))
		}
		pos += n
	}
	return nil
}

// fsmSnapshot is the hraft.FSMSnapshot raft holds onto while it streams
// Persist's output to a joining or lagging follower.
type fsmSnapshot struct {
	records [][]byte
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	for _, rec := range s.records {
		if _, err := sink.Write(rec); err != nil {
			sink.Cancel()
			return fmt.Errorf("replication: persisting snapshot: %w", err)
		}
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
