// Package engine implements spec section 6: the table-access contract that
// sits above internal/heap's per-page kernel and gives a caller a
// transaction-shaped view over it — beginning and ending transactions and
// subtransactions, and routing every row operation through the right
// TxnCursor for the relation it touches.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/disk"
	"github.com/Blackdeer1524/zheap/internal/heap"
	"github.com/Blackdeer1524/zheap/internal/rollback"
	"github.com/Blackdeer1524/zheap/internal/txn"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// DefaultMaxConcurrentTransactions bounds how many undo.Log writers Engine
// keeps checked out at once. undo.Log enforces exactly one attached writer
// per log (I4), so this is also the size of the log-number free list a
// Begin draws from.
const DefaultMaxConcurrentTransactions = 256

// ErrTooManyTransactions is returned by Begin when every undo log slot is
// already checked out by a live transaction.
var ErrTooManyTransactions = fmt.Errorf("engine: no free undo log slot")

// Engine is the table-access facade: one per database, shared by every
// connection's Transaction.
type Engine struct {
	Pool     *bufferpool.Pool
	Disk     *disk.Manager
	Undo     *undo.Store
	WAL      *wal.Log
	Txns     *txn.Manager
	Locks    *txn.Locker
	Kernel   *heap.Kernel
	Rollback *rollback.Engine
	Worker   *rollback.Worker
	Logger   *zap.SugaredLogger

	// ForegroundThreshold is the undo volume (bytes) above which Abort
	// hands a transaction's rollback to Worker instead of applying it
	// inline (spec section 4.8).
	ForegroundThreshold int64

	slotsMu  sync.Mutex
	freeLogs []common.LogNumber
}

func New(
	pool *bufferpool.Pool,
	diskMgr *disk.Manager,
	undoStore *undo.Store,
	walLog *wal.Log,
	slots *txnslot.Manager,
	txns *txn.Manager,
	locks *txn.Locker,
	rb *rollback.Engine,
	worker *rollback.Worker,
	maxConcurrent int,
	foregroundThreshold int64,
	logger *zap.SugaredLogger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTransactions
	}
	if foregroundThreshold <= 0 {
		foregroundThreshold = rollback.ForegroundThreshold
	}
	free := make([]common.LogNumber, maxConcurrent)
	for i := range free {
		free[i] = common.LogNumber(i + 1)
	}
	return &Engine{
		Pool:                pool,
		Disk:                diskMgr,
		Undo:                undoStore,
		WAL:                 walLog,
		Txns:                txns,
		Locks:               locks,
		Kernel:              heap.New(pool, slots, walLog, txns, undoStore),
		Rollback:            rb,
		Worker:              worker,
		Logger:              logger,
		ForegroundThreshold: foregroundThreshold,
		freeLogs:            free,
	}
}

// Transaction is one caller's live handle into Engine: the Xid the
// underlying txn.Manager issued, the undo log it was assigned, and one
// heap.TxnCursor per relation it has touched so far. A cursor's Prev field
// only ever chains undo for its own relation (internal/heap.TxnCursor.
// Relation is fixed at cursor creation and emitUndo stamps every record
// with it), so a transaction spanning several relations rolls back by
// applying each relation's chain independently — see Abort.
type Transaction struct {
	Xid common.Xid
	log *undo.Log

	// headerOffset is the byte offset tx's RecTxnHeader was written at;
	// since I4 guarantees tx is the sole writer attached to log for its
	// whole lifetime, log.InsertPoint()-headerOffset is exactly the undo
	// volume tx has produced so far, without walking any chain.
	headerOffset uint64

	mu      sync.Mutex
	cursors map[common.FileID]*heap.TxnCursor
	subs    []subMark
}

// subMark records, per relation, the undo pointer a subtransaction started
// at, so RollbackSubtransaction knows where to stop unwinding each chain.
type subMark struct {
	perRelation map[common.FileID]common.UndoPtr
}

func (tx *Transaction) cursorFor(e *Engine, relation common.FileID) *heap.TxnCursor {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	cur, ok := tx.cursors[relation]
	if !ok {
		cur = &heap.TxnCursor{
			Xid:      tx.Xid,
			Relation: relation,
			Log:      tx.log,
			Prev:     common.NilUndoPtr,
		}
		tx.cursors[relation] = cur
	}
	return cur
}

// Begin starts a new transaction, checking out a free undo log slot for
// it. Callers must eventually Commit or Abort to return the slot.
func (e *Engine) Begin() (*Transaction, error) {
	xid := e.Txns.Begin()

	e.slotsMu.Lock()
	if len(e.freeLogs) == 0 {
		e.slotsMu.Unlock()
		return nil, ErrTooManyTransactions
	}
	number := e.freeLogs[len(e.freeLogs)-1]
	e.freeLogs = e.freeLogs[:len(e.freeLogs)-1]
	e.slotsMu.Unlock()

	log := e.Undo.Log(number)
	if err := log.Attach(xid); err != nil {
		e.slotsMu.Lock()
		e.freeLogs = append(e.freeLogs, number)
		e.slotsMu.Unlock()
		return nil, fmt.Errorf("engine: attaching undo log %d: %w", number, err)
	}

	headerPtr, err := log.WriteHeader(xid)
	if err != nil {
		log.Detach(xid)
		e.slotsMu.Lock()
		e.freeLogs = append(e.freeLogs, number)
		e.slotsMu.Unlock()
		return nil, fmt.Errorf("engine: writing txn header for %s: %w", xid, err)
	}
	e.Txns.SetTxnHeader(xid, headerPtr)

	// Companion ZHEAP_UNDOMETA record for the header write itself — the
	// kernel emits one for every later undo append on this log (see
	// heap.Kernel.emitUndo), but the header is written directly through
	// undo.Log.WriteHeader on log handoff, outside the kernel, so Begin logs
	// this first insertion-point move itself.
	if _, err := e.WAL.Append(wal.RecUndoMeta, wal.UndoMetaPayload{
		Log:         number,
		InsertPoint: log.InsertPoint(),
		Xid:         xid,
	}.Marshal()); err != nil {
		log.Detach(xid)
		e.slotsMu.Lock()
		e.freeLogs = append(e.freeLogs, number)
		e.slotsMu.Unlock()
		return nil, fmt.Errorf("engine: logging undo insertion point for %s: %w", xid, err)
	}

	return &Transaction{
		Xid:          xid,
		log:          log,
		headerOffset: headerPtr.Offset(),
		cursors:      make(map[common.FileID]*heap.TxnCursor),
	}, nil
}

func (e *Engine) releaseLog(tx *Transaction) {
	number := tx.log.Number()
	tx.log.Detach(tx.Xid)
	e.slotsMu.Lock()
	e.freeLogs = append(e.freeLogs, number)
	e.slotsMu.Unlock()
}

// Commit finalizes tx: the xid is marked committed (visible once no running
// snapshot predates it, per internal/discard's promotion pass) and the undo
// log slot is returned to the free list.
func (e *Engine) Commit(tx *Transaction) {
	e.Txns.Commit(tx.Xid)
	e.releaseLog(tx)
}

// Abort unwinds every relation tx touched and returns its undo log slot.
// Spec section 4.8's foreground/background split: if tx's total undo
// volume is below ForegroundThreshold, every relation's chain is applied
// inline through rollback.Engine.ApplyChain (which does not itself
// finalize xid's status or locks); once every chain has unwound, Abort
// finalizes the xid and releases its locks exactly once, rather than once
// per relation. Above the threshold, every relation's chain is instead
// handed to Worker in one job, which applies all of them the same way and
// finalizes xid's status and locks itself exactly once they're done.
func (e *Engine) Abort(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	cursors := make([]*heap.TxnCursor, 0, len(tx.cursors))
	for _, cur := range tx.cursors {
		cursors = append(cursors, cur)
	}
	undoSize := int64(tx.log.InsertPoint() - tx.headerOffset)
	tx.mu.Unlock()

	if undoSize >= e.ForegroundThreshold {
		e.Logger.Infow("undo volume over threshold, deferring rollback to background worker",
			"xid", tx.Xid.String(), "bytes", undoSize, "threshold", e.ForegroundThreshold)
		startPtrs := make([]common.UndoPtr, len(cursors))
		for i, cur := range cursors {
			startPtrs[i] = cur.Prev
		}
		e.Worker.Enqueue(tx.Xid, startPtrs...)
		e.releaseLog(tx)
		return nil
	}

	for _, cur := range cursors {
		if err := e.Rollback.ApplyChain(ctx, tx.Xid, cur.Prev, common.NilUndoPtr); err != nil {
			return fmt.Errorf("engine: aborting %s on relation %d: %w", tx.Xid, cur.Relation, err)
		}
	}

	e.Txns.MarkUndone(tx.Xid)
	e.Locks.ReleaseAll(tx.Xid)
	e.releaseLog(tx)
	return nil
}

// BeginSubtransaction records, per relation already touched, the undo
// pointer to roll back to if this subtransaction aborts. Relations first
// touched after this call start their chain at common.NilUndoPtr, which
// RollbackSubtransaction already treats correctly as "unwind the whole
// chain for this relation" since it only existed within the subtransaction.
func (tx *Transaction) BeginSubtransaction() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	mark := subMark{perRelation: make(map[common.FileID]common.UndoPtr, len(tx.cursors))}
	for relation, cur := range tx.cursors {
		mark.perRelation[relation] = cur.Prev
	}
	tx.subs = append(tx.subs, mark)
}

// RollbackSubtransaction unwinds every relation's chain back to where it
// stood when the most recent BeginSubtransaction was called, leaving the
// surrounding transaction's xid and locks untouched.
func (e *Engine) RollbackSubtransaction(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	if len(tx.subs) == 0 {
		tx.mu.Unlock()
		return fmt.Errorf("engine: no open subtransaction on %s", tx.Xid)
	}
	mark := tx.subs[len(tx.subs)-1]
	tx.subs = tx.subs[:len(tx.subs)-1]
	cursors := make(map[common.FileID]*heap.TxnCursor, len(tx.cursors))
	for relation, cur := range tx.cursors {
		cursors[relation] = cur
	}
	tx.mu.Unlock()

	for relation, cur := range cursors {
		stopAt, hadMark := mark.perRelation[relation]
		if !hadMark {
			stopAt = common.NilUndoPtr
		}
		if cur.Prev == stopAt {
			continue
		}
		if err := e.Rollback.ApplyChain(ctx, tx.Xid, cur.Prev, stopAt); err != nil {
			return fmt.Errorf("engine: rolling back subtransaction on relation %d: %w", relation, err)
		}
		cur.Prev = stopAt
	}
	return nil
}

// ReleaseSubtransaction discards the most recent BeginSubtransaction mark
// without undoing anything, committing the subtransaction's work into its
// parent.
func (tx *Transaction) ReleaseSubtransaction() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.subs) == 0 {
		return fmt.Errorf("engine: no open subtransaction on %s", tx.Xid)
	}
	tx.subs = tx.subs[:len(tx.subs)-1]
	return nil
}

// Snapshot takes tx's MVCC snapshot for scans and fetches.
func (e *Engine) Snapshot(tx *Transaction) common.Snapshot {
	return e.Txns.Snapshot(tx.Xid)
}
