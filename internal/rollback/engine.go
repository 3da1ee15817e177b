// Package rollback implements spec section 4.8: applying a transaction's
// undo in reverse, one page-batch at a time, and the background worker
// that drains rollbacks too large to finish inline.
package rollback

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/txn"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// DefaultWindowSize bounds how much undo a single Rollback call holds in
// memory before applying a page-batch and moving on, so rolling back a
// transaction that wrote gigabytes of undo doesn't require gigabytes of
// RAM (spec section 4.8: "processes undo in bounded windows, default 32 MiB").
const DefaultWindowSize = 32 << 20

// ForegroundThreshold is the undo volume above which a caller should hand
// a rollback to the background Worker instead of applying it inline on the
// aborting connection (spec section 4.8's foreground/background split).
const ForegroundThreshold = 8 << 20

// Engine applies undo for one aborted transaction, grouping its touched
// pages and rewinding or clearing their transaction slots as it goes.
type Engine struct {
	Pool   *bufferpool.Pool
	Undo   *undo.Store
	WAL    *wal.Log
	Txns   *txn.Manager
	Locks  *txn.Locker
	Logger *zap.SugaredLogger
}

func New(pool *bufferpool.Pool, store *undo.Store, log *wal.Log, txns *txn.Manager, locks *txn.Locker, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{Pool: pool, Undo: store, WAL: log, Txns: txns, Locks: locks, Logger: logger}
}

// Rollback implements spec section 4.8's algorithm for a toplevel abort:
// walk xid's undo backward from startPtr to the start of its chain (a nil
// TxnPrev), applying one page-batch at a time, then mark xid undone and
// release every row lock it held.
func (e *Engine) Rollback(ctx context.Context, xid common.Xid, startPtr common.UndoPtr) error {
	if err := e.ApplyChain(ctx, xid, startPtr, common.NilUndoPtr); err != nil {
		return err
	}
	e.Txns.MarkUndone(xid)
	e.Locks.ReleaseAll(xid)
	return nil
}

// RollbackToSubtransactionStart implements the subtransaction-abort path:
// undo is applied back to (but not past) subStart, which must be the undo
// pointer recorded when the subtransaction began. Unlike a toplevel abort,
// the surrounding transaction is still live afterward, so xid's status,
// slots, and locks are left untouched — only the rewound records' page
// state changes.
func (e *Engine) RollbackToSubtransactionStart(ctx context.Context, xid common.Xid, startPtr, subStart common.UndoPtr) error {
	return e.ApplyChain(ctx, xid, startPtr, subStart)
}

// ApplyChain applies xid's undo backward from startPtr to stopAt (pass
// common.NilUndoPtr to walk the whole chain), without touching xid's
// status or locks. A transaction touching several relations gets one
// independent undo chain per relation (internal/heap.TxnCursor.Relation is
// fixed per cursor, so cur.Prev only ever chains records for that one
// relation); internal/engine calls this once per relation chain on abort
// and finalizes xid's status and locks itself only after every chain has
// unwound, rather than letting each per-relation call finalize on its own.
func (e *Engine) ApplyChain(ctx context.Context, xid common.Xid, startPtr, stopAt common.UndoPtr) error {
	return e.rollbackTo(ctx, xid, startPtr, stopAt)
}

func (e *Engine) rollbackTo(ctx context.Context, xid common.Xid, startPtr, stopAt common.UndoPtr) error {
	ptr := startPtr
	for !ptr.IsNil() && ptr != stopAt {
		window, next, err := collectWindow(e.Undo, xid, ptr, DefaultWindowSize, stopAt)
		if err != nil {
			return fmt.Errorf("rollback: collecting undo window for %s: %w", xid, err)
		}
		if len(window) == 0 {
			break
		}

		groups := groupByPage(window)
		pages := sortedPageKeys(groups)
		if err := e.applyPages(ctx, xid, pages, groups); err != nil {
			return err
		}
		ptr = next
	}
	return nil
}

func sortedPageKeys(groups map[common.PageIdentity][]recordAt) []common.PageIdentity {
	keys := make([]common.PageIdentity, 0, len(groups))
	for ident := range groups {
		keys = append(keys, ident)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].FileID != keys[j].FileID {
			return keys[i].FileID < keys[j].FileID
		}
		return keys[i].PageID < keys[j].PageID
	})
	return keys
}
