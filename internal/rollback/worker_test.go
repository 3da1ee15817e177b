package rollback_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/disk"
	"github.com/Blackdeer1524/zheap/internal/heap"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/rollback"
	"github.com/Blackdeer1524/zheap/internal/txn"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

func TestWorkerDrainsEnqueuedRollback(t *testing.T) {
	fs := afero.NewMemMapFs()
	dm := disk.New(fs, map[common.FileID]string{1: "/data/rel1.dat"})
	pool := bufferpool.New(4, bufferpool.NewLRUReplacer(), dm, nil)
	store := undo.NewStore(fs, "/undo", 1<<20, nil)
	walLog := wal.NewLog(fs, "/wal", 1<<20, nil)
	slots := txnslot.New(store)
	txns := txn.New()
	locks := txn.NewLocker()
	kernel := heap.New(pool, slots, walLog, txns, store)
	rb := rollback.New(pool, store, walLog, txns, locks, nil)

	worker, err := rollback.NewWorker(rb, 1, nil)
	require.NoError(t, err)
	defer worker.Close()

	ident := common.PageIdentity{FileID: 1, PageID: 0}
	xid := txns.Begin()
	log := store.Log(1)
	require.NoError(t, log.Attach(xid))
	cur := &heap.TxnCursor{Xid: xid, Relation: 1, Log: log, Prev: common.NilUndoPtr}

	pg, err := pool.GetPage(ident)
	require.NoError(t, err)
	tid, _, err := kernel.Insert(pg, ident, cur, []byte("row"))
	require.NoError(t, err)

	txns.Abort(xid)
	worker.Enqueue(xid, cur.Prev)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return pg.LinePointer(tid.Offset).State == page.LPUnused
	}, time.Second, 5*time.Millisecond, "enqueued rollback never applied")
	require.Equal(t, txnslot.StatusAbortedUndone, txns.Status(xid))

	cancel()
	require.ErrorIs(t, <-runErr, context.Canceled)
}

// TestWorkerScansForgottenAborts simulates a crash: victim's undo is durable
// but the transaction manager that knew about it (txns1) never recorded a
// commit or abort and is then thrown away, the way a process restart would
// wipe it while leaving the undo log on disk untouched. A fresh manager
// (txns2) has no state for victim at all until ScanForgottenAborts adopts
// it, queues its rollback, and the worker's Run loop drains that job like
// any other.
func TestWorkerScansForgottenAborts(t *testing.T) {
	fs := afero.NewMemMapFs()
	dm := disk.New(fs, map[common.FileID]string{1: "/data/rel1.dat"})
	pool := bufferpool.New(4, bufferpool.NewLRUReplacer(), dm, nil)
	store := undo.NewStore(fs, "/undo", 1<<20, nil)
	walLog := wal.NewLog(fs, "/wal", 1<<20, nil)
	slots := txnslot.New(store)

	txns1 := txn.New()
	kernel := heap.New(pool, slots, walLog, txns1, store)

	victim := txns1.Begin()
	log := store.Log(1)
	require.NoError(t, log.Attach(victim))
	headerPtr, err := log.WriteHeader(victim)
	require.NoError(t, err)
	txns1.SetTxnHeader(victim, headerPtr)

	cur := &heap.TxnCursor{Xid: victim, Relation: 1, Log: log, Prev: common.NilUndoPtr}
	ident := common.PageIdentity{FileID: 1, PageID: 0}
	pg, err := pool.GetPage(ident)
	require.NoError(t, err)
	tid, _, err := kernel.Insert(pg, ident, cur, []byte("lost"))
	require.NoError(t, err)

	// "Crash" here: victim is never committed or aborted in txns1, and
	// txns1/cur are simply dropped, leaving log still attached to victim.

	txns2 := txn.New()
	locks2 := txn.NewLocker()
	rb2 := rollback.New(pool, store, walLog, txns2, locks2, nil)
	worker, err := rollback.NewWorker(rb2, 1, nil)
	require.NoError(t, err)
	defer worker.Close()

	require.False(t, txns2.Tracked(victim))
	require.NoError(t, worker.ScanForgottenAborts(context.Background()))
	require.True(t, txns2.Tracked(victim))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return pg.LinePointer(tid.Offset).State == page.LPUnused
	}, time.Second, 5*time.Millisecond, "forgotten abort was never rolled back")
	require.Equal(t, txnslot.StatusAbortedUndone, txns2.Status(victim))
	require.Eventually(t, func() bool {
		_, attached := log.Attached()
		return !attached
	}, time.Second, 5*time.Millisecond, "log was never detached from the resolved dead xid")

	cancel()
	require.ErrorIs(t, <-runErr, context.Canceled)
}

// TestScanForgottenAbortsIgnoresLiveTransaction checks the scan's main
// safety property: a transaction that is genuinely still running must never
// be mistaken for a dead one, since txn.Manager.Begin tracks an xid before
// its header record is even written.
func TestScanForgottenAbortsIgnoresLiveTransaction(t *testing.T) {
	fs := afero.NewMemMapFs()
	dm := disk.New(fs, map[common.FileID]string{1: "/data/rel1.dat"})
	pool := bufferpool.New(4, bufferpool.NewLRUReplacer(), dm, nil)
	store := undo.NewStore(fs, "/undo", 1<<20, nil)
	walLog := wal.NewLog(fs, "/wal", 1<<20, nil)
	slots := txnslot.New(store)
	txns := txn.New()
	locks := txn.NewLocker()
	kernel := heap.New(pool, slots, walLog, txns, store)
	rb := rollback.New(pool, store, walLog, txns, locks, nil)

	worker, err := rollback.NewWorker(rb, 1, nil)
	require.NoError(t, err)
	defer worker.Close()

	xid := txns.Begin()
	log := store.Log(1)
	require.NoError(t, log.Attach(xid))
	headerPtr, err := log.WriteHeader(xid)
	require.NoError(t, err)
	txns.SetTxnHeader(xid, headerPtr)

	cur := &heap.TxnCursor{Xid: xid, Relation: 1, Log: log, Prev: common.NilUndoPtr}
	ident := common.PageIdentity{FileID: 1, PageID: 0}
	pg, err := pool.GetPage(ident)
	require.NoError(t, err)
	_, _, err = kernel.Insert(pg, ident, cur, []byte("still going"))
	require.NoError(t, err)

	require.NoError(t, worker.ScanForgottenAborts(context.Background()))
	require.Equal(t, txnslot.StatusInProgress, txns.Status(xid))
}
