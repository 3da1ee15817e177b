package rollback_test

import (
	"context"
	"testing"

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

func TestRollbackUndoesInsert(t *testing.T) {
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

	ident := common.PageIdentity{FileID: 1, PageID: 0}
	xid := txns.Begin()
	log := store.Log(1)
	require.NoError(t, log.Attach(xid))
	cur := &heap.TxnCursor{Xid: xid, Relation: 1, Log: log, Prev: common.NilUndoPtr}

	pg, err := pool.GetPage(ident)
	require.NoError(t, err)

	tid, _, err := kernel.Insert(pg, ident, cur, []byte("row"))
	require.NoError(t, err)

	lp := pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPNormal, lp.State)

	txns.Abort(xid)
	require.NoError(t, rb.Rollback(context.Background(), xid, cur.Prev))

	lp = pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPUnused, lp.State)

	_, found := txnslot.FindSlotForXid(pg, xid)
	require.False(t, found)
}

func TestRollbackUndoesDelete(t *testing.T) {
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

	ident := common.PageIdentity{FileID: 1, PageID: 0}

	// Insert and commit a row with an earlier transaction so the slot it
	// occupies is already StatusCommittedAllVisible before the deleting
	// transaction begins.
	inserter := txns.Begin()
	insLog := store.Log(1)
	require.NoError(t, insLog.Attach(inserter))
	insCur := &heap.TxnCursor{Xid: inserter, Relation: 1, Log: insLog, Prev: common.NilUndoPtr}
	pg, err := pool.GetPage(ident)
	require.NoError(t, err)
	tid, _, err := kernel.Insert(pg, ident, insCur, []byte("row"))
	require.NoError(t, err)
	txns.Commit(inserter)
	txns.PromoteAllVisible(inserter)
	insLog.Detach(inserter)

	deleter := txns.Begin()
	delLog := store.Log(2)
	require.NoError(t, delLog.Attach(deleter))
	delCur := &heap.TxnCursor{Xid: deleter, Relation: 1, Log: delLog, Prev: common.NilUndoPtr}

	_, err = kernel.Delete(pg, ident, delCur, tid)
	require.NoError(t, err)
	require.Equal(t, page.LPDeleted, pg.LinePointer(tid.Offset).State)

	txns.Abort(deleter)
	require.NoError(t, rb.Rollback(context.Background(), deleter, delCur.Prev))

	lp := pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPNormal, lp.State)
	tup := pg.ReadTuple(lp.Offset, lp.Length())
	require.Equal(t, []byte("row"), tup.Payload)
}
