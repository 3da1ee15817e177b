package heap_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/disk"
	"github.com/Blackdeer1524/zheap/internal/heap"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// fakeOracle lets tests pin down exactly which xids are committed,
// all-visible, or aborted-undone without wiring a real txn.Manager.
type fakeOracle map[common.Xid]txnslot.XidStatus

func (o fakeOracle) Status(xid common.Xid) txnslot.XidStatus {
	if s, ok := o[xid]; ok {
		return s
	}
	return txnslot.StatusInProgress
}

type fixture struct {
	kernel *heap.Kernel
	pool   *bufferpool.Pool
	ident  common.PageIdentity
	store  *undo.Store
}

func newFixture(t *testing.T, oracle fakeOracle) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	dm := disk.New(fs, map[common.FileID]string{1: "/data/rel1.dat"})
	pool := bufferpool.New(4, bufferpool.NewLRUReplacer(), dm, nil)
	store := undo.NewStore(fs, "/undo", 1<<20, nil)
	walLog := wal.NewLog(fs, "/wal", 1<<20, nil)
	slots := txnslot.New(store)

	return &fixture{
		kernel: heap.New(pool, slots, walLog, oracle, store),
		pool:   pool,
		ident:  common.PageIdentity{FileID: 1, PageID: 0},
		store:  store,
	}
}

func (f *fixture) newCursor(t *testing.T, xid common.Xid, logNum common.LogNumber) *heap.TxnCursor {
	t.Helper()
	log := f.store.Log(logNum)
	require.NoError(t, log.Attach(xid))
	return &heap.TxnCursor{Xid: xid, Relation: 1, Log: log, Prev: common.NilUndoPtr}
}

func (f *fixture) getPage(t *testing.T) *page.Page {
	t.Helper()
	pg, err := f.pool.GetPage(f.ident)
	require.NoError(t, err)
	return pg
}

func TestInsertThenSelfSnapshotSeesRow(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	cur := f.newCursor(t, common.NewXid(0, 10), 1)

	tid, lsn, err := f.kernel.Insert(pg, f.ident, cur, []byte("hello"))
	require.NoError(t, err)
	require.NotEqual(t, common.NilLSN, lsn)

	snap := common.Snapshot{Self: cur.Xid, Xmin: cur.Xid, Xmax: cur.Xid}
	tup, ok, err := f.kernel.Resolve(pg, f.ident, tid, snap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), tup.Payload)
}

func TestInsertNotVisibleToConcurrentSnapshot(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	writer := common.NewXid(0, 10)
	cur := f.newCursor(t, writer, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("hello"))
	require.NoError(t, err)

	other := common.NewXid(0, 11)
	snap := common.Snapshot{Self: other, Xmin: writer, Xmax: other, InProgress: map[common.Xid]struct{}{writer: {}}}
	_, ok, err := f.kernel.Resolve(pg, f.ident, tid, snap)
	require.NoError(t, err)
	require.False(t, ok, "an in-progress writer's insert must not be visible to a concurrent snapshot")
}

func TestRollbackOfInsertHidesRowFromEveryone(t *testing.T) {
	// Simulates what internal/rollback will do: the insert's own undo
	// record is never redeemed as a commit, so once the oracle reports
	// the writer as AbortedUndone, a later reader (using a fresh
	// snapshot that doesn't special-case the aborted xid) must not see
	// the row. Visibility itself doesn't consult transaction status
	// directly (spec 4.6 works off Snapshot.Visible), so this exercises
	// the case where the line pointer was never rolled back to Unused
	// (rollback hasn't run yet) but the writer is definitively not in
	// the reader's snapshot window.
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	writer := common.NewXid(0, 10)
	cur := f.newCursor(t, writer, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("hello"))
	require.NoError(t, err)

	reader := common.NewXid(0, 20)
	snap := common.Snapshot{Self: reader, Xmin: reader, Xmax: reader}
	_, ok, err := f.kernel.Resolve(pg, f.ident, tid, snap)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInPlaceUpdateVisibilityBeforeAndAfterCommit(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	writer := common.NewXid(0, 10)
	cur := f.newCursor(t, writer, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("aaaaa"))
	require.NoError(t, err)

	selfSnap := common.Snapshot{Self: writer, Xmin: writer, Xmax: writer}
	tup, ok, err := f.kernel.Resolve(pg, f.ident, tid, selfSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("aaaaa"), tup.Payload)

	_, err = f.kernel.UpdateInPlace(pg, f.ident, cur, tid, []byte("bbbbb"))
	require.NoError(t, err)

	// Self still sees the new image.
	tup, ok, err = f.kernel.Resolve(pg, f.ident, tid, selfSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bbbbb"), tup.Payload)

	// A concurrent reader whose snapshot predates the update must see
	// the prior image via the undo chain.
	concurrent := common.NewXid(0, 11)
	oldSnap := common.Snapshot{Self: concurrent, Xmin: writer, Xmax: concurrent, InProgress: map[common.Xid]struct{}{writer: {}}}
	tup, ok, err = f.kernel.Resolve(pg, f.ident, tid, oldSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("aaaaa"), tup.Payload)
}

func TestNonInPlaceUpdateAcrossPagesLeavesOriginDeletedAndDestinationVisible(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	originIdent := common.PageIdentity{FileID: 1, PageID: 0}
	destIdent := common.PageIdentity{FileID: 1, PageID: 1}
	originPg, err := f.pool.GetPage(originIdent)
	require.NoError(t, err)
	destPg, err := f.pool.GetPage(destIdent)
	require.NoError(t, err)

	writer := common.NewXid(0, 10)
	cur := f.newCursor(t, writer, 1)

	originTid, _, err := f.kernel.Insert(originPg, originIdent, cur, []byte("wide-row-0"))
	require.NoError(t, err)

	newTid, _, err := f.kernel.UpdateNonInPlace(originPg, originIdent, originTid, destPg, destIdent, cur, []byte("wide-row-1-longer"))
	require.NoError(t, err)
	require.NotEqual(t, originTid, newTid)

	selfSnap := common.Snapshot{Self: writer, Xmin: writer, Xmax: writer}

	_, ok, err := f.kernel.Resolve(originPg, originIdent, originTid, selfSnap)
	require.NoError(t, err)
	require.False(t, ok, "origin tuple must no longer be visible to the updater's own snapshot")

	tup, ok, err := f.kernel.Resolve(destPg, destIdent, newTid, selfSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("wide-row-1-longer"), tup.Payload)
}

func TestConcurrentLockersBothRecorded(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	writer := common.NewXid(0, 10)
	cur := f.newCursor(t, writer, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("row"))
	require.NoError(t, err)

	lockerA := common.NewXid(0, 11)
	curA := f.newCursor(t, lockerA, 2)
	_, err = f.kernel.Lock(pg, f.ident, curA, tid, common.RowLockShare, false)
	require.NoError(t, err)

	lockerB := common.NewXid(0, 12)
	curB := f.newCursor(t, lockerB, 3)
	_, err = f.kernel.Lock(pg, f.ident, curB, tid, common.RowLockShare, true)
	require.NoError(t, err)

	lp := pg.LinePointer(tid.Offset)
	hdr := pg.ReadTupleHeader(lp.Offset)
	require.True(t, hdr.HasFlag(page.TFHasLock))
	require.True(t, hdr.HasFlag(page.TFMultiLocker))
	require.Equal(t, common.RowLockShare, hdr.LockMode)
}

func TestSlotReuseFreezesPriorOccupantIntoTupleHeader(t *testing.T) {
	oracle := fakeOracle{}
	f := newFixture(t, oracle)
	pg := f.getPage(t)

	first := common.NewXid(0, 10)
	curFirst := f.newCursor(t, first, 1)
	tid, _, err := f.kernel.Insert(pg, f.ident, curFirst, []byte("first"))
	require.NoError(t, err)

	// first is done but not yet all-visible: any later reader with first
	// still "in progress" in their snapshot must keep resolving through
	// the frozen pointer once its slot is recycled.
	oracle[first] = txnslot.StatusCommittedNotAllVisible

	second := common.NewXid(0, 11)
	curSecond := f.newCursor(t, second, 2)
	// Fill every remaining slot so FindOrAllocate is forced down the
	// undo-recorded reuse path rather than finding a free slot.
	for i := uint16(2); i <= pg.TxnSlotCount(); i++ {
		pg.SetSlot(i, page.TxnSlot{Xid: common.NewXid(0, uint32(100+i))})
		oracle[common.NewXid(0, uint32(100+i))] = txnslot.StatusCommittedNotAllVisible
	}

	_, _, err = f.kernel.Insert(pg, f.ident, curSecond, []byte("second"))
	require.NoError(t, err)

	lp := pg.LinePointer(tid.Offset)
	hdr := pg.ReadTupleHeader(lp.Offset)
	require.True(t, hdr.HasFlag(page.TFSlotReused))
	require.Equal(t, first, hdr.FrozenXid)

	// The first writer's own snapshot must still resolve its tuple
	// through the frozen pointer even though the slot now belongs to
	// someone else.
	selfSnap := common.Snapshot{Self: first, Xmin: first, Xmax: first}
	tup, ok, err := f.kernel.Resolve(pg, f.ident, tid, selfSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), tup.Payload)
}

func TestDiscardHorizonPastRecordStillAllVisible(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	writer := common.NewXid(0, 10)
	cur := f.newCursor(t, writer, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("v1"))
	require.NoError(t, err)
	_, err = f.kernel.UpdateInPlace(pg, f.ident, cur, tid, []byte("v2"))
	require.NoError(t, err)

	log := f.store.Log(1)
	log.AdvanceOldestData(log.OldestData()+1<<30, writer)

	reader := common.NewXid(0, 99)
	snap := common.Snapshot{Self: reader, Xmin: reader, Xmax: reader}
	tup, ok, err := f.kernel.Resolve(pg, f.ident, tid, snap)
	require.NoError(t, err)
	require.True(t, ok, "once the chain crosses the discard horizon the current image must be treated as all-visible")
	require.Equal(t, []byte("v2"), tup.Payload)
}
