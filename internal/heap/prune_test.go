package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
)

func TestPruneSkipsWhileHintStillInProgress(t *testing.T) {
	f := newFixture(t, fakeOracle{})
	pg := f.getPage(t)
	inProgress := common.NewXid(0, 5)
	pg.SetPruneXid(inProgress)

	pruned, err := f.kernel.Prune(pg, f.ident)
	require.NoError(t, err)
	require.False(t, pruned)
}

func TestPruneReclaimsAllVisibleDeletedLinePointer(t *testing.T) {
	deleter := common.NewXid(0, 10)
	oracle := fakeOracle{deleter: txnslot.StatusCommittedAllVisible}
	f := newFixture(t, oracle)
	pg := f.getPage(t)
	cur := f.newCursor(t, deleter, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("row"))
	require.NoError(t, err)
	_, err = f.kernel.Delete(pg, f.ident, cur, tid)
	require.NoError(t, err)

	lp := pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPDeleted, lp.State)

	pruned, err := f.kernel.Prune(pg, f.ident)
	require.NoError(t, err)
	require.True(t, pruned)

	lp = pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPUnused, lp.State)
}

func TestPruneLeavesNotAllVisibleDeleteAlone(t *testing.T) {
	deleter := common.NewXid(0, 10)
	oracle := fakeOracle{deleter: txnslot.StatusCommittedNotAllVisible}
	f := newFixture(t, oracle)
	pg := f.getPage(t)
	cur := f.newCursor(t, deleter, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("row"))
	require.NoError(t, err)
	_, err = f.kernel.Delete(pg, f.ident, cur, tid)
	require.NoError(t, err)

	pruned, err := f.kernel.Prune(pg, f.ident)
	require.NoError(t, err)
	require.False(t, pruned)

	lp := pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPDeleted, lp.State)
	require.EqualValues(t, 1, lp.SlotIndex())

	require.Equal(t, deleter, pg.PruneXid())
}

func TestPruneReclaimsAbortedInsert(t *testing.T) {
	inserter := common.NewXid(0, 10)
	oracle := fakeOracle{inserter: txnslot.StatusAbortedUndone}
	f := newFixture(t, oracle)
	pg := f.getPage(t)
	cur := f.newCursor(t, inserter, 1)

	tid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("row"))
	require.NoError(t, err)

	pruned, err := f.kernel.Prune(pg, f.ident)
	require.NoError(t, err)
	require.True(t, pruned)

	lp := pg.LinePointer(tid.Offset)
	require.Equal(t, page.LPUnused, lp.State)
}

func TestPruneCompactsAndPreservesLinePointerNumbering(t *testing.T) {
	deleter := common.NewXid(0, 10)
	oracle := fakeOracle{deleter: txnslot.StatusCommittedAllVisible}
	f := newFixture(t, oracle)
	pg := f.getPage(t)
	cur := f.newCursor(t, deleter, 1)

	deadTid, _, err := f.kernel.Insert(pg, f.ident, cur, []byte("dead-row"))
	require.NoError(t, err)
	_, err = f.kernel.Delete(pg, f.ident, cur, deadTid)
	require.NoError(t, err)

	survivor := common.NewXid(0, 11)
	curSurvivor := f.newCursor(t, survivor, 2)
	liveTid, _, err := f.kernel.Insert(pg, f.ident, curSurvivor, []byte("live-row"))
	require.NoError(t, err)

	freeBefore := pg.FreeSpace()
	pruned, err := f.kernel.Prune(pg, f.ident)
	require.NoError(t, err)
	require.True(t, pruned)
	require.Greater(t, pg.FreeSpace(), freeBefore)

	// Line pointer numbering (Tid.Offset) for the survivor must be
	// unchanged; only its storage offset inside the page may move.
	require.Equal(t, page.LPNormal, pg.LinePointer(liveTid.Offset).State)
	selfSnap := common.Snapshot{Self: survivor, Xmin: survivor, Xmax: survivor}
	tup, ok, err := f.kernel.Resolve(pg, f.ident, liveTid, selfSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("live-row"), tup.Payload)
}

func TestInsertRetriesAfterPruneWhenPageFull(t *testing.T) {
	deleter := common.NewXid(0, 10)
	oracle := fakeOracle{deleter: txnslot.StatusCommittedNotAllVisible}
	f := newFixture(t, oracle)
	pg := f.getPage(t)
	cur := f.newCursor(t, deleter, 1)

	// Fill the page with deleted garbage whose deleter is not yet
	// all-visible, so pruning cannot reclaim it, until a further insert
	// fails with ErrOutOfPageSpace.
	big := make([]byte, 512)
	var lastTid common.Tid
	for {
		tid, _, err := f.kernel.Insert(pg, f.ident, cur, big)
		if err != nil {
			require.ErrorIs(t, err, common.ErrOutOfPageSpace)
			break
		}
		lastTid = tid
		_, err = f.kernel.Delete(pg, f.ident, cur, lastTid)
		require.NoError(t, err)
	}

	// Once the deleter is all-visible, an insert at least as large as the
	// one that just failed succeeds by pruning the garbage first instead
	// of failing outright.
	oracle[deleter] = txnslot.StatusCommittedAllVisible
	want := append([]byte("fits-after-prune"), big...)
	tid, _, err := f.kernel.Insert(pg, f.ident, cur, want)
	require.NoError(t, err)

	selfSnap := common.Snapshot{Self: deleter, Xmin: deleter, Xmax: deleter}
	tup, ok, err := f.kernel.Resolve(pg, f.ident, tid, selfSnap)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, tup.Payload)
}
