package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
)

func TestValidateTidAndSatisfiesSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ident := common.PageIdentity{FileID: testRelation, PageID: 0}

	tx, err := e.Begin()
	require.NoError(t, err)
	pg, err := e.Pool.GetPage(ident)
	require.NoError(t, err)
	tid, _, err := e.Insert(pg, ident, tx, []byte("row"))
	require.NoError(t, err)

	uncommitted, err := e.Begin()
	require.NoError(t, err)
	defer e.Commit(uncommitted)

	valid, err := e.ValidateTid(ident, tid)
	require.NoError(t, err)
	require.True(t, valid)

	satisfied, err := e.SatisfiesSnapshot(ident, tid, e.Snapshot(uncommitted))
	require.NoError(t, err)
	require.False(t, satisfied, "another transaction's uncommitted insert must not satisfy a concurrent snapshot")

	e.Commit(tx)

	reader, err := e.Begin()
	require.NoError(t, err)
	defer e.Commit(reader)

	satisfied, err = e.SatisfiesSnapshot(ident, tid, e.Snapshot(reader))
	require.NoError(t, err)
	require.True(t, satisfied)
}

func TestSizeGrowsWithBlocksAndTruncateShrinks(t *testing.T) {
	e := newTestEngine(t)

	size, err := e.Size(testRelation)
	require.NoError(t, err)
	require.EqualValues(t, 0, size)

	tx, err := e.Begin()
	require.NoError(t, err)
	for block := common.PageID(0); block < 3; block++ {
		ident := common.PageIdentity{FileID: testRelation, PageID: block}
		pg, err := e.Pool.GetPage(ident)
		require.NoError(t, err)
		_, _, err = e.Insert(pg, ident, tx, []byte("row"))
		require.NoError(t, err)
	}
	e.Commit(tx)

	require.NoError(t, e.Pool.FlushAll())

	size, err = e.Size(testRelation)
	require.NoError(t, err)
	require.EqualValues(t, 3, size)

	require.NoError(t, e.Truncate(testRelation, 1))

	size, err = e.Size(testRelation)
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func TestCopyDataDuplicatesVisibleRows(t *testing.T) {
	e := newTestEngine(t)
	const dstRelation common.FileID = 2
	e.Disk.InsertToFileMap(dstRelation, "/data/rel2.dat")

	tx, err := e.Begin()
	require.NoError(t, err)
	ident := common.PageIdentity{FileID: testRelation, PageID: 0}
	pg, err := e.Pool.GetPage(ident)
	require.NoError(t, err)
	_, _, err = e.Insert(pg, ident, tx, []byte("row-a"))
	require.NoError(t, err)
	_, _, err = e.Insert(pg, ident, tx, []byte("row-b"))
	require.NoError(t, err)
	e.Commit(tx)

	copier, err := e.Begin()
	require.NoError(t, err)
	n, err := e.CopyData(copier, testRelation, e.Snapshot(copier), dstRelation)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	e.Commit(copier)

	reader, err := e.Begin()
	require.NoError(t, err)
	defer e.Commit(reader)

	scan, err := e.BeginScan(dstRelation, e.Snapshot(reader))
	require.NoError(t, err)
	defer scan.End()

	var rows [][]byte
	for {
		_, tup, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rows = append(rows, tup.Payload)
	}
	require.ElementsMatch(t, [][]byte{[]byte("row-a"), []byte("row-b")}, rows)
}

func TestRollbackSubtransactionKeepsParentAlive(t *testing.T) {
	e := newTestEngine(t)
	ident := common.PageIdentity{FileID: testRelation, PageID: 0}

	tx, err := e.Begin()
	require.NoError(t, err)
	pg, err := e.Pool.GetPage(ident)
	require.NoError(t, err)
	keptTid, _, err := e.Insert(pg, ident, tx, []byte("kept"))
	require.NoError(t, err)

	tx.BeginSubtransaction()
	discardedTid, _, err := e.Insert(pg, ident, tx, []byte("discarded"))
	require.NoError(t, err)
	require.NoError(t, e.RollbackSubtransaction(context.Background(), tx))

	e.Commit(tx)

	reader, err := e.Begin()
	require.NoError(t, err)
	defer e.Commit(reader)
	snap := e.Snapshot(reader)

	_, visible, err := e.FetchRowVersion(ident, keptTid, snap)
	require.NoError(t, err)
	require.True(t, visible)

	_, visible, err = e.FetchRowVersion(ident, discardedTid, snap)
	require.NoError(t, err)
	require.False(t, visible)
}
