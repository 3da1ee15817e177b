package txnslot_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
)

type fakeOracle map[common.Xid]txnslot.XidStatus

func (o fakeOracle) Status(xid common.Xid) txnslot.XidStatus {
	if s, ok := o[xid]; ok {
		return s
	}
	return txnslot.StatusInProgress
}

func newLog(t *testing.T, number common.LogNumber) *undo.Log {
	t.Helper()
	store := undo.NewStore(afero.NewMemMapFs(), "/undo", 4096, nil)
	log := store.Log(number)
	require.NoError(t, log.Attach(common.NewXid(0, 1)))
	return log
}

func TestFindOrAllocateReturnsExistingSlot(t *testing.T) {
	pg := page.New(page.DefaultTxnSlotCount)
	xid := common.NewXid(0, 5)
	pg.SetSlot(2, page.TxnSlot{Xid: xid})

	m := txnslot.New(nil)
	res, err := m.FindOrAllocate(pg, txnslot.Request{Xid: xid, Oracle: fakeOracle{}})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.SlotIndex)
}

func TestFindOrAllocateUsesFreeSlot(t *testing.T) {
	pg := page.New(page.DefaultTxnSlotCount)
	m := txnslot.New(nil)
	res, err := m.FindOrAllocate(pg, txnslot.Request{Xid: common.NewXid(0, 9), Oracle: fakeOracle{}})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.SlotIndex)
	require.Equal(t, common.NewXid(0, 9), pg.Slot(1).Xid)
}

func TestFindOrAllocateTriviallyReusesAllVisibleSlot(t *testing.T) {
	pg := page.New(1)
	old := common.NewXid(0, 1)
	pg.SetSlot(1, page.TxnSlot{Xid: old, LatestPtr: common.NewUndoPtr(1, 10)})

	oracle := fakeOracle{old: txnslot.StatusCommittedAllVisible}
	m := txnslot.New(nil)
	res, err := m.FindOrAllocate(pg, txnslot.Request{Xid: common.NewXid(0, 2), Oracle: oracle})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.SlotIndex)
	require.Empty(t, res.ReuseRecords)
	require.Equal(t, common.NewXid(0, 2), pg.Slot(1).Xid)
}

func TestFindOrAllocateWritesSlotReuseRecord(t *testing.T) {
	pg := page.New(1)
	old := common.NewXid(0, 1)
	pg.SetSlot(1, page.TxnSlot{Xid: old, LatestPtr: common.NewUndoPtr(1, 10)})

	lpIdx, ok := pg.FindFreeLinePointer()
	require.True(t, ok)
	off, ok := pg.PutTuple(page.TupleHeader{SlotIndex: 1}, []byte("abc"))
	require.True(t, ok)
	pg.SetLinePointer(lpIdx, page.LinePointer{State: page.LPNormal, Offset: off, Aux: 13})

	oracle := fakeOracle{old: txnslot.StatusCommittedNotAllVisible}
	log := newLog(t, 1)
	m := txnslot.New(nil)

	res, err := m.FindOrAllocate(pg, txnslot.Request{
		Xid:      common.NewXid(0, 2),
		Relation: 42,
		Oracle:   oracle,
		Log:      log,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.SlotIndex)
	require.Len(t, res.ReuseRecords, 1)

	h := pg.ReadTupleHeader(off)
	require.True(t, h.HasFlag(page.TFSlotReused))
}

func TestFindOrAllocateExhaustedWithoutBulk(t *testing.T) {
	pg := page.New(1)
	pg.SetSlot(1, page.TxnSlot{Xid: common.NewXid(0, 1)})

	m := txnslot.New(nil)
	_, err := m.FindOrAllocate(pg, txnslot.Request{
		Xid:    common.NewXid(0, 2),
		Oracle: fakeOracle{},
	})
	require.ErrorIs(t, err, common.ErrSlotExhausted)
}

func TestFindOrAllocateBulkRecyclesCommittedSlots(t *testing.T) {
	pg := page.New(2)
	a, b := common.NewXid(0, 1), common.NewXid(0, 2)
	pg.SetSlot(1, page.TxnSlot{Xid: a})
	pg.SetSlot(2, page.TxnSlot{Xid: b})

	oracle := fakeOracle{a: txnslot.StatusCommittedAllVisible, b: txnslot.StatusAbortedUndone}
	m := txnslot.New(nil)

	res, err := m.FindOrAllocate(pg, txnslot.Request{
		Xid:              common.NewXid(0, 3),
		Oracle:           oracle,
		AllowBulkRecycle: true,
	})
	require.NoError(t, err)
	require.Contains(t, []uint16{1, 2}, res.SlotIndex)
}

func TestFindOrAllocateSubtransactionSkipsBulk(t *testing.T) {
	pg := page.New(1)
	pg.SetSlot(1, page.TxnSlot{Xid: common.NewXid(0, 1)})

	m := txnslot.New(nil)
	_, err := m.FindOrAllocate(pg, txnslot.Request{
		Xid:              common.NewXid(0, 2),
		Oracle:           fakeOracle{},
		IsSubtransaction: true,
		AllowBulkRecycle: true,
	})
	require.ErrorIs(t, err, common.ErrSlotExhausted)
}

func TestFreezePointsTupleAtSentinel(t *testing.T) {
	pg := page.New(1)
	lpIdx, ok := pg.FindFreeLinePointer()
	require.True(t, ok)
	off, ok := pg.PutTuple(page.TupleHeader{SlotIndex: 1, Flags: page.TFSlotReused}, []byte("x"))
	require.True(t, ok)
	pg.SetLinePointer(lpIdx, page.LinePointer{State: page.LPNormal, Offset: off, Aux: 11})

	txnslot.Freeze(pg, 1)

	h := pg.ReadTupleHeader(off)
	require.EqualValues(t, page.FrozenSlot, h.SlotIndex)
	require.False(t, h.HasFlag(page.TFSlotReused))
}
