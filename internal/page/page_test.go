package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
)

func TestNewPageIsEmpty(t *testing.T) {
	p := New(DefaultTxnSlotCount)
	require.EqualValues(t, 0, p.LineCount())
	require.EqualValues(t, DefaultTxnSlotCount, p.TxnSlotCount())
	for i := uint16(1); i <= p.TxnSlotCount(); i++ {
		s := p.Slot(i)
		require.Equal(t, common.NilXid, s.Xid)
		require.Equal(t, common.NilUndoPtr, s.LatestPtr)
	}
	_, ok := p.OverflowLink()
	require.False(t, ok)
}

func TestInsertAndReadTuple(t *testing.T) {
	p := New(DefaultTxnSlotCount)
	lpIdx, ok := p.FindFreeLinePointer()
	require.True(t, ok)
	require.EqualValues(t, 1, lpIdx)

	payload := []byte("hello world")
	off, ok := p.PutTuple(TupleHeader{SlotIndex: 1}, payload)
	require.True(t, ok)

	p.SetLinePointer(lpIdx, LinePointer{State: LPNormal, Offset: off, Aux: tupleTotalLen(len(payload))})

	lp := p.LinePointer(lpIdx)
	tup := p.ReadTuple(lp.Offset, lp.Length())
	require.Equal(t, payload, tup.Payload)
	require.EqualValues(t, 1, tup.Header.SlotIndex)
}

func TestFreeSpaceShrinksAfterInsert(t *testing.T) {
	p := New(DefaultTxnSlotCount)
	before := p.FreeSpace()

	_, ok := p.AllocateLinePointer()
	require.True(t, ok)
	_, ok = p.PutTuple(TupleHeader{}, make([]byte, 100))
	require.True(t, ok)

	after := p.FreeSpace()
	require.Less(t, after, before)
}

func TestPutTupleFailsWhenPageFull(t *testing.T) {
	p := New(DefaultTxnSlotCount)
	big := make([]byte, int(Size))
	_, ok := p.PutTuple(TupleHeader{}, big)
	require.False(t, ok)
}

func TestCompactPreservesLinePointerIndices(t *testing.T) {
	p := New(DefaultTxnSlotCount)

	var offsets []uint16
	for i := 0; i < 3; i++ {
		idx, ok := p.AllocateLinePointer()
		require.True(t, ok)
		payload := []byte{byte(i), byte(i), byte(i)}
		off, ok := p.PutTuple(TupleHeader{}, payload)
		require.True(t, ok)
		p.SetLinePointer(idx, LinePointer{State: LPNormal, Offset: off, Aux: tupleTotalLen(len(payload))})
		offsets = append(offsets, off)
	}

	// Kill the middle tuple.
	p.SetLinePointer(2, LinePointer{State: LPUnused})

	p.Compact()

	lp1 := p.LinePointer(1)
	lp3 := p.LinePointer(3)
	require.Equal(t, LPNormal, lp1.State)
	require.Equal(t, LPNormal, lp3.State)

	t1 := p.ReadTuple(lp1.Offset, lp1.Length())
	t3 := p.ReadTuple(lp3.Offset, lp3.Length())
	require.Equal(t, []byte{0, 0, 0}, t1.Payload)
	require.Equal(t, []byte{2, 2, 2}, t3.Payload)
}
