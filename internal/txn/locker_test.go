package txn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/txn"
)

func TestLockerGrantsCompatibleSharedLocks(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}

	others, err := l.Lock(context.Background(), common.NewXid(0, 1), tid, common.RowLockShare, common.WaitBlock)
	require.NoError(t, err)
	require.False(t, others)
	others, err = l.Lock(context.Background(), common.NewXid(0, 2), tid, common.RowLockShare, common.WaitBlock)
	require.NoError(t, err)
	require.True(t, others)
}

func TestLockerReentrantCombinesToStrongerMode(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}
	xid := common.NewXid(0, 1)

	_, err := l.Lock(context.Background(), xid, tid, common.RowLockShare, common.WaitBlock)
	require.NoError(t, err)
	_, err = l.Lock(context.Background(), xid, tid, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)
}

func TestLockerWaitErrorReturnsImmediately(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}

	_, err := l.Lock(context.Background(), common.NewXid(0, 1), tid, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)
	_, err = l.Lock(context.Background(), common.NewXid(0, 2), tid, common.RowLockShare, common.WaitError)
	require.ErrorIs(t, err, common.ErrLockNotAvailable)
}

func TestLockerWaitSkipReturnsImmediately(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}

	_, err := l.Lock(context.Background(), common.NewXid(0, 1), tid, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)
	_, err = l.Lock(context.Background(), common.NewXid(0, 2), tid, common.RowLockShare, common.WaitSkip)
	require.ErrorIs(t, err, common.ErrLockNotAvailable)
}

func TestLockerYoungerRequesterAbortsInsteadOfWaitingOnOlderHolder(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}

	older := common.NewXid(0, 1)
	younger := common.NewXid(0, 2)
	_, err := l.Lock(context.Background(), older, tid, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), younger, tid, common.RowLockShare, common.WaitBlock)
	require.ErrorIs(t, err, txn.ErrDeadlockAvoided)
}

func TestLockerUnlockWakesWaiter(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}

	older := common.NewXid(0, 1)
	younger := common.NewXid(0, 2)
	_, err := l.Lock(context.Background(), younger, tid, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Lock(context.Background(), older, tid, common.RowLockShare, common.WaitBlock)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Unlock(tid, younger)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted the lock")
	}
}

func TestLockerContextCancelAbortsWait(t *testing.T) {
	l := txn.NewLocker()
	tid := common.Tid{BlockNumber: 1, Offset: 1}

	older := common.NewXid(0, 1)
	younger := common.NewXid(0, 2)
	_, err := l.Lock(context.Background(), younger, tid, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, older, tid, common.RowLockShare, common.WaitBlock)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseAllDropsEveryLockForXid(t *testing.T) {
	l := txn.NewLocker()
	tidA := common.Tid{BlockNumber: 1, Offset: 1}
	tidB := common.Tid{BlockNumber: 1, Offset: 2}
	xid := common.NewXid(0, 1)

	_, err := l.Lock(context.Background(), xid, tidA, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)
	_, err = l.Lock(context.Background(), xid, tidB, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)

	l.ReleaseAll(xid)

	other := common.NewXid(0, 2)
	others, err := l.Lock(context.Background(), other, tidA, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)
	require.False(t, others)
	others, err = l.Lock(context.Background(), other, tidB, common.RowLockExclusive, common.WaitBlock)
	require.NoError(t, err)
	require.False(t, others)
}
