package wal_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	log := wal.NewLog(afero.NewMemMapFs(), "/wal", 4096, nil)

	lsn1, err := log.Append(wal.RecInsert, wal.InsertPayload{Block: 1, Offset: 1, Tuple: []byte("a")}.Marshal())
	require.NoError(t, err)
	lsn2, err := log.Append(wal.RecDelete, wal.DeletePayload{Block: 1, Offset: 1}.Marshal())
	require.NoError(t, err)

	require.Less(t, lsn1, lsn2)
	require.Equal(t, lsn2, log.Durable())
}

func TestReplayVisitsRecordsInOrder(t *testing.T) {
	log := wal.NewLog(afero.NewMemMapFs(), "/wal", 4096, nil)
	_, err := log.Append(wal.RecUndoMeta, wal.UndoMetaPayload{Log: 1, InsertPoint: 64, Xid: common.NewXid(0, 1)}.Marshal())
	require.NoError(t, err)
	_, err = log.Append(wal.RecUndoMeta, wal.UndoMetaPayload{Log: 1, InsertPoint: 128, Xid: common.NewXid(0, 2)}.Marshal())
	require.NoError(t, err)

	var seen []wal.UndoMetaPayload
	err = log.Replay(func(r wal.Record) error {
		require.Equal(t, wal.RecUndoMeta, r.Type)
		seen = append(seen, wal.UnmarshalUndoMetaPayload(r.Payload))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.EqualValues(t, 64, seen[0].InsertPoint)
	require.EqualValues(t, 128, seen[1].InsertPoint)
}

func TestRestoreFromReplayResumesLSNSequence(t *testing.T) {
	fs := afero.NewMemMapFs()
	log1 := wal.NewLog(fs, "/wal", 4096, nil)
	_, err := log1.Append(wal.RecInsert, wal.InsertPayload{Block: 1, Offset: 1}.Marshal())
	require.NoError(t, err)
	lastLSN, err := log1.Append(wal.RecInsert, wal.InsertPayload{Block: 1, Offset: 2}.Marshal())
	require.NoError(t, err)

	log2 := wal.NewLog(fs, "/wal", 4096, nil)
	require.NoError(t, log2.RestoreFromReplay())
	require.Equal(t, lastLSN, log2.Durable())

	nextLSN, err := log2.Append(wal.RecInsert, wal.InsertPayload{Block: 1, Offset: 3}.Marshal())
	require.NoError(t, err)
	require.Greater(t, nextLSN, lastLSN)
}
