package replication_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/replication"
)

func TestConflictingReturnsOnlyQueriesNeedingDiscardedUndo(t *testing.T) {
	tr := replication.NewConflictTracker()

	staleQuery := common.NewXid(0, 201)
	freshQuery := common.NewXid(0, 200)

	tr.Register(staleQuery, common.NewXid(0, 10))
	tr.Register(freshQuery, common.NewXid(0, 900))

	hit := tr.Conflicting(common.NewXid(0, 500))
	require.Equal(t, []common.Xid{staleQuery}, hit)
}

func TestUnregisterRemovesQueryFromConsideration(t *testing.T) {
	tr := replication.NewConflictTracker()
	queryID := common.NewXid(0, 1)
	tr.Register(queryID, common.NewXid(0, 1))
	tr.Unregister(queryID)

	require.Empty(t, tr.Conflicting(common.NewXid(0, 1000)))
}
