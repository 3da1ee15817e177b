package bufferpool_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/disk"
	"github.com/Blackdeer1524/zheap/internal/page"
)

func newPool(t *testing.T, size uint64) (*bufferpool.Pool, *disk.Manager) {
	t.Helper()
	fs := afero.NewMemMapFs()
	dm := disk.New(fs, map[common.FileID]string{1: "/data/rel1.dat"})
	pool := bufferpool.New(size, bufferpool.NewLRUReplacer(), dm, nil)
	return pool, dm
}

func TestGetPageCachesOnSecondFetch(t *testing.T) {
	pool, _ := newPool(t, 2)
	ident := common.PageIdentity{FileID: 1, PageID: 0}

	pg, err := pool.GetPage(ident)
	require.NoError(t, err)
	pg.SetPruneXid(common.NewXid(0, 9))
	pool.Unpin(ident)

	pg2, err := pool.GetPage(ident)
	require.NoError(t, err)
	require.Equal(t, common.NewXid(0, 9), pg2.PruneXid())
}

func TestGetPageNoCreateFailsBeyondExtent(t *testing.T) {
	pool, _ := newPool(t, 2)
	_, err := pool.GetPageNoCreate(common.PageIdentity{FileID: 1, PageID: 5})
	require.ErrorIs(t, err, common.ErrCorruption)
}

func TestEvictionWritesDirtyVictimBeforeReuse(t *testing.T) {
	pool, dm := newPool(t, 1)
	first := common.PageIdentity{FileID: 1, PageID: 0}
	second := common.PageIdentity{FileID: 1, PageID: 1}

	pg, err := pool.GetPage(first)
	require.NoError(t, err)
	err = pool.WithMarkDirty(common.NewXid(0, 1), first, pg, func(p *page.Page) (common.LogRecordLocInfo, error) {
		p.SetPruneXid(common.NewXid(0, 42))
		return common.LogRecordLocInfo{Location: first, LSN: 1}, nil
	})
	require.NoError(t, err)
	pool.Unpin(first)

	_, err = pool.GetPage(second)
	require.NoError(t, err)

	onDisk := page.New(page.DefaultTxnSlotCount)
	require.NoError(t, dm.Read(onDisk, first))
	require.Equal(t, common.NewXid(0, 42), onDisk.PruneXid())
}

func TestUnpinRequiresExistingPin(t *testing.T) {
	pool, _ := newPool(t, 1)
	ident := common.PageIdentity{FileID: 1, PageID: 0}
	require.Panics(t, func() { pool.Unpin(ident) })
}
