package fuzz

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/disk"
	"github.com/Blackdeer1524/zheap/internal/engine"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/rollback"
	"github.com/Blackdeer1524/zheap/internal/txn"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

const fuzzRelation common.FileID = 1

func newFuzzEngine() *engine.Engine {
	fs := afero.NewMemMapFs()
	dm := disk.New(fs, map[common.FileID]string{fuzzRelation: "/data/rel.dat"})
	pool := bufferpool.New(16, bufferpool.NewLRUReplacer(), dm, nil)
	store := undo.NewStore(fs, "/undo", 1<<20, nil)
	walLog := wal.NewLog(fs, "/wal", 1<<20, nil)
	slots := txnslot.New(store)
	txns := txn.New()
	locks := txn.NewLocker()
	rb := rollback.New(pool, store, walLog, txns, locks, nil)
	return engine.New(pool, dm, store, walLog, slots, txns, locks, rb, nil, 8, 0, nil)
}

// TestFuzzSingleThreaded drives randomized insert/update/delete sequences,
// each wrapped in its own transaction that randomly commits or aborts,
// against an in-memory engine and checks the result against tableModel
// after every transaction boundary — section 8's visibility invariant,
// reduced to the single-threaded case, plus the line-pointer round-trip law
// for aborted inserts ("rollback variant: ... line pointer at offset 1 is
// Unused").
func TestFuzzSingleThreaded(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%d", seed)
	r := rand.New(rand.NewSource(seed))

	e := newFuzzEngine()
	ident := common.PageIdentity{FileID: fuzzRelation, PageID: 0}
	pg, err := e.Pool.GetPage(ident)
	require.NoError(t, err)

	model := newTableModel()

	const rounds = 300
	for round := 0; round < rounds; round++ {
		tx, err := e.Begin()
		require.NoError(t, err)

		steps := 1 + r.Intn(4)
		applied := make([]Operation, 0, steps)
		results := make([]stepResult, 0, steps)
		aborted := false

		for i := 0; i < steps && !aborted; i++ {
			op := genRandomOp(r, model)
			var settledTid common.Tid

			switch op.Type {
			case OpInsert:
				tid, _, err := e.Insert(pg, ident, tx, op.Payload)
				if err != nil {
					aborted = true
					continue
				}
				settledTid = tid
			case OpUpdate:
				result, newTid, _, _, err := e.Update(context.Background(), pg, ident, tx, op.Tid, op.Payload, e.Snapshot(tx), common.WaitBlock)
				if err != nil || result != common.Ok {
					aborted = true
					continue
				}
				settledTid = newTid
			case OpDelete:
				result, _, _, err := e.Delete(context.Background(), pg, ident, tx, op.Tid, e.Snapshot(tx), common.WaitBlock)
				if err != nil || result != common.Ok {
					aborted = true
					continue
				}
				settledTid = op.Tid
			}

			applied = append(applied, op)
			results = append(results, stepResult{tid: settledTid})
		}

		commit := !aborted && r.Intn(5) != 0
		if commit {
			e.Commit(tx)
		} else {
			require.NoError(t, e.Abort(context.Background(), tx))
		}

		for i, op := range applied {
			res := results[i]
			res.committed = commit
			model.apply(op, res)

			if !commit && op.Type == OpInsert {
				require.Equal(t, page.LPUnused, pg.LinePointer(res.tid.Offset).State,
					"round %d: aborted insert at %s must leave an unused line pointer", round, res.tid)
			}
		}

		if round%20 == 0 || round == rounds-1 {
			assertVisibleRowsMatchModel(t, e, ident, model, round)
		}
	}

	assertVisibleRowsMatchModel(t, e, ident, model, rounds)
	t.Logf("fuzz ok: seed=%d, rounds=%d", seed, rounds)
}

func assertVisibleRowsMatchModel(t *testing.T, e *engine.Engine, ident common.PageIdentity, model *tableModel, round int) {
	t.Helper()

	reader, err := e.Begin()
	require.NoError(t, err)
	defer e.Commit(reader)

	scan, err := e.BeginScan(ident.FileID, e.Snapshot(reader))
	require.NoError(t, err)
	defer scan.End()

	got := make(map[common.Tid]string)
	for {
		tid, tup, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got[tid] = string(tup.Payload)
	}
	require.Equal(t, model.snapshot(), got, "round %d: visible rows diverged from model", round)
}
