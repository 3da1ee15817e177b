// Package fuzz is the single-threaded fuzz-style scenario runner referenced
// from the teacher's src/storage/engine/fuzz: a model tracking what the
// database should contain, a random operation generator, and a test that
// drives the real engine through randomized sequences and checks the
// result against the model after every transaction boundary.
package fuzz

import (
	"sort"

	"github.com/Blackdeer1524/zheap/internal/common"
)

// OpType discriminates the operation shapes the generator produces.
type OpType int

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
)

// Operation is one step of a scenario: Tid names the row an Update/Delete
// targets (filled in by the generator from the model's current rows) and is
// overwritten with the row's post-operation Tid once applied, since Insert
// and non-in-place Update can both hand back a Tid the generator couldn't
// have predicted.
type Operation struct {
	Type    OpType
	Tid     common.Tid
	Payload []byte
}

// stepResult is what a scenario step feeds back into the model: whether the
// surrounding transaction actually committed (an aborted transaction's
// writes must never reach the model) and the Tid the operation settled on.
type stepResult struct {
	tid       common.Tid
	committed bool
}

// tableModel is the scenario runner's ground truth: every row a committed
// transaction has written and not since deleted, keyed by Tid. Section 8's
// visibility invariant ("Resolve depends only on bytes durable before R
// started or written by a transaction visible to S") reduces, for a
// single-threaded runner that always reads at the current instant, to "a
// fresh reader sees exactly the rows this model holds".
type tableModel struct {
	rows map[common.Tid][]byte
}

func newTableModel() *tableModel {
	return &tableModel{rows: make(map[common.Tid][]byte)}
}

// randomTid picks one of the model's current rows deterministically given
// r's state, so a failing run is reproducible from its logged seed.
func (m *tableModel) randomTid(r randSource) (common.Tid, bool) {
	if len(m.rows) == 0 {
		return common.Tid{}, false
	}
	tids := make([]common.Tid, 0, len(m.rows))
	for t := range m.rows {
		tids = append(tids, t)
	}
	sort.Slice(tids, func(i, j int) bool {
		if tids[i].BlockNumber != tids[j].BlockNumber {
			return tids[i].BlockNumber < tids[j].BlockNumber
		}
		return tids[i].Offset < tids[j].Offset
	})
	return tids[r.Intn(len(tids))], true
}

// apply folds one completed step into the model. A no-op if the
// surrounding transaction aborted — nothing it did should have landed.
func (m *tableModel) apply(op Operation, res stepResult) {
	if !res.committed {
		return
	}
	switch op.Type {
	case OpInsert, OpUpdate:
		m.rows[res.tid] = op.Payload
		if op.Type == OpUpdate && res.tid != op.Tid {
			delete(m.rows, op.Tid) // non-in-place update moved to a new Tid
		}
	case OpDelete:
		delete(m.rows, op.Tid)
	}
}

// snapshot copies the model's rows out as strings for comparison against a
// scan's tuples, which testify's require.Equal can diff directly.
func (m *tableModel) snapshot() map[common.Tid]string {
	out := make(map[common.Tid]string, len(m.rows))
	for t, p := range m.rows {
		out[t] = string(p)
	}
	return out
}

// randSource is the slice of *rand.Rand the model needs, so random.go's
// generator and this file don't both have to import math/rand for a single
// method call.
type randSource interface {
	Intn(n int) int
}
