package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
)

// ScanCounters are the per-block/per-tuple totals spec section 6's analyze
// operation accumulates across a scan.
type ScanCounters struct {
	BlocksVisited uint64
	TuplesVisited uint64
	TuplesVisible uint64
}

// Scan is a sequential scan over one relation, positioned at a (block,
// line) cursor. A single Scan is not safe for concurrent Next calls; use
// BeginParallelScan to split blocks across goroutines instead.
type Scan struct {
	engine   *Engine
	relation common.FileID
	snap     common.Snapshot
	nextSync *atomic.Uint64 // shared block cursor when driven by a ParallelScan

	block    common.PageID // next block to draw, for a non-parallel Scan
	curBlock common.PageID // block the currently pinned page belongs to
	nBlocks  common.PageID
	line     uint16

	pg *page.Page

	Counters ScanCounters
}

// BeginScan opens a sequential scan of relation visible to snap.
func (e *Engine) BeginScan(relation common.FileID, snap common.Snapshot) (*Scan, error) {
	// The relation's extent is read from disk, so dirty pages go first.
	if err := e.Pool.FlushAll(); err != nil {
		return nil, fmt.Errorf("engine: flushing before scan of relation %d: %w", relation, err)
	}
	n, err := e.Disk.Size(relation)
	if err != nil {
		return nil, fmt.Errorf("engine: sizing relation %d: %w", relation, err)
	}
	return &Scan{engine: e, relation: relation, snap: snap, nBlocks: n}, nil
}

// ParallelScan hands out disjoint blocks to however many workers call Next
// concurrently, via a single shared atomic cursor (spec section 6's
// parallel sequential scan).
type ParallelScan struct {
	engine   *Engine
	relation common.FileID
	snap     common.Snapshot
	nBlocks  common.PageID
	next     atomic.Uint64
}

func (e *Engine) BeginParallelScan(relation common.FileID, snap common.Snapshot) (*ParallelScan, error) {
	if err := e.Pool.FlushAll(); err != nil {
		return nil, fmt.Errorf("engine: flushing before scan of relation %d: %w", relation, err)
	}
	n, err := e.Disk.Size(relation)
	if err != nil {
		return nil, fmt.Errorf("engine: sizing relation %d: %w", relation, err)
	}
	return &ParallelScan{engine: e, relation: relation, snap: snap, nBlocks: n}, nil
}

// Worker returns a Scan that draws its next block from the shared cursor
// instead of incrementing its own, so every worker's Next calls partition
// the relation without overlap.
func (p *ParallelScan) Worker() *Scan {
	return &Scan{engine: p.engine, relation: p.relation, snap: p.snap, nBlocks: p.nBlocks, nextSync: &p.next}
}

func (s *Scan) nextBlock() (common.PageID, bool) {
	if s.nextSync != nil {
		b := common.PageID(s.nextSync.Add(1) - 1)
		if b >= s.nBlocks {
			return 0, false
		}
		return b, true
	}
	if s.block >= s.nBlocks {
		return 0, false
	}
	b := s.block
	s.block++
	return b, true
}

// Next advances to and returns the next visible tuple, or ok=false once the
// scan is exhausted. Rescan resets a sequential (non-parallel) Scan back to
// its first block.
func (s *Scan) Next() (common.Tid, page.Tuple, bool, error) {
	for {
		if s.pg == nil {
			block, ok := s.nextBlock()
			if !ok {
				return common.Tid{}, page.Tuple{}, false, nil
			}
			ident := common.PageIdentity{FileID: s.relation, PageID: block}
			pg, err := s.engine.Pool.GetPage(ident)
			if err != nil {
				return common.Tid{}, page.Tuple{}, false, fmt.Errorf("engine: fetching %s: %w", ident, err)
			}
			s.pg = pg
			s.curBlock = block
			s.line = 1
			s.Counters.BlocksVisited++
		}

		if s.line > s.pg.LineCount() {
			s.engine.Pool.Unpin(common.PageIdentity{FileID: s.relation, PageID: s.curBlock})
			s.pg = nil
			continue
		}

		offset := s.line
		s.line++

		lp := s.pg.LinePointer(offset)
		if lp.State == page.LPUnused || lp.State == page.LPDead {
			continue
		}
		s.Counters.TuplesVisited++

		ident := common.PageIdentity{FileID: s.relation, PageID: s.curBlock}
		tid := common.Tid{BlockNumber: ident.PageID, Offset: offset}
		tup, visible, err := s.engine.Kernel.Resolve(s.pg, ident, tid, s.snap)
		if err != nil {
			return common.Tid{}, page.Tuple{}, false, fmt.Errorf("engine: resolving %s: %w", tid, err)
		}
		if !visible {
			continue
		}
		s.Counters.TuplesVisible++
		return tid, tup, true, nil
	}
}

// Rescan resets a non-parallel Scan back to its first block, for a caller
// that needs to walk the same snapshot's relation contents more than once
// (spec section 6's rescan operation). Not valid on a ParallelScan worker,
// which shares its block cursor with its siblings.
func (s *Scan) Rescan() {
	if s.pg != nil {
		s.engine.Pool.Unpin(common.PageIdentity{FileID: s.relation, PageID: s.curBlock})
		s.pg = nil
	}
	s.block = 0
	s.line = 0
}

// End releases whatever page a Scan still holds pinned.
func (s *Scan) End() {
	if s.pg != nil {
		s.engine.Pool.Unpin(common.PageIdentity{FileID: s.relation, PageID: s.curBlock})
		s.pg = nil
	}
}

// BitmapBlock fetches one page named by a bitmap index scan for
// tuple-at-a-time access, without advancing any sequential cursor.
func (e *Engine) BitmapBlock(relation common.FileID, block common.PageID) (*page.Page, error) {
	ident := common.PageIdentity{FileID: relation, PageID: block}
	pg, err := e.Pool.GetPage(ident)
	if err != nil {
		return nil, fmt.Errorf("engine: fetching bitmap block %s: %w", ident, err)
	}
	return pg, nil
}

// BitmapTuple resolves one tid named by a bitmap index scan against snap,
// releasing nothing — the caller owns pg's pin for the duration of the
// bitmap page's tuple loop and unpins it once via Pool.Unpin itself.
func (e *Engine) BitmapTuple(pg *page.Page, ident common.PageIdentity, tid common.Tid, snap common.Snapshot) (page.Tuple, bool, error) {
	return e.Kernel.Resolve(pg, ident, tid, snap)
}

// SampleScan iterates every live line pointer of one block for a sampling
// method to accept or reject, per spec section 6's sample-scan block/tuple
// split: BeginSampleBlock fetches the block, NextSampleTuple walks its
// line pointers one at a time.
type SampleScan struct {
	engine *Engine
	ident  common.PageIdentity
	pg     *page.Page
	line   uint16
}

func (e *Engine) BeginSampleBlock(relation common.FileID, block common.PageID) (*SampleScan, error) {
	ident := common.PageIdentity{FileID: relation, PageID: block}
	pg, err := e.Pool.GetPage(ident)
	if err != nil {
		return nil, fmt.Errorf("engine: fetching sample block %s: %w", ident, err)
	}
	return &SampleScan{engine: e, ident: ident, pg: pg, line: 1}, nil
}

func (s *SampleScan) NextSampleTuple(snap common.Snapshot) (common.Tid, page.Tuple, bool, error) {
	for s.line <= s.pg.LineCount() {
		offset := s.line
		s.line++
		lp := s.pg.LinePointer(offset)
		if lp.State == page.LPUnused || lp.State == page.LPDead {
			continue
		}
		tid := common.Tid{BlockNumber: s.ident.PageID, Offset: offset}
		tup, visible, err := s.engine.Kernel.Resolve(s.pg, s.ident, tid, snap)
		if err != nil {
			return common.Tid{}, page.Tuple{}, false, err
		}
		if !visible {
			continue
		}
		return tid, tup, true, nil
	}
	return common.Tid{}, page.Tuple{}, false, nil
}

func (s *SampleScan) End() {
	s.engine.Pool.Unpin(s.ident)
}
