// Package discard implements spec section 4.9: advancing each undo log's
// discard horizon past whatever undo no reader or rollback will ever need
// again, freezing the page slots that undo was protecting along the way.
package discard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/bufferpool"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
	"github.com/Blackdeer1524/zheap/internal/txn"
	"github.com/Blackdeer1524/zheap/internal/txnslot"
	"github.com/Blackdeer1524/zheap/internal/undo"
	"github.com/Blackdeer1524/zheap/internal/wal"
)

// oracle is the slice of txn.Manager the sweep needs; kept as an interface
// so tests can fake xid status without a full Manager.
type oracle interface {
	Status(xid common.Xid) txnslot.XidStatus
	OldestRunning() common.Xid
	PromoteAllVisible(xid common.Xid)
}

// Sweeper advances discard horizons one log at a time. Safe for concurrent
// use across logs; Sweep itself serializes sweeps of the same log through
// the log's own discard lock (undo.Log.AdvanceOldestData), so nothing extra
// is needed here beyond not running two sweeps of one log concurrently,
// which Scheduler enforces.
type Sweeper struct {
	Pool   *bufferpool.Pool
	WAL    *wal.Log
	Txns   oracle
	Logger *zap.SugaredLogger
}

func New(pool *bufferpool.Pool, walLog *wal.Log, txns *txn.Manager, logger *zap.SugaredLogger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{Pool: pool, WAL: walLog, Txns: txns, Logger: logger}
}

// Sweep walks log forward from its current discard horizon, stopping at the
// first record belonging to an xid that is not yet safely discardable
// (still running, aborted-but-not-undone, or committed but not all
// visible), then freezes every page slot the consumed records protected
// and advances the horizon past them in one step.
func (s *Sweeper) Sweep(ctx context.Context, log *undo.Log) error {
	groups, newOldest, newOldestXid, err := s.scan(log)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	for _, g := range groups {
		// A no-op if g.xid was already StatusCommittedAllVisible or
		// StatusAbortedUndone; promotes it now if scan admitted it into a
		// group precisely because it just became older than every running
		// snapshot.
		s.Txns.PromoteAllVisible(g.xid)
		if err := s.freezeGroup(ctx, g); err != nil {
			return fmt.Errorf("discard: freezing slots for %s: %w", g.xid, err)
		}
	}

	if _, err := s.WAL.Append(wal.RecDiscard, wal.DiscardPayload{
		Log:           log.Number(),
		NewOldestData: newOldest,
		OldestXid:     newOldestXid,
	}.Marshal()); err != nil {
		return fmt.Errorf("discard: logging horizon advance: %w", err)
	}

	log.AdvanceOldestData(newOldest, newOldestXid)
	return nil
}

type xidGroup struct {
	xid   common.Xid
	pages map[common.PageIdentity]struct{}
}

// scan walks log from its current horizon to its write frontier, grouping
// consecutive records by Xid (a log has exactly one writer at a time, so
// one transaction's records are always contiguous) and stopping at the
// first group whose Xid isn't safely discardable. It returns only the
// groups it fully consumed, plus the pointer and Xid to advance the
// horizon to.
func (s *Sweeper) scan(log *undo.Log) ([]xidGroup, common.UndoPtr, common.Xid, error) {
	horizon := log.OldestData()
	frontier := log.InsertPoint()
	oldestRunning := s.Txns.OldestRunning()

	var groups []xidGroup
	var cur *xidGroup
	newOldest := horizon
	newOldestXid := log.OldestXid()

	ptr := horizon
	for ptr.Offset() < frontier {
		frame, err := log.ReadAt(ptr)
		if err != nil {
			return nil, common.NilUndoPtr, common.NilXid, fmt.Errorf("discard: reading undo at %s: %w", ptr, err)
		}
		rec, n, err := undo.Decode(frame)
		if err != nil {
			return nil, common.NilUndoPtr, common.NilXid, fmt.Errorf("discard: decoding undo at %s: %w", ptr, err)
		}

		// Safe to discard past rec.Xid if it finished rollback (its undo
		// will never be read again) or if it committed and is older than
		// every running snapshot (no reader left that could still need
		// its status disambiguated, nor undo to walk for it). A running
		// or not-yet-undone-abort both read as StatusInProgress per
		// txn.Manager.Abort's comment, so this single check covers both.
		status := s.Txns.Status(rec.Xid)
		switch status {
		case txnslot.StatusAbortedUndone:
		case txnslot.StatusCommittedAllVisible:
		case txnslot.StatusCommittedNotAllVisible:
			if !rec.Xid.Precedes(oldestRunning) {
				return groupsWith(groups, cur), newOldest, newOldestXid, nil
			}
		default:
			return groupsWith(groups, cur), newOldest, newOldestXid, nil
		}

		if cur == nil || cur.xid != rec.Xid {
			if cur != nil {
				groups = append(groups, *cur)
			}
			cur = &xidGroup{xid: rec.Xid, pages: make(map[common.PageIdentity]struct{})}
		}
		if rec.Type != undo.RecSlotReuse && rec.Type != undo.RecTxnHeader {
			cur.pages[common.PageIdentity{FileID: rec.Relation, PageID: rec.Tid.BlockNumber}] = struct{}{}
		}

		next := common.NewUndoPtr(ptr.Log(), ptr.Offset()+uint64(n))
		newOldest = next
		newOldestXid = rec.Xid
		ptr = next
	}
	return groupsWith(groups, cur), newOldest, newOldestXid, nil
}

// groupsWith appends the in-progress group cur (if any) to groups. Shared
// by scan's early-exit and its normal end-of-loop return so both paths
// flush the group they were still accumulating.
func groupsWith(groups []xidGroup, cur *xidGroup) []xidGroup {
	if cur == nil {
		return groups
	}
	return append(groups, *cur)
}

func (s *Sweeper) freezeGroup(ctx context.Context, g xidGroup) error {
	for ident := range g.pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.freezePage(ident, g.xid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) freezePage(ident common.PageIdentity, xid common.Xid) error {
	pg, err := s.Pool.GetPageNoCreate(ident)
	if err != nil {
		if errors.Is(err, common.ErrCorruption) {
			// The relation has since been truncated past this page (spec
			// section 6's Truncate); nothing left to freeze.
			return nil
		}
		return fmt.Errorf("fetching page %s: %w", ident, err)
	}
	defer s.Pool.Unpin(ident)

	slotIndex, found := txnslot.FindSlotForXid(pg, xid)
	if !found {
		return nil
	}

	// Freeze is purely physical, like internal/heap.Prune: the RecDiscard
	// record already logged in Sweep is enough to replay it, since which
	// tuples still name slotIndex is a deterministic function of the
	// page's own current contents.
	return s.Pool.WithMarkDirty(common.NilXid, ident, pg, func(pg *page.Page) (common.LogRecordLocInfo, error) {
		txnslot.Freeze(pg, slotIndex)
		return common.LogRecordLocInfo{}, nil
	})
}
