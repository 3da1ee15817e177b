package engine

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
)

// FetchRowVersion re-resolves tid against snap without advancing any scan
// cursor, for a caller (e.g. a foreign-key check or a cursor's own re-fetch)
// that already knows the exact Tid it wants.
func (e *Engine) FetchRowVersion(ident common.PageIdentity, tid common.Tid, snap common.Snapshot) (page.Tuple, bool, error) {
	pg, err := e.Pool.GetPage(ident)
	if err != nil {
		return page.Tuple{}, false, fmt.Errorf("engine: fetching %s: %w", ident, err)
	}
	defer e.Pool.Unpin(ident)
	return e.Kernel.Resolve(pg, ident, tid, snap)
}

// ValidateTid reports whether tid still names an allocated line pointer on
// its page at all, independent of visibility — used before taking a lock
// on a Tid a caller cached across a concurrent truncate or vacuum.
func (e *Engine) ValidateTid(ident common.PageIdentity, tid common.Tid) (bool, error) {
	pg, err := e.Pool.GetPage(ident)
	if err != nil {
		return false, fmt.Errorf("engine: fetching %s: %w", ident, err)
	}
	defer e.Pool.Unpin(ident)
	if tid.Offset < 1 || tid.Offset > pg.LineCount() {
		return false, nil
	}
	lp := pg.LinePointer(tid.Offset)
	return lp.State != page.LPUnused, nil
}

// SatisfiesSnapshot reports whether tid's currently visible version (if
// any) is visible to snap, without returning the tuple bytes themselves.
func (e *Engine) SatisfiesSnapshot(ident common.PageIdentity, tid common.Tid, snap common.Snapshot) (bool, error) {
	_, visible, err := e.FetchRowVersion(ident, tid, snap)
	return visible, err
}

// Size reports relation's current block count.
func (e *Engine) Size(relation common.FileID) (common.PageID, error) {
	return e.Disk.Size(relation)
}

// EstimateSize is Size's planner-facing counterpart: this engine keeps no
// separate cached estimate, so it is exact rather than approximate.
func (e *Engine) EstimateSize(relation common.FileID) (common.PageID, error) {
	return e.Disk.Size(relation)
}

// NeedsToastTable always reports false: this engine has no out-of-line
// storage for oversized attributes, so every relation fits spec section
// 6's contract without one.
func (e *Engine) NeedsToastTable(common.FileID) bool {
	return false
}

// Truncate implements spec section 6's nontransactional truncate: every
// dirty page is flushed first (truncating out from under an unflushed
// dirty frame would silently discard that write), then the file itself is
// shortened to nBlocks. Truncation is nontransactional — it is not undone
// by an aborting caller.
func (e *Engine) Truncate(relation common.FileID, nBlocks common.PageID) error {
	if err := e.Pool.FlushAll(); err != nil {
		return fmt.Errorf("engine: flushing before truncate: %w", err)
	}
	return e.Disk.Truncate(relation, nBlocks)
}

// SetNewFilenode implements spec section 6's set-new-filenode: relation's
// FileID is repointed at an entirely empty file, abandoning its previous
// contents (used by CLUSTER/VACUUM FULL-style rewrites, which build the new
// contents under a fresh filenode before swapping it in).
func (e *Engine) SetNewFilenode(relation common.FileID, newPath string) {
	e.Disk.InsertToFileMap(relation, newPath)
}

// CopyData implements spec section 6's copy-data: every live (visible to
// snap) row in src is re-inserted into dst under tx, the same path CLUSTER
// and VACUUM FULL use to build a relation's rewritten contents before
// SetNewFilenode swaps it in.
func (e *Engine) CopyData(tx *Transaction, src common.FileID, snap common.Snapshot, dst common.FileID) (int, error) {
	scan, err := e.BeginScan(src, snap)
	if err != nil {
		return 0, fmt.Errorf("engine: beginning copy-data scan of %d: %w", src, err)
	}
	defer scan.End()

	block := common.PageID(0)
	dstIdent := common.PageIdentity{FileID: dst, PageID: block}
	dstPage, err := e.Pool.GetPage(dstIdent)
	if err != nil {
		return 0, fmt.Errorf("engine: fetching destination block %s: %w", dstIdent, err)
	}

	copied := 0
	for {
		_, tup, ok, err := scan.Next()
		if err != nil {
			e.Pool.Unpin(dstIdent)
			return copied, err
		}
		if !ok {
			break
		}

		if _, _, err := e.Insert(dstPage, dstIdent, tx, tup.Payload); err != nil {
			if !errors.Is(err, common.ErrOutOfPageSpace) {
				e.Pool.Unpin(dstIdent)
				return copied, fmt.Errorf("engine: copying row into %d: %w", dst, err)
			}
			e.Pool.Unpin(dstIdent)
			block++
			dstIdent = common.PageIdentity{FileID: dst, PageID: block}
			dstPage, err = e.Pool.GetPage(dstIdent)
			if err != nil {
				return copied, fmt.Errorf("engine: fetching destination block %s: %w", dstIdent, err)
			}
			if _, _, err := e.Insert(dstPage, dstIdent, tx, tup.Payload); err != nil {
				e.Pool.Unpin(dstIdent)
				return copied, fmt.Errorf("engine: copying row into %d: %w", dst, err)
			}
		}
		copied++
	}
	e.Pool.Unpin(dstIdent)
	return copied, nil
}

// Rewrite implements spec section 6's cluster/rewrite: like CopyData, but
// explicit about only ever copying rows that are live (visible to every
// possible reader, i.e. all-visible) rather than merely visible to one
// particular snapshot — the distinction CLUSTER needs so it never carries
// forward a row some still-running transaction has not yet committed.
//
// All-visible is evaluated against the most conservative snapshot there is:
// Xmin and Xmax both pinned at the oldest still-running Xid, with an empty
// InProgress set and no Self exception. Resolve then only returns a row
// whose writer committed strictly before every currently running
// transaction started — exactly the property that no present or future
// reader could ever find the row invisible, which is what distinguishes
// all-visible from "visible to tx's own snapshot".
func (e *Engine) Rewrite(tx *Transaction, src common.FileID, dst common.FileID) (int, error) {
	oldest := e.Txns.OldestRunning()
	allVisible := common.NewSnapshot(oldest, oldest, common.NilXid, nil)
	return e.CopyData(tx, src, allVisible, dst)
}
