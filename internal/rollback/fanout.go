package rollback

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Blackdeer1524/zheap/internal/common"
)

// pageFanout bounds how many of a window's independent page-batches run
// concurrently — each page is its own critical section (applyPageBatch
// takes the page's exclusive lock through Pool.WithMarkDirty), so nothing
// stops them running in parallel once they're sorted into a window's
// per-page groups; this just keeps a pathologically wide window from
// spawning thousands of goroutines at once.
const pageFanout = 8

// applyPages runs one window's page-batches concurrently, capped at
// pageFanout, implementing the "rollback window fan-out" piece of spec
// section 4.8: pages within a window have no data dependency on each
// other, only the window-to-window sequencing (collectWindow's chain walk)
// is ordered.
func (e *Engine) applyPages(ctx context.Context, xid common.Xid, pages []common.PageIdentity, groups map[common.PageIdentity][]recordAt) error {
	sem := semaphore.NewWeighted(pageFanout)
	g, gctx := errgroup.WithContext(ctx)

	for _, ident := range pages {
		ident := ident
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := e.applyPageBatch(xid, ident, groups[ident]); err != nil {
				return fmt.Errorf("applying %s for %s: %w", ident, xid, err)
			}
			return nil
		})
	}
	return g.Wait()
}
