package replication

import (
	"sync"

	"github.com/Blackdeer1524/zheap/internal/common"
)

// ConflictTracker is a standby's registry of the snapshots its currently
// running queries took, so discard replay can tell whether advancing the
// horizon would pull undo out from under one of them (spec section 4.9:
// "replay raises a recovery conflict if a running query would need the
// region being discarded").
type ConflictTracker struct {
	mu      sync.Mutex
	running map[common.Xid]common.Xid // query id -> its snapshot's Xmin
}

func NewConflictTracker() *ConflictTracker {
	return &ConflictTracker{running: make(map[common.Xid]common.Xid)}
}

// Register records that queryID's snapshot considers xmin the oldest xid
// it may still need undo for. Unregister removes it once the query ends.
func (c *ConflictTracker) Register(queryID common.Xid, xmin common.Xid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[queryID] = xmin
}

func (c *ConflictTracker) Unregister(queryID common.Xid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, queryID)
}

// Conflicting returns every registered query whose snapshot still needs
// undo at or before newOldestXid, the horizon a discard record is about
// to advance the standby's local log past.
func (c *ConflictTracker) Conflicting(newOldestXid common.Xid) []common.Xid {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hit []common.Xid
	for queryID, xmin := range c.running {
		if xmin.Precedes(newOldestXid) || xmin == newOldestXid {
			hit = append(hit, queryID)
		}
	}
	return hit
}
