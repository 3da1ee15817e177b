package common

import (
	"errors"
	"fmt"
)

// Sentinel error kinds from spec section 7. Callers compare with errors.Is;
// the wrapping error carries whatever diagnostic context the raising site
// has (page identity, xid, offsets).
var (
	// ErrSlotExhausted: no transaction slot is available on a page and
	// recycling also failed. Deadlock-avoidance: the caller must release
	// its page locks and retry rather than spin.
	ErrSlotExhausted = errors.New("zheap: transaction slot exhausted")

	// ErrOutOfPageSpace: the target page has no room for the new tuple
	// image. Forces a prune attempt, then a non-in-place update.
	ErrOutOfPageSpace = errors.New("zheap: out of page space")

	// ErrSerializationFailure: an update tried to cross a partition
	// boundary or otherwise violates the isolation level in force.
	ErrSerializationFailure = errors.New("zheap: serialization failure")

	// ErrLockNotAvailable: returned when a row-lock wait policy of Skip or
	// Error finds the row already locked.
	ErrLockNotAvailable = errors.New("zheap: lock not available")

	// ErrUndoUnavailable: the pointer being dereferenced lies below the
	// discard horizon. Callers treat this as "all-visible" rather than a
	// hard failure.
	ErrUndoUnavailable = errors.New("zheap: undo pointer below discard horizon")

	// ErrCorruption: an on-page or on-undo invariant check failed. Fatal
	// for the operation in progress; always surfaced with diagnostic
	// context via CorruptionError.
	ErrCorruption = errors.New("zheap: corruption detected")
)

// CorruptionError wraps ErrCorruption with the diagnostic context a reader
// needs to triage it: which page, which invariant, what was observed.
type CorruptionError struct {
	Page      PageIdentity
	Invariant string
	Detail    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("zheap: corruption on %s: %s: %s", e.Page, e.Invariant, e.Detail)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

func NewCorruptionError(page PageIdentity, invariant, detail string) error {
	return &CorruptionError{Page: page, Invariant: invariant, Detail: detail}
}

// LockConflict carries the failure-data record the table-access contract
// (spec section 6) requires alongside a non-Ok result: the conflicting
// transaction, the row's current Tid (which may have moved under a
// non-in-place update), and, for self-modification, the command id.
type LockConflict struct {
	ConflictingXid Xid
	CurrentTid     Tid
	CommandID      uint32
	SelfModified   bool
}
