package common

import "fmt"

// RowLockMode is the tuple-level lock mode DML's Lock operation (spec
// section 4.5) promotes toward. Mirrors the teacher's tagged lock-mode
// types (src/txns/models.go) so one mode type can never be silently cast
// into another lock domain's mode.
type rowLockTag struct{}

type RowLockMode struct {
	_      rowLockTag
	rank   uint8
	name   string
}

var (
	RowLockNone      = RowLockMode{rank: 0, name: "NONE"}
	RowLockShare     = RowLockMode{rank: 1, name: "SHARE"}
	RowLockExclusive = RowLockMode{rank: 2, name: "EXCLUSIVE"}
)

func (m RowLockMode) String() string { return m.name }

// Compatible reports whether two lockers can simultaneously hold these
// modes on the same row.
func (m RowLockMode) Compatible(other RowLockMode) bool {
	return m.rank != RowLockExclusive.rank && other.rank != RowLockExclusive.rank
}

// Combine returns the strongest of the two modes — what a tuple header
// records when more than one locker is active (spec 4.5's "promote the
// tuple's lock mode to the strongest currently active on it").
func (m RowLockMode) Combine(other RowLockMode) RowLockMode {
	if m.rank >= other.rank {
		return m
	}
	return other
}

// WeakerOrEqual reports whether m does not need to be escalated to reach
// other.
func (m RowLockMode) WeakerOrEqual(other RowLockMode) bool {
	return m.rank <= other.rank
}

// WaitPolicy controls how a blocked row-lock acquisition behaves (spec
// section 5: Block / Skip / Error).
type WaitPolicy uint8

const (
	WaitBlock WaitPolicy = iota
	WaitSkip
	WaitError
)

func (p WaitPolicy) String() string {
	switch p {
	case WaitBlock:
		return "BLOCK"
	case WaitSkip:
		return "SKIP"
	case WaitError:
		return "ERROR"
	default:
		return fmt.Sprintf("WaitPolicy(%d)", uint8(p))
	}
}

// PageLockMode is the page-level latch mode the buffer pool and DML kernel
// acquire before touching a page's bytes.
type PageLockMode struct {
	_    rowLockTag
	rank uint8
	name string
}

var (
	PageLockShared    = PageLockMode{rank: 0, name: "SHARED"}
	PageLockExclusive = PageLockMode{rank: 1, name: "EXCLUSIVE"}
)

func (m PageLockMode) String() string { return m.name }

func (m PageLockMode) Compatible(other PageLockMode) bool {
	return m.rank == PageLockShared.rank && other.rank == PageLockShared.rank
}
