package bufferpool

import (
	"container/list"
	"errors"
	"sync"

	"github.com/Blackdeer1524/zheap/internal/common"
)

// ErrNoVictimAvailable is returned by Replacer.ChooseVictim when every
// framed page is currently pinned.
var ErrNoVictimAvailable = errors.New("bufferpool: no victim available, every frame is pinned")

// Replacer tracks which framed pages are pinned and picks an eviction
// victim among the unpinned ones, mirroring the teacher's Replacer
// interface (src/bufferpool/bufferpool.go) — only the concrete policy
// (least-recently-unpinned here, via container/list) isn't in the
// retrieved teacher snapshot, so it is grounded on the interface contract
// the pool depends on rather than on a specific teacher implementation.
type Replacer interface {
	Pin(pageID common.PageIdentity)
	Unpin(pageID common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error)
	Size() uint64
}

// LRUReplacer evicts whichever currently-unpinned page has gone longest
// without being pinned again.
type LRUReplacer struct {
	mu       sync.Mutex
	unpinned *list.List
	elems    map[common.PageIdentity]*list.Element
}

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		unpinned: list.New(),
		elems:    make(map[common.PageIdentity]*list.Element),
	}
}

func (r *LRUReplacer) Pin(pageID common.PageIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.elems[pageID]; ok {
		r.unpinned.Remove(e)
		delete(r.elems, pageID)
	}
}

func (r *LRUReplacer) Unpin(pageID common.PageIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elems[pageID]; ok {
		return
	}
	r.elems[pageID] = r.unpinned.PushBack(pageID)
}

func (r *LRUReplacer) ChooseVictim() (common.PageIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	front := r.unpinned.Front()
	if front == nil {
		return common.PageIdentity{}, ErrNoVictimAvailable
	}
	victim := front.Value.(common.PageIdentity)
	r.unpinned.Remove(front)
	delete(r.elems, victim)
	return victim, nil
}

func (r *LRUReplacer) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(r.unpinned.Len())
}
