// Package bufferpool caches fixed-size page.Page frames over a
// common.DiskManager, enforcing the WAL-before-buffer write rule: a page
// is never evicted to disk before the WAL record covering its PageLSN is
// durable (spec section 9's "WAL order = apply order").
package bufferpool

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/assert"
	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/page"
)

const noFrame = ^uint64(0)

var ErrNoSpaceLeft = errors.New("bufferpool: no space left, every frame pinned")

// Logger is the slice of internal/wal the pool depends on to keep the
// write-ahead rule: never write a dirty page out before its PageLSN is
// durable.
type Logger interface {
	Durable() common.LSN
	Flush() error
}

type noOpLogger struct{}

func (noOpLogger) Durable() common.LSN { return common.NilLSN }
func (noOpLogger) Flush() error        { return nil }

type frameInfo struct {
	frameID  uint64
	pinCount uint64
}

// Pool is the buffer manager: pinning, the dirty-page table (DPT) and
// active-transaction table (ATT) the discard/rollback/checkpoint paths
// read, and eviction through a Replacer.
type Pool struct {
	poolSize uint64
	disk     common.DiskManager[*page.Page]
	replacer Replacer
	logger   Logger
	log      *zap.SugaredLogger

	mu          sync.Mutex
	pageTable   map[common.PageIdentity]frameInfo
	frames      []page.Page
	emptyFrames []uint64

	dpt map[common.PageIdentity]common.LogRecordLocInfo
	att map[common.Xid]common.LogRecordLocInfo
}

func New(poolSize uint64, replacer Replacer, disk common.DiskManager[*page.Page], log *zap.SugaredLogger) *Pool {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	empty := make([]uint64, poolSize)
	for i := range empty {
		empty[i] = uint64(i)
	}

	return &Pool{
		poolSize:    poolSize,
		disk:        disk,
		replacer:    replacer,
		logger:      noOpLogger{},
		log:         log,
		pageTable:   make(map[common.PageIdentity]frameInfo),
		frames:      make([]page.Page, poolSize),
		emptyFrames: empty,
		dpt:         make(map[common.PageIdentity]common.LogRecordLocInfo),
		att:         make(map[common.Xid]common.LogRecordLocInfo),
	}
}

func (p *Pool) SetLogger(l Logger) { p.logger = l }

func (p *Pool) pin(ident common.PageIdentity) {
	fi, ok := p.pageTable[ident]
	assert.Assert(ok, "no frame for page %s", ident)
	fi.pinCount++
	p.pageTable[ident] = fi
	p.replacer.Pin(ident)
}

// Unpin releases one pin on ident, handing the frame back to the replacer
// once the pin count drops to zero.
func (p *Pool) Unpin(ident common.PageIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fi, ok := p.pageTable[ident]
	assert.Assert(ok, "unpin of untracked page %s", ident)
	assert.Assert(fi.pinCount > 0, "unpin with zero pin count on %s", ident)
	fi.pinCount--
	p.pageTable[ident] = fi
	if fi.pinCount == 0 {
		p.replacer.Unpin(ident)
	}
}

func (p *Pool) reserveFrame() uint64 {
	if n := len(p.emptyFrames); n > 0 {
		id := p.emptyFrames[n-1]
		p.emptyFrames = p.emptyFrames[:n-1]
		return id
	}
	return noFrame
}

// GetPage pins and returns ident's frame, reading it from disk (as an
// all-zero fresh page if it doesn't exist yet) on a miss.
func (p *Pool) GetPage(ident common.PageIdentity) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetch(ident)
}

// GetPageNoCreate behaves like GetPage but fails with common.ErrCorruption
// if ident lies beyond the relation's current extent — the caller asked
// for a page it expects to already exist.
func (p *Pool) GetPageNoCreate(ident common.PageIdentity) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pageTable[ident]; !ok {
		size, err := p.disk.Size(ident.FileID)
		if err != nil {
			return nil, fmt.Errorf("bufferpool: checking extent of %s: %w", ident, err)
		}
		if ident.PageID >= size {
			return nil, common.NewCorruptionError(ident, "page-exists", "requested page is beyond the relation's current extent")
		}
	}
	return p.fetch(ident)
}

func (p *Pool) fetch(ident common.PageIdentity) (*page.Page, error) {
	if fi, ok := p.pageTable[ident]; ok {
		p.pin(ident)
		return &p.frames[fi.frameID], nil
	}

	frameID := p.reserveFrame()
	if frameID == noFrame {
		victim, err := p.replacer.ChooseVictim()
		if err != nil {
			if errors.Is(err, ErrNoVictimAvailable) {
				return nil, ErrNoSpaceLeft
			}
			return nil, err
		}
		vfi, ok := p.pageTable[victim]
		assert.Assert(ok, "victim %s not tracked", victim)
		assert.Assert(vfi.pinCount == 0, "victim %s is pinned", victim)

		if err := p.flushLocked(&p.frames[vfi.frameID], victim); err != nil {
			return nil, fmt.Errorf("bufferpool: evicting %s: %w", victim, err)
		}
		delete(p.pageTable, victim)
		frameID = vfi.frameID
	}

	frame := &p.frames[frameID]
	if err := p.disk.Read(frame, ident); err != nil {
		p.emptyFrames = append(p.emptyFrames, frameID)
		return nil, fmt.Errorf("bufferpool: reading %s: %w", ident, err)
	}
	p.pageTable[ident] = frameInfo{frameID: frameID, pinCount: 1}
	p.replacer.Pin(ident)
	return frame, nil
}

// WithMarkDirty runs fn against pg under the pool's bookkeeping lock and
// the page's own exclusive latch, then records ident in the dirty-page
// table the first time it's touched — the recovery "earliest LSN that
// could have dirtied this page" anchor.
func (p *Pool) WithMarkDirty(
	xid common.Xid,
	ident common.PageIdentity,
	pg *page.Page,
	fn func(*page.Page) (common.LogRecordLocInfo, error),
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pg.Lock()
	defer pg.Unlock()

	loc, err := fn(pg)
	if err != nil {
		return err
	}
	if _, ok := p.dpt[ident]; !ok {
		p.dpt[ident] = loc
	}
	if xid != common.NilXid && !loc.IsNil() {
		p.att[xid] = loc
	}
	return nil
}

// DirtyPageTable and ActiveTransactionTable return snapshots of the DPT and
// ATT, consumed by a checkpoint writer to bound recovery's redo start point.
func (p *Pool) DirtyPageTable() map[common.PageIdentity]common.LogRecordLocInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.dpt)
}

func (p *Pool) ActiveTransactionTable() map[common.Xid]common.LogRecordLocInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.att)
}

func (p *Pool) flushLocked(frame *page.Page, ident common.PageIdentity) error {
	if _, dirty := p.dpt[ident]; !dirty {
		return nil
	}
	if frame.PageLSN() > p.logger.Durable() {
		if err := p.logger.Flush(); err != nil {
			return fmt.Errorf("flushing WAL before page write: %w", err)
		}
	}
	frame.Lock()
	err := p.disk.Write(frame, ident)
	frame.Unlock()
	if err != nil {
		return err
	}
	delete(p.dpt, ident)
	return nil
}

// FlushAll writes every dirty frame to disk, flushing the WAL first.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.logger.Flush(); err != nil {
		return fmt.Errorf("bufferpool: flushing WAL: %w", err)
	}

	var errs []error
	for ident := range maps.Clone(p.dpt) {
		fi, ok := p.pageTable[ident]
		assert.Assert(ok, "dirty page %s not resident", ident)
		frame := &p.frames[fi.frameID]
		if !frame.TryLock() {
			p.log.Debugw("skipping locked dirty page during flush-all", "page", ident.String())
			continue
		}
		err := p.disk.Write(frame, ident)
		frame.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		delete(p.dpt, ident)
	}
	return errors.Join(errs...)
}
