package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/undo"
)

// DefaultMinBackoff and DefaultMaxBackoff bound the undo worker's idle
// poll interval (spec section 4.8: "adaptive backoff between 100ms and
// 10s" when the queue is empty).
const (
	DefaultMinBackoff = 100 * time.Millisecond
	DefaultMaxBackoff = 10 * time.Second
)

// DefaultWorkerConcurrency caps how many distinct transactions' rollbacks
// the background worker applies at once — the pool itself guarantees no
// two goroutines ever touch the same page concurrently across different
// jobs isn't required, since applyPageBatch's WithMarkDirty already
// serializes access per-page regardless of caller.
const DefaultWorkerConcurrency = 4

// DefaultForgottenAbortScanInterval is how often the worker opportunistically
// scans every open undo log for dead Xids (spec section 4.8) between the
// rollbacks its own queue already knows about.
const DefaultForgottenAbortScanInterval = 30 * time.Second

type job struct {
	xid       common.Xid
	startPtrs []common.UndoPtr
	attempts  int

	// detachLog is set only for a job the forgotten-abort scan enqueued:
	// the log whose header named xid, to be detached once its rollback
	// finishes if it's still sitting attached to xid (see dispatch).
	detachLog *undo.Log
}

// Worker drains rollbacks too large to apply inline on the aborting
// connection (spec section 4.8's background path), retrying failures with
// an adaptive backoff instead of busy-polling an empty queue, and
// periodically scanning undo logs for forgotten aborts no foreground
// connection will ever enqueue itself.
type Worker struct {
	engine *Engine
	pool   *ants.Pool
	logger *zap.SugaredLogger

	minBackoff, maxBackoff time.Duration
	scanInterval           time.Duration

	mu      chan struct{} // 1-buffered mutex substitute so Enqueue never blocks the caller
	queue   []job
	pending map[common.Xid]struct{}
	wake    chan struct{}
}

// NewWorker builds a worker bounded to concurrency simultaneous in-flight
// rollbacks via a panjf2000/ants pool (spec section 4.8's background undo
// worker; ants chosen over an unbounded goroutine-per-job fan-out so a
// burst of aborts can't exhaust the engine's memory).
func NewWorker(engine *Engine, concurrency int, logger *zap.SugaredLogger) (*Worker, error) {
	if concurrency <= 0 {
		concurrency = DefaultWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	return &Worker{
		engine:       engine,
		pool:         pool,
		logger:       logger,
		minBackoff:   DefaultMinBackoff,
		maxBackoff:   DefaultMaxBackoff,
		scanInterval: DefaultForgottenAbortScanInterval,
		mu:           make(chan struct{}, 1),
		pending:      make(map[common.Xid]struct{}),
		wake:         make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying goroutine pool.
func (w *Worker) Close() { w.pool.Release() }

// Enqueue hands xid's rollback to the background worker: one startPtr per
// relation chain it touched (internal/engine's cursors are one per
// relation, each with its own independent chain within xid's undo log). A
// no-op if xid is already queued or in flight, so a caller that retries a
// threshold check after a transient failure doesn't double-enqueue.
func (w *Worker) Enqueue(xid common.Xid, startPtrs ...common.UndoPtr) {
	w.enqueue(job{xid: xid, startPtrs: startPtrs})
}

// EnqueueForgotten is Enqueue's counterpart for a dead xid the
// forgotten-abort scan found: log is the log whose header named xid, kept
// so dispatch can detach it once the rollback finishes (see dispatch).
func (w *Worker) EnqueueForgotten(xid common.Xid, log *undo.Log, startPtrs ...common.UndoPtr) {
	w.enqueue(job{xid: xid, startPtrs: startPtrs, detachLog: log})
}

func (w *Worker) enqueue(j job) {
	w.lock()
	if _, already := w.pending[j.xid]; !already {
		w.pending[j.xid] = struct{}{}
		w.queue = append(w.queue, j)
	}
	w.unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) lock()   { w.mu <- struct{}{} }
func (w *Worker) unlock() { <-w.mu }

func (w *Worker) dequeue() (job, bool) {
	w.lock()
	defer w.unlock()
	if len(w.queue) == 0 {
		return job{}, false
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	return j, true
}

func (w *Worker) requeue(j job) {
	w.lock()
	w.queue = append(w.queue, j)
	w.unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) done(xid common.Xid) {
	w.lock()
	delete(w.pending, xid)
	w.unlock()
}

// Run drains the queue until ctx is cancelled, backing off adaptively
// whenever it finds nothing to do, and scans for forgotten aborts every
// scanInterval regardless of what's already queued.
func (w *Worker) Run(ctx context.Context) error {
	scanTicker := time.NewTicker(w.scanInterval)
	defer scanTicker.Stop()

	backoff := w.minBackoff
	for {
		j, ok := w.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
				backoff = w.minBackoff
			case <-scanTicker.C:
				if err := w.ScanForgottenAborts(ctx); err != nil && ctx.Err() == nil {
					w.logger.Warnw("forgotten-abort scan failed, will retry next interval", "error", err)
				}
			case <-time.After(backoff):
				if backoff *= 2; backoff > w.maxBackoff {
					backoff = w.maxBackoff
				}
			}
			continue
		}
		backoff = w.minBackoff
		w.dispatch(ctx, j)
	}
}

// dispatch applies every chain in j.startPtrs via ApplyChain alone, then
// finalizes xid's status and locks exactly once — uniformly, whether the job
// has one chain (the common toplevel-abort case) or several (a transaction
// that touched more than one relation) or even zero (a forgotten abort whose
// span turned out to hold no revertible relation chain at all, e.g. only
// lock records). A forgotten-abort job additionally detaches its log once
// finalized, if the log is still sitting attached to xid — the scan that
// found it can't itself know whether xid's backend process is truly gone or
// just slow, so detaching only happens here, after the rollback it
// triggered has actually completed.
func (w *Worker) dispatch(ctx context.Context, j job) {
	err := w.pool.Submit(func() {
		for _, ptr := range j.startPtrs {
			if err := w.engine.ApplyChain(ctx, j.xid, ptr, common.NilUndoPtr); err != nil {
				w.logger.Warnw("background rollback failed, will retry", "xid", j.xid.String(), "attempt", j.attempts, "error", err)
				j.attempts++
				w.requeue(j)
				return
			}
		}

		w.engine.Txns.MarkUndone(j.xid)
		w.engine.Locks.ReleaseAll(j.xid)

		if j.detachLog != nil {
			if writer, attached := j.detachLog.Attached(); attached && writer == j.xid {
				j.detachLog.Detach(j.xid)
			}
		}

		w.done(j.xid)
	})
	if err != nil {
		// Pool is saturated or closed; put the job back and let the
		// backoff loop retry once a slot frees up.
		w.requeue(j)
	}
}

// ScanForgottenAborts implements spec section 4.8's "opportunistically
// process forgotten aborts (detected by scanning undo logs for dead Xids)":
// every log the store has opened gets its header chain walked once, and any
// xid with no state at all in the transaction manager — this process
// restarted and never rebuilt its running/committed/aborted bookkeeping for
// it, yet the xid's undo survived on disk — gets adopted and queued for
// rollback. A legitimately running transaction can never be mistaken for a
// dead one here: txn.Manager.Begin tracks an xid before undo.Log.WriteHeader
// for it is even called, let alone durable.
func (w *Worker) ScanForgottenAborts(ctx context.Context) error {
	for _, log := range w.engine.Undo.Logs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.scanLog(log); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) scanLog(log *undo.Log) error {
	return log.WalkHeaders(func(xid common.Xid, bodyStart, spanEnd common.UndoPtr) error {
		if xid == common.NilXid || w.engine.Txns.Tracked(xid) {
			return nil
		}

		heads, err := collectChainHeads(log, bodyStart, spanEnd)
		if err != nil {
			return fmt.Errorf("rollback: scanning forgotten abort %s in log %d: %w", xid, log.Number(), err)
		}

		w.engine.Txns.AdoptDeadXid(xid)
		w.logger.Infow("found forgotten abort, queuing rollback", "xid", xid.String(), "log", log.Number(), "chains", len(heads))
		w.EnqueueForgotten(xid, log, heads...)
		return nil
	})
}

// collectChainHeads reconstructs the per-relation TxnPrev chain heads for
// one dead xid's header span, which no in-memory heap.TxnCursor survives a
// crash to remember. Every record in the span — including slot-reuse and
// lock records, which are themselves links in the chain (see
// internal/heap.Kernel.acquireSlot and emitUndo) — updates its relation's
// last-seen pointer; within one xid's span, records for a given relation
// are appended in exactly the order their TxnPrev links chain them, so the
// last one seen is that relation's head.
func collectChainHeads(log *undo.Log, bodyStart, spanEnd common.UndoPtr) ([]common.UndoPtr, error) {
	heads := make(map[common.FileID]common.UndoPtr)
	ptr := bodyStart
	for ptr.Offset() < spanEnd.Offset() {
		rec, next, err := log.NextRecord(ptr)
		if err != nil {
			return nil, err
		}
		heads[rec.Relation] = ptr
		ptr = next
	}
	out := make([]common.UndoPtr, 0, len(heads))
	for _, ptr := range heads {
		out = append(out, ptr)
	}
	return out, nil
}
