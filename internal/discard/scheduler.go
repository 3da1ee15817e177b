package discard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Blackdeer1524/zheap/internal/common"
	"github.com/Blackdeer1524/zheap/internal/undo"
)

// DefaultSweepInterval is how often the scheduler sweeps every open log
// when nothing else triggers a sweep sooner.
const DefaultSweepInterval = 5 * time.Second

// Scheduler runs the Sweeper periodically across every log a Store has
// opened, capping concurrent sweeps of the same log at one via a per-log
// semaphore (scan-then-advance isn't atomic across two concurrent sweeps of
// the same log, so they must not overlap) while letting different logs
// sweep in parallel.
type Scheduler struct {
	sweeper  *Sweeper
	store    *undo.Store
	interval time.Duration

	mu      sync.Mutex
	running map[common.LogNumber]*semaphore.Weighted
}

func NewScheduler(sweeper *Sweeper, store *undo.Store, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{
		sweeper:  sweeper,
		store:    store,
		interval: interval,
		running:  make(map[common.LogNumber]*semaphore.Weighted),
	}
}

func (s *Scheduler) semFor(number common.LogNumber) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.running[number]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.running[number] = sem
	}
	return sem
}

// SweepOnce sweeps every log the store has opened exactly once, skipping
// (rather than blocking on) any log whose previous sweep is still running.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	for _, log := range s.store.Logs() {
		sem := s.semFor(log.Number())
		if !sem.TryAcquire(1) {
			continue
		}
		go func(log *undo.Log) {
			defer sem.Release(1)
			if err := s.sweeper.Sweep(ctx, log); err != nil {
				s.sweeper.Logger.Warnw("discard sweep failed", "log", log.Number(), "error", err)
			}
		}(log)
	}
}

// Run sweeps every open log on a fixed interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
