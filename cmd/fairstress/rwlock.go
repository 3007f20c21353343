package main

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/llxisdsh/fairsync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// exclusion counts goroutines inside a critical section and records any
// overlap that a lock should have prevented.
type exclusion struct {
	readers    atomic.Int32
	writers    atomic.Int32
	violations atomic.Int64
}

func (e *exclusion) enterWrite() {
	if e.writers.Add(1) != 1 || e.readers.Load() != 0 {
		e.violations.Add(1)
	}
}

func (e *exclusion) exitWrite() { e.writers.Add(-1) }

func (e *exclusion) enterRead() {
	e.readers.Add(1)
	if e.writers.Load() != 0 {
		e.violations.Add(1)
	}
}

func (e *exclusion) exitRead() { e.readers.Add(-1) }

func checkLockFlags(s *stress) error {
	if s.writers < 0 || s.readers < 0 || s.writers+s.readers == 0 {
		return errors.New("need at least one reader or writer")
	}
	return positive("iterations", s.iterations)
}

// lockLoad runs s.writers goroutines calling write and s.readers
// goroutines calling read, s.iterations times each.
func lockLoad(ctx context.Context, s *stress, write, read func(id, i int)) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range s.writers {
		g.Go(func() error {
			for i := range s.iterations {
				if err := ctx.Err(); err != nil {
					return err
				}
				write(w, i)
			}
			s.log.Debug("writer done", zap.Int("writer", w))
			return nil
		})
	}
	for r := range s.readers {
		g.Go(func() error {
			for i := range s.iterations {
				if err := ctx.Err(); err != nil {
					return err
				}
				read(r, i)
			}
			s.log.Debug("reader done", zap.Int("reader", r))
			return nil
		})
	}
	return g.Wait()
}

func runRWLock(ctx context.Context, s *stress) error {
	if err := checkLockFlags(s); err != nil {
		return err
	}
	l := fairsync.NewFairRWLock()
	s.collector.AddFairRWLock("rwlock", l)

	var ex exclusion
	var shared int64
	var readSum atomic.Int64
	var rl sync.Locker = l.RLocker()
	err := lockLoad(ctx, s,
		func(int, int) {
			l.Lock()
			ex.enterWrite()
			shared++
			ex.exitWrite()
			l.Unlock()
		},
		func(_, i int) {
			if i%2 == 0 {
				rl.Lock()
			} else {
				l.RLock()
			}
			ex.enterRead()
			readSum.Add(shared)
			ex.exitRead()
			l.RUnlock()
		})
	if err != nil {
		return err
	}

	st := l.State()
	s.log.Info("rwlock summary",
		zap.Int64("writes", shared),
		zap.Int64("read_sum", readSum.Load()),
		zap.Uint64("slow_paths", l.SlowPaths()),
		zap.Int64("violations", ex.violations.Load()))
	if n := ex.violations.Load(); n != 0 {
		return errors.Newf("rwlock: %d mutual exclusion violations", errors.Safe(n))
	}
	if want := int64(s.writers * s.iterations); shared != want {
		return errors.Newf("rwlock: %d writes recorded, want %d", errors.Safe(shared), errors.Safe(want))
	}
	if st.Writer || st.Readers != 0 || st.Waiters != 0 {
		return errors.Newf("rwlock: lock not idle after run: %+v", st)
	}
	return nil
}
