package main

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/llxisdsh/fairsync"
	"go.uber.org/zap"
)

var irwWriterContexts = []fairsync.ContextID{
	fairsync.ContextFlush,
	fairsync.ContextFullEviction,
	fairsync.ContextMessageApplication,
}

var irwReaderContexts = []fairsync.ContextID{
	fairsync.ContextSearch,
	fairsync.ContextPartialFetch,
	fairsync.ContextCleaner,
}

func runIRW(ctx context.Context, s *stress) error {
	if err := checkLockFlags(s); err != nil {
		return err
	}
	var mu sync.Mutex
	l := fairsync.NewInstrumentedRWLock(&mu, nil)
	s.collector.AddInstrumentedRWLock("irw", l)

	var ex exclusion
	var shared int64
	var readSum atomic.Int64
	err := lockLoad(ctx, s,
		func(id, _ int) {
			mu.Lock()
			l.LockAs(irwWriterContexts[id%len(irwWriterContexts)], s.expensive)
			mu.Unlock()
			ex.enterWrite()
			shared++
			ex.exitWrite()
			mu.Lock()
			l.Unlock()
			mu.Unlock()
		},
		func(id, _ int) {
			mu.Lock()
			l.RLockAs(irwReaderContexts[id%len(irwReaderContexts)])
			mu.Unlock()
			ex.enterRead()
			readSum.Add(shared)
			ex.exitRead()
			mu.Lock()
			l.RUnlock()
			mu.Unlock()
		})
	if err != nil {
		return err
	}

	mu.Lock()
	st := l.Stats()
	mu.Unlock()
	s.log.Info("irw summary",
		zap.Int64("writes", shared),
		zap.Int64("read_sum", readSum.Load()),
		zap.Uint64("contention_events", l.Contention().Total()),
		zap.Int64("violations", ex.violations.Load()))
	l.Contention().Range(func(k fairsync.ContentionKey, n uint64) bool {
		s.log.Debug("contention",
			zap.Stringer("blocked", k.Blocked),
			zap.Stringer("blocking", k.Blocking),
			zap.Uint64("events", n))
		return true
	})

	if n := ex.violations.Load(); n != 0 {
		return errors.Newf("irw: %d mutual exclusion violations", errors.Safe(n))
	}
	if want := int64(s.writers * s.iterations); shared != want {
		return errors.Newf("irw: %d writes recorded, want %d", errors.Safe(shared), errors.Safe(want))
	}
	if st.Readers != 0 || st.Writers != 0 || st.BlockedReaders != 0 ||
		st.BlockedWriters != 0 || st.SignaledReaders != 0 {
		return errors.Newf("irw: lock not idle after run: %+v", st)
	}
	return nil
}
