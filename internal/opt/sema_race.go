//go:build race

package opt

import "sync"

// Sema is a counting semaphore used to park waiters.
// Under the race detector the runtime semaphore is invisible to the
// happens-before analysis, so it is built from sync.Mutex and sync.Cond.
type Sema struct {
	mu    sync.Mutex
	cond  sync.Cond
	count uint32
}

func (s *Sema) Acquire() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

func (s *Sema) Release() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}
