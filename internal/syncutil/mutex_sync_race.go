//go:build !deadlock && race

package syncutil

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	mu      sync.Mutex
	wLocked atomic.Bool
}

// Lock locks m.
func (m *Mutex) Lock() {
	m.mu.Lock()
	m.wLocked.Store(true)
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.wLocked.Store(true)
	return true
}

// Unlock unlocks m.
func (m *Mutex) Unlock() {
	m.wLocked.Store(false)
	m.mu.Unlock()
}

// AssertHeld panics if the mutex is not locked.
func (m *Mutex) AssertHeld() {
	if !m.wLocked.Load() {
		panic(errors.AssertionFailedf("mutex is not write locked"))
	}
}
