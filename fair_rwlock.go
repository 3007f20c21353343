// Package fairsync provides fair reader/writer locks and a bounded
// thread-safe circular buffer.
package fairsync

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/llxisdsh/fairsync/internal/opt"
	"github.com/llxisdsh/fairsync/internal/syncutil"
)

// FairRWLock is a reader/writer lock that grants the lock in strict FIFO
// order across readers and writers.
//
// Properties:
//   - No starvation: once a waiter is queued, new readers queue behind it
//     instead of joining the current readers.
//   - Adjacent queued readers are granted together as one wavefront.
//   - Uncontended acquire and release are a single CAS on the state word and
//     never touch the internal mutex.
//
// Reentrancy and read-to-write upgrade are not supported: a reader that
// calls Lock queues behind itself and blocks forever.
//
// It is zero-value usable.
type FairRWLock struct {
	_ noCopy
	// state 64-bit:
	//   Bit 0:      writer held
	//   Bit 1-31:   queued waiter count
	//   Bit 32-62:  reader count
	state atomic.Uint64
	_     [opt.WordPad_]byte

	// mu guards the waiter list and every state transition that changes
	// the queued count.
	mu   syncutil.Mutex
	head *rwWaiter
	tail *rwWaiter

	slowPaths atomic.Uint64
}

const (
	frwWriterBit   = 1
	frwQueueShift  = 1
	frwQueueOne    = 1 << frwQueueShift
	frwQueueMask   = 0x7FFFFFFF << frwQueueShift
	frwReaderShift = 32
	frwReaderOne   = 1 << frwReaderShift
	frwReaderMask  = 0x7FFFFFFF << frwReaderShift
	frwCountMax    = 0x7FFFFFFF

	// frwFastTries bounds the CAS retries of the read fast path before
	// the caller falls through to the slow path.
	frwFastTries = 4
)

// rwWaiter is the queue node of a goroutine parked in the slow path. It is
// owned by the parked goroutine; the list only references it while queued.
type rwWaiter struct {
	next   *rwWaiter
	writer bool
	sema   opt.Sema
}

var rwWaiterPool = sync.Pool{
	New: func() any { return new(rwWaiter) },
}

// FairRWLockState is a decoded snapshot of the lock state word.
type FairRWLockState struct {
	Writer  bool
	Waiters uint32
	Readers uint32
}

func decodeFairRWState(s uint64) FairRWLockState {
	return FairRWLockState{
		Writer:  s&frwWriterBit != 0,
		Waiters: uint32((s & frwQueueMask) >> frwQueueShift),
		Readers: uint32((s & frwReaderMask) >> frwReaderShift),
	}
}

// grantable reports whether a waiter of the given mode could hold the lock
// alongside the current holders encoded in s.
func frwGrantable(s uint64, writer bool) bool {
	if writer {
		return s&(frwWriterBit|frwReaderMask) == 0
	}
	return s&frwWriterBit == 0
}

func frwGrant(writer bool) uint64 {
	if writer {
		return frwWriterBit
	}
	return frwReaderOne
}

// NewFairRWLock returns an unlocked FairRWLock.
func NewFairRWLock() *FairRWLock {
	return &FairRWLock{}
}

// RLock acquires the lock for reading.
func (l *FairRWLock) RLock() {
	var spins int
	for range frwFastTries {
		s := l.state.Load()
		if s&(frwWriterBit|frwQueueMask) != 0 {
			break
		}
		if l.state.CompareAndSwap(s, s+frwReaderOne) {
			return
		}
		if !trySpin(&spins) {
			break
		}
	}
	l.lockSlow(false)
}

// TryRLock acquires the lock for reading if that is possible without
// waiting. It fails whenever a waiter is queued.
func (l *FairRWLock) TryRLock() bool {
	for {
		s := l.state.Load()
		if s&(frwWriterBit|frwQueueMask) != 0 {
			return false
		}
		if l.state.CompareAndSwap(s, s+frwReaderOne) {
			return true
		}
	}
}

// Lock acquires the lock for writing.
func (l *FairRWLock) Lock() {
	if l.state.CompareAndSwap(0, frwWriterBit) {
		return
	}
	l.lockSlow(true)
}

// TryLock acquires the lock for writing if it is entirely free.
func (l *FairRWLock) TryLock() bool {
	return l.state.CompareAndSwap(0, frwWriterBit)
}

func (l *FairRWLock) lockSlow(writer bool) {
	l.slowPaths.Add(1)
	l.mu.Lock()
	for {
		s := l.state.Load()
		if l.head == nil && frwGrantable(s, writer) {
			if !writer && (s&frwReaderMask)>>frwReaderShift == frwCountMax {
				l.mu.Unlock()
				assertf("fair rwlock: too many readers")
			}
			if l.state.CompareAndSwap(s, s+frwGrant(writer)) {
				l.mu.Unlock()
				return
			}
			continue
		}
		if (s&frwQueueMask)>>frwQueueShift == frwCountMax {
			l.mu.Unlock()
			assertf("fair rwlock: too many waiters")
		}
		if l.state.CompareAndSwap(s, s+frwQueueOne) {
			break
		}
	}

	w := rwWaiterPool.Get().(*rwWaiter)
	w.writer = writer
	if l.tail == nil {
		l.head = w
	} else {
		l.tail.next = w
	}
	l.tail = w
	l.mu.Unlock()

	// The releaser dequeues w and transfers ownership before waking it.
	w.sema.Acquire()

	s := l.state.Load()
	if writer && s&frwWriterBit == 0 || !writer && s&frwReaderMask == 0 {
		assertf("fair rwlock: woken without grant (state %#x)", errors.Safe(s))
	}
	w.writer = false
	rwWaiterPool.Put(w)
}

// RUnlock undoes a single RLock call.
func (l *FairRWLock) RUnlock() {
	for {
		s := l.state.Load()
		if s&frwReaderMask == 0 {
			assertf("fair rwlock: RUnlock of unlocked lock (state %#x)", errors.Safe(s))
		}
		// Queued waiters can only become grantable when the last reader
		// leaves; the head is never a reader while readers hold the lock.
		if s&frwQueueMask != 0 && s&frwReaderMask == frwReaderOne {
			break
		}
		if l.state.CompareAndSwap(s, s-frwReaderOne) {
			return
		}
	}
	l.unlockSlow(false)
}

// Unlock releases the write lock.
func (l *FairRWLock) Unlock() {
	if l.state.CompareAndSwap(frwWriterBit, 0) {
		return
	}
	if l.state.Load()&frwWriterBit == 0 {
		assertf("fair rwlock: Unlock of unlocked lock")
	}
	l.unlockSlow(true)
}

func (l *FairRWLock) unlockSlow(writer bool) {
	l.slowPaths.Add(1)
	l.mu.Lock()
	for {
		s := l.state.Load()
		if writer && s&frwWriterBit == 0 || !writer && s&frwReaderMask == 0 {
			l.mu.Unlock()
			assertf("fair rwlock: unlock of unlocked lock (state %#x)", errors.Safe(s))
		}
		if l.state.CompareAndSwap(s, s-frwGrant(writer)) {
			break
		}
	}
	l.grantWaitersLocked()
	l.mu.Unlock()
}

// grantWaitersLocked hands the lock to waiters at the head of the queue for
// as long as they are grantable: a single writer, or a run of readers.
func (l *FairRWLock) grantWaitersLocked() {
	l.mu.AssertHeld()
	for w := l.head; w != nil; w = l.head {
		s := l.state.Load()
		if !frwGrantable(s, w.writer) {
			return
		}
		if !l.state.CompareAndSwap(s, s-frwQueueOne+frwGrant(w.writer)) {
			continue
		}
		l.head = w.next
		if l.head == nil {
			l.tail = nil
		}
		w.next = nil
		writer := w.writer
		w.sema.Release()
		if writer {
			return
		}
	}
}

// Destroy checks that the lock is free and has no waiters. It panics
// otherwise. The lock may be reused afterwards.
func (l *FairRWLock) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.state.Load(); s != 0 || l.head != nil {
		assertf("fair rwlock: destroy of busy lock (state %#x)", errors.Safe(s))
	}
}

// State returns a snapshot of the lock state word.
func (l *FairRWLock) State() FairRWLockState {
	return decodeFairRWState(l.state.Load())
}

// SlowPaths returns how many acquire and release calls entered the internal
// mutex.
func (l *FairRWLock) SlowPaths() uint64 {
	return l.slowPaths.Load()
}

// RLocker returns a sync.Locker that calls RLock and RUnlock.
func (l *FairRWLock) RLocker() sync.Locker {
	return (*frwReadLocker)(l)
}

type frwReadLocker FairRWLock

func (r *frwReadLocker) Lock()   { (*FairRWLock)(r).RLock() }
func (r *frwReadLocker) Unlock() { (*FairRWLock)(r).RUnlock() }
