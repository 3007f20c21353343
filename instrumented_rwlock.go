package fairsync

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/petermattis/goid"
)

// InstrumentedRWLock is a fair reader/writer lock that runs under a
// caller-supplied mutex and exposes its holder and waiter counts.
//
// Every method must be called with the mutex held, the same contract as
// sync.Cond.L. Blocking methods release the mutex while parked and hold it
// again on return. The one exception is Writers, which the current writer
// may call without the mutex.
//
// Waiting writers queue one by one. Waiting readers share a single cohort
// node in the queue: when the cohort reaches the head, every reader waiting
// in it is woken with one broadcast. Readers that arrive while a writer is
// queued join the cohort behind that writer, so writers are not starved.
//
// Writers may declare themselves expensive (long critical section) so that
// callers can tell cheap contention from expensive contention.
type InstrumentedRWLock struct {
	_  noCopy
	mu sync.Locker

	numReaders            uint32
	numWriters            atomic.Uint32
	numWantRead           uint32
	numWantWrite          uint32
	numSignaledReaders    uint32
	numExpensiveWantWrite uint32

	currentWriterExpensive bool
	currentWriter          int64
	blockingWriterContext  ContextID

	// Reader cohort. readGen advances on every broadcast so that a parked
	// reader can tell its own wakeup from a later cohort's.
	readCohort        irwWaiter
	readQueued        bool
	readWaitExpensive bool
	readGen           uint64

	head *irwWaiter
	tail *irwWaiter

	recorder ContentionRecorder
	stats    ContentionStats
}

type irwWaiter struct {
	next     *irwWaiter
	cond     sync.Cond
	signaled bool
}

// InstrumentedRWLockStats is a snapshot of the lock counters.
type InstrumentedRWLockStats struct {
	Readers                int
	Writers                int
	BlockedReaders         int
	BlockedWriters         int
	SignaledReaders        int
	BlockedExpensiveWriter int
	WriterExpensive        bool
	ReadLockIsExpensive    bool
	WriteLockIsExpensive   bool
	CurrentWriter          int64
	BlockingWriterContext  ContextID
}

// NewInstrumentedRWLock returns a lock guarded by mu. Contention events go
// to rec, or to the lock's own ContentionStats when rec is nil.
func NewInstrumentedRWLock(mu sync.Locker, rec ContentionRecorder) *InstrumentedRWLock {
	l := &InstrumentedRWLock{}
	l.Init(mu, rec)
	return l
}

// Init prepares a zero InstrumentedRWLock for use. See NewInstrumentedRWLock.
func (l *InstrumentedRWLock) Init(mu sync.Locker, rec ContentionRecorder) {
	if mu == nil {
		assertf("instrumented rwlock: nil mutex")
	}
	l.mu = mu
	l.readCohort.cond.L = mu
	l.currentWriter = -1
	l.blockingWriterContext = ContextInvalid
	l.recorder = rec
	if l.recorder == nil {
		l.recorder = &l.stats
	}
}

// Locker returns the mutex guarding the lock.
func (l *InstrumentedRWLock) Locker() sync.Locker {
	return l.mu
}

// Contention returns the lock's own contention counters. They stay empty
// when the lock was given another recorder.
func (l *InstrumentedRWLock) Contention() *ContentionStats {
	return &l.stats
}

// RLock acquires the lock for reading on behalf of ContextDefault.
func (l *InstrumentedRWLock) RLock() {
	l.RLockAs(ContextDefault)
}

// RLockAs acquires the lock for reading. If it has to wait, a contention
// event for (ctx, blocking writer context) is recorded first.
func (l *InstrumentedRWLock) RLockAs(ctx ContextID) {
	if l.numWriters.Load() > 0 || l.numWantWrite > 0 {
		if !l.readQueued {
			l.readQueued = true
			l.readWaitExpensive = l.currentWriterExpensive || l.numExpensiveWantWrite > 0
			l.enqueue(&l.readCohort)
		}
		l.recorder.RecordContention(ctx, l.blockingWriterContext)

		l.numWantRead++
		gen := l.readGen
		for l.readGen == gen {
			l.readCohort.cond.Wait()
		}
		if l.numWriters.Load() != 0 || l.numWantRead == 0 || l.numSignaledReaders == 0 {
			assertf("instrumented rwlock: reader woken in bad state (writers=%d want=%d signaled=%d)",
				errors.Safe(l.numWriters.Load()), errors.Safe(l.numWantRead), errors.Safe(l.numSignaledReaders))
		}
		l.numWantRead--
		l.numSignaledReaders--
	}
	l.numReaders++
}

// TryRLock acquires the lock for reading if no writer holds it, none is
// queued and no previously woken reader cohort is still resuming.
func (l *InstrumentedRWLock) TryRLock() bool {
	if l.numWriters.Load() > 0 || l.numWantWrite > 0 || l.numSignaledReaders > 0 {
		return false
	}
	l.numReaders++
	return true
}

// Lock acquires the lock for writing on behalf of ContextDefault.
func (l *InstrumentedRWLock) Lock(expensive bool) {
	l.LockAs(ContextDefault, expensive)
}

// LockAs acquires the lock for writing. An expensive writer makes
// ReadLockIsExpensive and WriteLockIsExpensive report true while it waits
// or holds the lock.
func (l *InstrumentedRWLock) LockAs(ctx ContextID, expensive bool) {
	if l.TryLockAs(ctx, expensive) {
		return
	}

	w := &irwWaiter{}
	w.cond.L = l.mu
	// Count the writer before queueing so TryRLock refuses new readers.
	l.numWantWrite++
	if expensive {
		l.numExpensiveWantWrite++
	}
	l.enqueue(w)
	if l.numWriters.Load() == 0 && l.numWantWrite == 1 {
		// First writer to wait: readers arriving from now on are blocked
		// by it.
		l.currentWriter = goid.Get()
		l.blockingWriterContext = ctx
	}
	for !w.signaled {
		w.cond.Wait()
	}

	if l.numWantWrite == 0 || l.numReaders != 0 || l.numWriters.Load() != 0 || l.numSignaledReaders != 0 {
		assertf("instrumented rwlock: writer woken in bad state (want=%d readers=%d writers=%d signaled=%d)",
			errors.Safe(l.numWantWrite), errors.Safe(l.numReaders),
			errors.Safe(l.numWriters.Load()), errors.Safe(l.numSignaledReaders))
	}
	l.numWantWrite--
	if expensive {
		l.numExpensiveWantWrite--
	}
	l.grantWrite(ctx, expensive)
}

// TryLock acquires the lock for writing on behalf of ContextDefault if that
// is possible without waiting.
func (l *InstrumentedRWLock) TryLock(expensive bool) bool {
	return l.TryLockAs(ContextDefault, expensive)
}

// TryLockAs acquires the lock for writing if nobody holds it, nobody is
// queued for it and no woken reader cohort is still resuming.
func (l *InstrumentedRWLock) TryLockAs(ctx ContextID, expensive bool) bool {
	if l.numReaders > 0 || l.numWriters.Load() > 0 || l.numSignaledReaders > 0 || l.numWantWrite > 0 {
		return false
	}
	l.grantWrite(ctx, expensive)
	return true
}

func (l *InstrumentedRWLock) grantWrite(ctx ContextID, expensive bool) {
	l.numWriters.Store(1)
	l.currentWriterExpensive = expensive
	l.currentWriter = goid.Get()
	l.blockingWriterContext = ctx
}

// RUnlock releases a read lock. The last reader out wakes the writer at the
// head of the queue.
func (l *InstrumentedRWLock) RUnlock() {
	if l.numWriters.Load() != 0 || l.numReaders == 0 {
		assertf("instrumented rwlock: RUnlock of unlocked lock")
	}
	l.numReaders--
	if l.numReaders == 0 && l.numSignaledReaders == 0 && l.numWantWrite > 0 {
		if l.head == &l.readCohort {
			assertf("instrumented rwlock: reader cohort queued ahead of writers with no holder")
		}
		l.dequeue().signal()
	}
}

// Unlock releases the write lock and wakes the head of the queue: either
// the whole reader cohort or a single writer.
func (l *InstrumentedRWLock) Unlock() {
	if l.numWriters.Load() != 1 {
		assertf("instrumented rwlock: Unlock of unlocked lock")
	}
	l.numWriters.Store(0)
	l.currentWriterExpensive = false
	l.currentWriter = -1
	l.blockingWriterContext = ContextInvalid
	if l.numSignaledReaders != 0 {
		assertf("instrumented rwlock: signaled readers while writer held")
	}

	if l.head == nil {
		return
	}
	w := l.dequeue()
	if w == &l.readCohort {
		l.readQueued = false
		l.readWaitExpensive = false
		l.numSignaledReaders = l.numWantRead
		l.readGen++
		w.cond.Broadcast()
		return
	}
	w.signal()
}

func (w *irwWaiter) signal() {
	w.signaled = true
	w.cond.Signal()
}

func (l *InstrumentedRWLock) enqueue(w *irwWaiter) {
	w.next = nil
	if l.tail == nil {
		l.head = w
	} else {
		l.tail.next = w
	}
	l.tail = w
}

func (l *InstrumentedRWLock) dequeue() *irwWaiter {
	w := l.head
	l.head = w.next
	if l.head == nil {
		l.tail = nil
	}
	w.next = nil
	return w
}

// Destroy checks that nobody holds or waits for the lock. It panics
// otherwise.
func (l *InstrumentedRWLock) Destroy() {
	if l.Users() != 0 || l.numSignaledReaders != 0 || l.head != nil {
		assertf("instrumented rwlock: destroy of busy lock (users=%d)", errors.Safe(l.Users()))
	}
}

// Users returns the number of holders and waiters.
func (l *InstrumentedRWLock) Users() int {
	return int(l.numReaders) + int(l.numWriters.Load()) + int(l.numWantRead) + int(l.numWantWrite)
}

// BlockedUsers returns the number of waiters.
func (l *InstrumentedRWLock) BlockedUsers() int {
	return int(l.numWantRead) + int(l.numWantWrite)
}

// Writers returns 1 while a writer holds the lock, 0 otherwise. The current
// writer may call it without holding the mutex.
func (l *InstrumentedRWLock) Writers() int {
	return int(l.numWriters.Load())
}

// BlockedWriters returns the number of waiting writers.
func (l *InstrumentedRWLock) BlockedWriters() int {
	return int(l.numWantWrite)
}

// Readers returns the number of readers holding the lock.
func (l *InstrumentedRWLock) Readers() int {
	return int(l.numReaders)
}

// BlockedReaders returns the number of waiting readers, including woken
// ones that have not resumed yet.
func (l *InstrumentedRWLock) BlockedReaders() int {
	return int(l.numWantRead)
}

// SignaledReaders returns the number of readers woken by the last cohort
// broadcast that have not resumed yet.
func (l *InstrumentedRWLock) SignaledReaders() int {
	return int(l.numSignaledReaders)
}

// ReadLockIsExpensive reports whether a reader arriving now would wait for
// an expensive writer.
func (l *InstrumentedRWLock) ReadLockIsExpensive() bool {
	if l.readQueued {
		return l.readWaitExpensive
	}
	return l.currentWriterExpensive || l.numExpensiveWantWrite > 0
}

// WriteLockIsExpensive reports whether an expensive writer holds the lock or
// waits for it.
func (l *InstrumentedRWLock) WriteLockIsExpensive() bool {
	return l.numExpensiveWantWrite > 0 || l.currentWriterExpensive
}

// CurrentWriter returns the goroutine id of the writer holding the lock, or
// of the first writer waiting for it. It returns -1 if there is neither.
func (l *InstrumentedRWLock) CurrentWriter() int64 {
	return l.currentWriter
}

// BlockingWriterContext returns the context recorded with CurrentWriter.
func (l *InstrumentedRWLock) BlockingWriterContext() ContextID {
	return l.blockingWriterContext
}

// Stats returns a snapshot of all counters.
func (l *InstrumentedRWLock) Stats() InstrumentedRWLockStats {
	return InstrumentedRWLockStats{
		Readers:                int(l.numReaders),
		Writers:                int(l.numWriters.Load()),
		BlockedReaders:         int(l.numWantRead),
		BlockedWriters:         int(l.numWantWrite),
		SignaledReaders:        int(l.numSignaledReaders),
		BlockedExpensiveWriter: int(l.numExpensiveWantWrite),
		WriterExpensive:        l.currentWriterExpensive,
		ReadLockIsExpensive:    l.ReadLockIsExpensive(),
		WriteLockIsExpensive:   l.WriteLockIsExpensive(),
		CurrentWriter:          l.currentWriter,
		BlockingWriterContext:  l.blockingWriterContext,
	}
}
