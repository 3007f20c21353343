package fairsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/petermattis/goid"
)

func newTestIRW() (*InstrumentedRWLock, *sync.Mutex) {
	mu := &sync.Mutex{}
	return NewInstrumentedRWLock(mu, nil), mu
}

// locked runs f with mu held.
func locked[T any](mu sync.Locker, f func() T) T {
	mu.Lock()
	defer mu.Unlock()
	return f()
}

func TestInstrumentedRWLock_Basic(t *testing.T) {
	l, mu := newTestIRW()
	mu.Lock()
	defer mu.Unlock()

	l.RLock()
	l.RLock()
	if l.Readers() != 2 || l.Users() != 2 || l.BlockedUsers() != 0 {
		t.Fatalf("stats=%+v", l.Stats())
	}
	if l.TryLock(false) {
		t.Fatal("TryLock succeeded while read locked")
	}
	l.RUnlock()
	l.RUnlock()

	if !l.TryLock(true) {
		t.Fatal("TryLock failed on free lock")
	}
	if l.Writers() != 1 || !l.WriteLockIsExpensive() || !l.ReadLockIsExpensive() {
		t.Fatalf("stats=%+v", l.Stats())
	}
	if got, want := l.CurrentWriter(), goid.Get(); got != want {
		t.Fatalf("current writer=%d want=%d", got, want)
	}
	if l.TryRLock() {
		t.Fatal("TryRLock succeeded while write locked")
	}
	l.Unlock()
	if l.CurrentWriter() != -1 || l.WriteLockIsExpensive() || l.BlockingWriterContext() != ContextInvalid {
		t.Fatalf("stats=%+v", l.Stats())
	}
	l.Destroy()
}

// With one writer holding, four readers arrive and wait.
func TestInstrumentedRWLock_ContentionCounters(t *testing.T) {
	for _, expensive := range []bool{false, true} {
		l, mu := newTestIRW()

		mu.Lock()
		l.LockAs(ContextFlush, expensive)
		mu.Unlock()

		const readers = 4
		var wg sync.WaitGroup
		wg.Add(readers)
		for range readers {
			go func() {
				defer wg.Done()
				mu.Lock()
				l.RLockAs(ContextSearch)
				l.RUnlock()
				mu.Unlock()
			}()
		}
		waitFor(t, "blocked readers", func() bool {
			return locked(mu, l.BlockedReaders) == readers
		})

		mu.Lock()
		st := l.Stats()
		if st.BlockedReaders != readers || st.SignaledReaders != 0 {
			t.Fatalf("stats=%+v", st)
		}
		if st.ReadLockIsExpensive != expensive {
			t.Fatalf("read lock expensive=%v want=%v", st.ReadLockIsExpensive, expensive)
		}
		if st.BlockingWriterContext != ContextFlush {
			t.Fatalf("blocking context=%v want=%v", st.BlockingWriterContext, ContextFlush)
		}
		if n := l.Contention().Count(ContextSearch, ContextFlush); n != readers {
			t.Fatalf("contention events=%d want=%d", n, readers)
		}
		if n := l.Contention().Total(); n != readers {
			t.Fatalf("total contention events=%d want=%d", n, readers)
		}
		l.Unlock()
		mu.Unlock()

		wg.Wait()
		mu.Lock()
		if l.Users() != 0 || l.SignaledReaders() != 0 {
			t.Fatalf("stats=%+v", l.Stats())
		}
		l.Destroy()
		mu.Unlock()
	}
}

func TestInstrumentedRWLock_ExternalRecorder(t *testing.T) {
	var shared ContentionStats
	mu := &sync.Mutex{}
	l := NewInstrumentedRWLock(mu, &shared)

	mu.Lock()
	l.Lock(false)
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		mu.Lock()
		l.RLockAs(ContextCleaner)
		l.RUnlock()
		mu.Unlock()
		close(done)
	}()
	waitFor(t, "blocked reader", func() bool { return locked(mu, l.BlockedReaders) == 1 })

	mu.Lock()
	l.Unlock()
	mu.Unlock()
	<-done

	if n := shared.Count(ContextCleaner, ContextDefault); n != 1 {
		t.Fatalf("shared count=%d want=1", n)
	}
	if n := l.Contention().Total(); n != 0 {
		t.Fatalf("own stats=%d want=0", n)
	}
}

// A queued writer stops new readers: TryRLock fails and RLock queues behind.
func TestInstrumentedRWLock_QueuedWriterBlocksReaders(t *testing.T) {
	l, mu := newTestIRW()

	mu.Lock()
	l.RLock()
	mu.Unlock()

	var seq atomic.Int32
	writerAt := make(chan int32, 1)
	go func() {
		mu.Lock()
		l.Lock(true)
		writerAt <- seq.Add(1)
		l.Unlock()
		mu.Unlock()
	}()
	waitFor(t, "blocked writer", func() bool { return locked(mu, l.BlockedWriters) == 1 })

	mu.Lock()
	if l.TryRLock() {
		t.Fatal("TryRLock succeeded with a queued writer")
	}
	if l.TryLock(false) {
		t.Fatal("TryLock succeeded with a queued writer")
	}
	if !l.ReadLockIsExpensive() || !l.WriteLockIsExpensive() {
		t.Fatalf("stats=%+v", l.Stats())
	}
	mu.Unlock()

	readerAt := make(chan int32, 1)
	go func() {
		mu.Lock()
		l.RLock()
		readerAt <- seq.Add(1)
		l.RUnlock()
		mu.Unlock()
	}()
	waitFor(t, "blocked reader", func() bool { return locked(mu, l.BlockedReaders) == 1 })

	mu.Lock()
	l.RUnlock()
	mu.Unlock()

	if w, r := <-writerAt, <-readerAt; w != 1 || r != 2 {
		t.Fatalf("writer at %d reader at %d", w, r)
	}
	mu.Lock()
	l.Destroy()
	mu.Unlock()
}

// The reader cohort is woken by one broadcast and every woken reader is
// accounted for in SignaledReaders until it resumes.
func TestInstrumentedRWLock_ReaderCohort(t *testing.T) {
	l, mu := newTestIRW()

	mu.Lock()
	l.Lock(false)
	mu.Unlock()

	const readers = 8
	release := make(chan struct{})
	var holding atomic.Int32
	var wg sync.WaitGroup
	wg.Add(readers)
	for range readers {
		go func() {
			defer wg.Done()
			mu.Lock()
			l.RLock()
			mu.Unlock()
			holding.Add(1)
			<-release
			mu.Lock()
			l.RUnlock()
			mu.Unlock()
		}()
	}
	waitFor(t, "blocked readers", func() bool { return locked(mu, l.BlockedReaders) == readers })

	mu.Lock()
	l.Unlock()
	if got := l.SignaledReaders(); got != readers {
		t.Fatalf("signaled readers=%d want=%d", got, readers)
	}
	mu.Unlock()

	waitFor(t, "readers holding", func() bool { return holding.Load() == readers })
	mu.Lock()
	if l.Readers() != readers || l.SignaledReaders() != 0 || l.BlockedReaders() != 0 {
		t.Fatalf("stats=%+v", l.Stats())
	}
	mu.Unlock()
	close(release)
	wg.Wait()
}

// Between the cohort broadcast and the woken readers resuming, neither try
// operation may slip in ahead of them.
func TestInstrumentedRWLock_TryRefusedWhileCohortResumes(t *testing.T) {
	l, mu := newTestIRW()

	mu.Lock()
	l.Lock(false)
	mu.Unlock()

	const readers = 3
	var wg sync.WaitGroup
	wg.Add(readers)
	for range readers {
		go func() {
			defer wg.Done()
			mu.Lock()
			l.RLock()
			l.RUnlock()
			mu.Unlock()
		}()
	}
	waitFor(t, "blocked readers", func() bool { return locked(mu, l.BlockedReaders) == readers })

	mu.Lock()
	l.Unlock()
	if got := l.SignaledReaders(); got != readers {
		t.Fatalf("signaled readers=%d want=%d", got, readers)
	}
	if l.TryRLock() {
		t.Fatal("TryRLock succeeded while the reader cohort was resuming")
	}
	if l.TryLock(false) {
		t.Fatal("TryLock succeeded while the reader cohort was resuming")
	}
	if l.Readers() != 0 || l.Writers() != 0 {
		t.Fatalf("stats=%+v", l.Stats())
	}
	mu.Unlock()

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if l.SignaledReaders() != 0 || l.Users() != 0 {
		t.Fatalf("stats=%+v", l.Stats())
	}
	if !l.TryLock(false) {
		t.Fatal("TryLock failed once the cohort had left")
	}
	l.Unlock()
	l.Destroy()
}

func TestInstrumentedRWLock_ReadersAndWriters(t *testing.T) {
	l, mu := newTestIRW()
	var readers, writers int32

	const loops = 500
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range loops {
				if i%4 == 0 {
					mu.Lock()
					l.Lock(j%2 == 0)
					mu.Unlock()
					if atomic.AddInt32(&writers, 1) != 1 || atomic.LoadInt32(&readers) != 0 {
						t.Errorf("writer not exclusive")
					}
					if l.Writers() != 1 {
						t.Errorf("writers=%d want=1", l.Writers())
					}
					atomic.AddInt32(&writers, -1)
					mu.Lock()
					l.Unlock()
					mu.Unlock()
					continue
				}
				mu.Lock()
				l.RLock()
				mu.Unlock()
				atomic.AddInt32(&readers, 1)
				if atomic.LoadInt32(&writers) != 0 {
					t.Errorf("reader observed active writer")
				}
				atomic.AddInt32(&readers, -1)
				mu.Lock()
				l.RUnlock()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if l.Users() != 0 || l.head != nil || l.readQueued {
		t.Fatalf("stats=%+v", l.Stats())
	}
	l.Destroy()
}

func TestInstrumentedRWLock_Misuse(t *testing.T) {
	l, mu := newTestIRW()
	mu.Lock()
	defer mu.Unlock()

	mustPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		f()
	}
	mustPanic("Unlock", l.Unlock)
	mustPanic("RUnlock", l.RUnlock)
	l.RLock()
	mustPanic("Destroy", l.Destroy)
	l.RUnlock()
	mustPanic("Init nil", func() { new(InstrumentedRWLock).Init(nil, nil) })
}

func TestContextID_String(t *testing.T) {
	cases := map[ContextID]string{
		ContextInvalid:          "invalid",
		ContextSearch:           "search",
		ContextMessageInjection: "message_injection",
		ContextCleaner:          "cleaner",
		ContextCleaner + 7:      "context(18)",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Fatalf("%d: got=%q want=%q", uint32(c), got, want)
		}
	}
}

func TestContentionStats(t *testing.T) {
	var s ContentionStats
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.RecordContention(ContextSearch, ContextID(i%2)+ContextFlush)
			}
		}()
	}
	wg.Wait()

	if got := s.Count(ContextSearch, ContextFlush); got != 800 {
		t.Fatalf("count=%d want=800", got)
	}
	if got := s.Count(ContextSearch, ContextCleaner); got != 800 {
		t.Fatalf("count=%d want=800", got)
	}
	if got := s.Total(); got != 1600 {
		t.Fatalf("total=%d want=1600", got)
	}
	pairs := 0
	s.Range(func(k ContentionKey, n uint64) bool {
		pairs++
		return true
	})
	if pairs != 2 {
		t.Fatalf("pairs=%d want=2", pairs)
	}
	s.Reset()
	if got := s.Total(); got != 0 {
		t.Fatalf("total after reset=%d", got)
	}
}

// Several recorders share one table from its first event on while readers
// walk it.
func TestContentionStats_ConcurrentRecordAndRead(t *testing.T) {
	var s ContentionStats
	const recorders = 8
	const events = 500
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 2 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = s.Total()
				_ = s.Count(ContextSearch, ContextFlush)
				s.Range(func(ContentionKey, uint64) bool { return true })
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(recorders)
	for i := range recorders {
		go func() {
			defer wg.Done()
			for j := range events {
				s.RecordContention(ContextID(j%3)+ContextSearch, ContextID(i%4)+ContextFlush)
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	if got := s.Total(); got != recorders*events {
		t.Fatalf("total=%d want=%d", got, recorders*events)
	}
}
