package opt

import (
	"sync"
	"testing"
	"time"
)

func TestSemaWrapper(t *testing.T) {
	var s Sema

	// 1. Basic block/unblock
	done := make(chan struct{})
	go func() {
		s.Acquire()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before Release")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after Release")
	}

	// 2. Multiple waiters
	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			s.Acquire()
		}()
	}

	time.Sleep(50 * time.Millisecond)
	for range n {
		s.Release()
	}

	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Not all waiters woke up")
	}
}

func TestSema_ReleaseBeforeAcquire(t *testing.T) {
	var s Sema
	s.Release()
	s.Release()

	done := make(chan struct{})
	go func() {
		s.Acquire()
		s.Acquire()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("early Release was lost")
	}
}

func TestWordPad(t *testing.T) {
	if CacheLineSize_ < 8 {
		t.Fatalf("CacheLineSize_=%d", CacheLineSize_)
	}
	if WordPad_+8 != CacheLineSize_ {
		t.Fatalf("WordPad_=%d CacheLineSize_=%d", WordPad_, CacheLineSize_)
	}
}
