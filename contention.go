package fairsync

import (
	"fmt"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// ContextID classifies what a goroutine is doing when it takes an
// InstrumentedRWLock. Contention events are keyed by the context of the
// blocked reader and the context of the writer that blocked it.
//
// Callers may define their own values above ContextCleaner.
type ContextID uint32

const (
	ContextInvalid ContextID = iota
	ContextDefault
	ContextSearch
	ContextPromotion
	ContextFullFetch
	ContextPartialFetch
	ContextFullEviction
	ContextPartialEviction
	ContextMessageInjection
	ContextMessageApplication
	ContextFlush
	ContextCleaner
)

func (c ContextID) String() string {
	switch c {
	case ContextInvalid:
		return "invalid"
	case ContextDefault:
		return "default"
	case ContextSearch:
		return "search"
	case ContextPromotion:
		return "promotion"
	case ContextFullFetch:
		return "full_fetch"
	case ContextPartialFetch:
		return "partial_fetch"
	case ContextFullEviction:
		return "full_eviction"
	case ContextPartialEviction:
		return "partial_eviction"
	case ContextMessageInjection:
		return "message_injection"
	case ContextMessageApplication:
		return "message_application"
	case ContextFlush:
		return "flush"
	case ContextCleaner:
		return "cleaner"
	default:
		return fmt.Sprintf("context(%d)", uint32(c))
	}
}

// ContentionRecorder receives one event per reader that has to wait for a
// writer.
type ContentionRecorder interface {
	RecordContention(blocked, blocking ContextID)
}

// ContentionKey identifies a pair of contexts in ContentionStats.
type ContentionKey struct {
	Blocked  ContextID
	Blocking ContextID
}

// ContentionStats counts contention events per (blocked, blocking) context
// pair. It is safe for concurrent use and zero-value usable.
//
// The table is a hash trie: every slot is read and published atomically, so
// recorders and readers may run concurrently from the first event on.
type ContentionStats struct {
	_ noCopy
	m pb.HashTrieMap[ContentionKey, *atomic.Uint64]
}

// RecordContention implements ContentionRecorder.
func (s *ContentionStats) RecordContention(blocked, blocking ContextID) {
	k := ContentionKey{Blocked: blocked, Blocking: blocking}
	c, ok := s.m.Load(k)
	if !ok {
		c, _ = s.m.LoadOrStoreFn(k, func() *atomic.Uint64 { return new(atomic.Uint64) })
	}
	c.Add(1)
}

// Count returns the number of events recorded for the pair.
func (s *ContentionStats) Count(blocked, blocking ContextID) uint64 {
	c, ok := s.m.Load(ContentionKey{Blocked: blocked, Blocking: blocking})
	if !ok {
		return 0
	}
	return c.Load()
}

// Total returns the number of events recorded for all pairs.
func (s *ContentionStats) Total() uint64 {
	var n uint64
	s.m.Range(func(_ ContentionKey, c *atomic.Uint64) bool {
		n += c.Load()
		return true
	})
	return n
}

// Range calls f for every pair with a recorded event until f returns false.
func (s *ContentionStats) Range(f func(k ContentionKey, n uint64) bool) {
	s.m.Range(func(k ContentionKey, c *atomic.Uint64) bool {
		return f(k, c.Load())
	})
}

// Reset drops all recorded events.
func (s *ContentionStats) Reset() {
	s.m.Clear()
}
