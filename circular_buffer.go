package fairsync

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/llxisdsh/fairsync/internal/syncutil"
)

// CircularBuffer is a bounded FIFO queue over caller-provided storage for
// handing values between goroutines.
//
// Producers are served in FIFO order among themselves, and so are
// consumers. A parked goroutine waits on its own wake channel rather than
// a shared not-full or not-empty condition variable, and the element is
// handed over directly instead of signalling the waiter to retry. When a
// Pop frees a slot while producers are parked, the element of the first
// parked producer is moved into the buffer before the mutex is released;
// symmetrically a Push into an empty buffer hands its element straight to
// the first parked consumer. Try operations therefore never overtake a
// parked goroutine.
//
// The begin and limit counters only grow; wrap-around after 2^64
// operations is not handled.
type CircularBuffer[T any] struct {
	_     noCopy
	mu    syncutil.Mutex
	array []T
	begin uint64
	limit uint64

	pushers cbWaitList[T]
	poppers cbWaitList[T]
}

// cbWaiter is a goroutine parked in Push or Pop. done is set under the
// buffer mutex once the operation has been completed on its behalf.
type cbWaiter[T any] struct {
	next *cbWaiter[T]
	prev *cbWaiter[T]
	val  T
	done bool
	wake chan struct{}
}

type cbWaitList[T any] struct {
	head *cbWaiter[T]
	tail *cbWaiter[T]
	n    int
}

func (q *cbWaitList[T]) pushBack(w *cbWaiter[T]) {
	w.prev = q.tail
	if q.tail == nil {
		q.head = w
	} else {
		q.tail.next = w
	}
	q.tail = w
	q.n++
}

func (q *cbWaitList[T]) remove(w *cbWaiter[T]) {
	if w.prev == nil {
		q.head = w.next
	} else {
		w.prev.next = w.next
	}
	if w.next == nil {
		q.tail = w.prev
	} else {
		w.next.prev = w.prev
	}
	w.next, w.prev = nil, nil
	q.n--
}

func (q *cbWaitList[T]) popFront() *cbWaiter[T] {
	w := q.head
	if w != nil {
		q.remove(w)
	}
	return w
}

// NewCircularBuffer returns a buffer using storage as its backing array.
// The capacity is len(storage), which must be positive.
func NewCircularBuffer[T any](storage []T) *CircularBuffer[T] {
	b := &CircularBuffer[T]{}
	b.Init(storage)
	return b
}

// Init binds storage to a zero buffer. See NewCircularBuffer.
func (b *CircularBuffer[T]) Init(storage []T) {
	if len(storage) == 0 {
		assertf("circular buffer: capacity must be positive")
	}
	b.array = storage
	b.begin, b.limit = 0, 0
}

// Destroy checks that the buffer is empty and nobody is parked on it, then
// detaches the storage. It panics otherwise.
func (b *CircularBuffer[T]) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size := b.limit - b.begin; size != 0 || b.pushers.n != 0 || b.poppers.n != 0 {
		assertf("circular buffer: destroy of busy buffer (size=%d pushers=%d poppers=%d)",
			errors.Safe(size), errors.Safe(b.pushers.n), errors.Safe(b.poppers.n))
	}
	b.array = nil
}

// Cap returns the capacity of the buffer.
func (b *CircularBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.array)
}

// Len returns the number of buffered elements.
func (b *CircularBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.limit - b.begin)
}

// BlockedPushers returns the number of goroutines parked in a push.
func (b *CircularBuffer[T]) BlockedPushers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushers.n
}

// BlockedPoppers returns the number of goroutines parked in a pop.
func (b *CircularBuffer[T]) BlockedPoppers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poppers.n
}

func (b *CircularBuffer[T]) full() bool {
	return b.limit-b.begin == uint64(len(b.array))
}

func (b *CircularBuffer[T]) pushLocked(v T) {
	b.mu.AssertHeld()
	if w := b.poppers.popFront(); w != nil {
		// Poppers only park on an empty buffer.
		w.val = v
		w.done = true
		close(w.wake)
		return
	}
	b.array[b.limit%uint64(len(b.array))] = v
	b.limit++
}

func (b *CircularBuffer[T]) popLocked() T {
	b.mu.AssertHeld()
	var zero T
	i := b.begin % uint64(len(b.array))
	v := b.array[i]
	b.array[i] = zero
	b.begin++
	if w := b.pushers.popFront(); w != nil {
		b.array[b.limit%uint64(len(b.array))] = w.val
		b.limit++
		w.val = zero
		w.done = true
		close(w.wake)
	}
	return v
}

// tryPushLocked pushes v if there is room and no producer is parked ahead.
func (b *CircularBuffer[T]) tryPushLocked(v T) bool {
	if b.array == nil {
		assertf("circular buffer: push on uninitialized buffer")
	}
	if b.full() || b.pushers.n != 0 {
		return false
	}
	b.pushLocked(v)
	return true
}

// tryPopLocked pops if an element is buffered and no consumer is parked
// ahead.
func (b *CircularBuffer[T]) tryPopLocked() (T, bool) {
	if b.array == nil {
		assertf("circular buffer: pop on uninitialized buffer")
	}
	if b.limit == b.begin || b.poppers.n != 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// wait parks w until it is served or expired fires. The waiter's list is
// q. It reports whether the operation was completed.
func (b *CircularBuffer[T]) wait(w *cbWaiter[T], q *cbWaitList[T], expired <-chan struct{}) bool {
	select {
	case <-w.wake:
		return true
	case <-expired:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if w.done {
		return true
	}
	q.remove(w)
	return false
}

// Push appends v, blocking while the buffer is full.
func (b *CircularBuffer[T]) Push(v T) {
	b.push(v, nil)
}

// TryPush appends v if that is possible without waiting and no other
// producer is parked.
func (b *CircularBuffer[T]) TryPush(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tryPushLocked(v)
}

// TimedPush is like Push but gives up at deadline. It reports whether v was
// appended; on false the buffer is unchanged.
func (b *CircularBuffer[T]) TimedPush(v T, deadline time.Time) bool {
	expired, stop := deadlineChan(deadline)
	defer stop()
	return b.push(v, expired)
}

// PushContext is like Push but gives up when ctx is done, returning the
// context error. The buffer is unchanged in that case.
func (b *CircularBuffer[T]) PushContext(ctx context.Context, v T) error {
	if b.push(v, ctx.Done()) {
		return nil
	}
	return errors.Wrap(ctx.Err(), "circular buffer push")
}

func (b *CircularBuffer[T]) push(v T, expired <-chan struct{}) bool {
	w, ok := b.parkPusher(v, expired)
	if w == nil {
		return ok
	}
	return b.wait(w, &b.pushers, expired)
}

// parkPusher pushes v or queues a waiter carrying it. A nil waiter means
// the push finished, and ok tells whether it succeeded.
func (b *CircularBuffer[T]) parkPusher(v T, expired <-chan struct{}) (w *cbWaiter[T], ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tryPushLocked(v) {
		return nil, true
	}
	if isClosed(expired) {
		return nil, false
	}
	w = &cbWaiter[T]{val: v, wake: make(chan struct{})}
	b.pushers.pushBack(w)
	return w, false
}

// Pop removes and returns the oldest element, blocking while the buffer is
// empty.
func (b *CircularBuffer[T]) Pop() T {
	v, _ := b.pop(nil)
	return v
}

// TryPop removes the oldest element if one is buffered and no other
// consumer is parked.
func (b *CircularBuffer[T]) TryPop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tryPopLocked()
}

// TimedPop is like Pop but gives up at deadline. On false the buffer is
// unchanged and the zero value is returned.
func (b *CircularBuffer[T]) TimedPop(deadline time.Time) (T, bool) {
	expired, stop := deadlineChan(deadline)
	defer stop()
	return b.pop(expired)
}

// PopContext is like Pop but gives up when ctx is done, returning the
// context error. The buffer is unchanged in that case.
func (b *CircularBuffer[T]) PopContext(ctx context.Context) (T, error) {
	v, ok := b.pop(ctx.Done())
	if !ok {
		return v, errors.Wrap(ctx.Err(), "circular buffer pop")
	}
	return v, nil
}

func (b *CircularBuffer[T]) pop(expired <-chan struct{}) (T, bool) {
	v, w, ok := b.parkPopper(expired)
	if w == nil {
		return v, ok
	}
	if !b.wait(w, &b.poppers, expired) {
		var zero T
		return zero, false
	}
	return w.val, true
}

// parkPopper pops an element or queues a waiter for one. A nil waiter
// means the pop finished, and ok tells whether it succeeded.
func (b *CircularBuffer[T]) parkPopper(expired <-chan struct{}) (v T, w *cbWaiter[T], ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok = b.tryPopLocked(); ok {
		return v, nil, true
	}
	if isClosed(expired) {
		return v, nil, false
	}
	w = &cbWaiter[T]{wake: make(chan struct{})}
	b.poppers.pushBack(w)
	return v, w, false
}

// deadlineChan returns a channel closed at deadline.
func deadlineChan(deadline time.Time) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	d := time.Until(deadline)
	if d <= 0 {
		close(ch)
		return ch, func() {}
	}
	t := time.AfterFunc(d, func() { close(ch) })
	return ch, func() { t.Stop() }
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
