// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// The cedar engine uses it to hand work from writers to a background
// goroutine without blocking the writer: change notifications for the
// replication listener and tombstone registrations for the sweeper are both
// pushed after the segment lock is released.
//
// Features and Guarantees:
//
//   - Lock-Free: producers only use atomic operations
//   - Unbounded Size: Push never blocks, the queue grows as needed
//   - Single Consumer: values are delivered in one goroutine through Recv()
//   - No Strict FIFO Guarantee across producers: concurrent pushes are ordered
//     by the producer that completes first
package util

import (
	"runtime"
	"sync/atomic"
)

// node is a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a linked list of nodes appended to with CAS operations. A
// goroutine started by NewLockFreeMPSC moves the values to the Recv channel.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]] // owned by the consumer
	tail   atomic.Pointer[node[T]]
	out    chan *T
	wake   chan struct{} // buffered, holds at most one pending wakeup
	closed atomic.Bool
}

// NewLockFreeMPSC creates a queue and starts its consumer goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}
	q := &LockFreeMPSC[T]{
		out:  make(chan *T),
		wake: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()
	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if value is nil or the queue
// is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// a failed CAS means another producer already advanced the tail
				q.tail.CompareAndSwap(tailNode, newNode)
				q.signal()
				return true
			}
		} else {
			// help a producer that appended but did not advance the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// consume moves values from the list to the output channel until the queue
// is closed and drained.
func (q *LockFreeMPSC[T]) consume() {
	defer close(q.out)

	for {
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		// a wakeup sent after the last check is still buffered, so none is lost
		if q.closed.Load() && q.head.Load().next.Load() == nil {
			return
		}
		<-q.wake
	}
}

// Recv returns the channel values are delivered on. It is closed after Close
// once all queued values were received.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Values already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued values. It is O(n) and meant for
// statistics only.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for current := q.head.Load().next.Load(); current != nil; current = current.next.Load() {
		count++
	}
	return count
}
