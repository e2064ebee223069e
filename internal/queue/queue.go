// Package queue implements the Task Queue (spec.md §4.1): a bounded FIFO
// with blocking enqueue/dequeue, each bounded by a short timeout so a
// pool-shutdown signal is observed with small, configuration-independent
// latency regardless of producer/consumer activity. Grounded on the
// original threadpool.c's condition-variable queue, extended with the
// not-full side spec.md adds for back-pressure (the C source has only
// not_empty).
package queue

import (
	"sync"
	"time"

	"github.com/quillrun/scriptpool/internal/task"
)

// Default bounded-wait durations, named in spec.md §6's configuration
// tunables.
const (
	EnqueueFullWait  = 100 * time.Millisecond
	DequeueEmptyWait = 10 * time.Millisecond
)

// EnqueueResult is enqueue's tri-state outcome.
type EnqueueResult int

const (
	EnqueueOK EnqueueResult = iota
	EnqueueFull
	EnqueueClosed
)

type node struct {
	t    *task.Task
	next *node
}

// Queue is a thread-safe, singly-linked FIFO of *task.Task with two
// back-pressure signals.
type Queue struct {
	mu   sync.Mutex
	head *node
	tail *node
	size int

	maxSize int // 0 = unbounded
	closed  bool

	notEmpty chan struct{} // closed and replaced on every state change that might unblock a dequeue
	notFull  chan struct{} // closed and replaced on every state change that might unblock an enqueue
}

// New creates a Queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue{
		maxSize:  maxSize,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// signalNotEmpty wakes every current dequeue waiter. Caller holds q.mu.
func (q *Queue) signalNotEmpty() {
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

// signalNotFull wakes every current enqueue waiter. Caller holds q.mu.
func (q *Queue) signalNotFull() {
	close(q.notFull)
	q.notFull = make(chan struct{})
}

// Enqueue appends t. If the queue has a configured max size and is full,
// it waits up to EnqueueFullWait for room; on timeout it returns
// EnqueueFull without inserting. Insertion always signals not-empty.
func (q *Queue) Enqueue(t *task.Task) EnqueueResult {
	deadline := time.Now().Add(EnqueueFullWait)

	q.mu.Lock()
	for q.maxSize > 0 && q.size >= q.maxSize && !q.closed {
		wake := q.notFull
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return EnqueueFull
		}
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		q.mu.Lock()
	}

	if q.closed {
		q.mu.Unlock()
		return EnqueueClosed
	}

	n := &node{t: t}
	if q.tail == nil {
		q.head, q.tail = n, n
	} else {
		q.tail.next = n
		q.tail = n
	}
	q.size++
	q.signalNotEmpty()
	q.mu.Unlock()
	return EnqueueOK
}

// Dequeue removes and returns the head Task. If empty, waits up to
// DequeueEmptyWait for an item; on timeout returns (nil, false). If an
// item is removed and the queue is now below any configured cap, signals
// not-full.
func (q *Queue) Dequeue() (*task.Task, bool) {
	deadline := time.Now().Add(DequeueEmptyWait)

	q.mu.Lock()
	for q.head == nil && !q.closed {
		wake := q.notEmpty
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
		q.mu.Lock()
	}

	if q.head == nil {
		q.mu.Unlock()
		return nil, false
	}

	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	if q.maxSize > 0 && q.size < q.maxSize {
		q.signalNotFull()
	}
	q.mu.Unlock()
	return n.t, true
}

// TryStealOne removes and returns the head Task without blocking, but only
// if the queue currently holds more than one — spec.md's work-stealing
// contract leaves one Task behind to keep the victim's pipeline warm.
// ok is false if there were fewer than two Tasks.
func (q *Queue) TryStealOne() (t *task.Task, ok bool) {
	if !q.mu.TryLock() {
		return nil, false
	}
	defer q.mu.Unlock()

	if q.size <= 1 || q.head == nil {
		return nil, false
	}

	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	if q.maxSize > 0 && q.size < q.maxSize {
		q.signalNotFull()
	}
	return n.t, true
}

// Len returns the current size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Destroy drains remaining Tasks — invoking each one's completion callback
// with ErrShutdownLeak-flavored context is the caller's job, not the
// queue's; Destroy just hands back whatever was left and marks the queue
// closed so blocked waiters return. Later calls are no-ops that return nil.
func (q *Queue) Destroy() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var drained []*task.Task
	for n := q.head; n != nil; n = n.next {
		drained = append(drained, n.t)
	}
	q.head, q.tail, q.size = nil, nil, 0

	q.signalNotEmpty()
	q.signalNotFull()
	return drained
}
