package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrQueueClosed = errors.New("audit queue closed")

// Queue serializes audit submissions for one open document. Submissions
// begin in the exact order they were enqueued, regardless of how long each
// one takes to complete. A failed submission surfaces its error to its own
// caller only; the chain keeps running for everyone queued behind it.
//
// One Queue is owned per open document and torn down when the document is
// closed, so a slow document never head-of-line blocks another.
type Queue struct {
	mu      sync.Mutex
	tail    chan struct{}
	closed  bool
	pending atomic.Int64
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends fn to the chain. Registration happens before Enqueue
// returns, so calling order is submission order. The returned channel
// delivers fn's error (or nil) exactly once; if the queue is already
// closed it delivers ErrQueueClosed and fn never runs.
func (q *Queue) Enqueue(ctx context.Context, fn func(context.Context) error) <-chan error {
	result := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		result <- ErrQueueClosed
		return result
	}
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.pending.Add(1)
	q.mu.Unlock()

	go func() {
		defer func() {
			q.pending.Add(-1)
			close(done)
		}()
		// Wait unconditionally: submissions are not cancellable mid-flight
		// and the ordering guarantee depends on never skipping a turn.
		if prev != nil {
			<-prev
		}
		result <- fn(ctx)
	}()
	return result
}

// Pending reports how many submissions are queued or in flight.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// Close refuses further submissions and waits for in-flight ones to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	tail := q.tail
	q.mu.Unlock()
	if tail != nil {
		<-tail
	}
}
