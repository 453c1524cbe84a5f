package execution

import (
	"context"
	"sync"

	xerrors "reev-harness/internal/errors"
)

// ErrQueueClosed is returned by Publish once the queue is closed.
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "execution queue closed")

// MemoryQueue is a channel-backed execution queue for a single process. Ids
// left in the buffer when the process stops are lost; the execution rows stay
// pending and can be resubmitted.
type MemoryQueue struct {
	ids       chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue returns a queue buffering up to size execution ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size), done: make(chan struct{})}
}

// Publish enqueues executionID, waiting for buffer space until ctx is done or
// the queue is closed.
func (q *MemoryQueue) Publish(ctx context.Context, executionID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ids <- executionID:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of buffered execution ids.
func (q *MemoryQueue) Pending() int {
	return len(q.ids)
}

// Consume runs workerCount workers until ctx is done or the queue is closed.
// A failed handler leaves the execution row to record the failure; the id is
// not redelivered.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case executionID := <-q.ids:
					_ = handler(ctx, executionID)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops accepting ids and releases blocked publishers and workers.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
