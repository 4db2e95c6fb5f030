// Package memory provides the in-process run queues.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

// ErrQueueFull is returned when an enqueue cannot complete before its
// context expires because the queue is at capacity.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed is returned once the queue has been shut down.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawl.QueueItem
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan crawl.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item into the queue. When the queue is at capacity it
// waits until space frees up or the context expires, in which case the
// caller gets ErrQueueFull. Callers submit with a short deadline so a
// saturated queue turns into fast backpressure instead of a hang.
func (q *Queue) Enqueue(ctx context.Context, item crawl.QueueItem) error {
	select {
	case <-q.done:
		return fmt.Errorf("enqueue run %s: %w", item.RunID, ErrQueueClosed)
	default:
	}
	select {
	case q.ch <- item:
		return nil
	default:
	}
	select {
	case <-q.done:
		return fmt.Errorf("enqueue run %s: %w", item.RunID, ErrQueueClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue run %s: %w", item.RunID, ErrQueueFull)
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items that
// were accepted before Close are still delivered; once drained, consumers
// get ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawl.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return crawl.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return crawl.QueueItem{}, ErrQueueClosed
		}
	case item := <-q.ch:
		return item, nil
	}
}

// Close shuts the queue down. Blocked consumers are released after the
// backlog drains; subsequent enqueues fail. Safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}

// Len reports the current backlog size.
func (q *Queue) Len() int {
	return len(q.ch)
}
