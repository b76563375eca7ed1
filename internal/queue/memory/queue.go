// Package memory provides the in-process harvest job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trendscope/harvester/internal/harvest"
	"github.com/trendscope/harvester/internal/metrics"
)

// Queue is a bounded in-memory FIFO queue with context-aware operations.
type Queue struct {
	ch      chan harvest.QueueItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan harvest.QueueItem, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	select {
	case <-ctx.Done():
		return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return harvest.QueueItem{}, errors.New("queue closed")
		}
		metrics.SetQueueDepth(len(q.ch))
		return item, nil
	}
}

// Depth reports the current backlog.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
