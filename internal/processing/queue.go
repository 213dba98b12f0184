package processing

import (
	"context"
	"sync"
)

// Queue is the unbounded FIFO between the acquirer and the processor. Every Push leaves a
// token in a single slot notify channel; a consumer that wakes on the token must keep
// popping until the queue is empty since several pushes can share one token.
type Queue struct {
	mu     sync.Mutex
	items  []RawBatch
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) Push(batch RawBatch) {
	q.mu.Lock()
	q.items = append(q.items, batch)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) TryPop() (RawBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return RawBatch{}, false
	}

	batch := q.items[0]
	q.items[0] = RawBatch{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch, true
}

// Pop blocks until a batch is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (RawBatch, error) {
	for {
		if batch, ok := q.TryPop(); ok {
			return batch, nil
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return RawBatch{}, ctx.Err()
		}
	}
}

// DrainAll discards everything queued and returns how many batches were dropped.
func (q *Queue) DrainAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
