package relayjournal

import (
	"context"
	"fmt"
)

const defaultQueueCapacity = 64

// Queue is the bounded FIFO between transports and the Publisher. Enqueue
// blocks while the queue is full; it gives up only when ctx is done.
type Queue interface {
	TryEnqueue(msg PendingMessage) bool
	Enqueue(ctx context.Context, msg PendingMessage) bool
	Dequeue(ctx context.Context) (PendingMessage, bool)
	Depth() int
	Capacity() int
	Close() error
}

// Submit validates msg and enqueues it, waiting for room.
func Submit(ctx context.Context, queue Queue, msg PendingMessage) error {
	if queue == nil {
		return fmt.Errorf("%w: nil queue", ErrInvalidInput)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if !queue.Enqueue(ctx, msg) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
		}
		return fmt.Errorf("enqueue message %s: %w", msg.ID, ErrQueueFull)
	}
	return nil
}

type inMemoryQueue struct {
	ch chan PendingMessage
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{ch: make(chan PendingMessage, capacity)}
}

func (q *inMemoryQueue) TryEnqueue(msg PendingMessage) bool {
	if q == nil || msg.ID == "" {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, msg PendingMessage) bool {
	if q == nil || msg.ID == "" {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (PendingMessage, bool) {
	if q == nil {
		return PendingMessage{}, false
	}
	select {
	case msg := <-q.ch:
		return msg, true
	case <-ctx.Done():
		return PendingMessage{}, false
	}
}

func (q *inMemoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryQueue) Close() error {
	return nil
}
