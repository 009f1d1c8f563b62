package ingest

import (
	"context"
)

// DefaultQueueCapacity bounds the number of intents waiting for the writer.
const DefaultQueueCapacity = 1000

// Queue is a bounded FIFO between the monitors and the writer. Enqueue blocks while the queue is full, which
// slows log consumption down to the rate the store can absorb.
type Queue struct {
	intents chan WriteIntent
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{intents: make(chan WriteIntent, capacity)}
}

// Enqueue adds intents in order, blocking while the queue is full. Returns ctx.Err() if ctx is done first, in
// which case a prefix of intents may already have been enqueued.
func (q *Queue) Enqueue(ctx context.Context, intents ...WriteIntent) error {
	for _, intent := range intents {
		select {
		case q.intents <- intent:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *Queue) Len() int {
	return len(q.intents)
}
