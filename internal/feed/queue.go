package feed

import (
	"context"
	"sync"

	"portfolio-copilot/internal/model"
	"portfolio-copilot/internal/ringbuf"
)

// DefaultQueueSize bounds the event queue between the feed worker and the broadcaster.
const DefaultQueueSize = 8192

// Queue is the ordered event channel from the feed worker to the broadcaster.
// Push never blocks: when the ring is full the newest event is dropped and
// counted. Producers serialize on a mutex so the ring stays single-producer.
type Queue struct {
	ring   *ringbuf.Ring[model.FeedEvent]
	pushMu sync.Mutex
	signal chan struct{}

	// OnDrop is called (outside the push lock) for every dropped event.
	OnDrop func(ev model.FeedEvent)
}

// NewQueue creates a queue holding at least size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ring:   ringbuf.New[model.FeedEvent](size),
		signal: make(chan struct{}, 1),
	}
}

// Push enqueues ev. It reports false if the queue was full.
func (q *Queue) Push(ev model.FeedEvent) bool {
	q.pushMu.Lock()
	ok := q.ring.Push(ev)
	q.pushMu.Unlock()

	if !ok {
		if q.OnDrop != nil {
			q.OnDrop(ev)
		}
		return false
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available or ctx is done. Only one goroutine may call Next.
func (q *Queue) Next(ctx context.Context) (model.FeedEvent, error) {
	for {
		if ev, ok := q.ring.Pop(); ok {
			return ev, nil
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return model.FeedEvent{}, ctx.Err()
		}
	}
}

// TryNext pops without waiting.
func (q *Queue) TryNext() (model.FeedEvent, bool) {
	return q.ring.Pop()
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return q.ring.Len() }

// Dropped returns how many events were rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.ring.Overflow() }
