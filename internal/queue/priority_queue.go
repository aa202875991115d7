package queue

import (
	"fmt"

	"github.com/lifelink/alertcore/internal/domain"
)

// PriorityQueue dispatches items to one of four buffered channels, one per
// urgency tier (priority 1 = critical … 4 = normal).
//
// Buffer sizes reflect expected traffic on a single device:
//
//	critical:  32  (must never accumulate; a small buffer surfaces back-pressure fast)
//	urgent:   128
//	high:     512
//	normal:  1024  (reminders and confirmations)
//
// Dequeueing uses a cascade of non-blocking selects so that items with a
// lower priority number are always served first, and FIFO order within a
// channel preserves insertion order among equal priorities. Emergency items
// (priority ≤ 2) therefore get head-of-line placement by construction: they
// are drained before the processor ever looks at the high/normal channels.
type PriorityQueue struct {
	critical chan Item
	urgent   chan Item
	high     chan Item
	normal   chan Item
}

func New() *PriorityQueue {
	return &PriorityQueue{
		critical: make(chan Item, 32),
		urgent:   make(chan Item, 128),
		high:     make(chan Item, 512),
		normal:   make(chan Item, 1024),
	}
}

// Enqueue places an item on the channel matching its priority.
// It is non-blocking: if the target channel is full, ErrQueueFull is
// returned immediately. The caller keeps the item persisted as queued, so
// a full channel delays processing but never loses the item.
func (q *PriorityQueue) Enqueue(item Item) error {
	ch, err := q.channelFor(item.Priority)
	if err != nil {
		return err
	}
	select {
	case ch <- item:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// TryDequeue returns the highest-priority waiting item without blocking.
// Returns (Item{}, false) when every channel is empty.
func (q *PriorityQueue) TryDequeue() (Item, bool) {
	for _, ch := range []chan Item{q.critical, q.urgent, q.high, q.normal} {
		select {
		case item := <-ch:
			return item, true
		default:
		}
	}
	return Item{}, false
}

// Depths returns the current number of items waiting per tier.
// Used by the admin snapshot and the queue-depth gauges.
func (q *PriorityQueue) Depths() (critical, urgent, high, normal int) {
	return len(q.critical), len(q.urgent), len(q.high), len(q.normal)
}

func (q *PriorityQueue) channelFor(priority int) (chan Item, error) {
	switch priority {
	case 1:
		return q.critical, nil
	case 2:
		return q.urgent, nil
	case 3:
		return q.high, nil
	case 4:
		return q.normal, nil
	default:
		return nil, fmt.Errorf("unknown priority %d", priority)
	}
}
