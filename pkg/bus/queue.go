package bus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/openquant/helix/pkg/types"
)

// queueItem is one enqueued event with its ordering key
type queueItem struct {
	event    *types.Event
	priority int
	seq      uint64
}

// itemHeap orders by priority descending, then enqueue sequence ascending
// (FIFO within a priority band).
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// eventQueue is a bounded priority queue. Push never blocks: a full queue
// rejects the event (drop-newest). Pop blocks up to a bounded wait so that
// workers stay responsive to shutdown.
type eventQueue struct {
	mu      sync.Mutex
	items   itemHeap
	maxSize int
	seq     uint64
	notify  chan struct{}
}

func newEventQueue(maxSize int) *eventQueue {
	return &eventQueue{
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
	}
}

// push enqueues an event. Returns false when the queue is full.
func (q *eventQueue) push(ev *types.Event, priority int) bool {
	q.mu.Lock()
	if len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, &queueItem{event: ev, priority: priority, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// popWait dequeues the highest-priority event, waiting up to maxWait for
// one to arrive. Returns nil on timeout or context cancellation.
func (q *eventQueue) popWait(ctx context.Context, maxWait time.Duration) *types.Event {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			if len(q.items) > 0 {
				// Re-arm the signal so sibling waiters see the remainder
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return item.event
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// size returns the current queue depth
func (q *eventQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
