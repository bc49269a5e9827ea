package websocket

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

type item struct {
	frame *Frame
	end   bool
}

// deliveryQueue is an unbounded FIFO with a single consumer. signal holds at
// most one pending wakeup.
type deliveryQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	signal chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		items:  queue.New(),
		signal: make(chan struct{}, 1),
	}
}

func (q *deliveryQueue) push(it item) {
	q.mu.Lock()
	q.items.Add(it)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes the oldest item. A zero timeout never blocks, a negative one
// blocks until an item arrives.
func (q *deliveryQueue) pop(timeout time.Duration) (item, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			it := q.items.Remove().(item)
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		if timeout == 0 {
			return item{}, false
		}
		select {
		case <-q.signal:
		case <-expired:
			return item{}, false
		}
	}
}

func (q *deliveryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
