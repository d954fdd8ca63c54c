// Package approval carries pending-upload notices from the request-serving
// goroutines to the single operator-facing consumer. Publish never blocks;
// the serving path must not wait on operator attention.
package approval

import (
	"context"
	"sync"
	"time"
)

// Notice is a copy of the facts an operator needs to decide on an upload.
// Ownership of the underlying record stays with the staging manager.
type Notice struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DestRel    string    `json:"dest"`
	Size       int64     `json:"size"`
	ClientAddr string    `json:"clientAddr"`
	Uploaded   time.Time `json:"uploaded"`
}

// DefaultCapacity bounds the in-memory backlog when no consumer is running.
const DefaultCapacity = 256

// Queue is a bounded FIFO with a non-blocking producer side. When the
// backlog is full the oldest notice is dropped and counted; a stalled
// operator never stalls an upload.
type Queue struct {
	mu      sync.Mutex
	items   []Notice
	cap     int
	dropped int64
	wake    chan struct{} // 1-buffered; closed never
}

// NewQueue returns a Queue holding at most capacity notices
// (DefaultCapacity if capacity <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		cap:  capacity,
		wake: make(chan struct{}, 1),
	}
}

// Publish appends n to the backlog without blocking.
func (q *Queue) Publish(n Notice) {
	q.mu.Lock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Receive blocks until a notice is available or ctx is done. Notices are
// delivered in submission order.
func (q *Queue) Receive(ctx context.Context) (Notice, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return n, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Notice{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Drain returns and clears every outstanding notice.
func (q *Queue) Drain() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports the current backlog size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many notices were discarded to keep Publish
// non-blocking.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
