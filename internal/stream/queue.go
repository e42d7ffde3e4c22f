package stream

import "sync"

// msgQueue is a bounded FIFO of stream messages. Enqueue on a full queue
// evicts the oldest entry so a slow consumer keeps seeing fresh samples.
type msgQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []*Message
	capacity int
	closed   bool
}

func newMsgQueue(capacity int) *msgQueue {
	q := &msgQueue{
		capacity: capacity,
		items:    make([]*Message, 0, capacity),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends msg and reports whether an older entry was evicted.
// Enqueue on a closed queue is a no-op.
func (q *msgQueue) Enqueue(msg *Message) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = msg
		evicted = true
	} else {
		q.items = append(q.items, msg)
	}
	q.notEmpty.Signal()
	return evicted
}

// Dequeue blocks until a message is available or the queue closes.
// Messages still queued at close time are drained first; the second
// return is false once the queue is closed and empty.
func (q *msgQueue) Dequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TryDequeue returns the next message without blocking.
func (q *msgQueue) TryDequeue() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *msgQueue) popLocked() (*Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

// Len returns the current depth.
func (q *msgQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers.
func (q *msgQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
