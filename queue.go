package renderhost

import "sync"

// orderedQueue decouples a producer that must never block (the channel
// reader, the supervisor monitor) from a consumer that drains at its own
// pace. push appends and returns immediately; a pump goroutine forwards
// items to the outbound channel in push order.
type orderedQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

func newOrderedQueue[T any]() *orderedQueue[T] {
	q := &orderedQueue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T, 16),
	}
	go q.pump()
	return q
}

func (q *orderedQueue[T]) push(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *orderedQueue[T]) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *orderedQueue[T]) pump() {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, item := range items {
			q.out <- item
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			close(q.out)
			return
		}
		<-q.wake
	}
}
