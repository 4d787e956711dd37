// Package queue provides an unbounded FIFO of task and member ids drained
// into a channel, so producers never block on a slow subscriber.
package queue

import "sync"

type Queue struct {
	mu      sync.Mutex
	items   []string
	wake    chan struct{}
	out     chan string
	stop    chan struct{}
	stopped bool
}

// New returns a running queue. Close stops it.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan string),
		stop: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. It is a no-op once the queue is closed.
func (q *Queue) Push(v string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, v)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) C() <-chan string {
	return q.out
}

// Close stops delivery. Items not yet delivered are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.stop)
}

func (q *Queue) pump() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		next := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.stop:
			return
		}
	}
}
