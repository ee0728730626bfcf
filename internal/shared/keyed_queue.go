package shared

import (
	"sync"
)

// KeyedQueue runs submitted functions one at a time per key, in submission
// order. Functions for different keys run concurrently. A key's worker
// goroutine exits as soon as its queue drains.
type KeyedQueue struct {
	mu     sync.Mutex
	queues map[string][]queuedTask
}

type queuedTask struct {
	fn   func()
	done chan struct{}
}

// NewKeyedQueue creates an empty queue.
func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{queues: make(map[string][]queuedTask)}
}

// Submit appends fn to the queue for key. The returned channel is closed
// once fn has returned.
func (q *KeyedQueue) Submit(key string, fn func()) <-chan struct{} {
	task := queuedTask{fn: fn, done: make(chan struct{})}

	q.mu.Lock()
	pending, running := q.queues[key]
	q.queues[key] = append(pending, task)
	q.mu.Unlock()

	if !running {
		go q.drain(key)
	}
	return task.done
}

// Pending returns the number of keys with queued or running work.
func (q *KeyedQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

func (q *KeyedQueue) drain(key string) {
	for {
		q.mu.Lock()
		pending := q.queues[key]
		if len(pending) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		task := pending[0]
		q.mu.Unlock()

		run(task)

		q.mu.Lock()
		q.queues[key] = q.queues[key][1:]
		q.mu.Unlock()
	}
}

func run(task queuedTask) {
	defer close(task.done)
	task.fn()
}
