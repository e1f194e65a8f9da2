// Package queue implements a bounded-concurrency FIFO work queue with
// optional key based deduplication.
package queue

import "sync"

// Worker processes one item. It must call done exactly once, either before
// returning or later from another goroutine.
type Worker[T any] func(item T, done func(error))

// Options configures a Queue.
type Options[T any] struct {
	// Concurrency is the maximum number of active tasks. Values below 1 mean 1.
	Concurrency int
	// Key, when set, derives a dedup key from an item. An item whose key is
	// already pending or active is not admitted.
	Key func(T) string
}

type task[T any] struct {
	item   T
	key    string
	keyed  bool
	onDone func(error)
}

// Queue dispatches pushed items to its worker in FIFO order while fewer than
// Concurrency tasks are active.
type Queue[T any] struct {
	mu          sync.Mutex
	worker      Worker[T]
	concurrency int
	keyFn       func(T) string

	pending     []*task[T]
	active      int
	keys        map[string]struct{}
	dead        bool
	dispatching bool
}

func New[T any](worker Worker[T], opts Options[T]) *Queue[T] {
	c := opts.Concurrency
	if c < 1 {
		c = 1
	}
	return &Queue[T]{
		worker:      worker,
		concurrency: c,
		keyFn:       opts.Key,
		keys:        make(map[string]struct{}),
	}
}

// Push admits item. onDone, if not nil, receives the worker's result. Push
// reports whether the item was admitted; it is not when the queue is dead or
// the item's key is already pending or active.
func (q *Queue[T]) Push(item T, onDone func(error)) bool {
	t := &task[T]{item: item, onDone: onDone}

	q.mu.Lock()
	if q.dead {
		q.mu.Unlock()
		return false
	}
	if q.keyFn != nil {
		t.key = q.keyFn(item)
		t.keyed = true
		if _, dup := q.keys[t.key]; dup {
			q.mu.Unlock()
			return false
		}
		q.keys[t.key] = struct{}{}
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	q.dispatch()
	return true
}

// Die stops all future dispatch. Pending tasks are dropped without their
// callbacks being called; active tasks finish through their own callbacks.
func (q *Queue[T]) Die() {
	q.mu.Lock()
	q.dead = true
	for _, t := range q.pending {
		if t.keyed {
			delete(q.keys, t.key)
		}
	}
	q.pending = nil
	q.mu.Unlock()
}

// Dead reports whether Die was called.
func (q *Queue[T]) Dead() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead
}

// Pending returns the number of tasks waiting for a slot.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of tasks handed to the worker and not yet done.
func (q *Queue[T]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Len returns pending plus active.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.active
}

// dispatch starts tasks while slots are free. Only one goroutine dispatches at
// a time so workers are always invoked in push order; a caller that finds a
// dispatch in progress leaves the work to it.
func (q *Queue[T]) dispatch() {
	q.mu.Lock()
	if q.dispatching {
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	for !q.dead && q.active < q.concurrency && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.active++
		q.mu.Unlock()

		q.worker(t.item, q.completion(t))

		q.mu.Lock()
	}
	q.dispatching = false
	q.mu.Unlock()
}

func (q *Queue[T]) completion(t *task[T]) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			q.mu.Lock()
			q.active--
			if t.keyed {
				delete(q.keys, t.key)
			}
			q.mu.Unlock()

			if t.onDone != nil {
				t.onDone(err)
			}
			q.dispatch()
		})
	}
}
