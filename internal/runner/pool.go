package runner

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work dispatched to the pool.
type Task func(ctx context.Context)

// taskQueue is a thread-safe FIFO queue of tasks.
//
// The queue is unbounded so trigger fan-out (an attestation releasing
// many jobs at once) never blocks the caller. The signal channel enables
// context-aware waiting in the workers; a buffer of 1 coalesces multiple
// signals.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue adds a task to the back of the queue. Returns false if the
// queue is closed.
func (q *taskQueue) enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue attempts to dequeue without blocking.
func (q *taskQueue) tryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]

	// Nil out the slot so the task's captures can be collected.
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

func (q *taskQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Pool runs submitted tasks on a fixed set of workers fed from an
// unbounded queue. Submission never blocks; capacity pressure shows up
// as queue depth, not as backpressure on the trigger paths.
type Pool struct {
	queue   *taskQueue
	workers int
}

// NewPool creates a Pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   newTaskQueue(),
		workers: workers,
	}
}

// Submit enqueues a task. Returns false after Close.
func (p *Pool) Submit(t Task) bool {
	return p.queue.enqueue(t)
}

// Depth returns the number of queued, not-yet-started tasks.
func (p *Pool) Depth() int {
	return p.queue.len()
}

// Close stops intake. Workers drain what is already queued.
func (p *Pool) Close() {
	p.queue.close()
}

// Run blocks until ctx is cancelled or the queue is closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) error {
	for {
		if t, ok := p.queue.tryDequeue(); ok {
			t(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-p.queue.wait():
			if !open && p.queue.len() == 0 {
				return nil
			}
		}
	}
}
