package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chronofact/internal/metrics"
)

const (
	defaultQueueCapacity = 256
	defaultTaskTimeout   = 10 * time.Second
)

type queuedTask struct {
	name string
	fn   func(ctx context.Context)
}

// ReinforceQueue runs memory bookkeeping off the request path. Tasks are
// executed by a single worker in arrival order; when the queue is full the
// oldest task is dropped, never the newest. Lost reinforcements are not
// recovered, the next access repeats them.
type ReinforceQueue struct {
	tasks       chan queuedTask
	taskTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool

	done chan struct{}
}

// NewReinforceQueue starts the worker. capacity <= 0 and taskTimeout <= 0
// select the defaults.
func NewReinforceQueue(capacity int, taskTimeout time.Duration, logger *zap.Logger) *ReinforceQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	q := &ReinforceQueue{
		tasks:       make(chan queuedTask, capacity),
		taskTimeout: taskTimeout,
		logger:      logger.Named("memory"),
		done:        make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules fn. It never blocks: a full queue sheds its oldest
// entry to make room. After Close the task is silently discarded.
func (q *ReinforceQueue) Enqueue(name string, fn func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	task := queuedTask{name: name, fn: fn}
	for {
		select {
		case q.tasks <- task:
			return
		default:
		}
		select {
		case dropped := <-q.tasks:
			metrics.ReinforceDrops.Inc()
			q.logger.Warn("memory task dropped, queue full", zap.String("task", dropped.name))
		default:
			// The worker drained the channel between our two selects;
			// the send will succeed on the next pass.
		}
	}
}

// Close stops accepting tasks and waits for the worker to drain the queue.
func (q *ReinforceQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	<-q.done
}

func (q *ReinforceQueue) run() {
	defer close(q.done)
	for task := range q.tasks {
		// Tasks run on a fresh context: the request that spawned them is
		// usually finished by the time they execute.
		ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
		task.fn(ctx)
		cancel()
	}
}
