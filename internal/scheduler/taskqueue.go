package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/pkg/utils"
)

// maxDrainPerTick bounds how much deferred write work one scheduler tick
// absorbs, smearing very large write bursts across several ticks instead of
// blocking the single-writer loop.
const maxDrainPerTick = 300

// drainSubBatch is the chunk size Drain hands to utils.BatchProcess, so a
// full tick's worth of tasks still runs as several short batches rather than
// one long uninterrupted run.
const drainSubBatch = 50

// Task is one deferred write, typically a single store.set(key, index, row)
// call captured as a closure by the caller that enqueued it.
type Task func() error

// TaskQueue is a FIFO of deferred writes drained in bounded batches by the
// scheduler's tick loop.
type TaskQueue struct {
	mu    sync.Mutex
	items []Task
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Enqueue appends a task to the back of the queue.
func (q *TaskQueue) Enqueue(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain executes up to maxDrainPerTick queued tasks in FIFO order, logging
// and skipping any that error, and returns how many it ran.
func (q *TaskQueue) Drain(logger *zap.Logger) int {
	q.mu.Lock()
	n := len(q.items)
	if n > maxDrainPerTick {
		n = maxDrainPerTick
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	q.mu.Unlock()

	ran, _ := utils.BatchProcess(batch, drainSubBatch, func(tasks []Task) ([]struct{}, error) {
		for _, t := range tasks {
			if err := t(); err != nil {
				logger.Warn("task queue: deferred task failed", zap.Error(err))
			}
		}
		return make([]struct{}, len(tasks)), nil
	})
	return len(ran)
}
