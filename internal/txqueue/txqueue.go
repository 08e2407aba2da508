// Package txqueue implements AuthService's nonce-ordered transaction
// queue: a single tail-chained FIFO so two chain-writing tasks never
// share a nonce and a failure never desynchronizes the queue head
// (spec.md §4.7/§5). Grounded on the teacher's dedicated-goroutine +
// buffered-channel pattern in internal/signing/signing.go (outCh/endCh/
// errCh draining a single session's message stream), generalized here
// from a per-session stream to a process-wide task queue.
package txqueue

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one queued unit of work. Description is a human-readable label
// for logging (spec.md §3: "TransactionJob ... tagged with a human-readable
// description").
type Task struct {
	Description string
	Run         func(ctx context.Context) error
	done        chan error
}

// Stats mirrors the {pending, completed, failed} counters spec.md §4.7
// requires.
type Stats struct {
	Pending   int64
	Completed int64
	Failed    int64
}

// Queue serializes Task execution: the next task never starts until the
// previous has settled, preserving enqueue order as execution order.
type Queue struct {
	tasks  chan *Task
	logger *zap.Logger

	pending   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the queue's drain goroutine. capacity bounds how many tasks
// may be enqueued ahead of execution; Enqueue blocks once it's full,
// naturally back-pressuring callers rather than growing unbounded.
func New(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:  make(chan *Task, capacity),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *Queue) drain() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			err := task.Run(q.ctx)
			q.pending.Add(-1)
			if err != nil {
				q.failed.Add(1)
				q.logger.Warn("queued transaction failed",
					zap.String("description", task.Description),
					zap.Error(err),
				)
			} else {
				q.completed.Add(1)
			}
			task.done <- err
			close(task.done)
		}
	}
}

// Enqueue appends task to the tail of the queue and blocks until it has
// settled (succeeded or failed), returning its error. Concurrent callers
// observe strict FIFO ordering: enqueue order equals execution order.
func (q *Queue) Enqueue(ctx context.Context, description string, run func(ctx context.Context) error) error {
	task := &Task{Description: description, Run: run, done: make(chan error, 1)}
	q.pending.Add(1)
	select {
	case q.tasks <- task:
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	case <-q.ctx.Done():
		q.pending.Add(-1)
		return q.ctx.Err()
	}
	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		// The task keeps running to completion on the queue's own context
		// (spec.md §5: "cancellation drops only the cancelled task" — the
		// caller stops waiting, the queue head still advances cleanly once
		// Run returns).
		return ctx.Err()
	}
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Pending:   q.pending.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Close stops the drain goroutine. In-flight tasks are allowed to finish;
// queued-but-not-started tasks are abandoned.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}
