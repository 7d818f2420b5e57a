// Package worker runs the dequeue, handle, settle loop for one task kind.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/metrics"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Handler executes one step of a task.
type Handler interface {
	Handle(ctx context.Context, task syllabus.Task) (syllabus.Outcome, error)
	// Failed is called once a task has failed for good.
	Failed(ctx context.Context, task syllabus.Task, cause error)
}

// RetryPolicy decides whether a failed step runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Limiter paces task starts per kind.
type Limiter interface {
	Wait(ctx context.Context, kind syllabus.TaskKind) error
}

// LeaseExtender renews the queue lease of a task that is still running.
type LeaseExtender interface {
	Extend(ctx context.Context, taskID string) error
}

// Task statuses reported to metrics.
const (
	StatusCompleted = "completed"
	StatusDelayed   = "delayed"
	StatusWaiting   = "waiting"
	StatusRetried   = "retried"
	StatusFailed    = "failed"
)

// Worker consumes tasks of one kind.
type Worker struct {
	kind    syllabus.TaskKind
	queue   syllabus.TaskQueue
	handler Handler
	limiter Limiter
	retry   RetryPolicy
	logger  *zap.Logger

	lease     LeaseExtender
	heartbeat time.Duration
}

// New constructs a Worker. limiter and retry may be nil.
func New(
	kind syllabus.TaskKind,
	queue syllabus.TaskQueue,
	handler Handler,
	limiter Limiter,
	retry RetryPolicy,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		kind:    kind,
		queue:   queue,
		handler: handler,
		limiter: limiter,
		retry:   retry,
		logger:  logger.With(zap.String("kind", string(kind))),
	}
}

// WithHeartbeat makes the worker renew the lease of its current task every
// interval while the handler runs.
func (w *Worker) WithHeartbeat(lease LeaseExtender, every time.Duration) *Worker {
	if lease != nil && every > 0 {
		w.lease = lease
		w.heartbeat = every
	}
	return w
}

// Kind returns the task kind this worker consumes.
func (w *Worker) Kind() syllabus.TaskKind { return w.kind }

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, w.kind); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("rate limit wait failed", zap.Error(err))
				continue
			}
		}
		task, err := w.queue.Dequeue(ctx, w.kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", task.ID), zap.Int("attempt", task.Attempt))
		w.Process(ctx, task)
	}
}

// Process runs one step of task and settles it on the queue.
func (w *Worker) Process(ctx context.Context, task syllabus.Task) {
	metrics.IncActiveWorkers(string(w.kind))
	defer metrics.DecActiveWorkers(string(w.kind))

	start := time.Now()
	stop := w.keepLease(ctx, task)
	outcome, err := w.handler.Handle(ctx, task)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: the task stays active until recovered.
			w.logger.Warn("task interrupted", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		status := w.settleFailure(ctx, task, err)
		metrics.ObserveTask(string(w.kind), status, time.Since(start))
		return
	}

	status, err := w.apply(ctx, task, outcome)
	if err != nil {
		w.logger.Error("settle task failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	metrics.ObserveTask(string(w.kind), status, time.Since(start))
}

// keepLease renews the lease of task until the returned func is called.
func (w *Worker) keepLease(ctx context.Context, task syllabus.Task) func() {
	if w.lease == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.lease.Extend(ctx, task.ID); err != nil && ctx.Err() == nil {
					w.logger.Warn("extend task lease", zap.String("task_id", task.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) apply(ctx context.Context, task syllabus.Task, outcome syllabus.Outcome) (string, error) {
	switch outcome.Action {
	case syllabus.ActionDelay:
		return StatusDelayed, w.queue.Delay(ctx, task, outcome.Delay, outcome.Payload)
	case syllabus.ActionWaitChildren:
		waiting, err := w.queue.WaitChildren(ctx, task, outcome.Payload)
		if err != nil {
			return "", err
		}
		w.logger.Debug("waiting on children", zap.String("task_id", task.ID), zap.Bool("suspended", waiting))
		return StatusWaiting, nil
	default:
		return StatusCompleted, w.queue.Complete(ctx, task)
	}
}

func (w *Worker) settleFailure(ctx context.Context, task syllabus.Task, cause error) string {
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.String("error_kind", string(syllabus.Kind(cause))),
		zap.Error(cause),
	}
	if w.retry != nil && w.retry.ShouldRetry(cause, task.Attempt) {
		delay := w.retry.Backoff(task.Attempt)
		w.logger.Warn("task step failed, retrying", append(fields, zap.Duration("backoff", delay))...)
		if err := w.queue.Retry(ctx, task, delay, cause); err != nil {
			w.logger.Error("schedule retry failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return StatusRetried
	}

	w.logger.Error("task failed", fields...)
	w.handler.Failed(ctx, task, cause)
	if err := w.queue.Fail(ctx, task, cause); err != nil {
		w.logger.Error("mark task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	return StatusFailed
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
