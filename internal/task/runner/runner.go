// Package runner executes a single task attempt and keeps the execution
// record straight: exactly one execution row per attempt, transitioned
// from running to a terminal state exactly once.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/domain"
	"taskmill/internal/eventbus"
	"taskmill/internal/notify"
	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

// Executor runs the work a task describes and returns its output.
type Executor interface {
	Execute(ctx context.Context, t domain.Task) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t domain.Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, t domain.Task) (string, error) {
	return f(ctx, t)
}

type Runner struct {
	store store.Store
	sink  notify.Sink
	bus   eventbus.Bus
	log   logx.Logger
}

func New(st store.Store, sink notify.Sink, bus eventbus.Bus, log logx.Logger) *Runner {
	if sink == nil {
		sink = notify.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{store: st, sink: sink, bus: bus, log: log}
}

// Run performs one attempt of t and returns the finished execution record.
// The returned error is the executor's error (nil on success); record
// keeping and notification failures are logged, never propagated, so they
// cannot change the task's outcome.
func (r *Runner) Run(ctx context.Context, exec Executor, t domain.Task, attempt int) (domain.Execution, error) {
	start := time.Now()
	e := domain.Execution{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Owner:     t.Owner,
		Status:    domain.ExecutionRunning,
		StartTime: start,
	}
	if err := r.store.CreateExecution(ctx, e); err != nil {
		r.log.Warn("create execution record failed",
			logx.String("task_id", t.ID), logx.Err(err))
	}

	r.log.Debug("task attempt started",
		logx.String("task_id", t.ID),
		logx.String("execution_id", e.ID),
		logx.Int("attempt", attempt),
	)
	r.publish(eventbus.TypeTaskStarted, t, e, "")

	if attempt == 1 {
		// Started notifications fire once per task run, not per retry.
		if err := r.sink.TaskStarted(ctx, t); err != nil {
			r.log.Warn("start notification failed", logx.String("task_id", t.ID), logx.Err(err))
		}
	}

	output, err := r.execute(ctx, exec, t)

	end := time.Now()
	e.EndTime = end
	e.DurationMS = end.Sub(start).Milliseconds()
	if err != nil {
		e.Status = domain.ExecutionFailed
		e.Error = err.Error()
		r.publish(eventbus.TypeTaskFailed, t, e, e.Error)
	} else {
		e.Status = domain.ExecutionCompleted
		e.Output = output
		r.publish(eventbus.TypeTaskCompleted, t, e, "")
	}
	if uerr := r.store.UpdateExecution(ctx, e); uerr != nil {
		r.log.Warn("update execution record failed",
			logx.String("execution_id", e.ID), logx.Err(uerr))
	}

	if err == nil {
		if nerr := r.sink.TaskSucceeded(ctx, t, e); nerr != nil {
			r.log.Warn("success notification failed", logx.String("task_id", t.ID), logx.Err(nerr))
		}
	}
	return e, err
}

// execute runs the executor with panic recovery so one bad task cannot
// take down the queue worker that picked it up.
func (r *Runner) execute(ctx context.Context, exec Executor, t domain.Task) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("task panicked",
				logx.String("task_id", t.ID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return exec.Execute(ctx, t)
}

// NotifyFailure reports a terminal failure to the sink. The scheduler
// calls this once retries are exhausted; per-attempt failures stay quiet.
func (r *Runner) NotifyFailure(ctx context.Context, t domain.Task, e domain.Execution) {
	if err := r.sink.TaskFailed(ctx, t, e); err != nil {
		r.log.Warn("failure notification failed", logx.String("task_id", t.ID), logx.Err(err))
	}
}

func (r *Runner) publish(typ string, t domain.Task, e domain.Execution, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ExecEvent{
		TaskID:      t.ID,
		ExecutionID: e.ID,
		Owner:       t.Owner,
		Status:      string(e.Status),
		DurationMS:  e.DurationMS,
		Error:       errMsg,
	}})
}

// ExecEvent is the payload published on the event bus for attempt
// lifecycle events.
type ExecEvent struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}
