// Package notify delivers task lifecycle messages back to the chat host
// and other configured channels. Delivery is best-effort: a failed sink
// never fails the task that triggered it.
package notify

import (
	"context"
	"errors"

	"taskmill/internal/domain"
	logx "taskmill/pkg/logx"
)

// Sink receives task lifecycle notifications.
type Sink interface {
	TaskStarted(ctx context.Context, t domain.Task) error
	TaskSucceeded(ctx context.Context, t domain.Task, e domain.Execution) error
	TaskFailed(ctx context.Context, t domain.Task, e domain.Execution) error
}

type nopSink struct{}

func (nopSink) TaskStarted(context.Context, domain.Task) error { return nil }
func (nopSink) TaskSucceeded(context.Context, domain.Task, domain.Execution) error {
	return nil
}
func (nopSink) TaskFailed(context.Context, domain.Task, domain.Execution) error {
	return nil
}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

type multiSink struct {
	sinks []Sink
	log   logx.Logger
}

// Multi fans each notification out to every sink. Per-sink errors are
// logged and joined; the remaining sinks still run.
func Multi(log logx.Logger, sinks ...Sink) Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &multiSink{sinks: out, log: log}
}

func (m *multiSink) TaskStarted(ctx context.Context, t domain.Task) error {
	return m.each(ctx, t, func(s Sink) error { return s.TaskStarted(ctx, t) })
}

func (m *multiSink) TaskSucceeded(ctx context.Context, t domain.Task, e domain.Execution) error {
	return m.each(ctx, t, func(s Sink) error { return s.TaskSucceeded(ctx, t, e) })
}

func (m *multiSink) TaskFailed(ctx context.Context, t domain.Task, e domain.Execution) error {
	return m.each(ctx, t, func(s Sink) error { return s.TaskFailed(ctx, t, e) })
}

func (m *multiSink) each(ctx context.Context, t domain.Task, fn func(Sink) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			m.log.Warn("notification sink failed",
				logx.String("task_id", t.ID),
				logx.Err(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
