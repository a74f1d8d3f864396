// Package scheduler orchestrates the task engine: a poll loop against the
// task store, a primary/retry queue pair, retry decisions, and the lifecycle
// state machine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/eventbus"
	rtsup "taskmill/internal/runtime/supervisor"
	"taskmill/internal/store"
	"taskmill/internal/task/priority"
	"taskmill/internal/task/queue"
	"taskmill/internal/task/retry"
	"taskmill/internal/task/runner"
	logx "taskmill/pkg/logx"
)

var (
	ErrNotRunning = errors.New("scheduler is not running")
	ErrDraining   = errors.New("scheduler is draining")
)

// Scheduler owns the two execution queues and the retry policy exclusively.
// All methods are safe for concurrent use.
type Scheduler struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	store  store.Store
	runner *runner.Runner
	exec   runner.Executor
	policy *retry.Policy
	prio   *priority.Function

	mu      sync.Mutex
	state   State
	primary *queue.Queue
	retryQ  *queue.Queue
	sup     *rtsup.Supervisor

	// timers tracks pending retry resubmissions so Stats can report them.
	timers int64

	polls      uint64
	pollErrors uint64
	submitted  uint64
	succeeded  uint64
	failed     uint64
	retries    uint64
}

func New(cfg Config, st store.Store, exec runner.Executor, run *runner.Runner, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	pol := retry.NewPolicy(cfg.RetryPolicy)
	pf := priority.New(cfg.Priority)
	pol.PriorityFor = pf.Compute

	return &Scheduler{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		store:  st,
		runner: run,
		exec:   exec,
		policy: pol,
		prio:   pf,
		state:  StateStopped,
	}
}

// Start brings the scheduler to running and kicks off the poll loop. An
// immediate poll cycle runs before the first interval elapses. Calling Start
// on an already-running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning, StatePaused, StateStarting:
		s.mu.Unlock()
		return nil
	case StateDraining:
		s.mu.Unlock()
		return ErrDraining
	}
	s.state = StateStarting

	s.primary = queue.New(s.cfg.Primary, s.log)
	s.retryQ = queue.New(s.cfg.Retry, s.log)
	s.sup = rtsup.New(context.Background(), rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	s.state = StateRunning
	s.mu.Unlock()

	s.publishState(StateRunning)
	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Int("primary_concurrency", s.cfg.Primary.Concurrency),
		logx.Int("retry_concurrency", s.cfg.Retry.Concurrency),
	)

	s.recoverStranded(ctx)

	s.sup.GoRestart("poll-loop", s.pollLoop)
	return nil
}

// recoverStranded resets tasks left status=running by an unclean shutdown so
// the claim step can offer them again.
func (s *Scheduler) recoverStranded(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		s.log.Warn("stranded-task scan failed", logx.Err(err))
		return
	}
	n := 0
	for _, t := range tasks {
		if t.Status != domain.TaskRunning {
			continue
		}
		if err := s.store.UpdateTaskStatus(ctx, t.ID, t.Owner, domain.TaskPending); err != nil {
			s.log.Warn("stranded-task reset failed", logx.String("task_id", t.ID), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("stranded tasks reset", logx.Int("count", n))
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	s.pollOnce(ctx)

	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce runs a single cycle. Store failures are logged and absorbed; the
// next cycle retries naturally.
func (s *Scheduler) pollOnce(ctx context.Context) {
	atomic.AddUint64(&s.polls, 1)

	tasks, err := s.store.FetchReadyTasks(ctx, time.Now())
	if err != nil {
		atomic.AddUint64(&s.pollErrors, 1)
		s.log.Warn("poll cycle failed", logx.Err(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	s.log.Debug("poll cycle", logx.Int("ready", len(tasks)))

	for _, t := range tasks {
		if err := s.submitTask(ctx, t); err != nil {
			s.log.Warn("submit failed",
				logx.String("task_id", t.ID), logx.Err(err))
		}
	}
}

// submitTask enqueues the first attempt of a claimed task. On queue
// rejection the claim is released so the next poll cycle can re-offer.
func (s *Scheduler) submitTask(ctx context.Context, t domain.Task) error {
	s.mu.Lock()
	q := s.primary
	sup := s.sup
	s.mu.Unlock()
	if q == nil || sup == nil {
		return ErrNotRunning
	}

	prio := s.prio.Compute(t, 1, time.Now())
	task := t
	_, err := q.Submit(func(runCtx context.Context) error {
		return s.executeWithRetry(runCtx, task, 1, nil)
	}, prio, queue.Meta{TaskID: t.ID, Owner: t.Owner, Attempt: 1})
	if err != nil {
		if uerr := s.store.UpdateTaskStatus(ctx, t.ID, t.Owner, domain.TaskPending); uerr != nil {
			s.log.Warn("claim release failed", logx.String("task_id", t.ID), logx.Err(uerr))
		}
		s.publish(eventbus.TypeTaskDropped, t, prio, 1)
		return err
	}

	atomic.AddUint64(&s.submitted, 1)
	s.publish(eventbus.TypeTaskSubmitted, t, prio, 1)
	return nil
}

// SubmitAdhoc injects externally-triggered work (webhook or manual) into the
// primary queue, so it shares the same concurrency and rate limits as polled
// work. The task is claimed in the store first, so a due task cannot also be
// picked up by the next poll cycle; ErrBusy means it is already in flight.
// The returned handle settles on the terminal outcome only — intermediate
// retriable failures resubmit instead of rejecting it.
func (s *Scheduler) SubmitAdhoc(ctx context.Context, t domain.Task) (*Handle, error) {
	s.mu.Lock()
	q := s.primary
	state := s.state
	s.mu.Unlock()
	if q == nil || state == StateDraining || state == StateStopped {
		return nil, ErrNotRunning
	}

	if t.Trigger == "" {
		t.Trigger = domain.TriggerWebhook
	}
	if err := s.store.ClaimTask(ctx, t.ID, t.Owner); err != nil {
		return nil, err
	}
	t.Status = domain.TaskRunning

	res := newHandle()
	prio := s.prio.Compute(t, 1, time.Now())
	task := t
	qh, err := q.Submit(func(runCtx context.Context) error {
		return s.executeWithRetry(runCtx, task, 1, res)
	}, prio, queue.Meta{TaskID: t.ID, Owner: t.Owner, Attempt: 1})
	if err != nil {
		s.releaseClaim(t)
		s.publish(eventbus.TypeTaskDropped, t, prio, 1)
		return nil, err
	}
	go watchAttempt(qh, res)
	atomic.AddUint64(&s.submitted, 1)
	s.publish(eventbus.TypeTaskSubmitted, t, prio, 1)
	return res, nil
}

// watchAttempt forwards queue-level settlements (timeout, shutdown clear) to
// the terminal-outcome handle. Callable outcomes settle the handle directly;
// for those the attempt error is not a queue sentinel and is ignored here.
func watchAttempt(qh *queue.Handle, res *Handle) {
	<-qh.Done()
	err := qh.Err()
	if errors.Is(err, queue.ErrTimeout) || errors.Is(err, queue.ErrCleared) || errors.Is(err, queue.ErrClosed) {
		res.settle(err)
	}
}

// SubmitCallable injects an opaque callable into the primary queue under the
// descriptor's identity. Used by the facade's side entry; the callable shares
// the queue's limits but bypasses the runner and retry machinery.
func (s *Scheduler) SubmitCallable(fn queue.Callable, t domain.Task) (*queue.Handle, error) {
	s.mu.Lock()
	q := s.primary
	state := s.state
	s.mu.Unlock()
	if q == nil || state == StateDraining || state == StateStopped {
		return nil, ErrNotRunning
	}

	if t.Trigger == "" {
		t.Trigger = domain.TriggerWebhook
	}
	prio := s.prio.Compute(t, 1, time.Now())
	h, err := q.Submit(fn, prio, queue.Meta{TaskID: t.ID, Owner: t.Owner, Attempt: 1})
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.submitted, 1)
	s.publish(eventbus.TypeTaskSubmitted, t, prio, 1)
	return h, nil
}

// executeWithRetry runs one attempt and converts a retriable failure into a
// delayed resubmission on the retry queue. Terminal failures update the task,
// fire the failure notification, and return the original error to the
// attempt's queue handle. res (nil on the poll path) settles only with the
// terminal outcome, never with an intermediate retriable failure.
func (s *Scheduler) executeWithRetry(ctx context.Context, t domain.Task, attempt int, res *Handle) error {
	e, err := s.runner.Run(ctx, s.exec, t, attempt)
	if err == nil {
		atomic.AddUint64(&s.succeeded, 1)
		if cerr := s.store.CompleteTask(ctx, t.ID, t.Owner, time.Now()); cerr != nil {
			s.log.Warn("task completion update failed",
				logx.String("task_id", t.ID), logx.Err(cerr))
		}
		res.settle(nil)
		return nil
	}

	d := s.policy.Decide(t, err, attempt)
	if !d.ShouldRetry {
		s.markFailed(t, e, attempt, err)
		res.settle(err)
		return err
	}

	atomic.AddUint64(&s.retries, 1)
	s.log.Debug("retry scheduled",
		logx.String("task_id", t.ID),
		logx.Int("next_attempt", d.NextAttempt),
		logx.Duration("delay", d.Delay),
		logx.Err(err),
	)
	s.publish(eventbus.TypeTaskRetry, t, d.Priority, d.NextAttempt)
	s.scheduleRetry(t, d, res)
	return err
}

// scheduleRetry arms a timer and resubmits to the retry queue once the
// backoff elapses. The delay lives outside the queue so the retry queue's
// limits apply only when the item is actually ready to run.
func (s *Scheduler) scheduleRetry(t domain.Task, d retry.Decision, res *Handle) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		s.abandonRetry(t, d.NextAttempt, errors.New("scheduler stopped"), res)
		return
	}

	atomic.AddInt64(&s.timers, 1)
	sup.Go0(fmt.Sprintf("retry-%s-%d", t.ID, d.NextAttempt), func(ctx context.Context) {
		defer atomic.AddInt64(&s.timers, -1)

		tmr := time.NewTimer(d.Delay)
		defer tmr.Stop()
		select {
		case <-ctx.Done():
			s.abandonRetry(t, d.NextAttempt, ctx.Err(), res)
			return
		case <-tmr.C:
		}

		s.mu.Lock()
		q := s.retryQ
		s.mu.Unlock()
		if q == nil {
			s.abandonRetry(t, d.NextAttempt, errors.New("scheduler stopped"), res)
			return
		}
		task := t
		qh, err := q.Submit(func(runCtx context.Context) error {
			return s.executeWithRetry(runCtx, task, d.NextAttempt, res)
		}, d.Priority, queue.Meta{TaskID: t.ID, Owner: t.Owner, IsRetry: true, Attempt: d.NextAttempt})
		if err != nil {
			s.abandonRetry(t, d.NextAttempt, err, res)
			return
		}
		if res != nil {
			go watchAttempt(qh, res)
		}
	})
}

// abandonRetry releases a task whose resubmission could not happen (shutdown
// raced the backoff timer). The task goes back to pending so a later process
// can pick it up; a waiting ad-hoc caller sees the cause.
func (s *Scheduler) abandonRetry(t domain.Task, attempt int, cause error, res *Handle) {
	s.log.Warn("retry abandoned",
		logx.String("task_id", t.ID),
		logx.Int("attempt", attempt),
		logx.Err(cause),
	)
	s.releaseClaim(t)
	res.settle(cause)
}

// releaseClaim puts a claimed task back to pending so a later poll cycle or
// process can pick it up.
func (s *Scheduler) releaseClaim(t domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateTaskStatus(ctx, t.ID, t.Owner, domain.TaskPending); err != nil {
		s.log.Warn("claim release failed", logx.String("task_id", t.ID), logx.Err(err))
	}
}

// markFailed records a terminal failure: execution already holds the last
// error; the task transitions to failed, recurring tasks get a fresh next
// run so the failure is retried at the next scheduled occurrence, one-shot
// tasks are disabled.
func (s *Scheduler) markFailed(t domain.Task, e domain.Execution, attempt int, cause error) {
	atomic.AddUint64(&s.failed, 1)
	s.log.Warn("task failed",
		logx.String("task_id", t.ID),
		logx.Int("attempts", attempt),
		logx.Err(cause),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	t.Status = domain.TaskFailed
	t.LastRunAt = now
	if t.Recurring {
		next, nerr := store.NextRun(t.Schedule, now)
		if nerr != nil {
			s.log.Warn("next run computation failed",
				logx.String("task_id", t.ID), logx.Err(nerr))
			t.Enabled = false
		} else {
			t.NextRunAt = next
		}
	} else {
		t.Enabled = false
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		s.log.Warn("failure update failed", logx.String("task_id", t.ID), logx.Err(err))
	}

	s.runner.NotifyFailure(ctx, t, e)
	s.publish(eventbus.TypeTaskFailed, t, 0, attempt)
}

// Pause stops dispatch on both queues without tearing down the poll loop.
// Newly-polled work still enqueues; nothing starts until Resume.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		if st == StatePaused {
			return nil
		}
		return ErrNotRunning
	}
	s.state = StatePaused
	p, r := s.primary, s.retryQ
	s.mu.Unlock()

	p.Pause()
	r.Pause()
	s.publishState(StatePaused)
	s.log.Info("scheduler paused")
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		st := s.state
		s.mu.Unlock()
		if st == StateRunning {
			return nil
		}
		return ErrNotRunning
	}
	s.state = StateRunning
	p, r := s.primary, s.retryQ
	s.mu.Unlock()

	p.Resume()
	r.Resume()
	s.publishState(StateRunning)
	s.log.Info("scheduler resumed")
	return nil
}

// Stop drains both queues up to the configured drain timeout, then
// force-clears whatever remains. It always returns within roughly the drain
// timeout, never hangs, and is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateDraining {
		s.mu.Unlock()
		return nil
	}
	wasPaused := s.state == StatePaused
	s.state = StateDraining
	p, r, sup := s.primary, s.retryQ, s.sup
	s.mu.Unlock()

	s.publishState(StateDraining)
	// A paused queue never drains; let dispatch run for the drain window.
	if wasPaused {
		p.Resume()
		r.Resume()
	}
	start := time.Now()
	s.log.Info("scheduler stopping", logx.Duration("drain_timeout", s.cfg.DrainTimeout))

	// Stop the poll loop and pending retry timers first so nothing new
	// enters the queues while they drain.
	sup.Cancel()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var perr, rerr error
	wg.Add(2)
	go func() { defer wg.Done(); perr = p.Drain(drainCtx) }()
	go func() { defer wg.Done(); rerr = r.Drain(drainCtx) }()
	wg.Wait()

	if perr != nil || rerr != nil {
		cleared := p.Clear() + r.Clear()
		s.log.Warn("drain timed out, queues force-cleared", logx.Int("cleared", cleared))
		if s.bus != nil && cleared > 0 {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Data: DropEvent{Cleared: cleared}})
		}
	}

	p.Close()
	r.Close()

	waitCtx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	_ = sup.Wait(waitCtx)

	s.mu.Lock()
	s.state = StateStopped
	s.primary, s.retryQ, s.sup = nil, nil, nil
	s.mu.Unlock()

	s.publishState(StateStopped)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Health never fails; a stopped scheduler reports zeroed queue stats.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	state := s.state
	p, r := s.primary, s.retryQ
	s.mu.Unlock()

	h := Health{
		State:       state,
		Healthy:     state == StateRunning || state == StatePaused,
		RetryTimers: atomic.LoadInt64(&s.timers),
	}
	if p != nil {
		h.Primary = p.Stats()
	}
	if r != nil {
		h.Retry = r.Stats()
	}
	return h
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Polls:            atomic.LoadUint64(&s.polls),
		PollErrors:       atomic.LoadUint64(&s.pollErrors),
		TasksSubmitted:   atomic.LoadUint64(&s.submitted),
		TasksSucceeded:   atomic.LoadUint64(&s.succeeded),
		TasksFailed:      atomic.LoadUint64(&s.failed),
		RetriesScheduled: atomic.LoadUint64(&s.retries),
	}
}

func (s *Scheduler) publish(typ string, t domain.Task, prio float64, attempt int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: SubmitEvent{
		TaskID:   t.ID,
		Owner:    t.Owner,
		Trigger:  string(t.Trigger),
		Priority: prio,
		Attempt:  attempt,
	}})
}

func (s *Scheduler) publishState(st State) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineState, Data: StateEvent{State: string(st)}})
}

// SubmitEvent is published for submissions and retry scheduling.
type SubmitEvent struct {
	TaskID   string  `json:"task_id"`
	Owner    string  `json:"owner"`
	Trigger  string  `json:"trigger"`
	Priority float64 `json:"priority"`
	Attempt  int     `json:"attempt"`
}

// StateEvent is published on lifecycle transitions.
type StateEvent struct {
	State string `json:"state"`
}

// DropEvent is published when a drain timeout force-clears queued work.
type DropEvent struct {
	Cleared int `json:"cleared"`
}
